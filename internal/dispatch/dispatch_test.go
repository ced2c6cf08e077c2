package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seenwd/ascend-collab-core/internal/authority"
	"github.com/seenwd/ascend-collab-core/internal/lock"
	"github.com/seenwd/ascend-collab-core/internal/presence"
	"github.com/seenwd/ascend-collab-core/internal/protocol"
	"github.com/seenwd/ascend-collab-core/internal/session"
	"github.com/seenwd/ascend-collab-core/internal/throttle"
)

type fakeSender struct{ frames [][]byte }

func (f *fakeSender) TrySend(frame []byte) bool {
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSender) lastFrame() protocol.Frame {
	raw := f.frames[len(f.frames)-1]
	fr, _ := protocol.DecodeFrame(raw)
	return fr
}

func (f *fakeSender) framesOfType(t string) []protocol.Frame {
	var out []protocol.Frame
	for _, raw := range f.frames {
		fr, err := protocol.DecodeFrame(raw)
		if err == nil && fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Registry, *lock.Manager) {
	t.Helper()
	registry := session.NewRegistry(0, nil)
	locks := lock.NewManager(0, 0, registry, nil)
	pres := presence.NewTracker([]string{"#EF4444", "#F97316"}, registry, locks, nil)
	thr := throttle.NewManager(time.Hour, 30, 50, locks, registry, nil)
	return NewDispatcher(registry, pres, locks, thr, nil), registry, locks
}

func registerConn(t *testing.T, d *Dispatcher, projectID uuid.UUID, canEdit bool) (string, uuid.UUID, *fakeSender) {
	t.Helper()
	return registerConnWithRole(t, d, projectID, canEdit, "editor")
}

func registerConnWithRole(t *testing.T, d *Dispatcher, projectID uuid.UUID, canEdit bool, role string) (string, uuid.UUID, *fakeSender) {
	t.Helper()
	socketID := uuid.NewString()
	sender := &fakeSender{}
	identity := authority.Identity{UserID: uuid.New(), EffectiveClientID: uuid.New(), CanEdit: canEdit, DisplayName: "Ada", Role: role}
	if _, err := d.Register(socketID, sender, identity, projectID); err != nil {
		t.Fatalf("register: %v", err)
	}
	return socketID, identity.EffectiveClientID, sender
}

func eventFrame(t *testing.T, projectID, actorID, clientID uuid.UUID, eventType string) []byte {
	t.Helper()
	ev := map[string]any{
		"event_id":   uuid.New().String(),
		"project_id": projectID.String(),
		"actor_id":   actorID.String(),
		"client_id":  clientID.String(),
		"sent_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":       eventType,
		"version":    protocol.EventVersion,
		"payload":    map[string]any{"clip_id": "c1", "track_id": "t1"},
	}
	raw, err := protocol.Encode(protocol.TypeEvent, ev)
	if err != nil {
		t.Fatalf("encode event frame: %v", err)
	}
	return raw
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketID, _, sender := registerConn(t, d, projectID, true)

	frame, _ := protocol.Encode(protocol.TypePing, struct{}{})
	d.Dispatch(socketID, frame)

	pongs := sender.framesOfType(protocol.TypePong)
	if len(pongs) != 1 {
		t.Fatalf("expected 1 pong, got %d", len(pongs))
	}
}

func TestDispatchEventRequiresCanEdit(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketID, clientID, sender := registerConn(t, d, projectID, false)
	conn, _ := d.registry.Connection(socketID)

	raw := eventFrame(t, projectID, conn.UserID, clientID, "clip.add")
	d.Dispatch(socketID, raw)

	errs := sender.framesOfType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error frame, got %d", len(errs))
	}
	var ed protocol.ErrorData
	json.Unmarshal(errs[0].Data, &ed)
	if ed.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", ed.Code)
	}
}

func TestDispatchEventProjectMismatch(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketID, clientID, sender := registerConn(t, d, projectID, true)
	conn, _ := d.registry.Connection(socketID)

	raw := eventFrame(t, uuid.New(), conn.UserID, clientID, "clip.add")
	d.Dispatch(socketID, raw)

	errs := sender.framesOfType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error frame, got %d", len(errs))
	}
	var ed protocol.ErrorData
	json.Unmarshal(errs[0].Data, &ed)
	if ed.Code != "PROJECT_MISMATCH" {
		t.Fatalf("expected PROJECT_MISMATCH, got %s", ed.Code)
	}
}

func TestDispatchEventActorMismatch(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketID, clientID, sender := registerConn(t, d, projectID, true)

	raw := eventFrame(t, projectID, uuid.New(), clientID, "clip.add")
	d.Dispatch(socketID, raw)

	errs := sender.framesOfType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error frame, got %d", len(errs))
	}
	var ed protocol.ErrorData
	json.Unmarshal(errs[0].Data, &ed)
	if ed.Code != "ACTOR_MISMATCH" {
		t.Fatalf("expected ACTOR_MISMATCH, got %s", ed.Code)
	}
}

func TestDispatchEventBroadcastsAndAcksSender(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, clientA, senderA := registerConn(t, d, projectID, true)
	_, _, senderB := registerConn(t, d, projectID, true)

	conn, _ := d.registry.Connection(socketA)
	raw := eventFrame(t, projectID, conn.UserID, clientA, "clip.add")
	d.Dispatch(socketA, raw)

	if len(senderA.framesOfType(protocol.TypeAck)) != 1 {
		t.Fatal("expected sender to receive an ack")
	}
	if len(senderB.framesOfType(protocol.TypeEventOut)) != 1 {
		t.Fatal("expected peer to receive the broadcast event")
	}
	if len(senderA.framesOfType(protocol.TypeEventOut)) != 0 {
		t.Fatal("expected sender not to receive its own broadcast by default")
	}
}

func TestDispatchDuplicateEventDoesNotRebroadcast(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, clientA, senderA := registerConn(t, d, projectID, true)
	_, _, senderB := registerConn(t, d, projectID, true)

	conn, _ := d.registry.Connection(socketA)
	eventID := uuid.New()
	ev := map[string]any{
		"event_id":   eventID.String(),
		"project_id": projectID.String(),
		"actor_id":   conn.UserID.String(),
		"client_id":  clientA.String(),
		"sent_at":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":       "clip.add",
		"version":    protocol.EventVersion,
		"payload":    map[string]any{"clip_id": "c1", "track_id": "t1"},
	}
	raw, _ := protocol.Encode(protocol.TypeEvent, ev)

	d.Dispatch(socketA, raw)
	d.Dispatch(socketA, raw)

	if len(senderA.framesOfType(protocol.TypeAck)) != 2 {
		t.Fatalf("expected 2 acks (one per submission), got %d", len(senderA.framesOfType(protocol.TypeAck)))
	}
	if len(senderB.framesOfType(protocol.TypeEventOut)) != 1 {
		t.Fatalf("expected exactly 1 broadcast despite 2 submissions, got %d", len(senderB.framesOfType(protocol.TypeEventOut)))
	}
}

func TestDispatchLockAcquireThenConflict(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, _, senderA := registerConn(t, d, projectID, true)
	socketB, _, senderB := registerConn(t, d, projectID, true)

	lockFrame, _ := protocol.Encode(protocol.TypeLock, protocol.LockMessage{Action: "acquire", ResourceType: "clip", ResourceID: "c1"})
	d.Dispatch(socketA, lockFrame)
	d.Dispatch(socketB, lockFrame)

	respA := lastLockResponse(t, senderA)
	if respA.Granted == nil || !*respA.Granted {
		t.Fatalf("expected A to be granted, got %+v", respA)
	}
	respB := lastLockResponse(t, senderB)
	if respB.Granted == nil || *respB.Granted {
		t.Fatalf("expected B to conflict, got %+v", respB)
	}
	if respB.HeldBy == nil {
		t.Fatal("expected heldBy on conflict")
	}
}

func TestDispatchLockRequiresCanEdit(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketID, _, sender := registerConn(t, d, projectID, false)

	lockFrame, _ := protocol.Encode(protocol.TypeLock, protocol.LockMessage{Action: "acquire", ResourceType: "clip", ResourceID: "c1"})
	d.Dispatch(socketID, lockFrame)

	resp := lastLockResponse(t, sender)
	if resp.Error != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %+v", resp)
	}
}

func TestDispatchLockReleaseByNonHolderFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, _, _ := registerConn(t, d, projectID, true)
	socketB, _, senderB := registerConn(t, d, projectID, true)

	acquire, _ := protocol.Encode(protocol.TypeLock, protocol.LockMessage{Action: "acquire", ResourceType: "clip", ResourceID: "c1"})
	d.Dispatch(socketA, acquire)

	release, _ := protocol.Encode(protocol.TypeLock, protocol.LockMessage{Action: "release", ResourceType: "clip", ResourceID: "c1"})
	d.Dispatch(socketB, release)

	resp := lastLockResponse(t, senderB)
	if resp.Success == nil || *resp.Success {
		t.Fatalf("expected a non-holding editor's release to fail, got %+v", resp)
	}
}

func TestDispatchAdminForceReleasesAnotherClientsLock(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, _, _ := registerConn(t, d, projectID, true)
	socketAdmin, _, senderAdmin := registerConnWithRole(t, d, projectID, true, "admin")

	acquire, _ := protocol.Encode(protocol.TypeLock, protocol.LockMessage{Action: "acquire", ResourceType: "clip", ResourceID: "c1"})
	d.Dispatch(socketA, acquire)

	release, _ := protocol.Encode(protocol.TypeLock, protocol.LockMessage{Action: "release", ResourceType: "clip", ResourceID: "c1"})
	d.Dispatch(socketAdmin, release)

	resp := lastLockResponse(t, senderAdmin)
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("expected admin force-release to succeed, got %+v", resp)
	}
}

func TestDispatchUnregisterRunsCleanupInOrder(t *testing.T) {
	d, registry, locks := newTestDispatcher(t)
	projectID := uuid.New()
	socketID, clientID, _ := registerConn(t, d, projectID, true)

	locks.Acquire(projectID, lock.Request{ResourceType: "clip", ResourceID: "c1", HolderClientID: clientID})

	d.Unregister(socketID, presence.ReasonDisconnect)

	if _, held := locks.HolderOf(projectID, "clip", "c1"); held {
		t.Fatal("expected lock to be released on disconnect cleanup")
	}
	if _, ok := registry.Connection(socketID); ok {
		t.Fatal("expected connection to be unregistered")
	}
}

func TestDispatchSyncReplaysBufferedEventsBeforeSnapshots(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, clientA, senderA := registerConn(t, d, projectID, true)
	_, _, _ = registerConn(t, d, projectID, true)

	conn, _ := d.registry.Connection(socketA)
	for i := 0; i < 3; i++ {
		d.Dispatch(socketA, eventFrame(t, projectID, conn.UserID, clientA, "clip.add"))
	}

	first := d.registry.ReplaySince(projectID, 0)[0]

	syncFrame, _ := protocol.Encode(protocol.TypeSync, protocol.SyncMessage{SinceSeq: first.Seq})
	senderA.frames = nil
	d.Dispatch(socketA, syncFrame)

	replayed := senderA.framesOfType(protocol.TypeEventOut)
	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed events past seq %d, got %d", first.Seq, len(replayed))
	}
	if len(senderA.framesOfType(protocol.TypePresenceOut)) != 1 {
		t.Fatal("expected a presence snapshot frame")
	}

	order := senderA.frames
	lastReplayIdx, presenceIdx := -1, -1
	for i, raw := range order {
		fr, _ := protocol.DecodeFrame(raw)
		switch fr.Type {
		case protocol.TypeEventOut:
			lastReplayIdx = i
		case protocol.TypePresenceOut:
			if presenceIdx == -1 {
				presenceIdx = i
			}
		}
	}
	if presenceIdx < lastReplayIdx {
		t.Fatalf("expected replayed events before presence snapshot, got replay@%d presence@%d", lastReplayIdx, presenceIdx)
	}
}

func TestDispatchSyncWithoutSinceSeqSkipsReplay(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	projectID := uuid.New()
	socketA, clientA, senderA := registerConn(t, d, projectID, true)

	conn, _ := d.registry.Connection(socketA)
	d.Dispatch(socketA, eventFrame(t, projectID, conn.UserID, clientA, "clip.add"))

	senderA.frames = nil
	syncFrame, _ := protocol.Encode(protocol.TypeSync, protocol.SyncMessage{})
	d.Dispatch(socketA, syncFrame)

	if len(senderA.framesOfType(protocol.TypeEventOut)) != 0 {
		t.Fatal("expected no replay when sinceSeq is zero")
	}
}

func lastLockResponse(t *testing.T, s *fakeSender) protocol.LockResponseData {
	t.Helper()
	frames := s.framesOfType(protocol.TypeLockResponse)
	if len(frames) == 0 {
		t.Fatal("expected at least one lock_response frame")
	}
	var resp protocol.LockResponseData
	if err := json.Unmarshal(frames[len(frames)-1].Data, &resp); err != nil {
		t.Fatalf("decode lock_response: %v", err)
	}
	return resp
}
