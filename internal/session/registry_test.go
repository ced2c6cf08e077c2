package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seenwd/ascend-collab-core/internal/protocol"
)

type fakeSender struct {
	frames [][]byte
	accept bool
}

func newFakeSender(accept bool) *fakeSender { return &fakeSender{accept: accept} }

func (f *fakeSender) TrySend(frame []byte) bool {
	if !f.accept {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func newEvent(t *testing.T, projectID, actorID, clientID uuid.UUID, eventType string) protocol.Event {
	t.Helper()
	return protocol.Event{
		EventID:   uuid.New(),
		ProjectID: projectID,
		ActorID:   actorID,
		ClientID:  clientID,
		SentAt:    time.Now().UTC(),
		Type:      eventType,
		Version:   protocol.EventVersion,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestRegisterSendsConnectedFrame(t *testing.T) {
	r := NewRegistry(0, nil)
	sender := newFakeSender(true)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()

	conn, err := r.Register("sock1", sender, userID, projectID, clientID, true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if conn.SocketID != "sock1" {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("expected 1 connected frame, got %d", len(sender.frames))
	}
	f, err := protocol.DecodeFrame(sender.frames[0])
	if err != nil {
		t.Fatalf("decode connected frame: %v", err)
	}
	if f.Type != protocol.TypeConnected {
		t.Fatalf("expected type %s, got %s", protocol.TypeConnected, f.Type)
	}
}

func TestRegisterRejectsDuplicateSocketID(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	if _, err := r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)
	if err != ErrSocketInUse {
		t.Fatalf("expected ErrSocketInUse, got %v", err)
	}
}

func TestUnregisterDropsEmptyProjectSession(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	conn, ok := r.Unregister("sock1")
	if !ok || conn.SocketID != "sock1" {
		t.Fatalf("expected to unregister sock1, got %+v ok=%v", conn, ok)
	}
	if _, ok := r.sessionFor(projectID); ok {
		t.Fatal("expected empty project session to be dropped")
	}
	if _, ok := r.Unregister("sock1"); ok {
		t.Fatal("expected second unregister to report not found")
	}
}

func TestSubmitAssignsGaplessMonotonicSeq(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		ev := newEvent(t, projectID, userID, clientID, "clip.add")
		outcome, err := r.Submit("sock1", ev)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if outcome.Duplicate {
			t.Fatal("unexpected duplicate")
		}
		if outcome.Seq != lastSeq+1 {
			t.Fatalf("expected seq %d, got %d", lastSeq+1, outcome.Seq)
		}
		lastSeq = outcome.Seq
	}
}

func TestSubmitDuplicateDoesNotAdvanceSeq(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	ev := newEvent(t, projectID, userID, clientID, "clip.add")
	first, err := r.Submit("sock1", ev)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	second, err := r.Submit("sock1", ev)
	if err != nil {
		t.Fatalf("submit duplicate: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate outcome")
	}
	if second.Seq != first.Seq {
		t.Fatalf("expected unchanged seq %d, got %d", first.Seq, second.Seq)
	}
}

func TestIsDuplicateReflectsMarkProcessed(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	eventID := uuid.New()
	if r.IsDuplicate(projectID, eventID) {
		t.Fatal("expected not a duplicate before MarkProcessed")
	}
	r.MarkProcessed(projectID, eventID)
	if !r.IsDuplicate(projectID, eventID) {
		t.Fatal("expected duplicate after MarkProcessed")
	}
}

func TestMarkProcessedEvictsOldestPastHistoryBound(t *testing.T) {
	r := NewRegistry(3, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		r.MarkProcessed(projectID, ids[i])
	}
	if r.IsDuplicate(projectID, ids[0]) || r.IsDuplicate(projectID, ids[1]) {
		t.Fatal("expected oldest two entries to be evicted")
	}
	for _, id := range ids[2:] {
		if !r.IsDuplicate(projectID, id) {
			t.Fatalf("expected %s to still be tracked", id)
		}
	}
}

func TestBroadcastSkipsSenderUnlessEchoRequested(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userA, userB := uuid.New(), uuid.New(), uuid.New()
	clientA, clientB := uuid.New(), uuid.New()
	senderA, senderB := newFakeSender(true), newFakeSender(true)
	r.Register("sockA", senderA, userA, projectID, clientA, true)
	r.Register("sockB", senderB, userB, projectID, clientB, true)

	frame, _ := protocol.Encode(protocol.TypeEventOut, map[string]string{"hello": "world"})

	sent := r.Broadcast(projectID, frame, BroadcastOptions{Exclude: &clientA})
	if sent != 1 {
		t.Fatalf("expected 1 recipient, got %d", sent)
	}
	// each connection received exactly one "connected" frame at register
	// time; a second frame on B (not A) confirms exclude worked.
	if len(senderA.frames) != 1 || len(senderB.frames) != 2 {
		t.Fatalf("unexpected frame counts A=%d B=%d", len(senderA.frames), len(senderB.frames))
	}

	sentEcho := r.Broadcast(projectID, frame, BroadcastOptions{Exclude: &clientA, EchoToSender: true})
	if sentEcho != 2 {
		t.Fatalf("expected 2 recipients with echoToSender, got %d", sentEcho)
	}
}

func TestBroadcastSkipsFailedSendersWithoutAborting(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userA, userB := uuid.New(), uuid.New(), uuid.New()
	senderA, senderB := newFakeSender(false), newFakeSender(true)
	r.Register("sockA", senderA, userA, projectID, uuid.New(), true)
	r.Register("sockB", senderB, userB, projectID, uuid.New(), true)

	frame, _ := protocol.Encode(protocol.TypeEventOut, map[string]string{"hello": "world"})
	sent := r.Broadcast(projectID, frame, BroadcastOptions{EchoToSender: true})
	if sent != 1 {
		t.Fatalf("expected 1 successful recipient, got %d", sent)
	}
}

func TestReplaySinceReturnsOnlyNewerEvents(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		outcome, err := r.Submit("sock1", newEvent(t, projectID, userID, clientID, "clip.add"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		seqs = append(seqs, outcome.Seq)
	}

	replay := r.ReplaySince(projectID, seqs[0])
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(replay))
	}
	if replay[0].Seq != seqs[1] || replay[1].Seq != seqs[2] {
		t.Fatalf("expected replay in seq order, got %+v", replay)
	}
}

func TestReplaySinceLatestSeqReturnsEmpty(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	outcome, _ := r.Submit("sock1", newEvent(t, projectID, userID, clientID, "clip.add"))
	if replay := r.ReplaySince(projectID, outcome.Seq); len(replay) != 0 {
		t.Fatalf("expected no replay past the latest seq, got %d entries", len(replay))
	}
}

func TestReplayBufferEvictsOldestPastBound(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	for i := 0; i < ReplayBufferSize+10; i++ {
		if _, err := r.Submit("sock1", newEvent(t, projectID, userID, clientID, "clip.add")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	replay := r.ReplaySince(projectID, 0)
	if len(replay) != ReplayBufferSize {
		t.Fatalf("expected replay bounded to %d entries, got %d", ReplayBufferSize, len(replay))
	}
}

func TestRecordReplayAppendsWithoutSubmit(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	ev := newEvent(t, projectID, userID, clientID, "plugin.param_batch")
	ev.Seq = 1
	r.RecordReplay(projectID, ev)

	replay := r.ReplaySince(projectID, 0)
	if len(replay) != 1 || replay[0].Type != "plugin.param_batch" {
		t.Fatalf("expected the recorded event to be replayable, got %+v", replay)
	}
}

func TestConnectionAppearsInAtMostOneSession(t *testing.T) {
	r := NewRegistry(0, nil)
	projectID, userID, clientID := uuid.New(), uuid.New(), uuid.New()
	r.Register("sock1", newFakeSender(true), userID, projectID, clientID, true)

	conn, ok := r.Connection("sock1")
	if !ok || conn.ProjectID != projectID {
		t.Fatalf("expected connection bound to project %s, got %+v", projectID, conn)
	}
}
