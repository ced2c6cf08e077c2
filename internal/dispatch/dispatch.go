// Package dispatch implements the message dispatcher (C7): the only
// component that reads frames off a connection, routing each by outer
// type to the session registry, presence tracker, lock manager, or
// parameter throttler, and translating every failure into an in-session
// "error" (or "lock_response") frame rather than closing the channel.
package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seenwd/ascend-collab-core/internal/authority"
	"github.com/seenwd/ascend-collab-core/internal/coreerr"
	"github.com/seenwd/ascend-collab-core/internal/lock"
	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/presence"
	"github.com/seenwd/ascend-collab-core/internal/protocol"
	"github.com/seenwd/ascend-collab-core/internal/session"
	"github.com/seenwd/ascend-collab-core/internal/throttle"
)

type identityMeta struct {
	displayName string
	avatarURL   string
	role        string
}

// Dispatcher wires C1 (decoding, via protocol) to C3-C6. It holds no
// transport state of its own beyond the tiny per-socket identity metadata
// (display name/avatar/role) that presence needs and that session.Connection
// has no reason to carry.
type Dispatcher struct {
	mu         sync.Mutex
	identities map[string]identityMeta

	registry  *session.Registry
	presence  *presence.Tracker
	locks     *lock.Manager
	throttler *throttle.Manager
	obs       observer.Observer
}

// NewDispatcher builds a Dispatcher over the given components.
func NewDispatcher(registry *session.Registry, pres *presence.Tracker, locks *lock.Manager, throttler *throttle.Manager, obs observer.Observer) *Dispatcher {
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Dispatcher{
		identities: make(map[string]identityMeta),
		registry:   registry,
		presence:   pres,
		locks:      locks,
		throttler:  throttler,
		obs:        obs,
	}
}

// Register wraps session.Registry.Register, additionally remembering the
// display metadata (not part of Connection) that a later presence "join"
// needs.
func (d *Dispatcher) Register(socketID string, sender session.Sender, identity authority.Identity, projectID uuid.UUID) (*session.Connection, error) {
	conn, err := d.registry.Register(socketID, sender, identity.UserID, projectID, identity.EffectiveClientID, identity.CanEdit)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.identities[socketID] = identityMeta{displayName: identity.DisplayName, avatarURL: identity.AvatarURL, role: identity.Role}
	d.mu.Unlock()
	return conn, nil
}

// Unregister runs the full connection-close cleanup in the order the spec
// requires: presence and locks reference the connection's identity, so
// they are torn down before the registry forgets socketId.
func (d *Dispatcher) Unregister(socketID string, reason presence.LeaveReason) {
	conn, ok := d.registry.Connection(socketID)
	if ok {
		d.presence.Leave(conn.ProjectID, conn.ClientID, reason)
		d.locks.ReleaseAllForClient(conn.ClientID, lock.ReleaseReason(reason))
	}
	d.registry.Unregister(socketID)
	d.mu.Lock()
	delete(d.identities, socketID)
	d.mu.Unlock()
}

// Dispatch decodes and routes one inbound frame. It never returns an error
// to the transport layer for in-session failures — those are reported to
// the connection as an "error" or "lock_response" frame per the spec; the
// transport only needs to know about the rare decode-at-the-outer-shape
// failure, which DecodeFrame itself reports the same way.
func (d *Dispatcher) Dispatch(socketID string, raw []byte) {
	conn, ok := d.registry.Connection(socketID)
	if !ok {
		return
	}

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		d.sendError(conn, err)
		return
	}
	d.registry.Touch(socketID, time.Now().UTC())

	switch frame.Type {
	case protocol.TypePing:
		d.handlePing(conn)
	case protocol.TypeEvent:
		d.handleEvent(conn, frame.Data)
	case protocol.TypePresence:
		d.handlePresence(conn, frame.Data)
	case protocol.TypeLock:
		d.handleLock(conn, frame.Data)
	case protocol.TypeSync:
		d.handleSync(conn, frame.Data)
	default:
		d.sendError(conn, coreerr.New(coreerr.UnknownMessageType, "unknown message type: "+frame.Type))
	}
}

func (d *Dispatcher) handlePing(conn *session.Connection) {
	frame, err := protocol.Encode(protocol.TypePong, protocol.PongData{Timestamp: time.Now().UnixMilli()})
	if err == nil {
		conn.Sender.TrySend(frame)
	}
}

func (d *Dispatcher) handleEvent(conn *session.Connection, data json.RawMessage) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		d.sendError(conn, err)
		return
	}
	if !conn.CanEdit {
		d.sendError(conn, coreerr.WithEvent(coreerr.Forbidden, "connection does not hold edit access", ev.EventID.String()))
		return
	}
	if ev.ProjectID != conn.ProjectID {
		d.sendError(conn, coreerr.WithEvent(coreerr.ProjectMismatch, "event projectId does not match connection", ev.EventID.String()))
		return
	}
	if ev.ActorID != conn.UserID {
		d.sendError(conn, coreerr.WithEvent(coreerr.ActorMismatch, "event actorId does not match connection", ev.EventID.String()))
		return
	}

	if ev.Type == "plugin.param_change" {
		d.handleParamChange(conn, ev)
		return
	}

	outcome, err := d.registry.Submit(conn.SocketID, ev)
	if err != nil {
		d.obs.InternalError("dispatch", err)
		d.sendError(conn, coreerr.WithEvent(coreerr.ProcessingError, "failed to process event", ev.EventID.String()))
		return
	}

	if outcome.Duplicate {
		d.ack(conn, ev.EventID, outcome.Seq)
		return
	}

	if frame, err := protocol.Encode(protocol.TypeEventOut, outcome.Event); err == nil {
		excl := conn.ClientID
		d.registry.Broadcast(conn.ProjectID, frame, session.BroadcastOptions{Exclude: &excl})
	}
	d.ack(conn, ev.EventID, outcome.Seq)
}

type paramChangePayload struct {
	PluginID string          `json:"plugin_id"`
	ParamID  string          `json:"param_id"`
	Value    json.RawMessage `json:"value"`
}

// handleParamChange additionally gates on lock ownership (via C6, which
// consults C5) before queuing — per the spec's redesign note, this gate
// applies to plugin.param_change; the param_batch it eventually produces
// is never itself re-submitted through this admissibility check since C6
// assigns its seq directly through the registry.
func (d *Dispatcher) handleParamChange(conn *session.Connection, ev protocol.Event) {
	var payload paramChangePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.PluginID == "" || payload.ParamID == "" {
		d.sendError(conn, coreerr.WithEvent(coreerr.InvalidPayload, "malformed plugin.param_change payload", ev.EventID.String()))
		return
	}

	if err := d.throttler.QueueParamChange(conn.ProjectID, payload.PluginID, payload.ParamID, payload.Value, conn.UserID, conn.ClientID); err != nil {
		d.sendError(conn, withEventID(err, ev.EventID.String()))
		return
	}

	// param_change is coalesced, not assigned a seq of its own — the ack
	// only confirms receipt; the eventual param_batch carries the real seq.
	d.ack(conn, ev.EventID, 0)
}

type presenceDeltaWire struct {
	CursorPosition   *float64 `json:"cursorPosition"`
	PlayheadPosition *float64 `json:"playheadPosition"`
	SelectedTrackID  *string  `json:"selectedTrackId"`
	SelectedClipIDs  []string `json:"selectedClipIds"`
	Activity         *string  `json:"activity"`
}

func (w presenceDeltaWire) toDelta() presence.Delta {
	return presence.Delta{
		CursorPosition:   w.CursorPosition,
		PlayheadPosition: w.PlayheadPosition,
		SelectedTrackID:  w.SelectedTrackID,
		SelectedClipIDs:  w.SelectedClipIDs,
		Activity:         w.Activity,
	}
}

func (d *Dispatcher) handlePresence(conn *session.Connection, data json.RawMessage) {
	msg, err := protocol.DecodePresence(data)
	if err != nil {
		d.sendError(conn, err)
		return
	}

	switch msg.Action {
	case "join":
		d.mu.Lock()
		meta := d.identities[conn.SocketID]
		d.mu.Unlock()
		d.presence.Join(conn.ProjectID, presence.Identity{
			UserID:      conn.UserID,
			ClientID:    conn.ClientID,
			DisplayName: meta.displayName,
			AvatarURL:   meta.avatarURL,
		})
	case "leave":
		d.presence.Leave(conn.ProjectID, conn.ClientID, presence.ReasonExplicit)
	case "update":
		var delta presenceDeltaWire
		if len(msg.Delta) > 0 {
			if err := json.Unmarshal(msg.Delta, &delta); err != nil {
				d.sendError(conn, coreerr.New(coreerr.InvalidPayload, "malformed presence delta"))
				return
			}
		}
		d.presence.Update(conn.ProjectID, conn.ClientID, delta.toDelta())
	}
}

func (d *Dispatcher) handleLock(conn *session.Connection, data json.RawMessage) {
	msg, err := protocol.DecodeLock(data)
	if err != nil {
		d.sendError(conn, err)
		return
	}

	if !conn.CanEdit {
		d.replyLockError(conn, msg, string(coreerr.Forbidden))
		return
	}

	switch msg.Action {
	case "acquire":
		res := d.locks.Acquire(conn.ProjectID, lock.Request{
			ResourceType:      msg.ResourceType,
			ResourceID:        msg.ResourceID,
			HolderUserID:      conn.UserID,
			HolderClientID:    conn.ClientID,
			HolderDisplayName: d.displayName(conn.SocketID),
			Reason:            msg.Reason,
		})
		if res.Granted {
			d.replyLockResult(conn, msg, true, &res.Lock, nil)
		} else {
			d.replyLockResult(conn, msg, false, nil, res.HeldBy)
		}
	case "release":
		ok := d.locks.Release(conn.ProjectID, msg.ResourceType, msg.ResourceID, conn.ClientID)
		if !ok && d.role(conn.SocketID) == "admin" {
			ok = d.locks.ForceRelease(conn.ProjectID, msg.ResourceType, msg.ResourceID)
		}
		d.replyLockSuccess(conn, msg, ok)
	case "heartbeat":
		ok := d.locks.Heartbeat(conn.ProjectID, msg.ResourceType, msg.ResourceID, conn.ClientID)
		d.replyLockSuccess(conn, msg, ok)
	}
}

// handleSync answers a "sync" request with, in order: buffered events newer
// than the requested sinceSeq (best-effort, bounded by the replay ring —
// not durable replay), then the current presence snapshot, then the
// current lock snapshot.
func (d *Dispatcher) handleSync(conn *session.Connection, data json.RawMessage) {
	msg := protocol.DecodeSync(data)
	if msg.SinceSeq > 0 {
		for _, ev := range d.registry.ReplaySince(conn.ProjectID, msg.SinceSeq) {
			if frame, err := protocol.Encode(protocol.TypeEventOut, ev); err == nil {
				conn.Sender.TrySend(frame)
			}
		}
	}
	if frame, ok := d.presence.SyncFrame(conn.ProjectID); ok {
		conn.Sender.TrySend(frame)
	}
	if frame, ok := d.locks.SnapshotFrame(conn.ProjectID); ok {
		conn.Sender.TrySend(frame)
	}
}

func (d *Dispatcher) displayName(socketID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identities[socketID].displayName
}

// role returns the connection's collaborator role ("viewer"/"editor"/
// "admin"), independent of CanEdit — used for moderation actions like
// overriding another client's lock, which canEdit alone does not gate.
func (d *Dispatcher) role(socketID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identities[socketID].role
}

func wireLock(l lock.Lock) protocol.LockInfo {
	return protocol.LockInfo{
		LockID:            l.LockID,
		ResourceType:      l.ResourceType,
		ResourceID:        l.ResourceID,
		HolderUserID:      l.HolderUserID,
		HolderClientID:    l.HolderClientID,
		HolderDisplayName: l.HolderDisplayName,
		AcquiredAt:        l.AcquiredAt.Format(time.RFC3339Nano),
		ExpiresAt:         l.ExpiresAt.Format(time.RFC3339Nano),
		Reason:            l.Reason,
	}
}

func (d *Dispatcher) replyLockResult(conn *session.Connection, msg protocol.LockMessage, granted bool, held, heldBy *lock.Lock) {
	resp := protocol.LockResponseData{Action: msg.Action, ResourceType: msg.ResourceType, ResourceID: msg.ResourceID}
	g := granted
	resp.Granted = &g
	if held != nil {
		w := wireLock(*held)
		resp.Lock = &w
	}
	if heldBy != nil {
		w := wireLock(*heldBy)
		resp.HeldBy = &w
	}
	d.sendLockResponse(conn, resp)
}

func (d *Dispatcher) replyLockSuccess(conn *session.Connection, msg protocol.LockMessage, ok bool) {
	resp := protocol.LockResponseData{Action: msg.Action, ResourceType: msg.ResourceType, ResourceID: msg.ResourceID}
	s := ok
	resp.Success = &s
	d.sendLockResponse(conn, resp)
}

func (d *Dispatcher) replyLockError(conn *session.Connection, msg protocol.LockMessage, errCode string) {
	resp := protocol.LockResponseData{Action: msg.Action, ResourceType: msg.ResourceType, ResourceID: msg.ResourceID, Error: errCode}
	d.sendLockResponse(conn, resp)
}

func (d *Dispatcher) sendLockResponse(conn *session.Connection, resp protocol.LockResponseData) {
	frame, err := protocol.Encode(protocol.TypeLockResponse, resp)
	if err == nil {
		conn.Sender.TrySend(frame)
	}
}

func (d *Dispatcher) ack(conn *session.Connection, eventID uuid.UUID, seq uint64) {
	frame, err := protocol.Encode(protocol.TypeAck, protocol.AckData{
		EventID:    eventID,
		Seq:        seq,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		conn.Sender.TrySend(frame)
	}
}

func (d *Dispatcher) sendError(conn *session.Connection, err error) {
	code := coreerr.ProcessingError
	msg := err.Error()
	var eventID *string

	switch e := err.(type) {
	case *coreerr.Error:
		code = e.Code
		msg = e.Message
		if e.EventID != "" {
			id := e.EventID
			eventID = &id
		}
	case *protocol.CodecError:
		code = coreerr.Code(e.Code)
		msg = e.Message
		if e.EventID != "" {
			id := e.EventID
			eventID = &id
		}
	}

	frame, encErr := protocol.Encode(protocol.TypeError, protocol.ErrorData{
		Code:      string(code),
		Message:   msg,
		EventID:   eventID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if encErr == nil {
		conn.Sender.TrySend(frame)
	}
}

func withEventID(err error, eventID string) *coreerr.Error {
	if ce, ok := err.(*coreerr.Error); ok {
		return coreerr.WithEvent(ce.Code, ce.Message, eventID)
	}
	return coreerr.WithEvent(coreerr.ProcessingError, err.Error(), eventID)
}
