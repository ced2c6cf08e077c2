// Package session implements the per-project session registry (C3):
// connection lifecycle, per-project monotonic sequencing, the bounded
// idempotency cache, and fan-out. The teacher's ChannelState keeps one
// global map of users guarded by a single RWMutex; here every project
// gets its own lock so that unrelated projects never contend, while the
// registry-level map only ever guards the cheap bookkeeping of which
// ProjectSession a socketId or projectId maps to.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/protocol"
)

// Sender delivers an already-encoded outbound frame to one connection's
// transport. TrySend must not block past the transport's own backpressure
// policy; a false return prunes that recipient from a Broadcast, it never
// aborts the rest of the fan-out.
type Sender interface {
	TrySend(frame []byte) bool
}

// Connection is one authenticated, registered channel.
type Connection struct {
	SocketID     string
	ClientID     uuid.UUID
	UserID       uuid.UUID
	ProjectID    uuid.UUID
	CanEdit      bool
	ConnectedAt  time.Time
	LastActivity time.Time
	Sender       Sender
}

// ErrSocketInUse is returned by Register when socketId is already registered
// anywhere in the process — socketId is globally unique by invariant.
var ErrSocketInUse = errors.New("session: socketId already registered")

// ReplayBufferSize bounds the per-project ring of recently broadcast events
// kept for ReplaySince. This is a best-effort "what did I miss" convenience
// for a reconnecting client, distinct from and much smaller than the
// idempotency cache — it is not durable replay.
const ReplayBufferSize = 200

// ProjectSession is the per-project slice of state: its connections, the
// monotonic seq counter, and the bounded idempotency cache. Every mutation
// happens under mu, which is what gives NextSeq+MarkProcessed+Broadcast
// their total-order guarantee when composed by Submit.
type ProjectSession struct {
	mu             sync.Mutex
	projectID      uuid.UUID
	connections    map[string]*Connection
	nextSeq        uint64
	recentEventIDs map[uuid.UUID]struct{}
	eventIDOrder   []uuid.UUID
	maxHistory     int
	replay         []protocol.Event
}

func newProjectSession(projectID uuid.UUID, maxHistory int) *ProjectSession {
	return &ProjectSession{
		projectID:      projectID,
		connections:    make(map[string]*Connection),
		recentEventIDs: make(map[uuid.UUID]struct{}),
		maxHistory:     maxHistory,
	}
}

// appendReplayLocked records ev in the replay ring, evicting the oldest
// entry once ReplayBufferSize is exceeded. Caller holds ps.mu.
func (ps *ProjectSession) appendReplayLocked(ev protocol.Event) {
	ps.replay = append(ps.replay, ev)
	if len(ps.replay) > ReplayBufferSize {
		ps.replay = ps.replay[len(ps.replay)-ReplayBufferSize:]
	}
}

// ConnectionCount returns the number of live connections in this session.
func (ps *ProjectSession) ConnectionCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.connections)
}

// Registry is the process-wide session registry. One ProjectSession exists
// per project with at least one live connection; it is dropped the instant
// its last connection unregisters.
type Registry struct {
	mu         sync.RWMutex
	projects   map[uuid.UUID]*ProjectSession
	sockets    map[string]uuid.UUID // socketId -> projectId, the weak index
	maxHistory int
	obs        observer.Observer
}

// NewRegistry builds an empty Registry. maxHistory bounds recentEventIDs per
// project (EVENT_ID_HISTORY, default 10000).
func NewRegistry(maxHistory int, obs observer.Observer) *Registry {
	if maxHistory <= 0 {
		maxHistory = 10000
	}
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Registry{
		projects:   make(map[uuid.UUID]*ProjectSession),
		sockets:    make(map[string]uuid.UUID),
		maxHistory: maxHistory,
		obs:        obs,
	}
}

// Register lazily creates the project's ProjectSession if needed, adds the
// connection, and sends it a "connected" frame. socketId must be process-
// unique; reusing one returns ErrSocketInUse.
func (r *Registry) Register(socketID string, sender Sender, userID, projectID, clientID uuid.UUID, canEdit bool) (*Connection, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	if _, exists := r.sockets[socketID]; exists {
		r.mu.Unlock()
		return nil, ErrSocketInUse
	}
	ps, ok := r.projects[projectID]
	if !ok {
		ps = newProjectSession(projectID, r.maxHistory)
		r.projects[projectID] = ps
	}
	r.sockets[socketID] = projectID
	r.mu.Unlock()

	conn := &Connection{
		SocketID:     socketID,
		ClientID:     clientID,
		UserID:       userID,
		ProjectID:    projectID,
		CanEdit:      canEdit,
		ConnectedAt:  now,
		LastActivity: now,
		Sender:       sender,
	}

	ps.mu.Lock()
	ps.connections[socketID] = conn
	ps.mu.Unlock()

	frame, err := protocol.Encode(protocol.TypeConnected, protocol.ConnectedData{
		SocketID:  socketID,
		ProjectID: projectID,
		ClientID:  clientID,
		CanEdit:   canEdit,
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if err == nil {
		sender.TrySend(frame)
	}

	r.obs.ConnectionRegistered(projectID, socketID)
	return conn, nil
}

// Unregister removes socketId from its session. If that was the session's
// last connection, the ProjectSession is dropped entirely. Returns the
// removed Connection and whether one was found.
func (r *Registry) Unregister(socketID string) (*Connection, bool) {
	r.mu.Lock()
	projectID, ok := r.sockets[socketID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	ps := r.projects[projectID]
	delete(r.sockets, socketID)
	r.mu.Unlock()

	if ps == nil {
		return nil, false
	}

	ps.mu.Lock()
	conn, existed := ps.connections[socketID]
	delete(ps.connections, socketID)
	empty := len(ps.connections) == 0
	ps.mu.Unlock()

	if empty {
		r.mu.Lock()
		if cur, ok := r.projects[projectID]; ok && cur == ps {
			delete(r.projects, projectID)
		}
		r.mu.Unlock()
	}

	return conn, existed
}

// sessionFor looks up the ProjectSession for projectID without creating one.
func (r *Registry) sessionFor(projectID uuid.UUID) (*ProjectSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.projects[projectID]
	return ps, ok
}

// Connection looks up the live Connection for socketId, if any.
func (r *Registry) Connection(socketID string) (*Connection, bool) {
	r.mu.RLock()
	projectID, ok := r.sockets[socketID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return nil, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	conn, ok := ps.connections[socketID]
	return conn, ok
}

// SocketIDsForClient returns the socketIds currently registered under
// clientId in projectId's session — normally zero or one, but a reconnect
// race can briefly leave more than one live.
func (r *Registry) SocketIDsForClient(projectID, clientID uuid.UUID) []string {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []string
	for socketID, conn := range ps.connections {
		if conn.ClientID == clientID {
			out = append(out, socketID)
		}
	}
	return out
}

// Touch updates a connection's lastActivity timestamp.
func (r *Registry) Touch(socketID string, when time.Time) {
	r.mu.RLock()
	projectID, ok := r.sockets[socketID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return
	}
	ps.mu.Lock()
	if conn, ok := ps.connections[socketID]; ok {
		conn.LastActivity = when
	}
	ps.mu.Unlock()
}

// NextSeq returns the next seq for projectID without assigning it to any
// event — callers that need the assign+mark+broadcast atomicity described
// by the spec should use Submit instead.
func (r *Registry) NextSeq(projectID uuid.UUID) uint64 {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.nextSeq++
	return ps.nextSeq
}

// markProcessedLocked records eventID as seen, evicting the oldest entry
// once the bounded history is exceeded. Caller holds ps.mu.
func (ps *ProjectSession) markProcessedLocked(eventID uuid.UUID) {
	if _, exists := ps.recentEventIDs[eventID]; exists {
		return
	}
	ps.recentEventIDs[eventID] = struct{}{}
	ps.eventIDOrder = append(ps.eventIDOrder, eventID)
	for len(ps.eventIDOrder) > ps.maxHistory {
		evict := ps.eventIDOrder[0]
		ps.eventIDOrder = ps.eventIDOrder[1:]
		delete(ps.recentEventIDs, evict)
	}
}

// MarkProcessed adds eventID to projectID's idempotency cache.
func (r *Registry) MarkProcessed(projectID, eventID uuid.UUID) {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.markProcessedLocked(eventID)
	ps.mu.Unlock()
}

// RecordReplay appends ev to projectID's replay ring without touching the
// idempotency cache or seq counter. Used by callers (like the throttler)
// that assign seq and broadcast outside of Submit.
func (r *Registry) RecordReplay(projectID uuid.UUID, ev protocol.Event) {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.appendReplayLocked(ev)
	ps.mu.Unlock()
}

// ReplaySince returns the buffered events with seq greater than sinceSeq, in
// order. It is a best-effort convenience bounded by ReplayBufferSize, not a
// durable replay log — a gap larger than the buffer is silently truncated
// to whatever remains.
func (r *Registry) ReplaySince(projectID uuid.UUID, sinceSeq uint64) []protocol.Event {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []protocol.Event
	for _, ev := range ps.replay {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}

// IsDuplicate reports whether eventID is already in projectID's idempotency
// cache.
func (r *Registry) IsDuplicate(projectID, eventID uuid.UUID) bool {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, dup := ps.recentEventIDs[eventID]
	return dup
}

// BroadcastOptions controls fan-out targeting.
type BroadcastOptions struct {
	// Exclude, if non-nil, names a clientId to skip.
	Exclude *uuid.UUID
	// Include, if non-empty, restricts fan-out to exactly these socketIds.
	Include []string
	// EchoToSender controls whether Exclude is honored at all; when true,
	// Exclude is ignored and every live connection receives the frame.
	EchoToSender bool
}

// Broadcast delivers the already-encoded frame (serialized once by the
// caller) to every live connection in projectID's session matching opts. A connection whose Sender.TrySend
// returns false is skipped; failures never abort the rest of the fan-out.
// Returns the number of connections the frame was accepted by.
func (r *Registry) Broadcast(projectID uuid.UUID, frame []byte, opts BroadcastOptions) int {
	ps, ok := r.sessionFor(projectID)
	if !ok {
		return 0
	}

	ps.mu.Lock()
	var targets []*Connection
	if len(opts.Include) > 0 {
		targets = make([]*Connection, 0, len(opts.Include))
		for _, socketID := range opts.Include {
			if conn, ok := ps.connections[socketID]; ok {
				targets = append(targets, conn)
			}
		}
	} else {
		targets = make([]*Connection, 0, len(ps.connections))
		for _, conn := range ps.connections {
			targets = append(targets, conn)
		}
	}
	ps.mu.Unlock()

	sent := 0
	for _, conn := range targets {
		if !opts.EchoToSender && opts.Exclude != nil && conn.ClientID == *opts.Exclude {
			continue
		}
		if conn.Sender.TrySend(frame) {
			sent++
		}
	}
	return sent
}

// EventOutcome describes the result of Submit.
type EventOutcome struct {
	Duplicate bool
	Seq       uint64
	Event     protocol.Event
}

// Submit implements the inbound-event processing algorithm: duplicate
// check, else assign seq + stamp receivedAt + mark processed, all under the
// project's single lock so every peer observes the same total order.
// Broadcast and ack are the caller's responsibility (the dispatcher knows
// the echoToSender policy and who the sender is); Submit only returns what
// those calls need.
func (r *Registry) Submit(socketID string, ev protocol.Event) (EventOutcome, error) {
	conn, ok := r.Connection(socketID)
	if !ok {
		return EventOutcome{}, errUnknownSocket
	}

	ps, ok := r.sessionFor(conn.ProjectID)
	if !ok {
		return EventOutcome{}, errUnknownSocket
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, dup := ps.recentEventIDs[ev.EventID]; dup {
		r.obs.EventDuplicate(conn.ProjectID, ev.EventID)
		return EventOutcome{Duplicate: true, Seq: ps.nextSeq}, nil
	}

	ps.nextSeq++
	ev.Seq = ps.nextSeq
	ev.ReceivedAt = time.Now().UTC()
	ps.markProcessedLocked(ev.EventID)
	ps.appendReplayLocked(ev)
	if c, ok := ps.connections[socketID]; ok {
		c.LastActivity = ev.ReceivedAt
	}

	r.obs.EventProcessed(conn.ProjectID, ev.Type, ev.Seq)
	return EventOutcome{Seq: ev.Seq, Event: ev}, nil
}

var errUnknownSocket = errors.New("session: unknown socketId")
