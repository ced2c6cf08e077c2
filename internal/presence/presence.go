// Package presence implements the presence tracker (C4): who is looking at
// a project, their cursor/selection/activity state, and the stable color
// each (projectId,userId) pair is assigned for the lifetime of the session.
// It follows the same join/leave/broadcast shape as the teacher's
// ChannelState, scoped per project instead of globally.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/protocol"
	"github.com/seenwd/ascend-collab-core/internal/session"
)

// Activity is the closed set of presence activity states.
const (
	ActivityIdle      = "idle"
	ActivityEditing   = "editing"
	ActivityPlaying   = "playing"
	ActivityRecording = "recording"
	ActivityDragging  = "dragging"
)

var activities = map[string]bool{
	ActivityIdle: true, ActivityEditing: true, ActivityPlaying: true,
	ActivityRecording: true, ActivityDragging: true,
}

// LeaveReason is the closed set of reasons a presence entry is removed.
type LeaveReason string

const (
	ReasonExplicit   LeaveReason = "explicit"
	ReasonTimeout    LeaveReason = "timeout"
	ReasonDisconnect LeaveReason = "disconnect"
)

// StaleAfter is the default PRESENCE_STALE window.
const StaleAfter = 30 * time.Second

// Identity is what Join needs to create a Presence entry.
type Identity struct {
	UserID      uuid.UUID
	ClientID    uuid.UUID
	DisplayName string
	AvatarURL   string
}

// Presence is one user's live presence entry in a project.
type Presence struct {
	UserID           uuid.UUID
	ClientID         uuid.UUID
	DisplayName      string
	AvatarURL        string
	Color            string
	CursorPosition   *float64
	PlayheadPosition *float64
	SelectedTrackID  *string
	SelectedClipIDs  []string
	Activity         string
	LastSeen         time.Time
	JoinedAt         time.Time
}

// Delta carries the optionally-present fields Update may merge in. A nil
// field leaves the stored value untouched.
type Delta struct {
	CursorPosition   *float64
	PlayheadPosition *float64
	SelectedTrackID  *string
	SelectedClipIDs  []string
	Activity         *string
}

type projectPresence struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*Presence // keyed by clientId
	colors  map[uuid.UUID]string    // keyed by userId, stable for project lifetime
	nextIdx int
}

// Tracker is the presence component. It owns no transport; callers supply
// frame fan-out through registry.
type Tracker struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*projectPresence
	palette  []string
	registry *session.Registry
	locks    LockSnapshotter
	obs      observer.Observer
}

// LockSnapshotter lets the presence tracker ask C5 for the current lock
// list when sending a joiner their initial sync, without importing lock's
// concrete type (avoids an import cycle — lock never needs presence).
type LockSnapshotter interface {
	SnapshotFrame(projectID uuid.UUID) ([]byte, bool)
}

// NewTracker builds a Tracker. palette must be non-empty; registry is used
// to broadcast presence frames and send the joiner's initial snapshot.
func NewTracker(palette []string, registry *session.Registry, locks LockSnapshotter, obs observer.Observer) *Tracker {
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Tracker{
		projects: make(map[uuid.UUID]*projectPresence),
		palette:  palette,
		registry: registry,
		locks:    locks,
		obs:      obs,
	}
}

func (t *Tracker) projectFor(projectID uuid.UUID, create bool) (*projectPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pp, ok := t.projects[projectID]
	if !ok {
		if !create {
			return nil, false
		}
		pp = &projectPresence{
			users:  make(map[uuid.UUID]*Presence),
			colors: make(map[uuid.UUID]string),
		}
		t.projects[projectID] = pp
	}
	return pp, true
}

func (t *Tracker) dropIfEmpty(projectID uuid.UUID, pp *projectPresence) {
	pp.mu.Lock()
	empty := len(pp.users) == 0
	pp.mu.Unlock()
	if !empty {
		return
	}
	t.mu.Lock()
	if cur, ok := t.projects[projectID]; ok && cur == pp {
		delete(t.projects, projectID)
	}
	t.mu.Unlock()
}

// colorForLocked assigns or reuses the stable color for userID. Caller holds
// pp.mu.
func (t *Tracker) colorForLocked(pp *projectPresence, userID uuid.UUID) string {
	if c, ok := pp.colors[userID]; ok {
		return c
	}
	used := make(map[string]bool, len(pp.colors))
	for _, c := range pp.colors {
		used[c] = true
	}
	for _, c := range t.palette {
		if !used[c] {
			pp.colors[userID] = c
			return c
		}
	}
	c := t.palette[pp.nextIdx%len(t.palette)]
	pp.nextIdx++
	pp.colors[userID] = c
	return c
}

// Join adds a presence entry, broadcasts it to the project's other
// connections, and sends the joiner a full sync snapshot (presence plus, if
// a LockSnapshotter is configured, locks).
func (t *Tracker) Join(projectID uuid.UUID, id Identity) Presence {
	pp, _ := t.projectFor(projectID, true)
	now := time.Now().UTC()

	pp.mu.Lock()
	color := t.colorForLocked(pp, id.UserID)
	p := &Presence{
		UserID:      id.UserID,
		ClientID:    id.ClientID,
		DisplayName: id.DisplayName,
		AvatarURL:   id.AvatarURL,
		Color:       color,
		Activity:    ActivityIdle,
		LastSeen:    now,
		JoinedAt:    now,
	}
	pp.users[id.ClientID] = p
	snapshot := snapshotLocked(pp)
	pp.mu.Unlock()

	if frame, err := protocol.Encode(protocol.TypePresenceOut, protocol.PresenceData{
		Action:      "join",
		Users:       []protocol.PresenceUser{toWire(*p)},
		UpdatedUser: ptrWire(*p),
	}); err == nil {
		excl := id.ClientID
		t.registry.Broadcast(projectID, frame, session.BroadcastOptions{Exclude: &excl})
	}

	if syncFrame, err := protocol.Encode(protocol.TypePresenceOut, protocol.PresenceData{
		Action: "sync",
		Users:  snapshot,
	}); err == nil {
		t.sendTo(projectID, id.ClientID, syncFrame)
	}
	if t.locks != nil {
		if lockFrame, ok := t.locks.SnapshotFrame(projectID); ok {
			t.sendTo(projectID, id.ClientID, lockFrame)
		}
	}

	p2 := *p
	return p2
}

// sendTo delivers a pre-encoded frame to exactly the connection(s) whose
// clientId matches target.
func (t *Tracker) sendTo(projectID, clientID uuid.UUID, frame []byte) {
	sockets := t.registry.SocketIDsForClient(projectID, clientID)
	if len(sockets) == 0 {
		return
	}
	t.registry.Broadcast(projectID, frame, session.BroadcastOptions{EchoToSender: true, Include: sockets})
}

// Leave removes clientId's presence entry and broadcasts the removal.
func (t *Tracker) Leave(projectID, clientID uuid.UUID, reason LeaveReason) {
	pp, ok := t.projectFor(projectID, false)
	if !ok {
		return
	}

	pp.mu.Lock()
	p, existed := pp.users[clientID]
	delete(pp.users, clientID)
	pp.mu.Unlock()

	if !existed {
		return
	}

	if frame, err := protocol.Encode(protocol.TypePresenceOut, protocol.PresenceData{
		Action:      "leave",
		UpdatedUser: ptrWire(*p),
	}); err == nil {
		t.registry.Broadcast(projectID, frame, session.BroadcastOptions{EchoToSender: true})
	}

	t.dropIfEmpty(projectID, pp)
}

// Update merges delta's non-nil fields into clientId's presence entry and
// broadcasts the change.
func (t *Tracker) Update(projectID, clientID uuid.UUID, delta Delta) (Presence, bool) {
	pp, ok := t.projectFor(projectID, false)
	if !ok {
		return Presence{}, false
	}

	pp.mu.Lock()
	p, existed := pp.users[clientID]
	if !existed {
		pp.mu.Unlock()
		return Presence{}, false
	}
	if delta.CursorPosition != nil {
		p.CursorPosition = delta.CursorPosition
	}
	if delta.PlayheadPosition != nil {
		p.PlayheadPosition = delta.PlayheadPosition
	}
	if delta.SelectedTrackID != nil {
		p.SelectedTrackID = delta.SelectedTrackID
	}
	if delta.SelectedClipIDs != nil {
		p.SelectedClipIDs = delta.SelectedClipIDs
	}
	if delta.Activity != nil && activities[*delta.Activity] {
		p.Activity = *delta.Activity
	}
	p.LastSeen = time.Now().UTC()
	out := *p
	pp.mu.Unlock()

	if frame, err := protocol.Encode(protocol.TypePresenceOut, protocol.PresenceData{
		Action:      "update",
		UpdatedUser: ptrWire(out),
	}); err == nil {
		excl := clientID
		t.registry.Broadcast(projectID, frame, session.BroadcastOptions{Exclude: &excl})
	}

	return out, true
}

// SyncFrame encodes the current per-project presence snapshot as a
// "presence" frame with action "sync", for the dispatcher's sync handler.
// Join encodes its own snapshot frame for the joiner.
func (t *Tracker) SyncFrame(projectID uuid.UUID) ([]byte, bool) {
	pp, ok := t.projectFor(projectID, false)
	if !ok {
		frame, err := protocol.Encode(protocol.TypePresenceOut, protocol.PresenceData{Action: "sync", Users: []protocol.PresenceUser{}})
		return frame, err == nil
	}
	pp.mu.Lock()
	snapshot := snapshotLocked(pp)
	pp.mu.Unlock()
	frame, err := protocol.Encode(protocol.TypePresenceOut, protocol.PresenceData{Action: "sync", Users: snapshot})
	return frame, err == nil
}

// CleanupStale leaves (reason timeout) every entry whose lastSeen is older
// than StaleAfter relative to now.
func (t *Tracker) CleanupStale(now time.Time) {
	t.mu.Lock()
	projectIDs := make([]uuid.UUID, 0, len(t.projects))
	for id := range t.projects {
		projectIDs = append(projectIDs, id)
	}
	t.mu.Unlock()

	for _, projectID := range projectIDs {
		pp, ok := t.projectFor(projectID, false)
		if !ok {
			continue
		}
		pp.mu.Lock()
		var stale []uuid.UUID
		for clientID, p := range pp.users {
			if now.Sub(p.LastSeen) > StaleAfter {
				stale = append(stale, clientID)
			}
		}
		pp.mu.Unlock()

		for _, clientID := range stale {
			t.Leave(projectID, clientID, ReasonTimeout)
		}
	}
}

func snapshotLocked(pp *projectPresence) []protocol.PresenceUser {
	out := make([]protocol.PresenceUser, 0, len(pp.users))
	for _, p := range pp.users {
		out = append(out, toWire(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID.String() < out[j].ClientID.String() })
	return out
}

func toWire(p Presence) protocol.PresenceUser {
	return protocol.PresenceUser{
		UserID:           p.UserID,
		ClientID:         p.ClientID,
		DisplayName:      p.DisplayName,
		AvatarURL:        p.AvatarURL,
		Color:            p.Color,
		CursorPosition:   p.CursorPosition,
		PlayheadPosition: p.PlayheadPosition,
		SelectedTrackID:  p.SelectedTrackID,
		SelectedClipIDs:  p.SelectedClipIDs,
		Activity:         p.Activity,
		LastSeen:         p.LastSeen.Format(time.RFC3339Nano),
		JoinedAt:         p.JoinedAt.Format(time.RFC3339Nano),
	}
}

func ptrWire(p Presence) *protocol.PresenceUser {
	w := toWire(p)
	return &w
}
