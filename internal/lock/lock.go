// Package lock implements the resource lock manager (C5): single-holder
// leases over (projectId,resourceType,resourceId), extended by heartbeat up
// to a hard cap and released on disconnect, timeout, or explicit request.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/protocol"
	"github.com/seenwd/ascend-collab-core/internal/session"
)

// LeaseTTL is the default LEASE_TTL: how long a single acquire/heartbeat
// extends a lock's expiresAt.
const LeaseTTL = 15 * time.Second

// MaxLockDuration is the default MAX_LOCK_DURATION: the hard cap on
// expiresAt - acquiredAt, regardless of heartbeats.
const MaxLockDuration = 5 * time.Minute

// ReleaseReason is the closed set of reasons a lock is released.
type ReleaseReason string

const (
	ReasonExplicit   ReleaseReason = "explicit"
	ReasonTimeout    ReleaseReason = "timeout"
	ReasonDisconnect ReleaseReason = "disconnect"
	ReasonAdmin      ReleaseReason = "admin_override"
)

// Lock is one held resource lease.
type Lock struct {
	LockID            uuid.UUID
	ProjectID         uuid.UUID
	ResourceType      string
	ResourceID        string
	HolderUserID      uuid.UUID
	HolderClientID    uuid.UUID
	HolderDisplayName string
	AcquiredAt        time.Time
	ExpiresAt         time.Time
	Reason            string
}

type resourceKey struct {
	resourceType string
	resourceID   string
}

// Request is what Acquire needs from the caller.
type Request struct {
	ResourceType      string
	ResourceID        string
	HolderUserID      uuid.UUID
	HolderClientID    uuid.UUID
	HolderDisplayName string
	Reason            string
}

type projectLocks struct {
	mu    sync.Mutex
	locks map[resourceKey]*Lock
}

// Manager is the lock component. One instance serves every project.
type Manager struct {
	mu        sync.Mutex
	leaseTTL  time.Duration
	maxLease  time.Duration
	projects  map[uuid.UUID]*projectLocks
	registry  *session.Registry
	obs       observer.Observer
}

// NewManager builds a Manager with the given LEASE_TTL/MAX_LOCK_DURATION.
// Zero values fall back to the spec defaults.
func NewManager(leaseTTL, maxLease time.Duration, registry *session.Registry, obs observer.Observer) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = LeaseTTL
	}
	if maxLease <= 0 {
		maxLease = MaxLockDuration
	}
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Manager{
		leaseTTL: leaseTTL,
		maxLease: maxLease,
		projects: make(map[uuid.UUID]*projectLocks),
		registry: registry,
		obs:      obs,
	}
}

func (m *Manager) projectFor(projectID uuid.UUID, create bool) (*projectLocks, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.projects[projectID]
	if !ok {
		if !create {
			return nil, false
		}
		pl = &projectLocks{locks: make(map[resourceKey]*Lock)}
		m.projects[projectID] = pl
	}
	return pl, true
}

func (m *Manager) dropIfEmpty(projectID uuid.UUID, pl *projectLocks) {
	pl.mu.Lock()
	empty := len(pl.locks) == 0
	pl.mu.Unlock()
	if !empty {
		return
	}
	m.mu.Lock()
	if cur, ok := m.projects[projectID]; ok && cur == pl {
		delete(m.projects, projectID)
	}
	m.mu.Unlock()
}

// Result is what Acquire returns.
type Result struct {
	Granted bool
	Lock    Lock
	HeldBy  *Lock
}

// Acquire grants, extends, or rejects a lock per the request. On grant it
// broadcasts the full per-project lock list with action "acquired".
func (m *Manager) Acquire(projectID uuid.UUID, req Request) Result {
	pl, _ := m.projectFor(projectID, true)
	now := time.Now().UTC()
	key := resourceKey{req.ResourceType, req.ResourceID}

	pl.mu.Lock()
	existing, held := pl.locks[key]
	var result Result
	switch {
	case held && existing.HolderClientID == req.HolderClientID:
		existing.ExpiresAt = capExpiry(now.Add(m.leaseTTL), existing.AcquiredAt, m.maxLease)
		result = Result{Granted: true, Lock: *existing}
	case held:
		heldCopy := *existing
		result = Result{Granted: false, HeldBy: &heldCopy}
	default:
		l := &Lock{
			LockID:            uuid.New(),
			ProjectID:         projectID,
			ResourceType:      req.ResourceType,
			ResourceID:        req.ResourceID,
			HolderUserID:      req.HolderUserID,
			HolderClientID:    req.HolderClientID,
			HolderDisplayName: req.HolderDisplayName,
			AcquiredAt:        now,
			ExpiresAt:         now.Add(m.leaseTTL),
			Reason:            req.Reason,
		}
		pl.locks[key] = l
		result = Result{Granted: true, Lock: *l}
	}
	snapshot := snapshotLocked(pl)
	pl.mu.Unlock()

	if result.Granted {
		m.obs.LockGranted(projectID, req.ResourceType, req.ResourceID)
		m.broadcastList(projectID, "acquired", snapshot, &result.Lock, "")
	} else {
		m.obs.LockConflict(projectID, req.ResourceType, req.ResourceID)
	}
	return result
}

// Release removes a lock if clientID is its current holder. Returns false
// if there was no such lock or clientID is not the holder.
func (m *Manager) Release(projectID uuid.UUID, resourceType, resourceID string, clientID uuid.UUID) bool {
	return m.release(projectID, resourceType, resourceID, clientID, ReasonExplicit, true)
}

// ForceRelease releases a lock regardless of who holds it, for use by a
// caller that has already checked the requester's role is admin. Returns
// false if no such lock is held.
func (m *Manager) ForceRelease(projectID uuid.UUID, resourceType, resourceID string) bool {
	return m.release(projectID, resourceType, resourceID, uuid.Nil, ReasonAdmin, false)
}

func (m *Manager) release(projectID uuid.UUID, resourceType, resourceID string, clientID uuid.UUID, reason ReleaseReason, requireHolderMatch bool) bool {
	pl, ok := m.projectFor(projectID, false)
	if !ok {
		return false
	}

	key := resourceKey{resourceType, resourceID}
	pl.mu.Lock()
	existing, held := pl.locks[key]
	if !held || (requireHolderMatch && existing.HolderClientID != clientID) {
		pl.mu.Unlock()
		return false
	}
	released := *existing
	delete(pl.locks, key)
	snapshot := snapshotLocked(pl)
	pl.mu.Unlock()

	m.obs.LockReleased(projectID, resourceType, resourceID, string(reason))
	released.Reason = string(reason)
	m.broadcastList(projectID, "released", snapshot, &released, string(reason))
	m.dropIfEmpty(projectID, pl)
	return true
}

// Heartbeat extends a held lock's lease, subject to MAX_LOCK_DURATION. If
// the lock has already reached its hard cap it is force-released (reason
// timeout) and false is returned. False is also returned if no such lock is
// held by clientID.
func (m *Manager) Heartbeat(projectID uuid.UUID, resourceType, resourceID string, clientID uuid.UUID) bool {
	pl, ok := m.projectFor(projectID, false)
	if !ok {
		return false
	}

	key := resourceKey{resourceType, resourceID}
	now := time.Now().UTC()

	pl.mu.Lock()
	existing, held := pl.locks[key]
	if !held || existing.HolderClientID != clientID {
		pl.mu.Unlock()
		return false
	}
	if now.Sub(existing.AcquiredAt) >= m.maxLease {
		pl.mu.Unlock()
		m.release(projectID, resourceType, resourceID, clientID, ReasonTimeout, false)
		return false
	}
	existing.ExpiresAt = capExpiry(now.Add(m.leaseTTL), existing.AcquiredAt, m.maxLease)
	pl.mu.Unlock()
	return true
}

// ReleaseAllForClient releases every lock clientID holds across every
// project, broadcasting each release. Used on disconnect.
func (m *Manager) ReleaseAllForClient(clientID uuid.UUID, reason ReleaseReason) {
	m.mu.Lock()
	projectIDs := make([]uuid.UUID, 0, len(m.projects))
	for id := range m.projects {
		projectIDs = append(projectIDs, id)
	}
	m.mu.Unlock()

	for _, projectID := range projectIDs {
		pl, ok := m.projectFor(projectID, false)
		if !ok {
			continue
		}
		pl.mu.Lock()
		var owned []resourceKey
		for key, l := range pl.locks {
			if l.HolderClientID == clientID {
				owned = append(owned, key)
			}
		}
		pl.mu.Unlock()

		for _, key := range owned {
			m.release(projectID, key.resourceType, key.resourceID, clientID, reason, true)
		}
	}
}

// CleanupExpired releases every lock whose expiresAt has passed.
func (m *Manager) CleanupExpired(now time.Time) {
	m.mu.Lock()
	projectIDs := make([]uuid.UUID, 0, len(m.projects))
	for id := range m.projects {
		projectIDs = append(projectIDs, id)
	}
	m.mu.Unlock()

	for _, projectID := range projectIDs {
		pl, ok := m.projectFor(projectID, false)
		if !ok {
			continue
		}
		pl.mu.Lock()
		var expired []*Lock
		for _, l := range pl.locks {
			if !now.Before(l.ExpiresAt) {
				expired = append(expired, l)
			}
		}
		pl.mu.Unlock()

		for _, l := range expired {
			m.release(projectID, l.ResourceType, l.ResourceID, l.HolderClientID, ReasonTimeout, true)
		}
	}
}

// HolderOf reports the current holder of a resource, if locked. Used by C6
// to validate that a parameter change's actor currently holds the plugin's
// lock.
func (m *Manager) HolderOf(projectID uuid.UUID, resourceType, resourceID string) (uuid.UUID, bool) {
	pl, ok := m.projectFor(projectID, false)
	if !ok {
		return uuid.Nil, false
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, held := pl.locks[resourceKey{resourceType, resourceID}]
	if !held {
		return uuid.Nil, false
	}
	return l.HolderClientID, true
}

// SnapshotFrame encodes the current per-project lock list as a "lock" frame
// with action "sync", for presence.Join to push to a newly-joined client.
// Implements presence.LockSnapshotter.
func (m *Manager) SnapshotFrame(projectID uuid.UUID) ([]byte, bool) {
	pl, ok := m.projectFor(projectID, false)
	if !ok {
		frame, err := protocol.Encode(protocol.TypeLockOut, protocol.LockData{Action: "sync", Locks: []protocol.LockInfo{}})
		return frame, err == nil
	}
	pl.mu.Lock()
	snapshot := snapshotLocked(pl)
	pl.mu.Unlock()
	frame, err := protocol.Encode(protocol.TypeLockOut, protocol.LockData{Action: "sync", Locks: snapshot})
	return frame, err == nil
}

func (m *Manager) broadcastList(projectID uuid.UUID, action string, locks []protocol.LockInfo, changed *Lock, reason string) {
	var changedWire *protocol.LockInfo
	if changed != nil {
		w := toWire(*changed)
		changedWire = &w
	}
	frame, err := protocol.Encode(protocol.TypeLockOut, protocol.LockData{
		Action:      action,
		Locks:       locks,
		ChangedLock: changedWire,
		Reason:      reason,
	})
	if err != nil {
		return
	}
	m.registry.Broadcast(projectID, frame, session.BroadcastOptions{EchoToSender: true})
}

func snapshotLocked(pl *projectLocks) []protocol.LockInfo {
	out := make([]protocol.LockInfo, 0, len(pl.locks))
	for _, l := range pl.locks {
		out = append(out, toWire(*l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockID.String() < out[j].LockID.String() })
	return out
}

func toWire(l Lock) protocol.LockInfo {
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

func capExpiry(candidate, acquiredAt time.Time, maxLease time.Duration) time.Time {
	hardCap := acquiredAt.Add(maxLease)
	if candidate.After(hardCap) {
		return hardCap
	}
	return candidate
}
