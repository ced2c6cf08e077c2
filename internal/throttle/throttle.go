// Package throttle implements the per-plugin parameter throttler (C6):
// coalescing rapid param_change submissions into bounded-rate param_batch
// events. The coalescing map plus bounded-flush shape follows the
// teacher's CheckControlRate, generalized from a per-client message
// counter to a per-plugin pending-value map and promoted to a real token
// bucket via golang.org/x/time/rate instead of the teacher's hand-rolled
// per-second counter.
package throttle

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/seenwd/ascend-collab-core/internal/coreerr"
	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/protocol"
	"github.com/seenwd/ascend-collab-core/internal/session"
)

// Defaults per the spec's configuration section.
const (
	Interval          = 33 * time.Millisecond
	MaxFlushPerSec    = 30
	MaxPendingChanges = 50
	IdleReap          = 5 * time.Minute
)

// LockChecker lets the throttler verify, without importing the concrete
// lock.Manager type, that the submitting client currently holds the
// plugin's lock.
type LockChecker interface {
	HolderOf(projectID uuid.UUID, resourceType, resourceID string) (uuid.UUID, bool)
}

type paramValue struct {
	value json.RawMessage
	ts    time.Time
}

type pluginThrottle struct {
	mu          sync.Mutex
	pending     map[string]paramValue
	lastFlushAt time.Time
	lastTouched time.Time
	limiter     *rate.Limiter
	timer       *time.Timer
	scheduled   bool
}

type pluginKey struct {
	projectID uuid.UUID
	pluginID  string
}

// Manager is the throttle component. One instance serves every project.
type Manager struct {
	mu        sync.Mutex
	throttles map[pluginKey]*pluginThrottle
	interval  time.Duration
	maxFlush  int
	maxPend   int
	locks     LockChecker
	registry  *session.Registry
	obs       observer.Observer
}

// NewManager builds a Manager. Zero durations/counts fall back to spec
// defaults.
func NewManager(interval time.Duration, maxFlush, maxPending int, locks LockChecker, registry *session.Registry, obs observer.Observer) *Manager {
	if interval <= 0 {
		interval = Interval
	}
	if maxFlush <= 0 {
		maxFlush = MaxFlushPerSec
	}
	if maxPending <= 0 {
		maxPending = MaxPendingChanges
	}
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Manager{
		throttles: make(map[pluginKey]*pluginThrottle),
		interval:  interval,
		maxFlush:  maxFlush,
		maxPend:   maxPending,
		locks:     locks,
		registry:  registry,
		obs:       obs,
	}
}

func (m *Manager) throttleFor(key pluginKey) *pluginThrottle {
	m.mu.Lock()
	defer m.mu.Unlock()
	pt, ok := m.throttles[key]
	if !ok {
		pt = &pluginThrottle{
			pending:     make(map[string]paramValue),
			lastTouched: time.Now().UTC(),
			limiter:     rate.NewLimiter(rate.Limit(m.maxFlush), m.maxFlush),
		}
		m.throttles[key] = pt
	}
	return pt
}

// QueueParamChange coalesces a single paramId→value update for pluginId,
// scheduling (or forcing) a flush per the spec's timing rules. The caller
// must currently hold the plugin's lock; otherwise CONFLICT is returned.
func (m *Manager) QueueParamChange(projectID uuid.UUID, pluginID, paramID string, value json.RawMessage, actorID, clientID uuid.UUID) error {
	if holder, held := m.locks.HolderOf(projectID, "plugin", pluginID); !held || holder != clientID {
		return coreerr.New(coreerr.Conflict, "plugin is not locked by this client")
	}

	key := pluginKey{projectID, pluginID}
	pt := m.throttleFor(key)
	now := time.Now().UTC()

	pt.mu.Lock()
	pt.pending[paramID] = paramValue{value: value, ts: now}
	pt.lastTouched = now
	immediate := len(pt.pending) >= m.maxPend
	alreadyScheduled := pt.scheduled
	if immediate && pt.timer != nil {
		pt.timer.Stop()
		pt.scheduled = false
	}
	if !immediate {
		if !alreadyScheduled {
			delay := m.interval - now.Sub(pt.lastFlushAt)
			if delay < 0 {
				delay = 0
			}
			pt.scheduled = true
			pt.timer = time.AfterFunc(delay, func() { m.flush(projectID, pluginID, key) })
		}
		pt.mu.Unlock()
		return nil
	}
	pt.mu.Unlock()

	m.flush(projectID, pluginID, key)
	return nil
}

// flush performs the rate-check-then-emit step described by the spec.
func (m *Manager) flush(projectID uuid.UUID, pluginID string, key pluginKey) {
	pt := m.throttleFor(key)

	pt.mu.Lock()
	pt.scheduled = false
	if pt.timer != nil {
		pt.timer.Stop()
	}
	if len(pt.pending) == 0 {
		pt.mu.Unlock()
		return
	}
	if !pt.limiter.Allow() {
		pt.pending = make(map[string]paramValue)
		pt.mu.Unlock()
		m.obs.ParamBatchRateLimited(projectID, pluginID)
		return
	}

	params := make(map[string]json.RawMessage, len(pt.pending))
	maxTS := time.Time{}
	for paramID, pv := range pt.pending {
		params[paramID] = pv.value
		if pv.ts.After(maxTS) {
			maxTS = pv.ts
		}
	}
	paramCount := len(pt.pending)
	pt.pending = make(map[string]paramValue)
	pt.lastFlushAt = time.Now().UTC()
	pt.mu.Unlock()

	payload, err := json.Marshal(batchPayload{
		PluginID:  pluginID,
		BatchID:   uuid.New(),
		Params:    params,
		Timestamp: maxTS.Format(time.RFC3339Nano),
	})
	if err != nil {
		m.obs.InternalError("throttle", err)
		return
	}

	seq := m.registry.NextSeq(projectID)
	eventID := uuid.New()
	m.registry.MarkProcessed(projectID, eventID)

	ev := protocol.Event{
		EventID:    eventID,
		ProjectID:  projectID,
		Seq:        seq,
		SentAt:     pt.lastFlushAt,
		ReceivedAt: pt.lastFlushAt,
		Type:       "plugin.param_batch",
		Version:    protocol.EventVersion,
		Payload:    payload,
	}
	frame, err := protocol.Encode(protocol.TypeEventOut, ev)
	if err != nil {
		m.obs.InternalError("throttle", err)
		return
	}

	m.registry.Broadcast(projectID, frame, session.BroadcastOptions{EchoToSender: false})
	m.registry.RecordReplay(projectID, ev)
	m.obs.ParamBatchFlushed(projectID, pluginID, paramCount)
}

type batchPayload struct {
	PluginID  string                     `json:"plugin_id"`
	BatchID   uuid.UUID                  `json:"batch_id"`
	Params    map[string]json.RawMessage `json:"params"`
	Timestamp string                     `json:"timestamp"`
}

// ReapIdle discards throttler state for plugins idle longer than idleAfter.
// A plugin with a pending flush in flight is never reaped mid-schedule.
func (m *Manager) ReapIdle(now time.Time, idleAfter time.Duration) {
	if idleAfter <= 0 {
		idleAfter = IdleReap
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pt := range m.throttles {
		pt.mu.Lock()
		idle := !pt.scheduled && len(pt.pending) == 0 && now.Sub(pt.lastTouched) > idleAfter
		pt.mu.Unlock()
		if idle {
			delete(m.throttles, key)
		}
	}
}
