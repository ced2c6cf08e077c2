// Package observer defines the narrow, fire-and-forget telemetry seam the
// core reports through. Observer itself is an external collaborator per
// the spec — the core never blocks on it and never inspects its return
// value — but this package also ships the composition root's default
// implementation, backed by zerolog and prometheus, since a real
// deployment needs one.
package observer

import "github.com/google/uuid"

// Observer receives best-effort notifications about core activity. Every
// method must return immediately; implementations that need to do I/O
// should buffer internally and flush asynchronously.
type Observer interface {
	EventProcessed(projectID uuid.UUID, eventType string, seq uint64)
	EventDuplicate(projectID uuid.UUID, eventID uuid.UUID)
	LockGranted(projectID uuid.UUID, resourceType, resourceID string)
	LockConflict(projectID uuid.UUID, resourceType, resourceID string)
	LockReleased(projectID uuid.UUID, resourceType, resourceID, reason string)
	ParamBatchFlushed(projectID uuid.UUID, pluginID string, paramCount int)
	ParamBatchRateLimited(projectID uuid.UUID, pluginID string)
	ConnectionRegistered(projectID uuid.UUID, socketID string)
	ConnectionClosed(projectID uuid.UUID, socketID string, code int)
	InternalError(component string, err error)
}

// Noop discards every notification. Useful in tests that don't care about
// telemetry.
type Noop struct{}

func (Noop) EventProcessed(uuid.UUID, string, uint64)         {}
func (Noop) EventDuplicate(uuid.UUID, uuid.UUID)               {}
func (Noop) LockGranted(uuid.UUID, string, string)             {}
func (Noop) LockConflict(uuid.UUID, string, string)            {}
func (Noop) LockReleased(uuid.UUID, string, string, string)    {}
func (Noop) ParamBatchFlushed(uuid.UUID, string, int)          {}
func (Noop) ParamBatchRateLimited(uuid.UUID, string)           {}
func (Noop) ConnectionRegistered(uuid.UUID, string)            {}
func (Noop) ConnectionClosed(uuid.UUID, string, int)           {}
func (Noop) InternalError(string, error)                       {}
