package observer

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Default is the composition root's Observer: structured log lines via
// zerolog (the teacher logs "[room] ..." / slog key-value pairs; this
// keeps the same shape with a real structured-logging library) plus
// prometheus counters for the handful of signals an operator dashboards.
type Default struct {
	log zerolog.Logger

	eventsProcessed   *prometheus.CounterVec
	eventsDuplicate   prometheus.Counter
	lockGrants        *prometheus.CounterVec
	lockConflicts     *prometheus.CounterVec
	lockReleases      *prometheus.CounterVec
	paramBatches      prometheus.Counter
	paramRateLimited  prometheus.Counter
	connectionsTotal  prometheus.Counter
	connectionsClosed *prometheus.CounterVec
	internalErrors    *prometheus.CounterVec
}

// NewDefault builds a Default observer and registers its collectors with
// reg. Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) at
// the composition root.
func NewDefault(log zerolog.Logger, reg prometheus.Registerer) *Default {
	d := &Default{
		log: log.With().Str("component", "observer").Logger(),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_events_processed_total",
			Help: "Events successfully assigned a seq and broadcast.",
		}, []string{"event_type"}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_events_duplicate_total",
			Help: "Event submissions rejected as duplicates of the idempotency cache.",
		}),
		lockGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_lock_grants_total",
			Help: "Successful lock acquisitions/extensions.",
		}, []string{"resource_type"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_lock_conflicts_total",
			Help: "Lock acquisitions rejected because another client holds the resource.",
		}, []string{"resource_type"}),
		lockReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_lock_releases_total",
			Help: "Lock releases by reason.",
		}, []string{"resource_type", "reason"}),
		paramBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_param_batches_total",
			Help: "Coalesced plugin.param_batch events flushed.",
		}),
		paramRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_param_batches_dropped_total",
			Help: "Param batches discarded by the per-plugin rate limiter.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_connections_registered_total",
			Help: "Connections successfully registered into a ProjectSession.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_connections_closed_total",
			Help: "Connections closed, by close code.",
		}, []string{"code"}),
		internalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_internal_errors_total",
			Help: "Internal errors caught at a component boundary.",
		}, []string{"component"}),
	}
	reg.MustRegister(
		d.eventsProcessed, d.eventsDuplicate, d.lockGrants, d.lockConflicts,
		d.lockReleases, d.paramBatches, d.paramRateLimited, d.connectionsTotal,
		d.connectionsClosed, d.internalErrors,
	)
	return d
}

func (d *Default) EventProcessed(projectID uuid.UUID, eventType string, seq uint64) {
	d.eventsProcessed.WithLabelValues(eventType).Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("type", eventType).Uint64("seq", seq).Msg("event processed")
}

func (d *Default) EventDuplicate(projectID uuid.UUID, eventID uuid.UUID) {
	d.eventsDuplicate.Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("event_id", eventID.String()).Msg("duplicate event")
}

func (d *Default) LockGranted(projectID uuid.UUID, resourceType, resourceID string) {
	d.lockGrants.WithLabelValues(resourceType).Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("resource_type", resourceType).Str("resource_id", resourceID).Msg("lock granted")
}

func (d *Default) LockConflict(projectID uuid.UUID, resourceType, resourceID string) {
	d.lockConflicts.WithLabelValues(resourceType).Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("resource_type", resourceType).Str("resource_id", resourceID).Msg("lock conflict")
}

func (d *Default) LockReleased(projectID uuid.UUID, resourceType, resourceID, reason string) {
	d.lockReleases.WithLabelValues(resourceType, reason).Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("resource_type", resourceType).Str("resource_id", resourceID).Str("reason", reason).Msg("lock released")
}

func (d *Default) ParamBatchFlushed(projectID uuid.UUID, pluginID string, paramCount int) {
	d.paramBatches.Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("plugin_id", pluginID).Int("params", paramCount).Msg("param batch flushed")
}

func (d *Default) ParamBatchRateLimited(projectID uuid.UUID, pluginID string) {
	d.paramRateLimited.Inc()
	d.log.Debug().Str("project_id", projectID.String()).Str("plugin_id", pluginID).Msg("param batch rate limited")
}

func (d *Default) ConnectionRegistered(projectID uuid.UUID, socketID string) {
	d.connectionsTotal.Inc()
	d.log.Info().Str("project_id", projectID.String()).Str("socket_id", socketID).Msg("connection registered")
}

func (d *Default) ConnectionClosed(projectID uuid.UUID, socketID string, code int) {
	d.connectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
	d.log.Info().Str("project_id", projectID.String()).Str("socket_id", socketID).Int("code", code).Msg("connection closed")
}

func (d *Default) InternalError(component string, err error) {
	d.internalErrors.WithLabelValues(component).Inc()
	d.log.Error().Str("component", component).Err(err).Msg("internal error")
}
