package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the pipeline.
// Every recorder is safe to call on a nil receiver.
type PrometheusMetrics struct {
	// Ingestion metrics
	EventsDispatchedTotal *prometheus.CounterVec
	HandlerFailuresTotal  *prometheus.CounterVec
	PendingInsertsTotal   *prometheus.CounterVec
	PollsTotal            *prometheus.CounterVec
	WatcherHighWaterMark  *prometheus.GaugeVec
	WatchersRunning       *prometheus.GaugeVec

	// Reconciliation metrics
	ReconciledTotal        *prometheus.CounterVec
	ReconciliationDuration *prometheus.HistogramVec
	ReconciliationSkipped  *prometheus.CounterVec
	ChainWritesTotal       *prometheus.CounterVec
	ChainWriteDuration     *prometheus.HistogramVec

	// Connection metrics
	ConnectionErrorsTotal *prometheus.CounterVec
	ReconnectsTotal       prometheus.Counter
	SupervisorState       *prometheus.GaugeVec

	// Session metrics
	SessionActive        prometheus.Gauge
	SessionRestartsTotal prometheus.Counter

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all Prometheus metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		EventsDispatchedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_dispatched_total",
				Help: "Total number of decoded contract events handed to a handler",
			},
			[]string{"contract", "event", "status"},
		),
		HandlerFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_handler_failures_total",
				Help: "Handler invocations that returned an error or panicked",
			},
			[]string{"contract", "event"},
		),
		PendingInsertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_pending_inserts_total",
				Help: "Pending event inserts by outcome (stored, duplicate, error)",
			},
			[]string{"kind", "outcome"},
		),
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_polls_total",
				Help: "Polling ticks by outcome (scanned, skipped, error)",
			},
			[]string{"contract", "outcome"},
		),
		WatcherHighWaterMark: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_watcher_high_water_mark",
				Help: "Last block fully scanned by a polling watcher",
			},
			[]string{"contract"},
		),
		WatchersRunning: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_watcher_running",
				Help: "Whether a contract watcher is running (1) or stopped (0)",
			},
			[]string{"contract"},
		),

		ReconciledTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_reconciled_total",
				Help: "Pending records marked processed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ReconciliationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_reconciliation_duration_seconds",
				Help:    "Duration of one reconciliation batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ReconciliationSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_reconciliation_skipped_total",
				Help: "Reconciliation runs skipped because a previous run still held the guard",
			},
			[]string{"kind"},
		),
		ChainWritesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_chain_writes_total",
				Help: "Confirmed contract writes by method and status",
			},
			[]string{"method", "status"},
		),
		ChainWriteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_chain_write_duration_seconds",
				Help:    "Time from submission to confirmation of a contract write",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"method"},
		),

		ConnectionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_connection_errors_total",
				Help: "Errors reported to the connection supervisor",
			},
			[]string{"context", "classification"},
		),
		ReconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_reconnects_total",
				Help: "Reconnect cycles started by the connection supervisor",
			},
		),
		SupervisorState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_supervisor_state",
				Help: "Current supervisor state (1 for the active state)",
			},
			[]string{"state"},
		),

		SessionActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_session_active",
				Help: "Whether a listening session is active",
			},
		),
		SessionRestartsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_session_restarts_total",
				Help: "Automatic listening session restarts",
			},
		),

		DatabaseOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),
		DatabaseOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_database_operation_duration_seconds",
				Help:    "Time spent on database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_goroutines",
				Help: "Number of goroutines",
			},
		),
	}
}

// RecordEventDispatched records a handler outcome for one decoded event
func (m *PrometheusMetrics) RecordEventDispatched(contract, event, status string) {
	if m == nil {
		return
	}
	m.EventsDispatchedTotal.WithLabelValues(contract, event, status).Inc()
	if status != "success" {
		m.HandlerFailuresTotal.WithLabelValues(contract, event).Inc()
	}
}

// RecordPendingInsert records the outcome of a pending event insert
func (m *PrometheusMetrics) RecordPendingInsert(kind, outcome string) {
	if m == nil {
		return
	}
	m.PendingInsertsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordPoll records a polling tick outcome
func (m *PrometheusMetrics) RecordPoll(contract, outcome string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(contract, outcome).Inc()
}

// UpdateHighWaterMark sets the polling watermark gauge
func (m *PrometheusMetrics) UpdateHighWaterMark(contract string, block uint64) {
	if m == nil {
		return
	}
	m.WatcherHighWaterMark.WithLabelValues(contract).Set(float64(block))
}

// UpdateWatcherRunning flips the running gauge of one watcher
func (m *PrometheusMetrics) UpdateWatcherRunning(contract string, running bool) {
	if m == nil {
		return
	}
	m.WatchersRunning.WithLabelValues(contract).Set(boolToFloat(running))
}

// RecordReconciled records one pending record reaching its terminal state
func (m *PrometheusMetrics) RecordReconciled(kind, outcome string) {
	if m == nil {
		return
	}
	m.ReconciledTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordReconciliationDuration records the duration of a batch
func (m *PrometheusMetrics) RecordReconciliationDuration(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconciliationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordReconciliationSkipped records a run rejected by the overlap guard
func (m *PrometheusMetrics) RecordReconciliationSkipped(kind string) {
	if m == nil {
		return
	}
	m.ReconciliationSkipped.WithLabelValues(kind).Inc()
}

// RecordChainWrite records a confirmed (or failed) contract write
func (m *PrometheusMetrics) RecordChainWrite(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChainWritesTotal.WithLabelValues(method, status).Inc()
	m.ChainWriteDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordConnectionError records an error seen by the supervisor
func (m *PrometheusMetrics) RecordConnectionError(context, classification string) {
	if m == nil {
		return
	}
	m.ConnectionErrorsTotal.WithLabelValues(context, classification).Inc()
}

// RecordReconnect records a reconnect cycle
func (m *PrometheusMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// UpdateSupervisorState marks state as the only active supervisor state
func (m *PrometheusMetrics) UpdateSupervisorState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.SupervisorState.WithLabelValues(s).Set(boolToFloat(s == state))
	}
}

// UpdateSessionActive sets the session gauge
func (m *PrometheusMetrics) UpdateSessionActive(active bool) {
	if m == nil {
		return
	}
	m.SessionActive.Set(boolToFloat(active))
}

// RecordSessionRestart counts an automatic session restart
func (m *PrometheusMetrics) RecordSessionRestart() {
	if m == nil {
		return
	}
	m.SessionRestartsTotal.Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateMemoryUsage updates memory usage
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
