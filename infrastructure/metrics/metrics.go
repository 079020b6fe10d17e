// Package metrics provides Prometheus metrics collection for the silo and
// gateway processes.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/titan-game/titan/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Activation (C5) metrics
	ActivationTurnsTotal   *prometheus.CounterVec
	ActivationTurnDuration *prometheus.HistogramVec
	ActiveActivationsGauge *prometheus.GaugeVec

	// Directory (C2) metrics
	DirectoryLookupsTotal *prometheus.CounterVec

	// Transaction (C4) metrics
	TransactionPhaseTotal    *prometheus.CounterVec
	TransactionPhaseDuration *prometheus.HistogramVec

	// Rate limit (C7) metrics
	RateLimitDecisionsTotal *prometheus.CounterVec

	// Session (C8) metrics
	SessionValidationsTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "kind", "operation"},
		),

		ActivationTurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "activation_turns_total",
				Help: "Total number of scheduled grain activation turns",
			},
			[]string{"grain_type", "method", "status"},
		),
		ActivationTurnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activation_turn_duration_seconds",
				Help:    "Grain activation turn duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"grain_type", "method"},
		),
		ActiveActivationsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_activations",
				Help: "Current number of activated (in-memory) grains on this silo",
			},
			[]string{"grain_type"},
		),

		DirectoryLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_lookups_total",
				Help: "Total number of grain directory lookups",
			},
			[]string{"grain_type", "outcome"},
		),

		TransactionPhaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_phase_total",
				Help: "Total number of two-phase-commit transaction phases",
			},
			[]string{"phase", "status"},
		),
		TransactionPhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_phase_duration_seconds",
				Help:    "Two-phase-commit transaction phase duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"phase"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Total number of rate-limit policy decisions",
			},
			[]string{"policy", "decision"},
		),

		SessionValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_validations_total",
				Help: "Total number of session ticket validations",
			},
			[]string{"outcome"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ActivationTurnsTotal,
			m.ActivationTurnDuration,
			m.ActiveActivationsGauge,
			m.DirectoryLookupsTotal,
			m.TransactionPhaseTotal,
			m.TransactionPhaseDuration,
			m.RateLimitDecisionsTotal,
			m.SessionValidationsTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by kind (spec.md §7) and the operation that raised it.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordActivationTurn records one scheduled turn of a grain activation.
func (m *Metrics) RecordActivationTurn(grainType, method, status string, duration time.Duration) {
	m.ActivationTurnsTotal.WithLabelValues(grainType, method, status).Inc()
	m.ActivationTurnDuration.WithLabelValues(grainType, method).Observe(duration.Seconds())
}

// SetActiveActivations sets the current in-memory activation count for a grain type.
func (m *Metrics) SetActiveActivations(grainType string, count int) {
	m.ActiveActivationsGauge.WithLabelValues(grainType).Set(float64(count))
}

// RecordDirectoryLookup records a directory lookup outcome ("hit", "activate",
// "stale-retry").
func (m *Metrics) RecordDirectoryLookup(grainType, outcome string) {
	m.DirectoryLookupsTotal.WithLabelValues(grainType, outcome).Inc()
}

// RecordTransactionPhase records a two-phase-commit transaction phase
// (prepare/commit/abort) and its status (success/aborted/timeout).
func (m *Metrics) RecordTransactionPhase(phase, status string, duration time.Duration) {
	m.TransactionPhaseTotal.WithLabelValues(phase, status).Inc()
	m.TransactionPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRateLimitDecision records a rate-limit policy decision ("allow",
// "deny", "timeout").
func (m *Metrics) RecordRateLimitDecision(policy, decision string) {
	m.RateLimitDecisionsTotal.WithLabelValues(policy, decision).Inc()
}

// RecordSessionValidation records a session ticket validation outcome ("ok",
// "expired", "not-found").
func (m *Metrics) RecordSessionValidation(outcome string) {
	m.SessionValidationsTotal.WithLabelValues(outcome).Inc()
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
