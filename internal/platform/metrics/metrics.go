package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream supervisor.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	spawnFailuresTotal    prometheus.Counter
	sessionsStoppedTotal  prometheus.Counter
	sessionsDiedTotal     prometheus.Counter
	terminationKillsTotal prometheus.Counter
	activeSessions        prometheus.Gauge
	backendRequestsTotal  *prometheus.CounterVec
	breakerState          prometheus.Gauge
}

// New creates and registers Prometheus metrics for the supervisor.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_sessions_started_total",
		Help: "Total number of sessions that reached running",
	})
	spawnFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_spawn_failures_total",
		Help: "Total number of session starts that failed to spawn or died during the health window",
	})
	sessionsStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_sessions_stopped_total",
		Help: "Total number of sessions stopped on request",
	})
	sessionsDiedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_sessions_died_total",
		Help: "Total number of running sessions whose process exited unexpectedly",
	})
	terminationKillsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_termination_kills_total",
		Help: "Total number of processes that ignored the graceful stop and were killed",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_active_sessions",
		Help: "Number of sessions starting or running",
	})
	backendRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_backend_requests_total",
		Help: "Routing backend requests by operation and result",
	}, []string{"op", "result"})
	breakerState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_backend_breaker_state",
		Help: "Routing backend circuit breaker state (0 closed, 1 half-open, 2 open)",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsStartedTotal,
		spawnFailuresTotal,
		sessionsStoppedTotal,
		sessionsDiedTotal,
		terminationKillsTotal,
		activeSessions,
		backendRequestsTotal,
		breakerState,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		sessionsStartedTotal:  sessionsStartedTotal,
		spawnFailuresTotal:    spawnFailuresTotal,
		sessionsStoppedTotal:  sessionsStoppedTotal,
		sessionsDiedTotal:     sessionsDiedTotal,
		terminationKillsTotal: terminationKillsTotal,
		activeSessions:        activeSessions,
		backendRequestsTotal:  backendRequestsTotal,
		breakerState:          breakerState,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the started sessions counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSpawnFailures increments the spawn failures counter.
func (m *Metrics) IncSpawnFailures() {
	m.spawnFailuresTotal.Inc()
}

// IncSessionsStopped increments the stopped sessions counter.
func (m *Metrics) IncSessionsStopped() {
	m.sessionsStoppedTotal.Inc()
}

// IncSessionsDied increments the counter of sessions whose process died.
func (m *Metrics) IncSessionsDied() {
	m.sessionsDiedTotal.Inc()
}

// IncTerminationKills increments the forced kill counter.
func (m *Metrics) IncTerminationKills() {
	m.terminationKillsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncBackendRequest counts one routing backend request.
func (m *Metrics) IncBackendRequest(op, result string) {
	m.backendRequestsTotal.WithLabelValues(op, result).Inc()
}

// SetBreakerState records the routing backend circuit breaker state.
func (m *Metrics) SetBreakerState(state float64) {
	m.breakerState.Set(state)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
