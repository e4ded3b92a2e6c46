package telemetry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the lifecycle. A disabled
// Metrics has nil collectors and every Record method is a no-op.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry

	providerInits        *prometheus.CounterVec
	providerInitFailures *prometheus.CounterVec
	providerInitSeconds  *prometheus.HistogramVec
	fallbacks            *prometheus.CounterVec
	roleEnabled          *prometheus.GaugeVec

	gateRuns *prometheus.CounterVec

	shutdowns      *prometheus.CounterVec
	phaseSeconds   *prometheus.HistogramVec
	workerTimeouts *prometheus.CounterVec
	teardownErrors *prometheus.CounterVec

	resources prometheus.Gauge
}

// NewMetrics registers the lifecycle collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{cfg: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.providerInits = counter("provider_inits_total", "Provider Init calls.", "role", "provider")
	m.providerInitFailures = counter("provider_init_failures_total", "Provider Init calls that failed.", "role", "provider")
	m.providerInitSeconds = histogram("provider_init_duration_seconds", "Provider Init latency.", "role")
	m.fallbacks = counter("fallbacks_total", "Roles moved to the interpreter after a failed Init.", "role")
	m.roleEnabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "role_enabled", Help: "1 when the role runs a recompiler.",
	}, []string{"role"})
	m.gateRuns = counter("gate_runs_total", "Owner-thread gate calls by status.", "operation", "status")
	m.shutdowns = counter("shutdowns_total", "Shutdown sequences started.", "mode")
	m.phaseSeconds = histogram("shutdown_phase_duration_seconds", "Time spent in each shutdown phase.", "phase")
	m.workerTimeouts = counter("worker_cancel_timeouts_total", "Workers that missed their cancel bound.", "worker")
	m.teardownErrors = counter("teardown_errors_total", "Errors swallowed during shutdown.", "phase", "class")
	m.resources = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "resources_loaded", Help: "Entries in the shared resource set.",
	})

	m.registry = prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		m.providerInits, m.providerInitFailures, m.providerInitSeconds, m.fallbacks, m.roleEnabled,
		m.gateRuns, m.shutdowns, m.phaseSeconds, m.workerTimeouts, m.teardownErrors, m.resources,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) live() bool { return m != nil && m.registry != nil }

// RecordProviderInit counts one Init call and its latency.
func (m *Metrics) RecordProviderInit(role, provider string, took time.Duration, err error) {
	if !m.live() {
		return
	}
	m.providerInits.WithLabelValues(role, provider).Inc()
	m.providerInitSeconds.WithLabelValues(role).Observe(took.Seconds())
	if err != nil {
		m.providerInitFailures.WithLabelValues(role, provider).Inc()
	}
}

// RecordFallback counts a role disabled by the fallback policy.
func (m *Metrics) RecordFallback(role string) {
	if m.live() {
		m.fallbacks.WithLabelValues(role).Inc()
	}
}

// SetRoleEnabled mirrors the live config of role.
func (m *Metrics) SetRoleEnabled(role string, enabled bool) {
	if !m.live() {
		return
	}
	v := 0.0
	if enabled {
		v = 1
	}
	m.roleEnabled.WithLabelValues(role).Set(v)
}

// RecordGateRun counts a gate call by its status.
func (m *Metrics) RecordGateRun(operation, status string) {
	if m.live() {
		m.gateRuns.WithLabelValues(operation, status).Inc()
	}
}

// RecordShutdown counts a sequencer invocation.
func (m *Metrics) RecordShutdown(mode string) {
	if m.live() {
		m.shutdowns.WithLabelValues(mode).Inc()
	}
}

// RecordPhase observes the time spent in phase.
func (m *Metrics) RecordPhase(phase string, took time.Duration) {
	if m.live() {
		m.phaseSeconds.WithLabelValues(phase).Observe(took.Seconds())
	}
}

// RecordWorkerTimeout counts a worker that missed its cancel bound.
func (m *Metrics) RecordWorkerTimeout(worker string) {
	if m.live() {
		m.workerTimeouts.WithLabelValues(worker).Inc()
	}
}

// RecordTeardownError counts an error swallowed in phase.
func (m *Metrics) RecordTeardownError(phase, class string) {
	if m.live() {
		m.teardownErrors.WithLabelValues(phase, class).Inc()
	}
}

// SetResourcesLoaded reports the size of the shared resource set.
func (m *Metrics) SetResourcesLoaded(n float64) {
	if m.live() {
		m.resources.Set(n)
	}
}

// Registry returns the registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.live() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer binds the listen address and serves Handler in the
// background. Binding errors are returned; later serve errors end the server.
func (m *Metrics) StartMetricsServer() error {
	if !m.live() {
		return nil
	}
	ln, err := net.Listen("tcp", m.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return nil
}

// Timer measures elapsed time from its creation.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// Duration returns the time since NewTimer.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
