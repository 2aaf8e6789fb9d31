// Package metrics exposes Prometheus collectors for the tab messaging
// protocol. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "tabcomm").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry receives the collectors. Default: a fresh registry with the
	// Go and process collectors.
	Registry *prometheus.Registry
}

// Option configures Metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the protocol collectors.
type Metrics struct {
	registry *prometheus.Registry

	emitted        *prometheus.CounterVec
	received       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	ackTimeouts    prometheus.Counter
	listenerPanics prometheus.Counter
	cleaned        prometheus.Counter
	pendingCalls   prometheus.Gauge
	openTabs       prometheus.Gauge
	callDuration   *prometheus.HistogramVec
}

func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "tabcomm",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		registry: cfg.Registry,

		emitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "messages_emitted_total",
			Help:        "Messages written to the shared store",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),

		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "messages_received_total",
			Help:        "Messages decoded from change notifications",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "messages_dropped_total",
			Help:        "Notifications dropped during decoding",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),

		ackTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "ack_timeouts_total",
			Help:        "Calls that timed out waiting for an acknowledgement",
			ConstLabels: cfg.ConstLabels,
		}),

		listenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "listener_panics_total",
			Help:        "Listeners that panicked during dispatch",
			ConstLabels: cfg.ConstLabels,
		}),

		cleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "orphaned_requests_cleaned_total",
			Help:        "Request entries removed by housekeeping",
			ConstLabels: cfg.ConstLabels,
		}),

		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "pending_calls",
			Help:        "Calls waiting for an acknowledgement",
			ConstLabels: cfg.ConstLabels,
		}),

		openTabs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "open_tabs",
			Help:        "Tabs attached through the HTTP API",
			ConstLabels: cfg.ConstLabels,
		}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Time from request emission to settlement",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"outcome"}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Emitted(kind string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) Received(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AckTimeout() {
	if m == nil {
		return
	}
	m.ackTimeouts.Inc()
}

func (m *Metrics) ListenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *Metrics) Cleaned(n int) {
	if m == nil {
		return
	}
	m.cleaned.Add(float64(n))
}

func (m *Metrics) PendingAdd(delta float64) {
	if m == nil {
		return
	}
	m.pendingCalls.Add(delta)
}

func (m *Metrics) TabsAdd(delta float64) {
	if m == nil {
		return
	}
	m.openTabs.Add(delta)
}

// ObserveCall records a settled call. outcome is "ack", "timeout" or "error".
func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
