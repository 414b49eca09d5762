package ext

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

// MetricsConfig configures the Prometheus metrics extension.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "cometd").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for round trips.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics extension.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "cometd",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics is an extension that records Prometheus metrics:
//   - cometd_messages_sent_total: Counter of outgoing messages by channel type
//   - cometd_messages_received_total: Counter of incoming messages by channel type
//   - cometd_failures_total: Counter of unsuccessful replies by channel
//   - cometd_handshakes_total: Counter of handshake replies by result
//   - cometd_roundtrip_seconds: Histogram of request to reply time by channel
//
// The collectors are registered when Metrics is created, so create one per
// registry.
type Metrics struct {
	sent       *prometheus.CounterVec
	received   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	roundTrip  *prometheus.HistogramVec

	now     func() time.Time
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewMetrics creates the metrics extension and registers its collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_sent_total",
			Help:        "Total number of Bayeux messages sent",
			ConstLabels: config.ConstLabels,
		}, []string{"channel_type"}),

		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_received_total",
			Help:        "Total number of Bayeux messages received",
			ConstLabels: config.ConstLabels,
		}, []string{"channel_type"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "failures_total",
			Help:        "Total number of unsuccessful replies",
			ConstLabels: config.ConstLabels,
		}, []string{"channel"}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshakes_total",
			Help:        "Total number of handshake replies",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		roundTrip: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "roundtrip_seconds",
			Help:        "Time between a request and its reply in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"channel"}),

		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// Outgoing counts the message and starts its round-trip clock.
func (x *Metrics) Outgoing(m *bayeux.Message) *bayeux.Message {
	x.sent.WithLabelValues(channelType(m.Channel)).Inc()
	if m.ID == "" {
		return m
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	// A new session never answers the requests of the old one.
	if m.Channel == bayeux.MetaHandshake {
		clear(x.pending)
	}
	x.pending[m.ID] = x.now()
	return m
}

// Incoming counts the message and observes the round trip of replies.
// Failures synthesized by the client count as failures but not as received
// messages.
func (x *Metrics) Incoming(m *bayeux.Message) *bayeux.Message {
	if m.Failure == nil {
		x.received.WithLabelValues(channelType(m.Channel)).Inc()
	}
	if !m.IsReply() {
		return m
	}

	label := channelLabel(m.Channel)
	if !m.IsSuccessful() {
		x.failures.WithLabelValues(label).Inc()
	}
	if m.Channel == bayeux.MetaHandshake {
		result := "success"
		if !m.IsSuccessful() {
			result = "failure"
		}
		x.handshakes.WithLabelValues(result).Inc()
	}

	x.mu.Lock()
	start, ok := x.pending[m.ID]
	delete(x.pending, m.ID)
	x.mu.Unlock()
	if ok {
		x.roundTrip.WithLabelValues(label).Observe(x.now().Sub(start).Seconds())
	}
	return m
}

// Pending returns the number of requests waiting for a reply.
func (x *Metrics) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

// channelType classifies a channel as meta, service or broadcast.
func channelType(channel string) string {
	switch {
	case bayeux.IsMeta(channel):
		return "meta"
	case bayeux.IsService(channel):
		return "service"
	default:
		return "broadcast"
	}
}

// channelLabel keeps label cardinality bounded: meta channels are reported
// by name, application channels by type.
func channelLabel(channel string) string {
	if bayeux.IsMeta(channel) {
		return channel
	}
	return channelType(channel)
}
