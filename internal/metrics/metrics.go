// Package metrics exposes Prometheus instrumentation for the relay pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for processed deliveries.
const (
	OutcomePersisted     = "persisted"
	OutcomeParseFailed   = "parse_failed"
	OutcomePersistFailed = "persist_failed"
	OutcomeDeadLettered  = "dead_lettered"
)

// RelayMetrics tracks pipeline statistics. Construct it once at startup and
// pass it by reference to the components that record into it.
type RelayMetrics struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	registered bool

	eventsTotal      *prometheus.CounterVec
	persistSeconds   prometheus.Histogram
	deadLetteredWith *prometheus.CounterVec
	connected        *prometheus.GaugeVec
}

func newRelayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maxrelay",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a relay metrics collector backed by the supplied registry. A nil
// registry allocates a private one.
func New(registry *prometheus.Registry) *RelayMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &RelayMetrics{
		registry: registry,
		eventsTotal: newRelayCounterVec(
			"events_total",
			"Processed change event deliveries by outcome",
			[]string{"outcome", "database", "table"},
		),
		persistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "maxrelay",
			Subsystem: "pipeline",
			Name:      "persist_seconds",
			Help:      "Latency of successful store writes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		deadLetteredWith: newRelayCounterVec(
			"dead_lettered_total",
			"Deliveries forwarded to the dead letter queue",
			[]string{"queue"},
		),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maxrelay",
			Subsystem: "pipeline",
			Name:      "connected",
			Help:      "Connectivity of the broker and store clients (1 ready, 0 not)",
		}, []string{"endpoint"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *RelayMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.eventsTotal,
		m.persistSeconds,
		m.deadLetteredWith,
		m.connected,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

// Handler serves the backing registry over HTTP.
func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventPersisted records a successful persist with its write latency.
func (m *RelayMetrics) EventPersisted(database, table string, elapsed time.Duration) {
	m.eventsTotal.WithLabelValues(OutcomePersisted, database, table).Inc()
	m.persistSeconds.Observe(elapsed.Seconds())
}

// ParseFailure records a delivery whose body could not be parsed.
func (m *RelayMetrics) ParseFailure() {
	m.eventsTotal.WithLabelValues(OutcomeParseFailed, "", "").Inc()
}

// PersistFailure records a delivery the store rejected or timed out.
func (m *RelayMetrics) PersistFailure(database, table string) {
	m.eventsTotal.WithLabelValues(OutcomePersistFailed, database, table).Inc()
}

// DeadLettered records a delivery forwarded to the dead letter queue.
func (m *RelayMetrics) DeadLettered(queue string) {
	m.eventsTotal.WithLabelValues(OutcomeDeadLettered, "", "").Inc()
	m.deadLetteredWith.WithLabelValues(queue).Inc()
}

// SetConnected reflects the readiness of a client ("broker" or "store").
func (m *RelayMetrics) SetConnected(endpoint string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.connected.WithLabelValues(endpoint).Set(value)
}
