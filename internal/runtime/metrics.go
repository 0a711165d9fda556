package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus instruments the runtime updates. All methods
// are safe on a nil receiver so endpoints built without metrics pay nothing.
type Metrics struct {
	registerer      prometheus.Registerer
	published       *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	acks            *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	registrySize    prometheus.Gauge
}

// Drop reasons recorded on the meshbus_endpoint_envelopes_dropped_total counter.
const (
	dropReasonSelf      = "self"
	dropReasonAddressed = "addressed_elsewhere"
	dropReasonDecode    = "decode"
)

// Ack results recorded on the meshbus_delivery_acks_total counter.
const (
	ackResultMatched = "matched"
	ackResultTimeout = "timeout"
)

// NewMetrics registers the runtime's instruments on the supplied registerer.
// A nil registerer falls back to the Prometheus default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registerer: reg,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "bus",
			Name:      "envelopes_published_total",
			Help:      "Envelopes published per endpoint.",
		}, []string{"endpoint"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "endpoint",
			Name:      "envelopes_delivered_total",
			Help:      "Envelopes accepted for dispatch per endpoint.",
		}, []string{"endpoint"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "endpoint",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes filtered or discarded before dispatch.",
		}, []string{"endpoint", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "endpoint",
			Name:      "duplicates_suppressed_total",
			Help:      "Retried envelopes whose handler execution was suppressed.",
		}, []string{"endpoint"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbus",
			Subsystem: "delivery",
			Name:      "acks_total",
			Help:      "Acknowledgment waits by result.",
		}, []string{"endpoint", "result"}),
		dispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshbus",
			Subsystem: "endpoint",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler execution time per endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshbus",
			Subsystem: "registry",
			Name:      "services",
			Help:      "Services currently known to the registry.",
		}),
	}

	reg.MustRegister(m.published, m.delivered, m.dropped, m.duplicates, m.acks, m.dispatchSeconds, m.registrySize)
	return m
}

func (m *Metrics) incPublished(endpoint string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) incDelivered(endpoint string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) incDropped(endpoint, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(endpoint, reason).Inc()
}

func (m *Metrics) incDuplicate(endpoint string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) incAck(endpoint, result string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) observeDispatch(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchSeconds.WithLabelValues(endpoint).Observe(seconds)
}

func (m *Metrics) setRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}
