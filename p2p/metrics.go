package p2p

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

// poolMetrics wraps the Prometheus collectors and OTEL instruments the
// pool updates as it mutates its peer map. Construction never fails; a
// nil *poolMetrics is a valid, inert receiver so
// tests and hosts that don't care about metrics don't pay for wiring
// them.
type poolMetrics struct {
	peers       *prometheus.GaugeVec
	bansTotal   prometheus.Counter
	requests    prometheus.Counter
	discoveries prometheus.Counter
	latency     prometheus.Histogram

	requestsOTEL metric.Int64Counter
}

// NewMetrics registers pool metrics with reg and builds an OTEL meter
// facade from meter. Either may be nil to skip that backend.
func NewMetrics(reg prometheus.Registerer, meter metric.Meter) *poolMetrics {
	m := &poolMetrics{}

	m.peers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peerpool_peers",
		Help: "Current number of connected peers by kind.",
	}, []string{"kind"})
	m.bansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerpool_bans_total",
		Help: "Total number of peers banned.",
	})
	m.requests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerpool_requests_total",
		Help: "Total number of outbound requests issued.",
	})
	m.discoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerpool_discovery_found_total",
		Help: "Total number of peers discovered via runDiscovery.",
	})
	m.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peerpool_request_latency_seconds",
		Help:    "Observed request/response latency.",
		Buckets: prometheus.DefBuckets,
	})

	if reg != nil {
		reg.MustRegister(m.peers, m.bansTotal, m.requests, m.discoveries, m.latency)
	}

	if meter != nil {
		if counter, err := meter.Int64Counter("peerpool.requests"); err == nil {
			m.requestsOTEL = counter
		}
	}

	return m
}

func (m *poolMetrics) setPeerCount(kind PeerKind, n int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(kind.String()).Set(float64(n))
}

func (m *poolMetrics) recordBan() {
	if m == nil {
		return
	}
	m.bansTotal.Inc()
}

// recordRequest counts every outbound request attempt and, on success,
// folds its round-trip latency into the peer-latency histogram.
func (m *poolMetrics) recordRequest(ctx context.Context, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.requests.Inc()
	if m.requestsOTEL != nil {
		m.requestsOTEL.Add(ctx, 1)
	}
	if err == nil {
		m.latency.Observe(latency.Seconds())
	}
}

func (m *poolMetrics) recordDiscovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discoveries.Add(float64(n))
}
