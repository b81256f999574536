package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Counters are plain atomics so the
// hot ingestion and broadcast paths never touch prometheus directly; the
// registry reads them lazily on scrape.
type Metrics struct {
	// Ingestion counters
	PayloadsIngested      atomic.Uint64
	PayloadsStale         atomic.Uint64
	DecodeErrors          atomic.Uint64
	UnknownDevicePayloads atomic.Uint64

	// Broadcast counters
	SnapshotsBroadcast atomic.Uint64
	SubscriberDrops    atomic.Uint64

	// Subscriber tracking
	ActiveSubscribers atomic.Uint64
	TotalSubscribers  atomic.Uint64

	// Occupancy state machine
	OccupancyEvaluations atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"monitor_payloads_ingested_total", "Total detection payloads successfully ingested", m.PayloadsIngested.Load},
		{"monitor_payloads_stale_total", "Total payloads dropped as older than current device state", m.PayloadsStale.Load},
		{"monitor_decode_errors_total", "Total payloads rejected by the detection decoder", m.DecodeErrors.Load},
		{"monitor_unknown_device_payloads_total", "Total payloads dropped for unassigned device identifiers", m.UnknownDevicePayloads.Load},
		{"monitor_snapshots_broadcast_total", "Total snapshots fanned out to subscribers", m.SnapshotsBroadcast.Load},
		{"monitor_subscriber_drops_total", "Total subscribers dropped for slow or failed delivery", m.SubscriberDrops.Load},
		{"monitor_active_subscribers", "Number of currently connected snapshot subscribers", m.ActiveSubscribers.Load},
		{"monitor_total_subscribers", "Total snapshot subscribers ever connected", m.TotalSubscribers.Load},
		{"monitor_occupancy_evaluations_total", "Total periodic occupancy evaluation passes", m.OccupancyEvaluations.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
