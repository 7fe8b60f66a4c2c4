package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	"fleetsim/internal/event"
)

// PromSink exports event counts, send latency, and fleet gauges as
// Prometheus metrics.
type PromSink struct {
	events      *prometheus.CounterVec
	sendLatency prometheus.Histogram
	deviceState *prometheus.GaugeVec
	devices     prometheus.Gauge
	connections prometheus.Gauge
	dropped     prometheus.Gauge
}

// NewPromSink registers the fleet metrics with reg and returns the sink.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	p := &PromSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetsim",
			Name:      "events_total",
			Help:      "Simulation events by kind.",
		}, []string{"kind"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetsim",
			Name:      "send_latency_seconds",
			Help:      "Telemetry send round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		deviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetsim",
			Name:      "devices_by_state",
			Help:      "Devices per lifecycle state.",
		}, []string{"state"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetsim",
			Name:      "devices",
			Help:      "Registered devices.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetsim",
			Name:      "live_connections",
			Help:      "Open hub connections.",
		}),
		dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetsim",
			Name:      "events_dropped_total",
			Help:      "Events dropped by slow subscribers.",
		}),
	}
	reg.MustRegister(p.events, p.sendLatency, p.deviceState, p.devices, p.connections, p.dropped)
	return p
}

// Write counts the event and observes send latency when present.
func (p *PromSink) Write(ev event.Event) error {
	p.events.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == event.KindMessageSent && ev.Latency > 0 {
		p.sendLatency.Observe(ev.Latency.Seconds())
	}
	return nil
}

// WriteStats refreshes the fleet gauges.
func (p *PromSink) WriteStats(stats FleetStats) error {
	p.devices.Set(float64(stats.Devices))
	p.connections.Set(float64(stats.LiveConnections))
	p.dropped.Set(float64(stats.EventsDropped))
	p.deviceState.Reset()
	for state, n := range stats.ByState {
		p.deviceState.WithLabelValues(state).Set(float64(n))
	}
	return nil
}
