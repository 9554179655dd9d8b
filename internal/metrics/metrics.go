// ABOUTME: Prometheus counters and gauges for the control plane.
// ABOUTME: Tracks live connections, fan-out volume, and sweeper activity.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for chorus-control.
type Metrics struct {
	registry           *prometheus.Registry
	agentStreams       prometheus.Gauge
	dashboardStreams   prometheus.Gauge
	eventsFannedOut    prometheus.Counter
	dashboardEvents    prometheus.Counter
	sweepsTotal        prometheus.Counter
	streamsReapedTotal prometheus.Counter
	droppedDashboard   prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	agentStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chorus_agent_streams",
		Help: "Number of live agent stream connections",
	})
	dashboardStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chorus_dashboard_streams",
		Help: "Number of live dashboard SSE connections",
	})
	eventsFannedOut := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chorus_agent_events_total",
		Help: "Total number of events sent to agent streams",
	})
	dashboardEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chorus_dashboard_events_total",
		Help: "Total number of events sent to dashboard streams",
	})
	sweepsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chorus_sweeps_total",
		Help: "Total number of liveness sweep passes",
	})
	streamsReapedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chorus_streams_reaped_total",
		Help: "Total number of dead agent streams reaped by the sweeper",
	})
	droppedDashboard := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chorus_dashboard_events_dropped_total",
		Help: "Total number of dashboard events dropped for slow subscribers",
	})

	registry.MustRegister(
		agentStreams,
		dashboardStreams,
		eventsFannedOut,
		dashboardEvents,
		sweepsTotal,
		streamsReapedTotal,
		droppedDashboard,
	)

	return &Metrics{
		registry:           registry,
		agentStreams:       agentStreams,
		dashboardStreams:   dashboardStreams,
		eventsFannedOut:    eventsFannedOut,
		dashboardEvents:    dashboardEvents,
		sweepsTotal:        sweepsTotal,
		streamsReapedTotal: streamsReapedTotal,
		droppedDashboard:   droppedDashboard,
	}
}

// SetAgentStreams sets the live agent stream gauge. Nil-safe.
func (m *Metrics) SetAgentStreams(n int) {
	if m == nil {
		return
	}
	m.agentStreams.Set(float64(n))
}

// SetDashboardStreams sets the live dashboard stream gauge. Nil-safe.
func (m *Metrics) SetDashboardStreams(n int) {
	if m == nil {
		return
	}
	m.dashboardStreams.Set(float64(n))
}

// AddAgentEvents counts events delivered to agent streams. Nil-safe.
func (m *Metrics) AddAgentEvents(n int) {
	if m == nil {
		return
	}
	m.eventsFannedOut.Add(float64(n))
}

// AddDashboardEvents counts events delivered to dashboard streams. Nil-safe.
func (m *Metrics) AddDashboardEvents(n int) {
	if m == nil {
		return
	}
	m.dashboardEvents.Add(float64(n))
}

// IncSweeps counts one sweeper pass. Nil-safe.
func (m *Metrics) IncSweeps() {
	if m == nil {
		return
	}
	m.sweepsTotal.Inc()
}

// AddStreamsReaped counts dead streams removed by the sweeper. Nil-safe.
func (m *Metrics) AddStreamsReaped(n int) {
	if m == nil {
		return
	}
	m.streamsReapedTotal.Add(float64(n))
}

// IncDroppedDashboard counts one dropped dashboard event. Nil-safe.
func (m *Metrics) IncDroppedDashboard() {
	if m == nil {
		return
	}
	m.droppedDashboard.Inc()
}

// Handler returns an http.Handler serving the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
