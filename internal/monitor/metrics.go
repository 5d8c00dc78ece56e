// Package monitor exposes the core's operational metrics: a prometheus
// registry for scraping and a sliding-window latency view for the admin API.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the prometheus collectors for the monitoring core. All
// collectors register on the passed registry so tests can use private ones.
type Metrics struct {
	Registry *prometheus.Registry

	TickEvalLatency  prometheus.Histogram
	TicksProcessed   *prometheus.CounterVec
	AlertsTriggered  *prometheus.CounterVec
	JobTicks         *prometheus.CounterVec
	Closures         *prometheus.CounterVec
	QueueJobs        *prometheus.GaugeVec
	ComponentHealthy *prometheus.GaugeVec
	EventsDropped    prometheus.Gauge

	// Sliding-window view served by the admin stats endpoint.
	TickLatencyWindow *LatencyHistogram
}

// NewMetrics creates a registry with all monitoring collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TickEvalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tpsl",
			Subsystem: "pricing",
			Name:      "tick_eval_latency_ms",
			Help:      "Time to evaluate all alerts for one incoming tick in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
		}),
		TicksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpsl",
			Subsystem: "pricing",
			Name:      "ticks_processed_total",
			Help:      "Total price ticks processed",
		}, []string{"symbol"}),
		AlertsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpsl",
			Subsystem: "pricing",
			Name:      "alerts_triggered_total",
			Help:      "Total price alerts fired",
		}, []string{"type"}),
		JobTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpsl",
			Subsystem: "queue",
			Name:      "job_ticks_total",
			Help:      "Monitoring job ticks by outcome",
		}, []string{"outcome"}),
		Closures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tpsl",
			Subsystem: "closure",
			Name:      "closures_total",
			Help:      "Automatic closure attempts by result",
		}, []string{"result"}),
		QueueJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tpsl",
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs per queue state",
		}, []string{"state"}),
		ComponentHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tpsl",
			Subsystem: "health",
			Name:      "component_healthy",
			Help:      "1 when the component reports healthy",
		}, []string{"component"}),
		EventsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tpsl",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Event bus payloads dropped due to slow subscribers",
		}),
		TickLatencyWindow: NewLatencyHistogram(1000),
	}
}

// SetComponentHealth records a component's boolean health as a gauge.
func (m *Metrics) SetComponentHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.ComponentHealthy.WithLabelValues(component).Set(v)
}
