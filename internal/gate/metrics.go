package gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/triage-ai/palisade/services/tool_gate/internal/audit"
)

// Metrics holds Prometheus metrics for the gate.
// All metrics use the tool_gate namespace.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ActiveExecutions prometheus.Gauge
}

// NewMetrics creates and registers gate metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tool_gate",
			Name:      "decisions_total",
			Help:      "Audited gate decisions by tool and decision.",
		}, []string{"tool", "decision"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tool_gate",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency by tool and outcome.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"tool", "outcome"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tool_gate",
			Name:      "active_executions",
			Help:      "Tool executions currently in flight.",
		}),
	}

	reg.MustRegister(m.DecisionsTotal, m.ToolDuration, m.ActiveExecutions)
	return m
}

func (m *Metrics) decision(tool string, d audit.Decision) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(tool, string(d)).Inc()
}

func (m *Metrics) startExecution() func(tool, outcome string) {
	if m == nil {
		return func(string, string) {}
	}
	start := time.Now()
	m.ActiveExecutions.Inc()
	return func(tool, outcome string) {
		m.ActiveExecutions.Dec()
		m.ToolDuration.WithLabelValues(tool, outcome).Observe(time.Since(start).Seconds())
	}
}
