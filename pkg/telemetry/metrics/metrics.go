// Package metrics registers the Prometheus series an operator scrapes
// through pkg/telemetry/httpserver: iteration and dispatch-failure
// counts by action, which the value loop driver records through
// pkg/telemetry, plus a process monitor status gauge and a token
// counter. Nothing in the module sets the gauge or the token counter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every series this module emits, constructed against a
// specific registry so tests can use an isolated one instead of the
// global default.
type Metrics struct {
	Iterations        *prometheus.CounterVec
	DispatchFailures  *prometheus.CounterVec
	ProcessMonitor    *prometheus.GaugeVec
	TokensTotal       prometheus.Counter
}

// NewMetrics registers every series against prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers every series against the given
// registerer, letting tests use a scratch prometheus.NewRegistry()
// instead of colliding with other tests on the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_iterations_total",
			Help: "Value loop iterations by decision action.",
		}, []string{"action"}),
		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loop_dispatch_failures_total",
			Help: "Agent step failures by decision action.",
		}, []string{"action"}),
		ProcessMonitor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loop_process_monitor_status",
			Help: "Process monitor status, 0=green 1=yellow 2=red.",
		}, []string{"sprint_id"}),
		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loop_tokens_total",
			Help: "Cumulative input+output tokens consumed across all agent sessions.",
		}),
	}

	reg.MustRegister(m.Iterations, m.DispatchFailures, m.ProcessMonitor, m.TokensTotal)
	return m
}

// processStatusValue maps the loopstate status string to the gauge
// value documented in ProcessMonitor's help text.
func processStatusValue(status string) float64 {
	switch status {
	case "YELLOW":
		return 1
	case "RED":
		return 2
	default:
		return 0
	}
}

// RecordProcessStatus sets the process monitor gauge for a sprint.
func (m *Metrics) RecordProcessStatus(sprintID, status string) {
	m.ProcessMonitor.WithLabelValues(sprintID).Set(processStatusValue(status))
}
