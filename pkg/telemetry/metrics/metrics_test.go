package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestIterationsIncrementsPerAction(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.Iterations.WithLabelValues("EXECUTE").Inc()
	m.Iterations.WithLabelValues("EXECUTE").Inc()
	m.Iterations.WithLabelValues("FIX").Inc()

	if got := counterValue(t, m.Iterations, "EXECUTE"); got != 2 {
		t.Errorf("EXECUTE count = %v, want 2", got)
	}
	if got := counterValue(t, m.Iterations, "FIX"); got != 1 {
		t.Errorf("FIX count = %v, want 1", got)
	}
}

func TestRecordProcessStatusSetsExpectedGaugeValues(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	cases := map[string]float64{"GREEN": 0, "YELLOW": 1, "RED": 2}
	for status, want := range cases {
		m.RecordProcessStatus("sprint-1", status)
		var metric dto.Metric
		if err := m.ProcessMonitor.WithLabelValues("sprint-1").Write(&metric); err != nil {
			t.Fatalf("write gauge: %v", err)
		}
		if got := metric.GetGauge().GetValue(); got != want {
			t.Errorf("status %s: gauge = %v, want %v", status, got, want)
		}
	}
}

func TestTwoIndependentRegistriesDoNotCollide(t *testing.T) {
	NewMetricsWithRegistry(prometheus.NewRegistry())
	NewMetricsWithRegistry(prometheus.NewRegistry())
}
