package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/valueforge/orchestrator/pkg/telemetry/metrics"
	loopTrace "github.com/valueforge/orchestrator/pkg/telemetry/trace"
)

func TestRecordIterationIncrementsCounterAndEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	if _, err := loopTrace.NewProvider("test", sdktrace.WithSpanProcessor(recorder)); err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	lt := New(m)

	lt.RecordIteration(context.Background(), "EXECUTE")

	var metric dto.Metric
	if err := m.Iterations.WithLabelValues("EXECUTE").Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("iteration count = %v, want 1", metric.GetCounter().GetValue())
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "loop.iteration" {
		t.Errorf("spans = %v, want one loop.iteration span", spans)
	}
}

func TestRecordDispatchFailureIncrementsCounter(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	lt := New(m)

	lt.RecordDispatchFailure(context.Background(), "FIX")

	var metric dto.Metric
	if err := m.DispatchFailures.WithLabelValues("FIX").Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("dispatch failure count = %v, want 1", metric.GetCounter().GetValue())
	}
}
