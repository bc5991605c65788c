package trace

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartIterationRecordsExpectedAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()

	if _, err := NewProvider("test-service", sdktrace.WithSpanProcessor(recorder)); err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	_, span := StartIteration(context.Background(), "sprint-1", 4)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "loop.iteration" {
		t.Errorf("span name = %q, want loop.iteration", spans[0].Name())
	}

	var sawSprint, sawIteration bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "sprint_id" && attr.Value.AsString() == "sprint-1" {
			sawSprint = true
		}
		if string(attr.Key) == "iteration" && attr.Value.AsInt64() == 4 {
			sawIteration = true
		}
	}
	if !sawSprint || !sawIteration {
		t.Errorf("span attributes missing expected sprint_id/iteration, got %v", spans[0].Attributes())
	}
}
