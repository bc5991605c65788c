// Package telemetry wires pkg/telemetry/metrics and pkg/telemetry/trace
// into the pkg/loop.Telemetry seam, so the composition root can hand
// the driver one concrete observability implementation instead of the
// package-internal no-op default.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/valueforge/orchestrator/pkg/telemetry/metrics"
	loopTrace "github.com/valueforge/orchestrator/pkg/telemetry/trace"
)

// LoopTelemetry implements pkg/loop.Telemetry against a real
// Prometheus registry and the global OTel tracer provider.
type LoopTelemetry struct {
	metrics *metrics.Metrics
}

// New builds a LoopTelemetry. Call trace.NewProvider once at process
// start before using this, so the spans it emits land in a real
// exporter rather than the no-op default tracer.
func New(m *metrics.Metrics) *LoopTelemetry {
	return &LoopTelemetry{metrics: m}
}

// RecordIteration increments the per-action iteration counter and
// records a zero-duration "loop.iteration" span tagged with the
// action, marking the point the decision engine chose that action.
// It does not bracket the subsequent agent call's latency: the driver
// calls this once per Decide(), before the step itself runs, and
// wrapping the full step would require threading a span across
// runStep/runAgentStep's several early-return paths for marginal
// benefit over the per-action counter already captured here.
func (t *LoopTelemetry) RecordIteration(ctx context.Context, action string) {
	t.metrics.Iterations.WithLabelValues(action).Inc()

	_, span := loopTrace.Tracer().Start(ctx, "loop.iteration", trace.WithAttributes(attribute.String("action", action)))
	span.End()
}

// RecordDispatchFailure increments the per-action dispatch failure
// counter.
func (t *LoopTelemetry) RecordDispatchFailure(ctx context.Context, action string) {
	t.metrics.DispatchFailures.WithLabelValues(action).Inc()
}
