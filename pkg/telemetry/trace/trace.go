// Package trace wires the OpenTelemetry tracer used for the value
// loop's per-iteration span.
package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/valueforge/orchestrator/pkg/loop"

// NewProvider builds an SDK TracerProvider for the given service name
// and registers it as the global provider, constructed once at the
// composition root like the other shared infrastructure clients.
func NewProvider(serviceName string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	allOpts := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	provider := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(provider)
	return provider, nil
}

// Tracer returns the loop package's named tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartIteration opens a "loop.iteration" span tagged with the sprint
// id and iteration number. Nothing in the module calls it: the
// driver's span comes from telemetry.LoopTelemetry.RecordIteration.
func StartIteration(ctx context.Context, sprintID string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "loop.iteration",
		trace.WithAttributes(
			attribute.String("sprint_id", sprintID),
			attribute.Int("iteration", iteration),
		))
}
