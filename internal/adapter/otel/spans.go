package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "mesync"

// StartDrainSpan starts a span for one queue drain.
func StartDrainSpan(ctx context.Context, runID string, batchSize int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.drain",
		trace.WithAttributes(
			attribute.String("drain.run_id", runID),
			attribute.Int("drain.batch_size", batchSize),
		),
	)
}

// StartOperationSpan starts a span for processing one sync operation.
func StartOperationSpan(ctx context.Context, opID int64, entityRef, direction string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.operation",
		trace.WithAttributes(
			attribute.Int64("operation.id", opID),
			attribute.String("entity.ref", entityRef),
			attribute.String("operation.direction", direction),
		),
	)
}

// StartRecomputeSpan starts a span for a status recompute of one ancestor chain.
func StartRecomputeSpan(ctx context.Context, entityRef string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "status.recompute",
		trace.WithAttributes(attribute.String("entity.ref", entityRef)),
	)
}
