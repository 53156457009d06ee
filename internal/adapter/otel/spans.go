package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "devgodzilla"

// StartProtocolSpan starts a span covering one protocol run transition.
func StartProtocolSpan(ctx context.Context, op string, protocolRunID, projectID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithAttributes(
			attribute.Int64("protocol_run.id", protocolRunID),
			attribute.Int64("project.id", projectID),
		),
	)
}

// StartStepSpan starts a span covering one step execution.
func StartStepSpan(ctx context.Context, stepRunID int64, engine string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.Int64("step_run.id", stepRunID),
			attribute.String("step.engine", engine),
		),
	)
}

// StartQASpan starts a span covering one gate pipeline evaluation.
func StartQASpan(ctx context.Context, stepRunID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "qa.evaluate",
		trace.WithAttributes(
			attribute.Int64("step_run.id", stepRunID),
		),
	)
}

// StartReconcileSpan starts a span covering one reconciliation pass.
func StartReconcileSpan(ctx context.Context, protocolRunID int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.Int64("protocol_run.id", protocolRunID),
		),
	)
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
