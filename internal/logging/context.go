package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types
type runCtxKey struct{}
type phaseCtxKey struct{}

// WithRunID returns a context carrying the pipeline run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run ID, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPhase returns a context carrying the current phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext extracts the phase name, or "" if absent.
func PhaseFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("run.phase", phase))
	}

	return fields
}
