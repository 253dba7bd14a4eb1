// Package obs wires the metrics and tracing instrumentation shared by
// the adapter, the service, and the janitor. Grounded on gxo-labs-gxo's
// internal/tracing (span-per-operation, error recorded on the span) and
// on the Prometheus conventions used across the corpus.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "pg-statestore"

func tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name and returns a finish function that
// records err on the span (if non-nil) before ending it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := tracer().Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
