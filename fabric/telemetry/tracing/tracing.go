// Package tracing sets up the fabric's OpenTelemetry tracer provider and
// offers a thin StartSpan helper so business-logic call sites don't each
// reimport go.opentelemetry.io/otel directly.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/quartz-roseline/quartz/fabric"

// Init installs a zero-config (no exporter) TracerProvider as the global
// default so spans are at least correlated in logs even without a configured
// backend; callers that want real export register a span processor with
// their exporter on the returned provider after Init returns.
func Init() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

// StartSpan begins a span named op under the fabric's instrumentation scope.
func StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, op)
}
