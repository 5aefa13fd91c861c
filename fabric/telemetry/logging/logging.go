// Package logging wraps zap with trace/span correlation: every log line
// emitted under an active OpenTelemetry span carries its trace and span
// IDs.
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the correlated logging facade used throughout the fabric.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, fields ...zap.Field)
	WarnCtx(ctx context.Context, msg string, fields ...zap.Field)
	ErrorCtx(ctx context.Context, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

type correlated struct{ base *zap.Logger }

// New builds a correlated Logger around base, constructing a sane
// production default when base is nil.
func New(base *zap.Logger) Logger {
	if base == nil {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		built, err := cfg.Build()
		if err != nil {
			base = zap.NewNop()
		} else {
			base = built
		}
	}
	return &correlated{base: base}
}

func withTrace(ctx context.Context, fields []zap.Field) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

func (l *correlated) InfoCtx(ctx context.Context, msg string, fields ...zap.Field) {
	l.base.Info(msg, withTrace(ctx, fields)...)
}

func (l *correlated) WarnCtx(ctx context.Context, msg string, fields ...zap.Field) {
	l.base.Warn(msg, withTrace(ctx, fields)...)
}

func (l *correlated) ErrorCtx(ctx context.Context, msg string, fields ...zap.Field) {
	l.base.Error(msg, withTrace(ctx, fields)...)
}

func (l *correlated) With(fields ...zap.Field) Logger {
	return &correlated{base: l.base.With(fields...)}
}

func (l *correlated) Sync() error { return l.base.Sync() }
