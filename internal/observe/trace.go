package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxloop"

// ChannelKey is the span attribute and log key carrying the voice channel.
const ChannelKey = "channel_id"

type channelCtxKey struct{}

// WithChannel tags ctx with the voice channel a unit of work belongs to.
// Spans started by [StartSpan] and loggers from [Logger] pick it up.
func WithChannel(ctx context.Context, channelID string) context.Context {
	if channelID == "" {
		return ctx
	}
	return context.WithValue(ctx, channelCtxKey{}, channelID)
}

// ChannelFrom returns the channel set by [WithChannel], or "".
func ChannelFrom(ctx context.Context) string {
	id, _ := ctx.Value(channelCtxKey{}).(string)
	return id
}

// StartSpan starts a span on the voxloop tracer of the global provider. The
// channel from ctx, if any, is added as an attribute. The caller must end
// the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ch := ChannelFrom(ctx); ch != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(ChannelKey, ch)))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the channel and trace of ctx
// attached.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ch := ChannelFrom(ctx); ch != "" {
		l = l.With(slog.String(ChannelKey, ch))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
