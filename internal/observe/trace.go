package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every parley span.
const tracerName = "github.com/MrWong99/parley"

// SessionAttr is the span attribute that carries the voice session id.
const SessionAttr = attribute.Key("parley.session_id")

type sessionKey struct{}

// Tracer returns the parley tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace id of the span in ctx, or "" without a
// sampled trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithSessionID stores the session id in ctx and tags the active span with
// [SessionAttr].
func WithSessionID(ctx context.Context, id string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(SessionAttr.String(id))
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the id stored by [WithSessionID].
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Logger returns the default logger with trace_id, span_id and session_id
// added when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if id := SessionID(ctx); id != "" {
		args = append(args, "session_id", id)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
