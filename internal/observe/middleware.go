package observe

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the request's trace id back to the caller.
const CorrelationHeader = "X-Correlation-ID"

// recorder remembers what the handler wrote. Hijacking is forwarded so the
// /ws upgrade works behind [Middleware].
type recorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	upgraded bool
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Hijack implements [http.Hijacker].
func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer cannot be hijacked")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.upgraded = true
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Flush implements [http.Flusher].
func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware traces, times and logs every request. The incoming W3C trace
// context is continued when present and the trace id is echoed in
// [CorrelationHeader]. Durations are keyed by chi route pattern so that
// /api/monitors/audio and /api/monitors/video share one series.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			ctx, span := startServerSpan(prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header)), r)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set(CorrelationHeader, cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			finish(ctx, m, r, rec, time.Since(began))
		})
	}
}

func startServerSpan(ctx context.Context, r *http.Request) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
}

// finish records the duration and writes the access log line. Upgraded
// connections only finish when the socket closes, so they log at debug.
func finish(ctx context.Context, m *Metrics, r *http.Request, rec *recorder, took time.Duration) {
	route := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	m.HTTPRequestDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("path", route),
	))

	level := slog.LevelInfo
	if rec.upgraded {
		level = slog.LevelDebug
	}
	Logger(ctx).LogAttrs(ctx, level, "http request",
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Int64("bytes", rec.bytes),
		slog.Duration("took", took),
	)
}
