package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareEnv struct {
	metrics  *Metrics
	snapshot func() metricdata.ResourceMetrics
	spans    *tracetest.InMemoryExporter
}

func newMiddlewareEnv(t *testing.T) *middlewareEnv {
	t.Helper()
	m, snapshot := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	useGlobalTracer(t, tp)

	return &middlewareEnv{metrics: m, snapshot: snapshot, spans: exp}
}

// routes mounts a monitor route behind the middleware the way httpapi does.
func (e *middlewareEnv) routes(status int, seen *string) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware(e.metrics))
	r.Get("/api/monitors/{kind}", func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = CorrelationID(r.Context())
		}
		w.WriteHeader(status)
	})
	return r
}

func (e *middlewareEnv) durationPaths(t *testing.T) map[string]uint64 {
	t.Helper()
	met := findMetric(e.snapshot(), "presencegate.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data = %T, want histogram", met.Data)
	}
	out := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		out[path.AsString()] += dp.Count
	}
	return out
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestMiddleware_CorrelationID(t *testing.T) {
	const incoming = "4bf92f3577b34da6a3ce929d0e0e4736"
	tests := []struct {
		name        string
		traceparent string
		want        string // empty: any freshly generated id
	}{
		{name: "new trace"},
		{name: "w3c parent", traceparent: "00-" + incoming + "-00f067aa0ba902b7-01", want: incoming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newMiddlewareEnv(t)
			var seen string
			req := httptest.NewRequest(http.MethodGet, "/api/monitors/audio", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			env.routes(http.StatusOK, &seen).ServeHTTP(rec, req)

			if !traceIDPattern.MatchString(seen) {
				t.Fatalf("handler correlation id = %q, want 32 hex chars", seen)
			}
			if tt.want != "" && seen != tt.want {
				t.Errorf("correlation id = %q, want %q", seen, tt.want)
			}
			if got := rec.Header().Get(CorrelationHeader); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_SpanCarriesStatus(t *testing.T) {
	env := newMiddlewareEnv(t)
	rec := httptest.NewRecorder()
	env.routes(http.StatusNotFound, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/monitors/radio", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	spans := env.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /api/monitors/radio" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddleware_DurationKeyedByRoute(t *testing.T) {
	env := newMiddlewareEnv(t)
	h := env.routes(http.StatusOK, nil)
	for _, kind := range []string{"audio", "video", "audio"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/monitors/"+kind, nil))
	}

	// Outside a chi router the raw path is used.
	bare := Middleware(env.metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	bare.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	paths := env.durationPaths(t)
	if paths["/api/monitors/{kind}"] != 3 {
		t.Errorf("route pattern count = %d, want 3 (paths %v)", paths["/api/monitors/{kind}"], paths)
	}
	if paths["/healthz"] != 1 {
		t.Errorf("raw path count = %d, want 1 (paths %v)", paths["/healthz"], paths)
	}
}

func TestRecorder_HijackUnsupported(t *testing.T) {
	rec := &recorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("Hijack on a recorder error = nil, want error")
	}
	if rec.upgraded || rec.status != http.StatusOK {
		t.Errorf("after failed hijack upgraded = %v status = %d, want false 200", rec.upgraded, rec.status)
	}
	if rec.Unwrap() == nil {
		t.Fatal("Unwrap returned nil")
	}
}

func TestMiddleware_LogsBytesAndRoute(t *testing.T) {
	env := newMiddlewareEnv(t)
	logs := captureLogs(t)
	r := chi.NewRouter()
	r.Use(Middleware(env.metrics))
	r.Get("/api/monitors/{kind}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/monitors/audio", nil))

	out := logs.String()
	for _, want := range []string{"bytes=5", "route=/api/monitors/{kind}", "status=200", "trace_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
