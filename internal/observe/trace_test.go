package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobalTracer installs tp as the global provider for the test duration.
func useGlobalTracer(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}
}

func TestStartKindSpan_TagsKind(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useGlobalTracer(t, tp)

	ctx, span := StartKindSpan(context.Background(), "monitor.start", "audio")
	if CorrelationID(ctx) == "" {
		t.Error("StartKindSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "monitor.start" {
		t.Errorf("span name = %q, want monitor.start", spans[0].Name)
	}
	var kind string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "kind" {
			kind = kv.Value.AsString()
		}
	}
	if kind != "audio" {
		t.Errorf("kind attribute = %q, want audio", kind)
	}
}

func TestLogger(t *testing.T) {
	t.Run("with span", func(t *testing.T) {
		buf := captureLogs(t)
		tp, _ := newTestTracerProvider(t)
		ctx, span := tp.Tracer("test").Start(context.Background(), "log")
		defer span.End()

		Logger(ctx).Info("transition")
		for _, want := range []string{"trace_id=", "span_id="} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("log output missing %s: %s", want, buf.String())
			}
		}
	})
	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("transition")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log output should not contain trace_id: %s", buf.String())
		}
	})
}
