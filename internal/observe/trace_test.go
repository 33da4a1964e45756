package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// rest of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects the default logger into a buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpan(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartSpan(context.Background(), "session.connect")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 lowercase hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.connect" {
		t.Fatalf("spans = %v", spans)
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("span trace = %s, correlation id = %s", got, cid)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestFailSpan(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(context.Background(), "session.connect")
	FailSpan(span, "open capture", errors.New("device busy"))
	span.End()

	s := exp.GetSpans()[0]
	if s.Status.Code != codes.Error || s.Status.Description != "open capture" {
		t.Errorf("status = %+v", s.Status)
	}
	if len(s.Events) != 1 || s.Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception", s.Events)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name     string
		withSpan bool
		args     []any
		want     []string
		reject   []string
	}{
		{name: "plain", reject: []string{"trace_id", "conn_id"}},
		{name: "args only", args: []any{"conn_id", "c-1"}, want: []string{"conn_id=c-1"}, reject: []string{"trace_id"}},
		{name: "span", withSpan: true, want: []string{"trace_id=", "span_id="}},
		{name: "span and args", withSpan: true, args: []any{"conn_id", "c-2"}, want: []string{"trace_id=", "conn_id=c-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "test")
				defer s.End()
				ctx = c
			}

			Logger(ctx, tt.args...).Info("hello")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, r := range tt.reject {
				if strings.Contains(out, r) {
					t.Errorf("log %q contains %q", out, r)
				}
			}
		})
	}
}
