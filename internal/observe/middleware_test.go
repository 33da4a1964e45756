package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// opsFixture wires Middleware to in-memory metric and span sinks. It swaps
// the global tracer provider, so tests using it do not run in parallel.
type opsFixture struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	h      http.Handler
}

func newOpsFixture(t *testing.T, status int) *opsFixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Trace", CorrelationID(r.Context()))
		w.WriteHeader(status)
		_, _ = w.Write([]byte("body"))
	}))
	return &opsFixture{reader: reader, spans: spans, h: h}
}

func (f *opsFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_NewTrace(t *testing.T) {
	f := newOpsFixture(t, http.StatusOK)
	rec := f.do(httptest.NewRequest("GET", "/healthz", nil))

	seen := rec.Header().Get("X-Seen-Trace")
	if len(seen) != 32 {
		t.Fatalf("handler saw trace id %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get(TraceHeader); got != seen {
		t.Errorf("%s = %q, want %q", TraceHeader, got, seen)
	}
	if !strings.Contains(rec.Header().Get("traceparent"), seen) {
		t.Errorf("traceparent %q does not carry the trace", rec.Header().Get("traceparent"))
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /healthz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	f := newOpsFixture(t, http.StatusOK)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := f.do(req)

	if got := rec.Header().Get("X-Seen-Trace"); got != traceID {
		t.Errorf("handler trace = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get(TraceHeader); got != traceID {
		t.Errorf("%s = %q, want %q", TraceHeader, got, traceID)
	}
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	f := newOpsFixture(t, http.StatusServiceUnavailable)
	rec := f.do(httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	var found bool
	for _, a := range f.spans.GetSpans()[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=503")
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "raksha.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v", hist.DataPoints)
	}
	want := map[string]string{"method": "GET", "path": "/readyz", "status": "503"}
	for k, v := range want {
		got, ok := hist.DataPoints[0].Attributes.Value(attribute.Key(k))
		if !ok || got.AsString() != v {
			t.Errorf("attribute %s = %v, want %q", k, got, v)
		}
	}
}

func TestMiddleware_LogLevel(t *testing.T) {
	tests := []struct {
		path   string
		status int
		logged bool
	}{
		{"/healthz", http.StatusOK, false},
		{"/metrics", http.StatusOK, false},
		{"/readyz", http.StatusServiceUnavailable, true},
		{"/debug/state", http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f := newOpsFixture(t, tt.status)

			var buf bytes.Buffer
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
			t.Cleanup(func() { slog.SetDefault(prev) })

			f.do(httptest.NewRequest("GET", tt.path, nil))

			if got := buf.Len() > 0; got != tt.logged {
				t.Errorf("logged at info = %v, want %v (%s)", got, tt.logged, buf.String())
			}
			if tt.logged && !strings.Contains(buf.String(), "bytes=4") {
				t.Errorf("log line missing body size: %s", buf.String())
			}
		})
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}
