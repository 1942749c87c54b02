package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newInstrumentedMux(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := useRecorder(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sources/{id}/{intent}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /api/voice", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bridge down", http.StatusBadGateway)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h, reader, exp := newInstrumentedMux(t)

	serve(h, "POST", "/api/sources/rain/start", nil)
	serve(h, "POST", "/api/sources/wind/stop", nil)
	serve(h, "GET", "/nowhere", nil)

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(spans))
	}
	if got := spans[0].Name; got != "http POST /api/sources/{id}/{intent}" {
		t.Errorf("span name = %q", got)
	}
	if got := spans[2].Name; got != "http unmatched" {
		t.Errorf("unmatched span name = %q", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var hist metricdata.Histogram[float64]
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name == "ambiance.http.request.duration" {
				hist, _ = mm.Data.(metricdata.Histogram[float64])
			}
		}
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		counts[route.AsString()] += dp.Count
	}
	if counts["POST /api/sources/{id}/{intent}"] != 2 || counts["unmatched"] != 1 || len(counts) != 2 {
		t.Errorf("duration samples by route = %v", counts)
	}
}

func TestMiddleware_StatusAndErrors(t *testing.T) {
	h, _, exp := newInstrumentedMux(t)

	if rec := serve(h, "GET", "/api/voice", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	span := exp.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Errorf("5xx span status = %v, want error", span.Status.Code)
	}
	var code int64
	for _, a := range span.Attributes {
		if a.Key == "http.response.status_code" {
			code = a.Value.AsInt64()
		}
	}
	if code != http.StatusBadGateway {
		t.Errorf("status attribute = %d", code)
	}
}

func TestMiddleware_TraceHeader(t *testing.T) {
	h, _, _ := newInstrumentedMux(t)

	rec := serve(h, "POST", "/api/sources/rain/start", nil)
	if got := rec.Header().Get(TraceHeader); len(got) != 32 {
		t.Errorf("%s = %q, want a fresh trace id", TraceHeader, got)
	}

	const parent = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec = serve(h, "POST", "/api/sources/rain/stop", http.Header{
		"Traceparent": {"00-" + parent + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get(TraceHeader); got != parent {
		t.Errorf("%s = %q, want the incoming trace %q", TraceHeader, got, parent)
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	h, _, _ := newInstrumentedMux(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	serve(h, "GET", "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("probe logged at info: %s", buf.String())
	}
	serve(h, "POST", "/api/sources/rain/start", nil)
	if !bytes.Contains(buf.Bytes(), []byte("http: request")) {
		t.Errorf("control request not logged: %s", buf.String())
	}
}
