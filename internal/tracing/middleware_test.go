package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func TestHTTPMiddleware_NamesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Patch("/api/providers/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("PATCH", "/api/providers/openai", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "PATCH /api/providers/{name}" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if got := attrMap(spans[0])["http.response.status_code"]; got != int64(204) {
		t.Errorf("status attribute = %v, want 204", got)
	}
}

func TestHTTPMiddleware_WithoutRouterUsesPath(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	spans := exporter.GetSpans()
	if len(spans) == 0 || spans[0].Name != "GET /health" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if got := attrMap(spans[0])["http.response.status_code"]; got != int64(200) {
		t.Errorf("implicit status = %v, want 200", got)
	}
}

func TestHTTPMiddleware_ServerErrorSetsSpanError(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/generate", nil))

	if got := exporter.GetSpans()[0].Status.Code; got != codes.Error {
		t.Errorf("span status = %v, want Error", got)
	}
}

func TestHTTPMiddleware_ExtractsTraceContext(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			t.Error("expected valid span context in request")
		}
	}))
	req := httptest.NewRequest("POST", "/v1/generate", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	traceID := exporter.GetSpans()[0].SpanContext.TraceID().String()
	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected trace ID from injected header, got %s", traceID)
	}
}
