package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cuecraft/api/internal/platform/requestctx"
)

func TestTraceMiddlewareContinuesCloudTrace(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("cuecraft-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got.TraceID != "105445aa7843bc8bf206b12000100000" || got.SpanID != "0000000000000001" || !got.Sampled {
		t.Fatalf("unexpected trace info %+v", got)
	}
	if got.Resource() != "projects/cuecraft-prod/traces/105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected resource %q", got.Resource())
	}
	if header := rr.Header().Get(cloudTraceHeader); header != "105445aa7843bc8bf206b12000100000/1;o=1" {
		t.Fatalf("unexpected echoed header %q", header)
	}
}

func TestTraceMiddlewarePrefersTraceparent(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" || got.SpanID != "00f067aa0ba902b7" {
		t.Fatalf("unexpected trace info %+v", got)
	}
}

func TestParseCloudTraceContextRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc", "zz/1", "105445aa7843bc8bf206b12000100000/x", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRequestLoggerWritesCompletionLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := chi.NewRouter()
	router.Use(RequestLogger(zap.New(core)))
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		if !requestctx.HasLogger(r.Context()) {
			t.Error("expected request logger on context")
		}
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion line, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zap.WarnLevel {
		t.Fatalf("4xx should log at warn, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["route"] != "/orders/{orderID}" || fields["order_id"] != "ord_1" || fields["status"] != int64(http.StatusNotFound) {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestRecovererWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recoverer(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected panic to be logged")
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := EventLogger(zap.New(core), "orders")

	log(context.Background(), "order.event.publish.failed", map[string]any{"orderId": "ord_1", "error": "timeout"})
	log(context.Background(), "payment.webhook.applied", map[string]any{"orderId": "ord_1"})

	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("expected two entries, got %d", len(all))
	}
	if all[0].Level != zap.WarnLevel || all[0].LoggerName != "orders" {
		t.Fatalf("failure events log at warn, got %+v", all[0].Entry)
	}
	if all[1].Level != zap.InfoLevel || all[1].ContextMap()["event"] != "payment.webhook.applied" {
		t.Fatalf("unexpected entry %+v", all[1])
	}
}
