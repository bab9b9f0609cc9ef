package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/requestctx"
)

var fixedTime = time.Date(2026, time.May, 4, 9, 30, 0, 0, time.UTC)

func newOrderRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "usr_customer"}))
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newOrderRequest("", `{"title":"Theme"}`))
		if rr.Code != http.StatusCreated {
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("requests without a key are not deduplicated, got %d calls", calls)
	}
}

func TestMiddlewareRequiredKey(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithRequiredKey())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when header is missing")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("", `{}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ord_1"}`))
		}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest("abc-123", `{"title":"Theme"}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest("abc-123", `{"title":"Theme"}`))

	if calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated || rr2.Header().Get(replayHeader) != "true" {
		t.Fatalf("expected replayed 201, got %d %v", rr2.Code, rr2.Header())
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
	if rr2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored content type, got %q", rr2.Header().Get("Content-Type"))
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("shared", `{}`))
	other := newOrderRequest("shared", `{}`)
	other = other.WithContext(auth.WithIdentity(other.Context(), &auth.Identity{UID: "usr_other"}))
	handler.ServeHTTP(httptest.NewRecorder(), other)

	if calls != 2 {
		t.Fatalf("keys of different callers must not collide, got %d calls", calls)
	}
}

func TestMiddlewareConflictingFingerprint(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("same-key", `{"title":"a"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("same-key", `{"title":"b"}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewarePendingReservation(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler should not be invoked when reservation pending")
		}))

	req := newOrderRequest("pending-key", `{}`)
	body, err := bufferBody(req)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	caller := requester(req.Context())
	if _, err := store.Reserve(req.Context(), "http|"+caller+"|pending-key", requestFingerprint(req, body, caller), fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newOrderRequest("retry", `{}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newOrderRequest("retry", `{}`))

	if rr1.Code != http.StatusServiceUnavailable || rr2.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("server errors must be retryable: %d %d calls=%d", rr1.Code, rr2.Code, calls)
	}
}

func TestMiddlewareSaveFailureReleasesReservation(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("fail-key", `{}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("handler response should still be delivered, got %d", rr.Code)
	}
	if !store.released {
		t.Fatal("expected reservation to be released on failure")
	}
}

func TestMiddlewareStoreUnavailable(t *testing.T) {
	store := &stubStore{failReserve: true}
	handler := Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run without a reservation")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newOrderRequest("k", `{}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_store_error")
}

func TestMiddlewareLogsStoreFailuresWithRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	handler := Middleware(&stubStore{failSave: true}, WithLogger(zap.New(fallbackCore)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := newOrderRequest("log-key", `{}`)
	req = req.WithContext(requestctx.WithLogger(req.Context(), zap.New(core)))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("store idempotent response").All()
	if len(entries) != 1 {
		t.Fatalf("expected one save failure entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "idempotency" || entries[0].ContextMap()["idempotency_key"] != "log-key" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if fallbackLogs.Len() != 0 {
		t.Fatalf("fallback logger should stay silent when the request carries one")
	}

	handler.ServeHTTP(httptest.NewRecorder(), newOrderRequest("log-key-2", `{}`))
	if fallbackLogs.FilterMessage("store idempotent response").Len() != 1 {
		t.Fatalf("expected fallback logger to record the failure")
	}
}

type stubStore struct {
	failReserve bool
	failSave    bool
	released    bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	if s.failReserve {
		return Reservation{}, errors.New("firestore unavailable")
	}
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
