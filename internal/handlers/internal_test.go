package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuecraft/api/internal/platform/auth"
)

func TestInternalNotificationRequiresServiceIdentity(t *testing.T) {
	h := newAPIHarness(t)
	body := map[string]any{
		"userId":  uidDirector,
		"type":    "payment",
		"title":   "Payout sent",
		"message": "Your payout for May is on its way.",
		"link":    "/me/payouts",
	}

	created := expect[notificationPayload](t, h.do(http.MethodPost, "/api/v1/internal/notifications", "", body, withHeader(testServiceHeader, "scheduler@cuecraft.iam.gserviceaccount.com")), http.StatusCreated)
	if created.UserID != uidDirector || created.Link == nil || *created.Link != "/me/payouts" {
		t.Fatalf("unexpected notification %+v", created)
	}

	expect[errorBody](t, h.do(http.MethodPost, "/api/v1/internal/notifications", uidAdmin, body), http.StatusUnauthorized)

	invalid := expect[errorBody](t, h.do(http.MethodPost, "/api/v1/internal/notifications", "", map[string]any{"userId": uidDirector, "type": "bogus", "title": "x", "message": "y"}, withHeader(testServiceHeader, "scheduler")), http.StatusBadRequest)
	if invalid.Error != "validation_error" {
		t.Fatalf("expected validation error, got %+v", invalid)
	}
}

func TestInternalIdempotencyCleanup(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := h.idem.Reserve(ctx, key, "fp", harnessNow.Add(-2*time.Hour), time.Minute); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}
	if _, err := h.idem.Reserve(ctx, "fresh", "fp", harnessNow, time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	first := expect[map[string]int](t, h.do(http.MethodPost, "/api/v1/internal/maintenance/idempotency-cleanup?limit=2", "", nil, withHeader(testServiceHeader, "scheduler")), http.StatusOK)
	if first["removed"] != 2 {
		t.Fatalf("expected two removals, got %v", first)
	}
	second := expect[map[string]int](t, h.do(http.MethodPost, "/api/v1/internal/maintenance/idempotency-cleanup", "", nil, withHeader(testServiceHeader, "scheduler")), http.StatusOK)
	if second["removed"] != 1 {
		t.Fatalf("expected the last expired record, got %v", second)
	}

	expect[errorBody](t, h.do(http.MethodPost, "/api/v1/internal/maintenance/idempotency-cleanup?limit=-1", "", nil, withHeader(testServiceHeader, "scheduler")), http.StatusBadRequest)
	expect[errorBody](t, h.do(http.MethodPost, "/api/v1/internal/maintenance/idempotency-cleanup", "", nil), http.StatusUnauthorized)
}

type failingCleaner struct{}

func (failingCleaner) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, errors.New("firestore: deadline exceeded")
}

func TestInternalIdempotencyCleanupFailure(t *testing.T) {
	handlers := NewInternalHandlers(nil, WithIdempotencyCleaner(failingCleaner{}, 0))
	r := chi.NewRouter()
	handlers.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/maintenance/idempotency-cleanup", nil)
	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Subject: "scheduler"}))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	body := expect[errorBody](t, rr, http.StatusInternalServerError)
	if body.Error != "cleanup_failed" {
		t.Fatalf("unexpected error %+v", body)
	}
}
