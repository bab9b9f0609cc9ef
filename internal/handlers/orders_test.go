package handlers

import (
	"net/http"
	"testing"
)

func TestOrderLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	order := h.inProgressOrder(1)
	if order.Status != "IN_PROGRESS" || order.RemainingRevisions != 1 {
		t.Fatalf("unexpected in-progress order %+v", order)
	}
	base := "/api/v1/orders/" + order.ID

	delivered := expect[orderBody](t, h.do(http.MethodPost, base+"/deliver", uidDirector, map[string]any{
		"musicUrl": "https://cdn.example.com/cue-v1.wav",
		"message":  "First pass",
	}), http.StatusOK)
	if delivered.Status != "READY_FOR_PAYMENT" || delivered.FinalMusicURL == nil {
		t.Fatalf("unexpected delivered order %+v", delivered)
	}

	revised := expect[orderBody](t, h.do(http.MethodPost, base+"/revision", uidCustomer, map[string]any{"feedback": "More strings"}), http.StatusOK)
	if revised.Status != "REVISION_REQUESTED" || revised.RemainingRevisions != 0 || revised.UsedRevisions != 1 {
		t.Fatalf("unexpected revised order %+v", revised)
	}

	expect[orderBody](t, h.do(http.MethodPost, base+"/deliver", uidDirector, map[string]any{"musicUrl": "https://cdn.example.com/cue-v2.wav"}), http.StatusOK)

	exhausted := expect[errorBody](t, h.do(http.MethodPost, base+"/revision", uidCustomer, map[string]any{"feedback": "One more"}), http.StatusBadRequest)
	if exhausted.Error != "revisions_exhausted" || exhausted.RemainingRevisions == nil || *exhausted.RemainingRevisions != 0 {
		t.Fatalf("unexpected exhausted body %+v", exhausted)
	}

	history := expect[struct {
		Items []orderHistoryPayload `json:"items"`
	}](t, h.do(http.MethodGet, base+"/history", uidCustomer, nil), http.StatusOK)
	if len(history.Items) == 0 {
		t.Fatal("expected history entries")
	}

	fetched := expect[orderBody](t, h.do(http.MethodGet, base, uidDirector, nil), http.StatusOK)
	if fetched.Status != "READY_FOR_PAYMENT" {
		t.Fatalf("expected READY_FOR_PAYMENT, got %s", fetched.Status)
	}
}

func TestOrderErrorsMapToStatusCodes(t *testing.T) {
	h := newAPIHarness(t)
	order := h.openOrder()
	base := "/api/v1/orders/" + order.ID

	cases := []struct {
		name   string
		method string
		path   string
		uid    string
		body   any
		status int
		code   string
	}{
		{"anonymous", http.MethodGet, base, "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"unregistered uid", http.MethodGet, base, "firebase-only", nil, http.StatusForbidden, "forbidden"},
		{"director cannot create", http.MethodPost, "/api/v1/orders", uidDirector, map[string]any{"title": "x", "genre": "pop"}, http.StatusForbidden, "forbidden"},
		{"stranger cannot read", http.MethodGet, base, uidStranger, nil, http.StatusForbidden, "forbidden"},
		{"missing order", http.MethodGet, "/api/v1/orders/ord_missing", uidCustomer, nil, http.StatusNotFound, "not_found"},
		{"accept without offer", http.MethodPost, base + "/accept", uidCustomer, nil, http.StatusBadRequest, "invalid_transition"},
		{"offer price validation", http.MethodPost, base + "/offer", uidDirector, map[string]any{"price": 0, "productionTime": 3}, http.StatusBadRequest, "validation_error"},
		{"malformed json", http.MethodPost, "/api/v1/orders", uidCustomer, "{", http.StatusBadRequest, "invalid_request"},
		{"empty body", http.MethodPost, base + "/deliver", uidDirector, nil, http.StatusBadRequest, "invalid_request"},
		{"unknown status filter", http.MethodGet, "/api/v1/orders?status=SHIPPED", uidCustomer, nil, http.StatusBadRequest, "invalid_request"},
		{"bad pagination", http.MethodGet, "/api/v1/orders?limit=abc", uidCustomer, nil, http.StatusBadRequest, "invalid_pagination"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := expect[errorBody](t, h.do(tc.method, tc.path, tc.uid, tc.body), tc.status)
			if body.Error != tc.code {
				t.Fatalf("expected error %q, got %+v", tc.code, body)
			}
		})
	}
}

func TestOrderValidationReportsField(t *testing.T) {
	h := newAPIHarness(t)
	body := expect[errorBody](t, h.do(http.MethodPost, "/api/v1/orders", uidCustomer, map[string]any{"title": "Theme"}), http.StatusBadRequest)
	if body.Field != "genre" {
		t.Fatalf("expected genre field error, got %+v", body)
	}
}

func TestRejectOfferReturnsOrderToPending(t *testing.T) {
	h := newAPIHarness(t)
	order := h.openOrder()
	base := "/api/v1/orders/" + order.ID
	expect[orderBody](t, h.do(http.MethodPost, base+"/offer", uidDirector, map[string]any{"price": 30000, "productionTime": 5}), http.StatusOK)

	rejected := expect[orderBody](t, h.do(http.MethodPost, base+"/reject", uidCustomer, nil), http.StatusOK)
	if rejected.Status != "PENDING" || rejected.OfferedPrice != nil || rejected.ProductionTime != nil {
		t.Fatalf("reject should clear the offer, got %+v", rejected)
	}
}

func TestListOrdersFiltersAndPages(t *testing.T) {
	h := newAPIHarness(t)
	first := h.openOrder()
	h.openOrder()
	expect[orderBody](t, h.do(http.MethodPost, "/api/v1/orders/"+first.ID+"/offer", uidDirector, map[string]any{"price": 1000, "productionTime": 2}), http.StatusOK)

	page := expect[pagePayload[orderBody]](t, h.do(http.MethodGet, "/api/v1/orders?limit=1", uidCustomer, nil), http.StatusOK)
	if len(page.Items) != 1 || page.NextOffset == nil || *page.NextOffset != 1 {
		t.Fatalf("unexpected first page %+v", page)
	}

	filtered := expect[pagePayload[orderBody]](t, h.do(http.MethodGet, "/api/v1/orders?status=offer_pending", uidDirector, nil), http.StatusOK)
	if len(filtered.Items) != 1 || filtered.Items[0].ID != first.ID {
		t.Fatalf("unexpected filtered page %+v", filtered)
	}
	if filtered.NextOffset != nil {
		t.Fatalf("expected last page, got next offset %d", *filtered.NextOffset)
	}

	if others := expect[pagePayload[orderBody]](t, h.do(http.MethodGet, "/api/v1/orders", uidStranger, nil), http.StatusOK); len(others.Items) != 0 {
		t.Fatalf("strangers see no orders, got %d", len(others.Items))
	}
}

func TestSignDeliveryUpload(t *testing.T) {
	h := newAPIHarness(t)
	order := h.inProgressOrder(2)
	signed := expect[signedURLPayload](t, h.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/deliveries:sign", uidDirector, map[string]any{
		"fileName":    "final.wav",
		"contentType": "audio/wav",
	}), http.StatusOK)
	if signed.Method != http.MethodPut || signed.ObjectURL == "" {
		t.Fatalf("unexpected signed url %+v", signed)
	}
	expect[errorBody](t, h.do(http.MethodPost, "/api/v1/orders/"+order.ID+"/deliveries:sign", uidCustomer, map[string]any{
		"fileName":    "final.wav",
		"contentType": "audio/wav",
	}), http.StatusForbidden)
}

func TestIdempotencyKeyReplaysOrderCreation(t *testing.T) {
	h := newAPIHarness(t)
	body := map[string]any{"title": "Jingle", "genre": "pop"}

	first := expect[orderBody](t, h.do(http.MethodPost, "/api/v1/orders", uidCustomer, body, withHeader("Idempotency-Key", "k-1")), http.StatusCreated)
	second := expect[orderBody](t, h.do(http.MethodPost, "/api/v1/orders", uidCustomer, body, withHeader("Idempotency-Key", "k-1")), http.StatusCreated)
	if first.ID != second.ID {
		t.Fatalf("replayed request should return the stored order, got %s and %s", first.ID, second.ID)
	}

	page := expect[pagePayload[orderBody]](t, h.do(http.MethodGet, "/api/v1/orders", uidCustomer, nil), http.StatusOK)
	if len(page.Items) != 1 {
		t.Fatalf("expected a single order, got %d", len(page.Items))
	}
}
