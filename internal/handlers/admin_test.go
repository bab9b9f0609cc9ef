package handlers

import (
	"net/http"
	"testing"
)

func TestAdminVerificationReview(t *testing.T) {
	h := newAPIHarness(t)
	submitted := expect[verificationPayload](t, h.do(http.MethodPost, "/api/v1/me/verification", uidDirector, map[string]any{
		"portfolioUrl": "https://portfolio.example.com/dana",
	}), http.StatusCreated)

	queue := expect[pagePayload[verificationPayload]](t, h.do(http.MethodGet, "/api/v1/admin/verifications?status=pending", uidAdmin, nil), http.StatusOK)
	if len(queue.Items) != 1 || queue.Items[0].ID != submitted.ID {
		t.Fatalf("unexpected queue %+v", queue)
	}

	approved := expect[verificationPayload](t, h.do(http.MethodPost, "/api/v1/admin/verifications/"+submitted.ID+":approve", uidAdmin, map[string]any{"note": " great reel "}), http.StatusOK)
	if approved.Status != "APPROVED" || approved.ReviewerID == nil || *approved.ReviewerID != uidAdmin || approved.Note == nil || *approved.Note != "great reel" {
		t.Fatalf("unexpected approval %+v", approved)
	}

	account := expect[accountPayload](t, h.do(http.MethodGet, "/api/v1/me", uidDirector, nil), http.StatusOK)
	if account.Director == nil || !account.Director.IsVerified {
		t.Fatalf("approved director should be verified, got %+v", account.Director)
	}

	again := expect[errorBody](t, h.do(http.MethodPost, "/api/v1/admin/verifications/"+submitted.ID+":reject", uidAdmin, nil), http.StatusBadRequest)
	if again.Error != "invalid_transition" {
		t.Fatalf("decided verifications cannot be reviewed again, got %+v", again)
	}
	if pending := expect[pagePayload[verificationPayload]](t, h.do(http.MethodGet, "/api/v1/admin/verifications?status=PENDING", uidAdmin, nil), http.StatusOK); len(pending.Items) != 0 {
		t.Fatalf("expected empty pending queue, got %d", len(pending.Items))
	}
}

func TestAdminMusicApprovalReview(t *testing.T) {
	h := newAPIHarness(t)
	submission := expect[struct {
		Approval musicApprovalPayload `json:"approval"`
	}](t, h.do(http.MethodPost, "/api/v1/me/music", uidDirector, map[string]any{
		"title":      "Night Drive",
		"genre":      "synthwave",
		"previewUrl": "https://cdn.example.com/preview.mp3",
		"price":      1500,
	}), http.StatusCreated)

	rejected := expect[musicApprovalPayload](t, h.do(http.MethodPost, "/api/v1/admin/music-approvals/"+submission.Approval.ID+":reject", uidAdmin, map[string]any{"note": "Clipping at 0:42"}), http.StatusOK)
	if rejected.Status != "REJECTED" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}

	queue := expect[pagePayload[musicApprovalPayload]](t, h.do(http.MethodGet, "/api/v1/admin/music-approvals?status=rejected", uidAdmin, nil), http.StatusOK)
	if len(queue.Items) != 1 {
		t.Fatalf("expected one rejected approval, got %d", len(queue.Items))
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	h := newAPIHarness(t)

	expect[errorBody](t, h.do(http.MethodGet, "/api/v1/admin/verifications", uidDirector, nil), http.StatusForbidden)
	expect[errorBody](t, h.do(http.MethodGet, "/api/v1/admin/music-approvals", uidCustomer, nil), http.StatusForbidden)
	expect[errorBody](t, h.do(http.MethodGet, "/api/v1/admin/verifications", "", nil), http.StatusUnauthorized)
	bad := expect[errorBody](t, h.do(http.MethodGet, "/api/v1/admin/verifications?status=MAYBE", uidAdmin, nil), http.StatusBadRequest)
	if bad.Error != "invalid_request" {
		t.Fatalf("unexpected error %+v", bad)
	}
}

func TestAdminCreatesNotification(t *testing.T) {
	h := newAPIHarness(t)
	body := map[string]any{
		"userId":  uidCustomer,
		"type":    "system",
		"title":   "Maintenance",
		"message": "Uploads pause at 02:00 UTC.",
	}

	created := expect[notificationPayload](t, h.do(http.MethodPost, "/api/v1/admin/notifications", uidAdmin, body), http.StatusCreated)
	if created.UserID != uidCustomer || created.Type != "system" || created.IsRead {
		t.Fatalf("unexpected notification %+v", created)
	}
	expect[errorBody](t, h.do(http.MethodPost, "/api/v1/admin/notifications", uidCustomer, body), http.StatusForbidden)

	inbox := expect[pagePayload[notificationPayload]](t, h.do(http.MethodGet, "/api/v1/me/notifications", uidCustomer, nil), http.StatusOK)
	if len(inbox.Items) != 1 || inbox.Items[0].ID != created.ID {
		t.Fatalf("expected the notification in the customer's inbox, got %+v", inbox.Items)
	}
}
