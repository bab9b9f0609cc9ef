package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/pagination"
	"github.com/cuecraft/api/internal/services"
)

const maxAdminBodySize = 16 * 1024

// AdminHandlers serves the moderation queues and operator notifications.
type AdminHandlers struct {
	users         PrincipalResolver
	moderation    services.ModerationService
	notifications services.NotificationService
	paging        pagination.Options
}

// AdminDeps bundles the services behind the /admin endpoints.
type AdminDeps struct {
	Users         PrincipalResolver
	Moderation    services.ModerationService
	Notifications services.NotificationService
	Pagination    pagination.Options
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(deps AdminDeps) *AdminHandlers {
	return &AdminHandlers{
		users:         deps.Users,
		moderation:    deps.Moderation,
		notifications: deps.Notifications,
		paging:        deps.Pagination,
	}
}

// Routes registers the /admin endpoints. Role checks happen in the services.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	paged := r.With(pagination.Middleware(h.paging))
	paged.Get("/verifications", h.listVerifications)
	r.Post("/verifications/{verificationID}:approve", h.reviewVerification(domain.ModerationApproved))
	r.Post("/verifications/{verificationID}:reject", h.reviewVerification(domain.ModerationRejected))

	paged.Get("/music-approvals", h.listMusicApprovals)
	r.Post("/music-approvals/{approvalID}:approve", h.reviewMusicApproval(domain.ModerationApproved))
	r.Post("/music-approvals/{approvalID}:reject", h.reviewMusicApproval(domain.ModerationRejected))

	r.Post("/notifications", h.createNotification)
}

func (h *AdminHandlers) moderationPrincipal(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	if h.moderation == nil {
		serviceUnavailable(r.Context(), w, "moderation")
		return services.Principal{}, false
	}
	return currentPrincipal(w, r, h.users)
}

func (h *AdminHandlers) listVerifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.moderationPrincipal(w, r)
	if !ok {
		return
	}
	filter, ok := moderationFilter(w, r)
	if !ok {
		return
	}
	page, err := h.moderation.ListVerifications(ctx, principal, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPage(page, buildVerificationPayload))
}

func (h *AdminHandlers) listMusicApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.moderationPrincipal(w, r)
	if !ok {
		return
	}
	filter, ok := moderationFilter(w, r)
	if !ok {
		return
	}
	page, err := h.moderation.ListMusicApprovals(ctx, principal, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPage(page, buildMusicApprovalPayload))
}

type reviewRequest struct {
	Note *string `json:"note"`
}

func (h *AdminHandlers) reviewVerification(decision domain.ModerationStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := h.moderationPrincipal(w, r)
		if !ok {
			return
		}
		var req reviewRequest
		if !decodeOptionalJSONBody(w, r, maxAdminBodySize, &req) {
			return
		}
		verification, err := h.moderation.ReviewVerification(r.Context(), services.ReviewCommand{
			Actor:    principal,
			ID:       chi.URLParam(r, "verificationID"),
			Decision: decision,
			Note:     trimmedPtr(req.Note),
		})
		if err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, buildVerificationPayload(verification))
	}
}

func (h *AdminHandlers) reviewMusicApproval(decision domain.ModerationStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := h.moderationPrincipal(w, r)
		if !ok {
			return
		}
		var req reviewRequest
		if !decodeOptionalJSONBody(w, r, maxAdminBodySize, &req) {
			return
		}
		approval, err := h.moderation.ReviewMusicApproval(r.Context(), services.ReviewCommand{
			Actor:    principal,
			ID:       chi.URLParam(r, "approvalID"),
			Decision: decision,
			Note:     trimmedPtr(req.Note),
		})
		if err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, buildMusicApprovalPayload(approval))
	}
}

func (h *AdminHandlers) createNotification(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		serviceUnavailable(r.Context(), w, "notification")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	createNotification(w, r, h.notifications, principal)
}

type createNotificationRequest struct {
	UserID   string         `json:"userId"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Link     *string        `json:"link"`
	Metadata map[string]any `json:"metadata"`
}

// createNotification is shared by the admin and internal notification endpoints.
func createNotification(w http.ResponseWriter, r *http.Request, svc services.NotificationService, actor services.Principal) {
	var req createNotificationRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req) {
		return
	}
	notification, err := svc.Create(r.Context(), services.CreateNotificationCommand{
		Actor:    actor,
		UserID:   req.UserID,
		Type:     domain.NotificationType(strings.ToLower(strings.TrimSpace(req.Type))),
		Title:    req.Title,
		Message:  req.Message,
		Link:     trimmedPtr(req.Link),
		Metadata: req.Metadata,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildNotificationPayload(notification))
}

func moderationFilter(w http.ResponseWriter, r *http.Request) (services.ModerationListFilter, bool) {
	filter := services.ModerationListFilter{
		Pagination: pagination.FromContextOrDefault(r.Context()).Pagination(),
	}
	raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if raw == "" {
		return filter, true
	}
	status := domain.ModerationStatus(raw)
	switch status {
	case domain.ModerationPending, domain.ModerationApproved, domain.ModerationRejected:
		filter.Status = &status
		return filter, true
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "unknown moderation status "+raw, http.StatusBadRequest))
		return filter, false
	}
}
