package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/pagination"
	"github.com/cuecraft/api/internal/services"
)

const maxMeBodySize = 8 * 1024

// MeHandlers serves the caller scoped endpoints: account, inbox, library and submissions.
type MeHandlers struct {
	users         services.UserService
	notifications services.NotificationService
	library       services.LibraryService
	moderation    services.ModerationService
	paging        pagination.Options
}

// MeDeps bundles the services behind the /me endpoints.
type MeDeps struct {
	Users         services.UserService
	Notifications services.NotificationService
	Library       services.LibraryService
	Moderation    services.ModerationService
	Pagination    pagination.Options
}

// NewMeHandlers constructs the /me handlers.
func NewMeHandlers(deps MeDeps) *MeHandlers {
	return &MeHandlers{
		users:         deps.Users,
		notifications: deps.Notifications,
		library:       deps.Library,
		moderation:    deps.Moderation,
		paging:        deps.Pagination,
	}
}

// Routes registers the /me endpoints on the API router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/me", h.getAccount)
	r.Post("/me:register", h.register)

	r.With(pagination.Middleware(h.paging)).Get("/me/notifications", h.listNotifications)
	r.Get("/me/notifications:unread-count", h.unreadCount)
	r.Post("/me/notifications:read-all", h.markAllRead)
	r.Post("/me/notifications/{notificationID}:read", h.markRead)

	r.Get("/me/cart", h.listCart)
	r.Get("/me/downloads", h.listDownloads)
	r.Get("/me/downloads/{downloadID}:url", h.downloadURL)

	r.Post("/me/verification", h.submitVerification)
	r.Post("/me/music", h.submitMusic)
}

func (h *MeHandlers) getAccount(w http.ResponseWriter, r *http.Request) {
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	account, err := h.users.GetAccount(r.Context(), principal)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAccountPayload(account))
}

type registerRequest struct {
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (h *MeHandlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if h.users == nil {
		serviceUnavailable(ctx, w, "user")
		return
	}
	var req registerRequest
	if !decodeJSONBody(w, r, maxMeBodySize, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = identity.Email
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = identity.Name
	}
	account, err := h.users.Register(ctx, services.RegisterUserCommand{
		UID:         identity.UID,
		Email:       email,
		DisplayName: displayName,
		Role:        domain.Role(strings.ToUpper(strings.TrimSpace(req.Role))),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildAccountPayload(account))
}

func (h *MeHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		serviceUnavailable(ctx, w, "notification")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	unreadOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("unread")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unread must be a boolean", http.StatusBadRequest))
			return
		}
		unreadOnly = parsed
	}
	page, err := h.notifications.List(ctx, principal, services.NotificationListFilter{
		UnreadOnly: unreadOnly,
		Pagination: pagination.FromContextOrDefault(ctx).Pagination(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPage(page, buildNotificationPayload))
}

func (h *MeHandlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		serviceUnavailable(ctx, w, "notification")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	count, err := h.notifications.CountUnread(ctx, principal)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"count": count})
}

func (h *MeHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		serviceUnavailable(ctx, w, "notification")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	notification, err := h.notifications.MarkRead(ctx, principal, chi.URLParam(r, "notificationID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildNotificationPayload(notification))
}

func (h *MeHandlers) markAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		serviceUnavailable(ctx, w, "notification")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	updated, err := h.notifications.MarkAllRead(ctx, principal)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"updated": updated})
}

func (h *MeHandlers) listCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.library == nil {
		serviceUnavailable(ctx, w, "library")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	items, err := h.library.ListCart(ctx, principal)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildList(items, buildCartItemPayload)})
}

func (h *MeHandlers) listDownloads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.library == nil {
		serviceUnavailable(ctx, w, "library")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	downloads, err := h.library.ListDownloads(ctx, principal)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildList(downloads, buildDownloadPayload)})
}

func (h *MeHandlers) downloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.library == nil {
		serviceUnavailable(ctx, w, "library")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	signed, err := h.library.DownloadURL(ctx, principal, chi.URLParam(r, "downloadID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSignedURLPayload(signed))
}

type verificationRequest struct {
	PortfolioURL string `json:"portfolioUrl"`
}

func (h *MeHandlers) submitVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.moderation == nil {
		serviceUnavailable(ctx, w, "moderation")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	var req verificationRequest
	if !decodeJSONBody(w, r, maxMeBodySize, &req) {
		return
	}
	verification, err := h.moderation.SubmitVerification(ctx, services.SubmitVerificationCommand{
		Actor:        principal,
		PortfolioURL: req.PortfolioURL,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildVerificationPayload(verification))
}

type musicRequest struct {
	Title      string `json:"title"`
	Genre      string `json:"genre"`
	PreviewURL string `json:"previewUrl"`
	Price      int64  `json:"price"`
}

func (h *MeHandlers) submitMusic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.moderation == nil {
		serviceUnavailable(ctx, w, "moderation")
		return
	}
	principal, ok := currentPrincipal(w, r, h.users)
	if !ok {
		return
	}
	var req musicRequest
	if !decodeJSONBody(w, r, maxMeBodySize, &req) {
		return
	}
	submission, err := h.moderation.SubmitMusic(ctx, services.SubmitMusicCommand{
		Actor:      principal,
		Title:      req.Title,
		Genre:      req.Genre,
		PreviewURL: req.PreviewURL,
		Price:      req.Price,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"music":    buildMusicPayload(submission.Music),
		"approval": buildMusicApprovalPayload(submission.Approval),
	})
}
