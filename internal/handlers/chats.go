package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/pagination"
	"github.com/cuecraft/api/internal/platform/requestctx"
	"github.com/cuecraft/api/internal/services"
)

const maxChatBodySize = 32 * 1024

// ChatHandlers serves order chats to their participants.
type ChatHandlers struct {
	users   PrincipalResolver
	chats   services.ChatService
	limiter RateLimiter
	paging  pagination.Options
}

// ChatOption customises chat handlers.
type ChatOption func(*ChatHandlers)

// WithChatRateLimiter limits message posting per sender.
func WithChatRateLimiter(limiter RateLimiter) ChatOption {
	return func(h *ChatHandlers) { h.limiter = limiter }
}

// WithChatPagination overrides the list pagination bounds.
func WithChatPagination(opts pagination.Options) ChatOption {
	return func(h *ChatHandlers) { h.paging = opts }
}

// NewChatHandlers constructs chat handlers.
func NewChatHandlers(users PrincipalResolver, chats services.ChatService, opts ...ChatOption) *ChatHandlers {
	h := &ChatHandlers{users: users, chats: chats}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /chats endpoints.
func (h *ChatHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(pagination.Middleware(h.paging)).Get("/", h.listChats)
	r.Get("/{chatID}", h.getChat)
	r.Get("/{chatID}/messages", h.listMessages)
	r.Post("/{chatID}/messages", h.postMessage)
	r.Post("/{chatID}/attachments:sign", h.signAttachment)
}

func (h *ChatHandlers) principal(w http.ResponseWriter, r *http.Request) (services.Principal, bool) {
	if h.chats == nil {
		serviceUnavailable(r.Context(), w, "chat")
		return services.Principal{}, false
	}
	return currentPrincipal(w, r, h.users)
}

func (h *ChatHandlers) listChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, err := h.chats.ListChats(ctx, principal, pagination.FromContextOrDefault(ctx).Pagination())
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPage(page, buildChatPayload))
}

func (h *ChatHandlers) getChat(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	chat, err := h.chats.GetChat(r.Context(), principal, chi.URLParam(r, "chatID"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildChatPayload(chat))
}

func (h *ChatHandlers) listMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))
	messages, err := h.chats.ListMessages(r.Context(), principal, chi.URLParam(r, "chatID"), after)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": buildList(messages, buildChatMessagePayload)})
}

type postMessageRequest struct {
	Content  string  `json:"content"`
	FileURL  *string `json:"fileUrl"`
	FileType *string `json:"fileType"`
}

func (h *ChatHandlers) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r, principal) {
		return
	}
	var req postMessageRequest
	if !decodeJSONBody(w, r, maxChatBodySize, &req) {
		return
	}
	message, err := h.chats.PostMessage(ctx, services.PostMessageCommand{
		Actor:    principal,
		ChatID:   chi.URLParam(r, "chatID"),
		Content:  req.Content,
		FileURL:  trimmedPtr(req.FileURL),
		FileType: trimmedPtr(req.FileType),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildChatMessagePayload(message))
}

type attachmentRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

func (h *ChatHandlers) signAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req attachmentRequest
	if !decodeJSONBody(w, r, maxChatBodySize, &req) {
		return
	}
	signed, err := h.chats.SignAttachmentUpload(ctx, services.AttachmentUploadCommand{
		Actor:       principal,
		ChatID:      chi.URLParam(r, "chatID"),
		FileName:    req.FileName,
		ContentType: req.ContentType,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSignedURLPayload(signed))
}

// allow applies the per-sender posting limit. A limiter outage lets the message through.
func (h *ChatHandlers) allow(w http.ResponseWriter, r *http.Request, principal services.Principal) bool {
	if h.limiter == nil {
		return true
	}
	ctx := r.Context()
	ok, err := h.limiter.Allow(ctx, principal.UserID)
	if err != nil {
		requestctx.Logger(ctx).Warn("chat rate limiter unavailable", zap.Error(err))
		return true
	}
	if !ok {
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many messages, slow down", http.StatusTooManyRequests))
		return false
	}
	return true
}
