package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/requestctx"
	"github.com/cuecraft/api/internal/services"
)

const defaultCleanupBatch = 500

// IdempotencyCleaner purges expired idempotency records.
type IdempotencyCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// InternalHandlers serves OIDC-authenticated system endpoints.
type InternalHandlers struct {
	notifications services.NotificationService
	cleaner       IdempotencyCleaner
	batchSize     int
	clock         func() time.Time
}

// InternalOption customises internal handlers.
type InternalOption func(*InternalHandlers)

// WithIdempotencyCleaner enables the idempotency cleanup endpoint.
func WithIdempotencyCleaner(cleaner IdempotencyCleaner, batchSize int) InternalOption {
	return func(h *InternalHandlers) {
		h.cleaner = cleaner
		if batchSize > 0 {
			h.batchSize = batchSize
		}
	}
}

// WithInternalClock overrides the clock used to decide expiry.
func WithInternalClock(clock func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewInternalHandlers constructs the /internal handlers.
func NewInternalHandlers(notifications services.NotificationService, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{
		notifications: notifications,
		batchSize:     defaultCleanupBatch,
		clock:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/notifications", h.createNotification)
	r.Post("/maintenance/idempotency-cleanup", h.cleanupIdempotency)
}

func (h *InternalHandlers) createNotification(w http.ResponseWriter, r *http.Request) {
	if h.notifications == nil {
		serviceUnavailable(r.Context(), w, "notification")
		return
	}
	actor, ok := systemPrincipal(w, r)
	if !ok {
		return
	}
	createNotification(w, r, h.notifications, actor)
}

func (h *InternalHandlers) cleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := systemPrincipal(w, r); !ok {
		return
	}
	if h.cleaner == nil {
		serviceUnavailable(ctx, w, "idempotency")
		return
	}
	limit := h.batchSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}
	removed, err := h.cleaner.CleanupExpired(ctx, h.clock().UTC(), limit)
	if err != nil {
		requestctx.Logger(ctx).Error("idempotency cleanup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "idempotency cleanup failed", http.StatusInternalServerError))
		return
	}
	requestctx.Logger(ctx).Info("idempotency cleanup completed", zap.Int("removed", removed), zap.Int("limit", limit))
	writeJSONResponse(w, http.StatusOK, map[string]int{"removed": removed})
}
