package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/requestctx"
	"github.com/cuecraft/api/internal/services"
)

// writeServiceError translates the service error categories into the JSON error envelope.
// Unexpected failures are logged and answered with a generic message.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var fieldErr *services.FieldError
	switch {
	case errors.Is(err, services.ErrRevisionsExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("revisions_exhausted", "no revisions remaining", http.StatusBadRequest).
			WithDetails(map[string]any{"remainingRevisions": 0}))
	case errors.As(err, &fieldErr) && errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", fieldErr.Field+" "+fieldErr.Reason, http.StatusBadRequest).
			WithDetails(map[string]any{"field": fieldErr.Field}))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnauthenticated):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to perform this action", http.StatusForbidden))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrConflict), errors.Is(err, services.ErrUnavailable):
		// Contention that outlived the transaction retries and store outages surface as internal errors.
		requestctx.Logger(ctx).Error("store failure", zap.Error(err),
			zap.Bool("conflict", errors.Is(err, services.ErrConflict)),
			zap.Bool("unavailable", errors.Is(err, services.ErrUnavailable)))
		writeInternalError(ctx, w)
	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		writeInternalError(ctx, w)
	}
}

func writeInternalError(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("internal", "internal server error", http.StatusInternalServerError))
}
