package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/payments"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/requestctx"
	"github.com/cuecraft/api/internal/services"
)

const (
	maxWebhookBodySize     = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	paymentWebhookProvider = "stripe"
)

// PaymentHandlers receives payment processor webhooks.
type PaymentHandlers struct {
	parser  payments.EventParser
	webhook services.PaymentWebhookService
}

// NewPaymentHandlers constructs the webhook handlers.
func NewPaymentHandlers(parser payments.EventParser, webhook services.PaymentWebhookService) *PaymentHandlers {
	return &PaymentHandlers{parser: parser, webhook: webhook}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.receive)
}

// receive verifies the signature before anything else. Once verified the delivery is always
// acknowledged unless the store failed, in which case a 500 asks the processor to redeliver.
func (h *PaymentHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.webhook == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	event, err := h.parser.Parse(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		logger := requestctx.Logger(ctx).With(zap.String("provider", paymentWebhookProvider))
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			logger.Warn("payment webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		default:
			logger.Warn("payment webhook payload rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be parsed", http.StatusBadRequest))
		}
		return
	}

	outcome, err := h.webhook.HandleEvent(ctx, event)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			requestctx.Logger(ctx).Warn("payment webhook event ignored", zap.String("eventId", event.ID), zap.Error(err))
			writeJSONResponse(w, http.StatusOK, map[string]string{"received": "true", "outcome": string(services.PaymentOutcomeIgnored)})
			return
		}
		requestctx.Logger(ctx).Error("payment webhook handling failed", zap.String("eventId", event.ID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_failed", "webhook could not be processed", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"received": "true", "outcome": string(outcome)})
}
