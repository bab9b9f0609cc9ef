package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/cuecraft/api/internal/services"
)

const (
	stripeEventIntentSucceeded = "payment_intent.succeeded"
	stripeEventIntentFailed    = "payment_intent.payment_failed"
	stripeEventChargeRefunded  = "charge.refunded"
)

// StripeWebhookConfig configures the StripeWebhookParser.
type StripeWebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	Logger    Logger
	Clock     func() time.Time
}

// StripeWebhookParser verifies Stripe-Signature headers and maps the handful of event types the
// order lifecycle reacts to. Other types are returned with their raw type so the caller can
// acknowledge and ignore them.
type StripeWebhookParser struct {
	secret    string
	tolerance time.Duration
	logger    Logger
	clock     func() time.Time
}

var _ EventParser = (*StripeWebhookParser)(nil)

// NewStripeWebhookParser constructs a parser for the given endpoint secret.
func NewStripeWebhookParser(cfg StripeWebhookConfig) (*StripeWebhookParser, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeWebhookParser{
		secret:    secret,
		tolerance: tolerance,
		logger:    logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Parse verifies the payload and extracts the order reference from the object's metadata.
func (p *StripeWebhookParser) Parse(ctx context.Context, payload []byte, signatureHeader string) (services.PaymentEvent, error) {
	if p == nil {
		return services.PaymentEvent{}, errors.New("stripe: parser is nil")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.logger(ctx, "payments.stripe.webhook.rejected", map[string]any{"error": err.Error()})
		return services.PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := services.PaymentEvent{
		ID:         event.ID,
		Type:       services.PaymentEventType(event.Type),
		ReceivedAt: p.clock(),
	}
	if event.Created > 0 {
		result.ReceivedAt = time.Unix(event.Created, 0).UTC()
	}
	if event.Data == nil {
		return services.PaymentEvent{}, fmt.Errorf("%w: missing data object", ErrMalformedEvent)
	}

	switch string(event.Type) {
	case stripeEventIntentSucceeded, stripeEventIntentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return services.PaymentEvent{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
		}
		result.OrderID = orderIDFromMetadata(intent.Metadata)
		result.PaymentRef = intent.ID
		result.Amount = intent.Amount
		if string(event.Type) == stripeEventIntentSucceeded {
			result.Type = services.PaymentEventSucceeded
			if intent.AmountReceived > 0 {
				result.Amount = intent.AmountReceived
			}
		} else {
			result.Type = services.PaymentEventFailed
			if intent.LastPaymentError != nil {
				result.Reason = intent.LastPaymentError.Msg
			}
		}
	case stripeEventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return services.PaymentEvent{}, fmt.Errorf("%w: charge: %v", ErrMalformedEvent, err)
		}
		result.Type = services.PaymentEventRefunded
		result.OrderID = orderIDFromMetadata(charge.Metadata)
		result.PaymentRef = charge.ID
		if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
			result.PaymentRef = charge.PaymentIntent.ID
		}
		result.Amount = charge.AmountRefunded
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 && charge.Refunds.Data[0] != nil {
			result.Reason = string(charge.Refunds.Data[0].Reason)
		}
	}

	p.logger(ctx, "payments.stripe.webhook.parsed", map[string]any{
		"eventId": result.ID,
		"type":    string(result.Type),
		"orderId": result.OrderID,
	})
	return result, nil
}
