package payments

import (
	"context"
	"errors"

	"github.com/cuecraft/api/internal/services"
)

var (
	// ErrInvalidSignature is returned when the payload signature cannot be verified. Callers must
	// reject the request without acknowledging it.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when a signed payload does not decode into a known object.
	ErrMalformedEvent = errors.New("payments: malformed event payload")
)

// EventParser verifies processor webhook deliveries and reduces them to payment events.
type EventParser interface {
	Parse(ctx context.Context, payload []byte, signatureHeader string) (services.PaymentEvent, error)
}

// Logger receives structured parser events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// orderIDFromMetadata reads the order reference attached when the payment intent was created.
func orderIDFromMetadata(metadata map[string]string) string {
	for _, key := range []string{"orderId", "order_id"} {
		if v := metadata[key]; v != "" {
			return v
		}
	}
	return ""
}
