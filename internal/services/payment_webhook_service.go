package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

const paymentWebhookActor = "payments"

// ErrPaymentEventInvalid indicates the verified event lacks the fields needed to route it.
var ErrPaymentEventInvalid = fmt.Errorf("payment webhook: %w", ErrValidation)

// PaymentWebhookServiceDeps bundles collaborators required to construct the webhook service.
type PaymentWebhookServiceDeps struct {
	Orders        OrderService
	OrderReader   repositories.OrderRepository
	Notifications NotificationService
	Ledger        EventLedger
	Logger        Logger
}

type paymentWebhookService struct {
	orders        OrderService
	reader        repositories.OrderRepository
	notifications NotificationService
	ledger        EventLedger
	logger        Logger
	actor         Principal
}

var _ PaymentWebhookService = (*paymentWebhookService)(nil)

// NewPaymentWebhookService wires dependencies into a concrete PaymentWebhookService implementation.
func NewPaymentWebhookService(deps PaymentWebhookServiceDeps) (PaymentWebhookService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("payment webhook service: order service is required")
	case deps.OrderReader == nil:
		return nil, errors.New("payment webhook service: order repository is required")
	case deps.Notifications == nil:
		return nil, errors.New("payment webhook service: notification service is required")
	case deps.Ledger == nil:
		return nil, errors.New("payment webhook service: event ledger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentWebhookService{
		orders:        deps.Orders,
		reader:        deps.OrderReader,
		notifications: deps.Notifications,
		ledger:        deps.Ledger,
		logger:        logger,
		actor:         SystemPrincipal(paymentWebhookActor),
	}, nil
}

// HandleEvent applies a verified processor event at most once per event id. Events that reference
// unknown orders or do not fit the order's current status are acknowledged as ignored; only store
// failures are returned so the processor redelivers.
func (s *paymentWebhookService) HandleEvent(ctx context.Context, event PaymentEvent) (PaymentEventOutcome, error) {
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return "", invalidField(ErrPaymentEventInvalid, "id", "is required")
	}
	fields := map[string]any{"eventId": eventID, "type": string(event.Type), "orderId": event.OrderID}

	switch event.Type {
	case PaymentEventSucceeded, PaymentEventFailed, PaymentEventRefunded:
	default:
		s.logger(ctx, "payment.webhook.unsupported", fields)
		return PaymentOutcomeIgnored, nil
	}
	if strings.TrimSpace(event.OrderID) == "" {
		s.logger(ctx, "payment.webhook.missing_order_id", fields)
		return PaymentOutcomeIgnored, nil
	}

	fresh, err := s.ledger.Begin(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("payment webhook: reserve event %s: %w", eventID, err)
	}
	if !fresh {
		s.logger(ctx, "payment.webhook.duplicate", fields)
		return PaymentOutcomeDuplicate, nil
	}

	outcome, err := s.apply(ctx, event, fields)
	if err != nil {
		if abortErr := s.ledger.Abort(ctx, eventID); abortErr != nil {
			fields["abortError"] = abortErr.Error()
			s.logger(ctx, "payment.webhook.abort_failed", fields)
		}
		return "", err
	}
	if err := s.ledger.Commit(ctx, eventID); err != nil {
		// The transition already committed; a redelivery would be rejected by the state machine.
		fields["error"] = err.Error()
		s.logger(ctx, "payment.webhook.commit_failed", fields)
	}
	return outcome, nil
}

func (s *paymentWebhookService) apply(ctx context.Context, event PaymentEvent, fields map[string]any) (PaymentEventOutcome, error) {
	cmd := PaymentTransitionCommand{
		Actor:      s.actor,
		OrderID:    event.OrderID,
		PaymentRef: event.PaymentRef,
		Reason:     event.Reason,
	}
	var err error
	switch event.Type {
	case PaymentEventSucceeded:
		_, err = s.orders.MarkPaid(ctx, cmd)
	case PaymentEventRefunded:
		_, err = s.orders.CancelOnRefund(ctx, cmd)
	case PaymentEventFailed:
		err = s.notifyFailure(ctx, event)
	}
	switch {
	case err == nil:
		s.logger(ctx, "payment.webhook.applied", fields)
		return PaymentOutcomeApplied, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		fields["reason"] = err.Error()
		s.logger(ctx, "payment.webhook.ignored", fields)
		return PaymentOutcomeIgnored, nil
	default:
		return "", err
	}
}

// notifyFailure tells the customer a payment attempt failed. The order status does not change.
func (s *paymentWebhookService) notifyFailure(ctx context.Context, event PaymentEvent) error {
	order, err := s.reader.FindByID(ctx, event.OrderID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, event.OrderID)
		}
		return err
	}
	message := fmt.Sprintf("Your payment for %q did not go through. Please try again.", order.Title)
	if reason := strings.TrimSpace(event.Reason); reason != "" {
		message = fmt.Sprintf("Your payment for %q did not go through (%s). Please try again.", order.Title, reason)
	}
	link := orderLink(order.ID)
	_, err = s.notifications.Create(ctx, CreateNotificationCommand{
		Actor:    s.actor,
		UserID:   order.CustomerID,
		Type:     domain.NotificationPayment,
		Title:    "Payment failed",
		Message:  message,
		Link:     &link,
		Metadata: map[string]any{"orderId": order.ID, "eventId": event.ID},
	})
	return err
}
