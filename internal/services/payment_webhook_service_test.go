package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/cuecraft/api/internal/domain"
)

type memoryLedger struct {
	mu        sync.Mutex
	state     map[string]string
	beginErr  error
	commitErr error
	aborted   []string
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{state: map[string]string{}}
}

func (l *memoryLedger) Begin(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.beginErr != nil {
		return false, l.beginErr
	}
	if _, ok := l.state[eventID]; ok {
		return false, nil
	}
	l.state[eventID] = "pending"
	return true, nil
}

func (l *memoryLedger) Commit(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	l.state[eventID] = "done"
	return nil
}

func (l *memoryLedger) Abort(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, eventID)
	l.aborted = append(l.aborted, eventID)
	return nil
}

type failingOrderService struct {
	OrderService
	err error
}

func (f failingOrderService) MarkPaid(context.Context, PaymentTransitionCommand) (Order, error) {
	return Order{}, f.err
}

func newWebhookService(t *testing.T, m *marketplace, orders OrderService, ledger EventLedger) PaymentWebhookService {
	t.Helper()
	svc, err := NewPaymentWebhookService(PaymentWebhookServiceDeps{
		Orders:        orders,
		OrderReader:   m.store.Orders(),
		Notifications: m.notifications,
		Ledger:        ledger,
	})
	if err != nil {
		t.Fatalf("NewPaymentWebhookService: %v", err)
	}
	return svc
}

func TestPaymentWebhookMarksOrderPaidOnce(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.deliveredOrder(t, 2)
	ledger := newMemoryLedger()
	svc := newWebhookService(t, m, m.orders, ledger)

	event := PaymentEvent{ID: "evt_1", Type: PaymentEventSucceeded, OrderID: order.ID, PaymentRef: "pi_1"}
	outcome, err := svc.HandleEvent(ctx, event)
	if err != nil || outcome != PaymentOutcomeApplied {
		t.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	paid, ok := stored.Stage.(domain.PaidStage)
	if !ok || paid.PaymentRef != "pi_1" {
		t.Fatalf("expected paid stage with reference, got %#v", stored.Stage)
	}

	outcome, err = svc.HandleEvent(ctx, event)
	if err != nil || outcome != PaymentOutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s (%v)", outcome, err)
	}
	history, err := m.orders.ListHistory(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	var paidRows int
	for _, h := range history {
		if h.Status == domain.OrderStatusPaid {
			paidRows++
		}
	}
	if paidRows != 1 {
		t.Fatalf("expected a single paid history row, got %d", paidRows)
	}
}

func TestPaymentWebhookIgnoresInapplicableEvents(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.openOrder(t)
	svc := newWebhookService(t, m, m.orders, newMemoryLedger())

	cases := []struct {
		name  string
		event PaymentEvent
	}{
		{name: "unknown order", event: PaymentEvent{ID: "evt_a", Type: PaymentEventSucceeded, OrderID: "ord_missing"}},
		{name: "wrong status", event: PaymentEvent{ID: "evt_b", Type: PaymentEventSucceeded, OrderID: order.ID}},
		{name: "refund before delivery", event: PaymentEvent{ID: "evt_c", Type: PaymentEventRefunded, OrderID: order.ID}},
		{name: "no order id", event: PaymentEvent{ID: "evt_d", Type: PaymentEventSucceeded}},
		{name: "unsupported type", event: PaymentEvent{ID: "evt_e", Type: "invoice.paid", OrderID: order.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := svc.HandleEvent(ctx, tc.event)
			if err != nil || outcome != PaymentOutcomeIgnored {
				t.Fatalf("expected ignored, got %s (%v)", outcome, err)
			}
		})
	}
	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil || stored.Status() != domain.OrderStatusPending {
		t.Fatalf("order must be untouched, got %s (%v)", stored.Status(), err)
	}
}

func TestPaymentWebhookFailureNotifiesCustomer(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.deliveredOrder(t, 2)
	svc := newWebhookService(t, m, m.orders, newMemoryLedger())

	outcome, err := svc.HandleEvent(ctx, PaymentEvent{ID: "evt_f", Type: PaymentEventFailed, OrderID: order.ID, Reason: "card_declined"})
	if err != nil || outcome != PaymentOutcomeApplied {
		t.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	inbox, err := m.notifications.List(ctx, m.customer, NotificationListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(inbox.Items) == 0 || inbox.Items[0].Type != domain.NotificationPayment || inbox.Items[0].Title != "Payment failed" {
		t.Fatalf("expected payment failure notice, got %+v", inbox.Items)
	}
	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil || stored.Status() != domain.OrderStatusReadyForPayment {
		t.Fatalf("failed payments leave the order unchanged, got %s (%v)", stored.Status(), err)
	}
}

func TestPaymentWebhookRefundCancels(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.deliveredOrder(t, 2)
	svc := newWebhookService(t, m, m.orders, newMemoryLedger())

	outcome, err := svc.HandleEvent(ctx, PaymentEvent{ID: "evt_r", Type: PaymentEventRefunded, OrderID: order.ID, Reason: "requested_by_customer"})
	if err != nil || outcome != PaymentOutcomeApplied {
		t.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil || stored.Status() != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", stored.Status(), err)
	}
}

func TestPaymentWebhookStoreFailureReleasesReservation(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	ledger := newMemoryLedger()
	storeErr := errors.New("firestore unavailable")
	svc := newWebhookService(t, m, failingOrderService{OrderService: m.orders, err: storeErr}, ledger)

	_, err := svc.HandleEvent(ctx, PaymentEvent{ID: "evt_x", Type: PaymentEventSucceeded, OrderID: "ord_1"})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(ledger.aborted) != 1 || ledger.aborted[0] != "evt_x" {
		t.Fatalf("reservation not released: %v", ledger.aborted)
	}
	if _, ok := ledger.state["evt_x"]; ok {
		t.Fatal("aborted event must be retryable")
	}

	ledger.beginErr = errors.New("ledger down")
	if _, err := svc.HandleEvent(ctx, PaymentEvent{ID: "evt_y", Type: PaymentEventSucceeded, OrderID: "ord_1"}); err == nil {
		t.Fatal("expected ledger error")
	}
	if _, err := svc.HandleEvent(ctx, PaymentEvent{Type: PaymentEventSucceeded, OrderID: "ord_1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without event id, got %v", err)
	}
}
