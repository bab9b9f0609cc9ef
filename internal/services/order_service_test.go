package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
	"github.com/cuecraft/api/internal/repositories/memory"
)

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatal("expected error without repositories")
	}
	store := memory.NewStore()
	_, err := NewOrderService(OrderServiceDeps{
		Orders:        store.Orders(),
		History:       store.OrderHistory(),
		Chats:         store.Chats(),
		Users:         store.Users(),
		Directors:     store.Directors(),
		Carts:         store.Carts(),
		Downloads:     store.Downloads(),
		Notifications: store.Notifications(),
		UnitOfWork:    store,
	})
	if err == nil {
		t.Fatal("expected error without guard")
	}
}

func TestOrderServiceCreateOrderOpensChatWithDirector(t *testing.T) {
	m := newMarketplace(t)
	order := m.openOrder(t)

	if order.Status() != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status())
	}
	if order.IncludedRevisions != domain.DefaultIncludedRevisions || order.UsedRevisions != 0 {
		t.Fatalf("unexpected revision budget %d/%d", order.UsedRevisions, order.IncludedRevisions)
	}
	chat := m.chatFor(t, order.ID)
	if !chat.HasParticipant(m.customer.UserID) || !chat.HasParticipant(m.director.UserID) || len(chat.ParticipantIDs) != 2 {
		t.Fatalf("unexpected participants %v", chat.ParticipantIDs)
	}
	inbox, err := m.notifications.List(context.Background(), m.director, NotificationListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(inbox.Items) != 1 || inbox.Items[0].Type != domain.NotificationOrder {
		t.Fatalf("expected one order notification for the director, got %+v", inbox.Items)
	}
	history, err := m.orders.ListHistory(context.Background(), m.customer, order.ID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("creation must not write history, got %d rows", len(history))
	}
	if got := m.events.types(); len(got) != 1 || got[0] != orderEventCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	self := m.customer.UserID
	notDirector := m.stranger.UserID
	budget := int64(0)

	cases := []struct {
		name  string
		cmd   CreateOrderCommand
		field string
	}{
		{name: "missing title", cmd: CreateOrderCommand{Actor: m.customer, Genre: "pop"}, field: "title"},
		{name: "missing genre", cmd: CreateOrderCommand{Actor: m.customer, Title: "Jingle"}, field: "genre"},
		{name: "zero budget", cmd: CreateOrderCommand{Actor: m.customer, Title: "Jingle", Genre: "pop", Budget: &budget}, field: "budget"},
		{name: "self as director", cmd: CreateOrderCommand{Actor: m.customer, Title: "Jingle", Genre: "pop", DirectorID: &self}, field: "directorId"},
		{name: "not a director", cmd: CreateOrderCommand{Actor: m.customer, Title: "Jingle", Genre: "pop", DirectorID: &notDirector}, field: "directorId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.orders.CreateOrder(ctx, tc.cmd)
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) || fieldErr.Field != tc.field {
				t.Fatalf("expected field error on %s, got %v", tc.field, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation category, got %v", err)
			}
		})
	}

	if _, err := m.orders.CreateOrder(ctx, CreateOrderCommand{Actor: m.director, Title: "Jingle", Genre: "pop"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("directors cannot create orders, got %v", err)
	}
	if _, err := m.orders.CreateOrder(ctx, CreateOrderCommand{Title: "Jingle", Genre: "pop"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestOrderServiceAssignDirector(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order, err := m.orders.CreateOrder(ctx, CreateOrderCommand{Actor: m.customer, Title: "Trailer cue", Genre: "cinematic"})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := m.orders.AssignDirector(ctx, AssignDirectorCommand{Actor: m.stranger, OrderID: order.ID, DirectorID: m.director.UserID}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for another customer, got %v", err)
	}
	assigned, err := m.orders.AssignDirector(ctx, AssignDirectorCommand{Actor: m.customer, OrderID: order.ID, DirectorID: m.director.UserID})
	if err != nil {
		t.Fatalf("AssignDirector: %v", err)
	}
	if id, ok := assigned.AssignedDirector(); !ok || id != m.director.UserID {
		t.Fatalf("director not assigned: %+v", assigned.DirectorID)
	}
	m.chatFor(t, order.ID)

	if _, err := m.orders.AssignDirector(ctx, AssignDirectorCommand{Actor: m.admin, OrderID: order.ID, DirectorID: m.director.UserID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on reassignment, got %v", err)
	}
}

func TestOrderServiceHappyPathWritesOneHistoryRowAndMessagePerTransition(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.openOrder(t)

	steps := []struct {
		name string
		run  func() (Order, error)
		want OrderStatus
	}{
		{"offer", func() (Order, error) {
			return m.orders.SubmitOffer(ctx, SubmitOfferCommand{Actor: m.director, OrderID: order.ID, Price: 120000, ProductionDays: 10})
		}, domain.OrderStatusOfferPending},
		{"accept", func() (Order, error) {
			return m.orders.AcceptOffer(ctx, OrderActionCommand{Actor: m.customer, OrderID: order.ID})
		}, domain.OrderStatusOfferAccepted},
		{"deliver", func() (Order, error) {
			return m.orders.Deliver(ctx, DeliverCommand{Actor: m.director, OrderID: order.ID, MusicURL: "gs://tracks/opening.wav"})
		}, domain.OrderStatusReadyForPayment},
		{"pay", func() (Order, error) {
			return m.orders.MarkPaid(ctx, PaymentTransitionCommand{Actor: SystemPrincipal("payments"), OrderID: order.ID, PaymentRef: "pi_123"})
		}, domain.OrderStatusPaid},
		{"complete", func() (Order, error) {
			return m.orders.Complete(ctx, OrderActionCommand{Actor: m.customer, OrderID: order.ID})
		}, domain.OrderStatusCompleted},
	}
	for _, step := range steps {
		got, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got.Status() != step.want {
			t.Fatalf("%s: expected %s, got %s", step.name, step.want, got.Status())
		}
	}

	history, err := m.orders.ListHistory(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != len(steps) {
		t.Fatalf("expected %d history rows, got %d", len(steps), len(history))
	}
	for i, step := range steps {
		if history[i].Status != step.want {
			t.Fatalf("history[%d]: expected %s, got %s", i, step.want, history[i].Status)
		}
	}
	messages, err := m.chats.ListMessages(ctx, m.customer, m.chatFor(t, order.ID).ID, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if got := len(systemMessages(messages)); got != len(steps) {
		t.Fatalf("expected %d system messages, got %d", len(steps), got)
	}

	cart, err := m.library.ListCart(ctx, m.customer)
	if err != nil || len(cart) != 1 || cart[0].Price != 120000 {
		t.Fatalf("expected one cart item at the offered price, got %+v (%v)", cart, err)
	}
	downloads, err := m.library.ListDownloads(ctx, m.customer)
	if err != nil || len(downloads) != 1 || downloads[0].MusicURL != "gs://tracks/opening.wav" {
		t.Fatalf("expected one download, got %+v (%v)", downloads, err)
	}
	profile, err := m.store.Directors().FindByID(ctx, m.director.UserID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if profile.TotalProjects != 1 || profile.TotalEarnings != 120000 {
		t.Fatalf("unexpected director stats %d/%d", profile.TotalProjects, profile.TotalEarnings)
	}
}

func TestOrderServiceRejectOfferClearsOffer(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.openOrder(t)
	five := 5

	if _, err := m.orders.RejectOffer(ctx, RejectOfferCommand{Actor: m.customer, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected invalid transition before an offer exists, got %v", err)
	}
	if _, err := m.orders.SubmitOffer(ctx, SubmitOfferCommand{Actor: m.director, OrderID: order.ID, Price: 30000, ProductionDays: 3, IncludedRevisions: &five}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	rejected, err := m.orders.RejectOffer(ctx, RejectOfferCommand{Actor: m.customer, OrderID: order.ID, Reason: "over budget"})
	if err != nil {
		t.Fatalf("RejectOffer: %v", err)
	}
	if rejected.Status() != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", rejected.Status())
	}
	if _, ok := rejected.Offer(); ok {
		t.Fatal("offer should be cleared")
	}
	rec := rejected.Record()
	if rec.OfferedPrice != nil || rec.ProductionTime != nil {
		t.Fatalf("persisted offer fields should be nil, got %+v", rec)
	}
	if rejected.IncludedRevisions != domain.DefaultIncludedRevisions {
		t.Fatalf("expected revision budget reset, got %d", rejected.IncludedRevisions)
	}

	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if _, ok := stored.Offer(); ok {
		t.Fatal("stored order still carries the offer")
	}
}

func TestOrderServiceTransitionsRequireTheRightActor(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.openOrder(t)

	if _, err := m.orders.SubmitOffer(ctx, SubmitOfferCommand{Actor: m.customer, OrderID: order.ID, Price: 100, ProductionDays: 1}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("customer cannot offer, got %v", err)
	}
	if _, err := m.orders.SubmitOffer(ctx, SubmitOfferCommand{Actor: m.director, OrderID: order.ID, Price: 100, ProductionDays: 1}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if _, err := m.orders.AcceptOffer(ctx, OrderActionCommand{Actor: m.stranger, OrderID: order.ID}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("only the owner accepts, got %v", err)
	}
	if _, err := m.orders.MarkPaid(ctx, PaymentTransitionCommand{Actor: m.admin, OrderID: order.ID}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("only the system marks orders paid, got %v", err)
	}
	if _, err := m.orders.GetOrder(ctx, m.stranger, order.ID); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("strangers cannot read the order, got %v", err)
	}
	if _, err := m.orders.GetOrder(ctx, m.admin, order.ID); err != nil {
		t.Fatalf("admins read every order: %v", err)
	}
	if _, err := m.orders.StartWork(ctx, OrderActionCommand{Actor: m.director, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("cannot start before acceptance, got %v", err)
	}
	if _, err := m.orders.GetOrder(ctx, m.customer, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceRevisionBudgetScenario(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.acceptedOrder(t, 2)

	for i, wantRemaining := range []int{1, 0} {
		if _, err := m.orders.Deliver(ctx, DeliverCommand{Actor: m.director, OrderID: order.ID, MusicURL: "https://cdn.example.com/v.wav"}); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
		revised, err := m.orders.RequestRevision(ctx, RequestRevisionCommand{Actor: m.customer, OrderID: order.ID, Feedback: "more strings"})
		if err != nil {
			t.Fatalf("RequestRevision %d: %v", i, err)
		}
		if revised.UsedRevisions != i+1 || revised.RemainingRevisions() != wantRemaining {
			t.Fatalf("revision %d: used %d remaining %d", i, revised.UsedRevisions, revised.RemainingRevisions())
		}
		if _, ok := revised.LatestDelivery(); !ok {
			t.Fatal("revision request should keep the superseded delivery")
		}
	}

	if _, err := m.orders.Deliver(ctx, DeliverCommand{Actor: m.director, OrderID: order.ID, MusicURL: "https://cdn.example.com/v3.wav"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	_, err := m.orders.RequestRevision(ctx, RequestRevisionCommand{Actor: m.customer, OrderID: order.ID, Feedback: "one more"})
	if !errors.Is(err, ErrRevisionsExhausted) {
		t.Fatalf("expected revisions exhausted, got %v", err)
	}
	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.UsedRevisions != 2 || stored.RemainingRevisions() != 0 || stored.Status() != domain.OrderStatusReadyForPayment {
		t.Fatalf("exhausted request must not change the order: %+v", stored.Record())
	}
}

func TestOrderServiceConcurrentRevisionRequestsNeverExceedBudget(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.deliveredOrder(t, 1)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.orders.RequestRevision(ctx, RequestRevisionCommand{Actor: m.customer, OrderID: order.ID, Feedback: "tweak"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrRevisionsExhausted), errors.Is(err, ErrInvalidTransition):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one successful revision request, got %d", succeeded)
	}
	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.UsedRevisions > stored.IncludedRevisions {
		t.Fatalf("used %d exceeds included %d", stored.UsedRevisions, stored.IncludedRevisions)
	}
}

func TestOrderServiceConcurrentCompleteAppliesStatsOnce(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.deliveredOrder(t, 2)
	if _, err := m.orders.MarkPaid(ctx, PaymentTransitionCommand{Actor: SystemPrincipal("payments"), OrderID: order.ID}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.orders.Complete(ctx, OrderActionCommand{Actor: m.customer, OrderID: order.ID})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOrderInvalidTransition):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected one success and one invalid transition, got %d/%d", ok, rejected)
	}
	profile, err := m.store.Directors().FindByID(ctx, m.director.UserID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if profile.TotalProjects != 1 || profile.TotalEarnings != 50000 {
		t.Fatalf("stats applied more than once: %d/%d", profile.TotalProjects, profile.TotalEarnings)
	}
	downloads, err := m.library.ListDownloads(ctx, m.customer)
	if err != nil || len(downloads) != 1 {
		t.Fatalf("expected a single download, got %d (%v)", len(downloads), err)
	}
}

func TestOrderServiceCancelOnRefundKeepsCommercialContext(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.deliveredOrder(t, 2)

	cancelled, err := m.orders.CancelOnRefund(ctx, PaymentTransitionCommand{Actor: SystemPrincipal("payments"), OrderID: order.ID, Reason: "chargeback"})
	if err != nil {
		t.Fatalf("CancelOnRefund: %v", err)
	}
	if cancelled.Status() != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status())
	}
	if _, ok := cancelled.Offer(); !ok {
		t.Fatal("cancelled order should keep the accepted offer")
	}
	if _, err := m.orders.CancelOnRefund(ctx, PaymentTransitionCommand{Actor: SystemPrincipal("payments"), OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("cancelled orders are terminal, got %v", err)
	}
}

func TestOrderServiceListOrdersScopesByRole(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	m.openOrder(t)
	if _, err := m.orders.CreateOrder(ctx, CreateOrderCommand{Actor: m.stranger, Title: "Podcast intro", Genre: "lofi"}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	mine, err := m.orders.ListOrders(ctx, m.customer, OrderListFilter{})
	if err != nil || len(mine.Items) != 1 {
		t.Fatalf("customer should see one order, got %d (%v)", len(mine.Items), err)
	}
	assigned, err := m.orders.ListOrders(ctx, m.director, OrderListFilter{})
	if err != nil || len(assigned.Items) != 1 {
		t.Fatalf("director should see one order, got %d (%v)", len(assigned.Items), err)
	}
	all, err := m.orders.ListOrders(ctx, m.admin, OrderListFilter{})
	if err != nil || len(all.Items) != 2 {
		t.Fatalf("admin should see both orders, got %d (%v)", len(all.Items), err)
	}
	if _, err := m.orders.ListOrders(ctx, m.admin, OrderListFilter{Status: []OrderStatus{"SHIPPED"}}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid status filter, got %v", err)
	}
}

func TestOrderServiceTransitionNotifiesAfterCommit(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.openOrder(t)
	m.cache.counts[m.customer.UserID] = 7

	if _, err := m.orders.SubmitOffer(ctx, SubmitOfferCommand{Actor: m.director, OrderID: order.ID, Price: 100, ProductionDays: 1}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	if _, ok := m.cache.counts[m.customer.UserID]; ok {
		t.Fatal("customer unread counter should be invalidated")
	}
	var offerSent bool
	for _, n := range m.dispatcher.sent {
		if n.UserID == m.customer.UserID && n.Type == domain.NotificationOffer {
			offerSent = true
		}
	}
	if !offerSent {
		t.Fatal("offer notification was not dispatched")
	}
	last := m.events.events[len(m.events.events)-1]
	if last.Type != orderEventStatusChanged || last.PreviousStatus != string(domain.OrderStatusPending) || last.CurrentStatus != string(domain.OrderStatusOfferPending) {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestOrderServiceSignDeliveryUpload(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	pending := m.openOrder(t)

	cmd := DeliveryUploadCommand{Actor: m.director, OrderID: pending.ID, FileName: "final.wav", ContentType: "audio/wav"}
	if _, err := m.orders.SignDeliveryUpload(ctx, cmd); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("pending orders cannot take deliveries, got %v", err)
	}

	order := m.acceptedOrder(t, 2)
	cmd.OrderID = order.ID
	signed, err := m.orders.SignDeliveryUpload(ctx, cmd)
	if err != nil {
		t.Fatalf("SignDeliveryUpload: %v", err)
	}
	if signed.Method != "PUT" || signed.ObjectKey != "orders/"+order.ID+"/deliveries/u1/final.wav" {
		t.Fatalf("unexpected signed url %+v", signed)
	}

	customerCmd := cmd
	customerCmd.Actor = m.customer
	if _, err := m.orders.SignDeliveryUpload(ctx, customerCmd); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("customers cannot upload deliveries, got %v", err)
	}
	pdf := cmd
	pdf.ContentType = "application/pdf"
	if _, err := m.orders.SignDeliveryUpload(ctx, pdf); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected audio content type error, got %v", err)
	}
}

type failingCarts struct {
	repositories.CartRepository
	err error
}

func (f failingCarts) Insert(context.Context, domain.CartItem) error { return f.err }

func TestOrderServiceDeliverRollsBackWhenFanOutFails(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	order := m.acceptedOrder(t, 1)
	chat := m.chatFor(t, order.ID)

	historyBefore, err := m.store.OrderHistory().ListByOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	messagesBefore, err := m.store.Chats().ListMessages(ctx, chat.ID, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	unreadBefore, err := m.store.Notifications().CountUnread(ctx, m.customer.UserID)
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}

	errCart := errors.New("cart insert failed")
	deps := m.orderDeps
	deps.Carts = failingCarts{CartRepository: deps.Carts, err: errCart}
	orders, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	_, err = orders.Deliver(ctx, DeliverCommand{Actor: m.director, OrderID: order.ID, MusicURL: "https://cdn.example.com/tracks/final.wav"})
	if !errors.Is(err, errCart) {
		t.Fatalf("expected cart failure, got %v", err)
	}

	stored, err := m.orders.GetOrder(ctx, m.customer, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status() != domain.OrderStatusOfferAccepted {
		t.Fatalf("expected status to stay %s, got %s", domain.OrderStatusOfferAccepted, stored.Status())
	}
	if _, delivered := stored.Stage.(domain.ReadyForPaymentStage); delivered {
		t.Fatal("delivery must not be recorded after a failed transition")
	}

	historyAfter, err := m.store.OrderHistory().ListByOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(historyAfter) != len(historyBefore) {
		t.Fatalf("history rows changed from %d to %d", len(historyBefore), len(historyAfter))
	}
	messagesAfter, err := m.store.Chats().ListMessages(ctx, chat.ID, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messagesAfter) != len(messagesBefore) {
		t.Fatalf("chat messages changed from %d to %d", len(messagesBefore), len(messagesAfter))
	}
	unreadAfter, err := m.store.Notifications().CountUnread(ctx, m.customer.UserID)
	if err != nil {
		t.Fatalf("CountUnread: %v", err)
	}
	if unreadAfter != unreadBefore {
		t.Fatalf("customer notifications changed from %d to %d", unreadBefore, unreadAfter)
	}
	cart, err := m.library.ListCart(ctx, m.customer)
	if err != nil {
		t.Fatalf("ListCart: %v", err)
	}
	if len(cart) != 0 {
		t.Fatalf("expected empty cart, got %+v", cart)
	}

	if _, err := m.orders.Deliver(ctx, DeliverCommand{Actor: m.director, OrderID: order.ID, MusicURL: "https://cdn.example.com/tracks/final.wav"}); err != nil {
		t.Fatalf("Deliver after rollback: %v", err)
	}
}
