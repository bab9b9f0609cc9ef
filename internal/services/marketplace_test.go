package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories/memory"
)

var fixtureNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type captureDispatcher struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (c *captureDispatcher) PublishNotification(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

// mapUnreadCache is an UnreadCountCache held in a map.
type mapUnreadCache struct {
	mu          sync.Mutex
	counts      map[string]int
	invalidated []string
}

func newMapUnreadCache() *mapUnreadCache {
	return &mapUnreadCache{counts: map[string]int{}}
}

func (c *mapUnreadCache) Get(_ context.Context, userID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, ok := c.counts[userID]
	return count, ok, nil
}

func (c *mapUnreadCache) Set(_ context.Context, userID string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID] = count
	return nil
}

func (c *mapUnreadCache) Invalidate(_ context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		delete(c.counts, id)
		c.invalidated = append(c.invalidated, id)
	}
	return nil
}

// marketplace wires every service onto one in-memory store with a fixed cast of users.
type marketplace struct {
	store *memory.Store
	guard *Guard

	orders        OrderService
	orderDeps     OrderServiceDeps
	chats         ChatService
	notifications NotificationService
	moderation    ModerationService
	library       LibraryService
	users         UserService

	events     *captureOrderEvents
	dispatcher *captureDispatcher
	cache      *mapUnreadCache

	customer Principal
	director Principal
	admin    Principal
	stranger Principal
}

func newMarketplace(t *testing.T) *marketplace {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	guard, err := NewGuard()
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	var seq atomic.Int64
	idGen := func() string { return fmt.Sprintf("%06d", seq.Add(1)) }
	clock := func() time.Time { return fixtureNow }

	m := &marketplace{
		store:      store,
		guard:      guard,
		events:     &captureOrderEvents{},
		dispatcher: &captureDispatcher{},
		cache:      newMapUnreadCache(),
		customer:   Principal{UserID: "usr_customer", Role: domain.RoleCustomer},
		director:   Principal{UserID: "usr_director", Role: domain.RoleDirector},
		admin:      Principal{UserID: "usr_admin", Role: domain.RoleAdmin},
		stranger:   Principal{UserID: "usr_stranger", Role: domain.RoleCustomer},
	}
	for _, p := range []Principal{m.customer, m.director, m.admin, m.stranger} {
		if err := store.Users().Insert(ctx, domain.User{ID: p.UserID, DisplayName: p.UserID, Role: p.Role, CreatedAt: fixtureNow, UpdatedAt: fixtureNow}); err != nil {
			t.Fatalf("seed user %s: %v", p.UserID, err)
		}
	}
	if err := store.Directors().Insert(ctx, domain.DirectorProfile{UserID: m.director.UserID, DisplayName: "Director", CreatedAt: fixtureNow, UpdatedAt: fixtureNow}); err != nil {
		t.Fatalf("seed director profile: %v", err)
	}

	m.orderDeps = OrderServiceDeps{
		Orders:        store.Orders(),
		History:       store.OrderHistory(),
		Chats:         store.Chats(),
		Users:         store.Users(),
		Directors:     store.Directors(),
		Carts:         store.Carts(),
		Downloads:     store.Downloads(),
		Notifications: store.Notifications(),
		UnitOfWork:    store,
		Guard:         guard,
		UnreadCache:   m.cache,
		Dispatcher:    m.dispatcher,
		Events:        m.events,
		Deliveries:    stubDeliverySigner{},
		Clock:         clock,
		IDGenerator:   idGen,
	}
	m.orders, err = NewOrderService(m.orderDeps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	m.chats, err = NewChatService(ChatServiceDeps{
		Chats:         store.Chats(),
		Notifications: store.Notifications(),
		UnitOfWork:    store,
		Guard:         guard,
		UnreadCache:   m.cache,
		Dispatcher:    m.dispatcher,
		Clock:         clock,
		IDGenerator:   idGen,
	})
	if err != nil {
		t.Fatalf("NewChatService: %v", err)
	}
	m.notifications, err = NewNotificationService(NotificationServiceDeps{
		Notifications: store.Notifications(),
		Users:         store.Users(),
		Guard:         guard,
		UnreadCache:   m.cache,
		Dispatcher:    m.dispatcher,
		Clock:         clock,
		IDGenerator:   idGen,
	})
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	m.moderation, err = NewModerationService(ModerationServiceDeps{
		Moderation:    store.Moderation(),
		Directors:     store.Directors(),
		Music:         store.Music(),
		Notifications: store.Notifications(),
		UnitOfWork:    store,
		Guard:         guard,
		UnreadCache:   m.cache,
		Clock:         clock,
		IDGenerator:   idGen,
	})
	if err != nil {
		t.Fatalf("NewModerationService: %v", err)
	}
	m.library, err = NewLibraryService(LibraryServiceDeps{
		Carts:     store.Carts(),
		Downloads: store.Downloads(),
		Guard:     guard,
		Signer:    stubDownloadSigner{},
	})
	if err != nil {
		t.Fatalf("NewLibraryService: %v", err)
	}
	m.users, err = NewUserService(UserServiceDeps{
		Users:      store.Users(),
		Customers:  store.Customers(),
		Directors:  store.Directors(),
		UnitOfWork: store,
		Guard:      guard,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewUserService: %v", err)
	}
	return m
}

type stubDownloadSigner struct{}

func (stubDownloadSigner) SignDownload(_ context.Context, musicURL string) (SignedURL, error) {
	return SignedURL{URL: musicURL + "?signed=1", Method: "GET", ExpiresAt: fixtureNow.Add(15 * time.Minute)}, nil
}

type stubDeliverySigner struct{}

func (stubDeliverySigner) SignDeliveryUpload(_ context.Context, orderID, fileName, _ string) (SignedURL, error) {
	key := "orders/" + orderID + "/deliveries/u1/" + fileName
	return SignedURL{URL: "https://storage.example.com/" + key, Method: "PUT", ObjectKey: key}, nil
}

// openOrder creates an order addressed to the fixture director, which also opens its chat.
func (m *marketplace) openOrder(t *testing.T) Order {
	t.Helper()
	director := m.director.UserID
	order, err := m.orders.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:       m.customer,
		DirectorID:  &director,
		Title:       "Opening theme",
		Description: "Ninety seconds, orchestral.",
		Genre:       "orchestral",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

// acceptedOrder drives a fresh order to OFFER_ACCEPTED with the given revision budget.
func (m *marketplace) acceptedOrder(t *testing.T, revisions int) Order {
	t.Helper()
	ctx := context.Background()
	order := m.openOrder(t)
	if _, err := m.orders.SubmitOffer(ctx, SubmitOfferCommand{Actor: m.director, OrderID: order.ID, Price: 50000, ProductionDays: 7, IncludedRevisions: &revisions}); err != nil {
		t.Fatalf("SubmitOffer: %v", err)
	}
	accepted, err := m.orders.AcceptOffer(ctx, OrderActionCommand{Actor: m.customer, OrderID: order.ID})
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	return accepted
}

// deliveredOrder drives a fresh order to READY_FOR_PAYMENT.
func (m *marketplace) deliveredOrder(t *testing.T, revisions int) Order {
	t.Helper()
	order := m.acceptedOrder(t, revisions)
	delivered, err := m.orders.Deliver(context.Background(), DeliverCommand{Actor: m.director, OrderID: order.ID, MusicURL: "https://cdn.example.com/tracks/final.wav"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	return delivered
}

func (m *marketplace) chatFor(t *testing.T, orderID string) Chat {
	t.Helper()
	chat, err := m.store.Chats().FindByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("FindByOrder: %v", err)
	}
	return chat
}

func systemMessages(messages []ChatMessage) []ChatMessage {
	var out []ChatMessage
	for _, msg := range messages {
		if msg.IsSystemMessage {
			out = append(out, msg)
		}
	}
	return out
}
