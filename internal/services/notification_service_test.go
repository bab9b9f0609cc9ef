package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/cuecraft/api/internal/domain"
)

func seedNotifications(t *testing.T, m *marketplace, recipient Principal, count int) []Notification {
	t.Helper()
	out := make([]Notification, 0, count)
	for i := 0; i < count; i++ {
		n, err := m.notifications.Create(context.Background(), CreateNotificationCommand{
			Actor:   m.admin,
			UserID:  recipient.UserID,
			Type:    domain.NotificationSystem,
			Title:   "Maintenance",
			Message: "Scheduled maintenance tonight.",
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		out = append(out, n)
	}
	return out
}

func TestNotificationServiceMarkAllReadIsolatesUsers(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	seedNotifications(t, m, m.customer, 3)
	seedNotifications(t, m, m.director, 2)

	changed, err := m.notifications.MarkAllRead(ctx, m.customer)
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 changed, got %d", changed)
	}
	page, err := m.notifications.List(ctx, m.customer, NotificationListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, n := range page.Items {
		if !n.IsRead || n.ReadAt == nil {
			t.Fatalf("notification %s not marked read", n.ID)
		}
	}
	other, err := m.notifications.CountUnread(ctx, m.director)
	if err != nil || other != 2 {
		t.Fatalf("other users must keep unread notifications, got %d (%v)", other, err)
	}

	again, err := m.notifications.MarkAllRead(ctx, m.customer)
	if err != nil {
		t.Fatalf("second MarkAllRead: %v", err)
	}
	if again != 0 {
		t.Fatalf("second call should be a no-op, got %d", again)
	}
}

func TestNotificationServiceMarkRead(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	n := seedNotifications(t, m, m.customer, 1)[0]

	if _, err := m.notifications.MarkRead(ctx, m.director, n.ID); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("foreign notifications should look missing, got %v", err)
	}
	read, err := m.notifications.MarkRead(ctx, m.customer, n.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !read.IsRead || read.ReadAt == nil {
		t.Fatalf("expected read notification, got %+v", read)
	}
	again, err := m.notifications.MarkRead(ctx, m.customer, n.ID)
	if err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}
	if !again.ReadAt.Equal(*read.ReadAt) {
		t.Fatal("repeat MarkRead must keep the original readAt")
	}
}

func TestNotificationServiceCountUnreadUsesCache(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	seedNotifications(t, m, m.customer, 2)

	count, err := m.notifications.CountUnread(ctx, m.customer)
	if err != nil || count != 2 {
		t.Fatalf("expected 2 unread, got %d (%v)", count, err)
	}
	if cached, ok := m.cache.counts[m.customer.UserID]; !ok || cached != 2 {
		t.Fatalf("count not cached: %v %v", cached, ok)
	}

	m.cache.counts[m.customer.UserID] = 9
	count, err = m.notifications.CountUnread(ctx, m.customer)
	if err != nil || count != 9 {
		t.Fatalf("expected cached value, got %d (%v)", count, err)
	}

	if _, err := m.notifications.MarkAllRead(ctx, m.customer); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	count, err = m.notifications.CountUnread(ctx, m.customer)
	if err != nil || count != 0 {
		t.Fatalf("expected invalidated counter to reload as 0, got %d (%v)", count, err)
	}
}

func TestNotificationServiceCreate(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()
	link := "/orders/ord_1"
	badLink := "javascript:alert(1)"

	created, err := m.notifications.Create(ctx, CreateNotificationCommand{
		Actor:    SystemPrincipal("scheduler"),
		UserID:   m.customer.UserID,
		Type:     domain.NotificationReview,
		Title:    "<i>Rate</i> your director",
		Message:  "Tell us how it went.",
		Link:     &link,
		Metadata: map[string]any{"orderId": "ord_1"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Title != "Rate your director" || created.Link == nil || *created.Link != link || created.IsRead {
		t.Fatalf("unexpected notification %+v", created)
	}
	if len(m.dispatcher.sent) == 0 || m.dispatcher.sent[len(m.dispatcher.sent)-1].ID != created.ID {
		t.Fatal("notification was not dispatched")
	}

	cases := []struct {
		name string
		cmd  CreateNotificationCommand
		want error
	}{
		{name: "customer caller", cmd: CreateNotificationCommand{Actor: m.customer, UserID: m.director.UserID, Type: domain.NotificationSystem, Title: "t", Message: "m"}, want: ErrNotificationForbidden},
		{name: "self addressed", cmd: CreateNotificationCommand{Actor: m.admin, UserID: m.admin.UserID, Type: domain.NotificationSystem, Title: "t", Message: "m"}, want: ErrNotificationForbidden},
		{name: "unknown type", cmd: CreateNotificationCommand{Actor: m.admin, UserID: m.customer.UserID, Type: "promo", Title: "t", Message: "m"}, want: ErrNotificationInvalidInput},
		{name: "unsafe link", cmd: CreateNotificationCommand{Actor: m.admin, UserID: m.customer.UserID, Type: domain.NotificationSystem, Title: "t", Message: "m", Link: &badLink}, want: ErrNotificationInvalidInput},
		{name: "unknown recipient", cmd: CreateNotificationCommand{Actor: m.admin, UserID: "usr_ghost", Type: domain.NotificationSystem, Title: "t", Message: "m"}, want: ErrNotificationInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.notifications.Create(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNotificationServiceCreateStripsEncodedMarkup(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	created, err := m.notifications.Create(ctx, CreateNotificationCommand{
		Actor:   m.admin,
		UserID:  m.customer.UserID,
		Type:    domain.NotificationSystem,
		Title:   "&lt;img src=x onerror=alert(1)&gt;Reminder",
		Message: "&lt;script&gt;alert(1)&lt;/script&gt;Your offer is waiting.",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Title != "Reminder" || created.Message != "Your offer is waiting." {
		t.Fatalf("expected encoded markup to be stripped, got title %q message %q", created.Title, created.Message)
	}
	if strings.Contains(created.Title, "<") || strings.Contains(created.Message, "<") {
		t.Fatalf("markup survived sanitising: %+v", created)
	}
}

func TestNotificationServiceDispatchFailureDoesNotFailCreate(t *testing.T) {
	m := newMarketplace(t)
	m.dispatcher.err = errors.New("pubsub down")
	var logged []string
	svc, err := NewNotificationService(NotificationServiceDeps{
		Notifications: m.store.Notifications(),
		Users:         m.store.Users(),
		Guard:         m.guard,
		Dispatcher:    m.dispatcher,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewNotificationService: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateNotificationCommand{Actor: m.admin, UserID: m.customer.UserID, Type: domain.NotificationSystem, Title: "t", Message: "m"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(logged) != 1 || logged[0] != "notification.publish.failed" {
		t.Fatalf("expected publish failure to be logged, got %v", logged)
	}
}
