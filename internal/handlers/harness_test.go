package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/payments"
	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/idempotency"
	"github.com/cuecraft/api/internal/platform/pagination"
	"github.com/cuecraft/api/internal/repositories/memory"
	"github.com/cuecraft/api/internal/services"
)

var harnessNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

const (
	testUIDHeader     = "X-Test-UID"
	testServiceHeader = "X-Test-Service"

	uidCustomer = "usr_customer"
	uidDirector = "usr_director"
	uidAdmin    = "usr_admin"
	uidStranger = "usr_stranger"
)

// testIdentity stands in for the Firebase and OIDC middlewares.
func testIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if uid := r.Header.Get(testUIDHeader); uid != "" {
			ctx = auth.WithIdentity(ctx, &auth.Identity{UID: uid, Email: uid + "@example.com", Name: uid})
		}
		if svc := r.Header.Get(testServiceHeader); svc != "" {
			ctx = auth.WithServiceIdentity(ctx, &auth.ServiceIdentity{Subject: svc, Email: svc})
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type stubSigner struct{}

func (stubSigner) SignDownload(_ context.Context, musicURL string) (services.SignedURL, error) {
	return services.SignedURL{URL: musicURL + "?signed=1", Method: http.MethodGet, ExpiresAt: harnessNow.Add(15 * time.Minute)}, nil
}

func (stubSigner) SignDeliveryUpload(_ context.Context, orderID, fileName, contentType string) (services.SignedURL, error) {
	key := "orders/" + orderID + "/deliveries/" + fileName
	return services.SignedURL{
		URL:       "https://storage.example.com/upload/" + key,
		Method:    http.MethodPut,
		ObjectKey: key,
		ObjectURL: "gs://media/" + key,
		ExpiresAt: harnessNow.Add(15 * time.Minute),
		Headers:   map[string]string{"Content-Type": contentType},
	}, nil
}

func (stubSigner) SignAttachmentUpload(_ context.Context, chatID, fileName, contentType string) (services.SignedURL, error) {
	key := "chats/" + chatID + "/attachments/" + fileName
	return services.SignedURL{
		URL:       "https://storage.example.com/upload/" + key,
		Method:    http.MethodPut,
		ObjectKey: key,
		ObjectURL: "gs://media/" + key,
		ExpiresAt: harnessNow.Add(15 * time.Minute),
		Headers:   map[string]string{"Content-Type": contentType},
	}, nil
}

type harnessOptions struct {
	limiter RateLimiter
	parser  payments.EventParser
}

type harnessOption func(*harnessOptions)

func withLimiter(l RateLimiter) harnessOption {
	return func(o *harnessOptions) { o.limiter = l }
}

func withParser(p payments.EventParser) harnessOption {
	return func(o *harnessOptions) { o.parser = p }
}

// apiHarness serves the full router over real services and an in-memory store.
type apiHarness struct {
	t      *testing.T
	store  *memory.Store
	idem   *idempotency.MemoryStore
	router http.Handler

	orders        services.OrderService
	notifications services.NotificationService
}

func newAPIHarness(t *testing.T, opts ...harnessOption) *apiHarness {
	t.Helper()
	cfg := harnessOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	store := memory.NewStore()
	guard, err := services.NewGuard()
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	var seq atomic.Int64
	idGen := func() string { return fmt.Sprintf("%04d", seq.Add(1)) }
	clock := func() time.Time { return harnessNow }

	users := []domain.User{
		{ID: uidCustomer, DisplayName: "Casey", Role: domain.RoleCustomer},
		{ID: uidDirector, DisplayName: "Dana", Role: domain.RoleDirector},
		{ID: uidAdmin, DisplayName: "Ari", Role: domain.RoleAdmin},
		{ID: uidStranger, DisplayName: "Sam", Role: domain.RoleCustomer},
	}
	for _, u := range users {
		u.CreatedAt, u.UpdatedAt = harnessNow, harnessNow
		if err := store.Users().Insert(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := store.Directors().Insert(ctx, domain.DirectorProfile{UserID: uidDirector, DisplayName: "Dana", CreatedAt: harnessNow, UpdatedAt: harnessNow}); err != nil {
		t.Fatalf("seed director: %v", err)
	}

	must := func(err error, name string) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
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
		Deliveries:    stubSigner{},
		Clock:         clock,
		IDGenerator:   idGen,
	})
	must(err, "NewOrderService")
	chatSvc, err := services.NewChatService(services.ChatServiceDeps{
		Chats:             store.Chats(),
		Notifications:     store.Notifications(),
		UnitOfWork:        store,
		Guard:             guard,
		Attachments:       stubSigner{},
		AllowedExtensions: []string{".wav", ".pdf"},
		Clock:             clock,
		IDGenerator:       idGen,
	})
	must(err, "NewChatService")
	notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
		Notifications: store.Notifications(),
		Users:         store.Users(),
		Guard:         guard,
		Clock:         clock,
		IDGenerator:   idGen,
	})
	must(err, "NewNotificationService")
	moderationSvc, err := services.NewModerationService(services.ModerationServiceDeps{
		Moderation:    store.Moderation(),
		Directors:     store.Directors(),
		Music:         store.Music(),
		Notifications: store.Notifications(),
		UnitOfWork:    store,
		Guard:         guard,
		Clock:         clock,
		IDGenerator:   idGen,
	})
	must(err, "NewModerationService")
	librarySvc, err := services.NewLibraryService(services.LibraryServiceDeps{
		Carts:     store.Carts(),
		Downloads: store.Downloads(),
		Guard:     guard,
		Signer:    stubSigner{},
	})
	must(err, "NewLibraryService")
	userSvc, err := services.NewUserService(services.UserServiceDeps{
		Users:      store.Users(),
		Customers:  store.Customers(),
		Directors:  store.Directors(),
		UnitOfWork: store,
		Guard:      guard,
		Clock:      clock,
	})
	must(err, "NewUserService")

	idem := idempotency.NewMemoryStore()
	ledger, err := idempotency.NewLedger(idem, time.Hour, clock)
	must(err, "NewLedger")
	webhookSvc, err := services.NewPaymentWebhookService(services.PaymentWebhookServiceDeps{
		Orders:        orderSvc,
		OrderReader:   store.Orders(),
		Notifications: notificationSvc,
		Ledger:        ledger,
	})
	must(err, "NewPaymentWebhookService")

	me := NewMeHandlers(MeDeps{Users: userSvc, Notifications: notificationSvc, Library: librarySvc, Moderation: moderationSvc})
	orders := NewOrderHandlers(userSvc, orderSvc, pageOptions())
	chats := NewChatHandlers(userSvc, chatSvc, WithChatRateLimiter(cfg.limiter))
	admin := NewAdminHandlers(AdminDeps{Users: userSvc, Moderation: moderationSvc, Notifications: notificationSvc})
	internal := NewInternalHandlers(notificationSvc, WithIdempotencyCleaner(idem, 10), WithInternalClock(clock))
	paymentHandlers := NewPaymentHandlers(cfg.parser, webhookSvc)

	router := NewRouter(
		WithMemberMiddlewares(testIdentity, idempotency.Middleware(idem, idempotency.WithClock(clock))),
		WithInternalMiddlewares(testIdentity),
		WithMeRoutes(me.Routes),
		WithOrderRoutes(orders.Routes),
		WithChatRoutes(chats.Routes),
		WithAdminRoutes(admin.Routes),
		WithInternalRoutes(internal.Routes),
		WithPaymentRoutes(paymentHandlers.Routes),
	)

	return &apiHarness{
		t:             t,
		store:         store,
		idem:          idem,
		router:        router,
		orders:        orderSvc,
		notifications: notificationSvc,
	}
}

func pageOptions() pagination.Options {
	return pagination.Options{DefaultLimit: 20, MaxLimit: 50}
}

type requestOption func(*http.Request)

func withHeader(name, value string) requestOption {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

// do sends a request as uid (empty for anonymous) with an optional JSON body.
func (h *apiHarness) do(method, path, uid string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set(testUIDHeader, uid)
	}
	for _, opt := range opts {
		opt(req)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

// expect fails the test unless the response carries the wanted status, then decodes the body.
func expect[T any](t *testing.T, rr *httptest.ResponseRecorder, status int) T {
	t.Helper()
	var out T
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	if rr.Body.Len() == 0 {
		return out
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rr.Body.String())
	}
	return out
}

type errorBody struct {
	Error              string `json:"error"`
	Message            string `json:"message"`
	Status             int    `json:"status"`
	Field              string `json:"field"`
	RemainingRevisions *int   `json:"remainingRevisions"`
}

type orderBody struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status"`
	DirectorID         *string `json:"directorId"`
	OfferedPrice       *int64  `json:"offeredPrice"`
	ProductionTime     *int    `json:"productionTime"`
	IncludedRevisions  int     `json:"includedRevisions"`
	UsedRevisions      int     `json:"usedRevisions"`
	RemainingRevisions int     `json:"remainingRevisions"`
	FinalMusicURL      *string `json:"finalMusicUrl"`
}

// openOrder creates an order addressed to the fixture director.
func (h *apiHarness) openOrder() orderBody {
	h.t.Helper()
	return expect[orderBody](h.t, h.do(http.MethodPost, "/api/v1/orders", uidCustomer, map[string]any{
		"directorId":  uidDirector,
		"title":       "Trailer cue",
		"description": "Sixty seconds, hybrid orchestral.",
		"genre":       "cinematic",
	}), http.StatusCreated)
}

// inProgressOrder drives an order through offer, acceptance and start of work.
func (h *apiHarness) inProgressOrder(revisions int) orderBody {
	h.t.Helper()
	order := h.openOrder()
	base := "/api/v1/orders/" + order.ID
	expect[orderBody](h.t, h.do(http.MethodPost, base+"/offer", uidDirector, map[string]any{
		"price":             50000,
		"productionTime":    7,
		"includedRevisions": revisions,
	}), http.StatusOK)
	expect[orderBody](h.t, h.do(http.MethodPost, base+"/accept", uidCustomer, nil), http.StatusOK)
	return expect[orderBody](h.t, h.do(http.MethodPost, base+"/start", uidDirector, nil), http.StatusOK)
}

// chatIDFor returns the chat opened for the order.
func (h *apiHarness) chatIDFor(orderID string) string {
	h.t.Helper()
	page := expect[pagePayload[chatPayload]](h.t, h.do(http.MethodGet, "/api/v1/chats", uidCustomer, nil), http.StatusOK)
	for _, chat := range page.Items {
		if chat.OrderID == orderID {
			return chat.ID
		}
	}
	h.t.Fatalf("no chat for order %s", orderID)
	return ""
}
