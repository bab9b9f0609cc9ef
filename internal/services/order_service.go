package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	orderEventCreated          = "order.created"
	orderEventDirectorAssigned = "order.director.assigned"
	orderEventStatusChanged    = "order.status.changed"

	orderIDPrefix   = "ord_"
	historyIDPrefix = "och_"
	chatIDPrefix    = "cht_"
	messageIDPrefix = "msg_"
	cartIDPrefix    = "crt_"
	downloadPrefix  = "dl_"

	maxOrderTitleLength       = 200
	maxOrderDescriptionLength = 5000
	maxIncludedRevisions      = 20
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = fmt.Errorf("order: %w", ErrValidation)
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = fmt.Errorf("order: %w", ErrNotFound)
	// ErrOrderInvalidTransition indicates the operation is not legal from the current status.
	ErrOrderInvalidTransition = fmt.Errorf("order: %w", ErrInvalidTransition)
	// ErrOrderForbidden indicates the caller is not the actor the operation requires.
	ErrOrderForbidden = fmt.Errorf("order: %w", ErrForbidden)
	// ErrOrderConflict indicates a duplicate write.
	ErrOrderConflict = fmt.Errorf("order: %w", ErrConflict)
	// ErrOrderUploadsDisabled indicates no delivery signer is configured.
	ErrOrderUploadsDisabled = fmt.Errorf("order: delivery uploads: %w", ErrUnavailable)
	// ErrRevisionsExhausted indicates the order has no revision requests left.
	ErrRevisionsExhausted = errors.New("order: revisions exhausted")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	History       repositories.OrderHistoryRepository
	Chats         repositories.ChatRepository
	Users         repositories.UserRepository
	Directors     repositories.DirectorRepository
	Carts         repositories.CartRepository
	Downloads     repositories.DownloadRepository
	Notifications repositories.NotificationRepository
	UnitOfWork    repositories.UnitOfWork
	Guard         *Guard
	UnreadCache   UnreadCountCache
	Dispatcher    NotificationPublisher
	Events        OrderEventPublisher
	Deliveries    DeliverySigner
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type orderService struct {
	orders     repositories.OrderRepository
	history    repositories.OrderHistoryRepository
	chats      repositories.ChatRepository
	users      repositories.UserRepository
	directors  repositories.DirectorRepository
	carts      repositories.CartRepository
	downloads  repositories.DownloadRepository
	unitOfWork repositories.UnitOfWork
	guard      *Guard
	inbox      *inbox
	events     OrderEventPublisher
	deliveries DeliverySigner
	clock      func() time.Time
	newID      func() string
	logger     Logger
	errs       repositoryErrorMapping
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.History == nil:
		return nil, errors.New("order service: history repository is required")
	case deps.Chats == nil:
		return nil, errors.New("order service: chat repository is required")
	case deps.Users == nil:
		return nil, errors.New("order service: user repository is required")
	case deps.Directors == nil:
		return nil, errors.New("order service: director repository is required")
	case deps.Carts == nil || deps.Downloads == nil:
		return nil, errors.New("order service: cart and download repositories are required")
	case deps.Notifications == nil:
		return nil, errors.New("order service: notification repository is required")
	case deps.UnitOfWork == nil:
		return nil, errors.New("order service: unit of work is required")
	case deps.Guard == nil:
		return nil, errors.New("order service: guard is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		chats:      deps.Chats,
		users:      deps.Users,
		directors:  deps.Directors,
		carts:      deps.Carts,
		downloads:  deps.Downloads,
		unitOfWork: deps.UnitOfWork,
		guard:      deps.Guard,
		inbox: newInbox(inboxDeps{
			Repo:      deps.Notifications,
			Cache:     deps.UnreadCache,
			Publisher: deps.Dispatcher,
			NewID:     idGen,
			Logger:    logger,
		}),
		events:     deps.Events,
		deliveries: deps.Deliveries,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		errs: repositoryErrorMapping{
			notFound: ErrOrderNotFound,
			conflict: ErrOrderConflict,
			scope:    "order",
		},
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if err := s.authorize(cmd.Actor, actionCreate, nil); err != nil {
		return Order{}, err
	}
	title := strings.TrimSpace(cmd.Title)
	switch {
	case title == "":
		return Order{}, invalidField(ErrOrderInvalidInput, "title", "is required")
	case utf8.RuneCountInString(title) > maxOrderTitleLength:
		return Order{}, invalidField(ErrOrderInvalidInput, "title", fmt.Sprintf("must be at most %d characters", maxOrderTitleLength))
	case utf8.RuneCountInString(cmd.Description) > maxOrderDescriptionLength:
		return Order{}, invalidField(ErrOrderInvalidInput, "description", fmt.Sprintf("must be at most %d characters", maxOrderDescriptionLength))
	case strings.TrimSpace(cmd.Genre) == "":
		return Order{}, invalidField(ErrOrderInvalidInput, "genre", "is required")
	case cmd.Budget != nil && *cmd.Budget <= 0:
		return Order{}, invalidField(ErrOrderInvalidInput, "budget", "must be positive")
	}

	var directorID *string
	if cmd.DirectorID != nil {
		id := strings.TrimSpace(*cmd.DirectorID)
		if id == "" {
			return Order{}, invalidField(ErrOrderInvalidInput, "directorId", "must not be blank")
		}
		if id == cmd.Actor.UserID {
			return Order{}, invalidField(ErrOrderInvalidInput, "directorId", "must differ from the customer")
		}
		directorID = &id
	}

	now := s.now()
	order := Order{
		ID:                orderIDPrefix + s.newID(),
		CustomerID:        cmd.Actor.UserID,
		DirectorID:        directorID,
		Title:             title,
		Description:       strings.TrimSpace(cmd.Description),
		Genre:             strings.TrimSpace(cmd.Genre),
		Budget:            cmd.Budget,
		IncludedRevisions: domain.DefaultIncludedRevisions,
		Stage:             domain.PendingStage{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var staged []Notification
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		staged = nil
		if directorID != nil {
			if err := s.requireDirector(txCtx, *directorID); err != nil {
				return err
			}
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.errs.mapError(err)
		}
		if directorID == nil {
			return nil
		}
		notes, err := s.openChat(txCtx, order, *directorID, now)
		staged = notes
		return err
	})
	if err != nil {
		return Order{}, err
	}

	s.inbox.committed(ctx, staged)
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		CurrentStatus: string(order.Status()),
		ActorID:       cmd.Actor.UserID,
		OccurredAt:    now,
	})
	return order, nil
}

func (s *orderService) AssignDirector(ctx context.Context, cmd AssignDirectorCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	directorID := strings.TrimSpace(cmd.DirectorID)
	if orderID == "" {
		return Order{}, invalidField(ErrOrderInvalidInput, "orderId", "is required")
	}
	if directorID == "" {
		return Order{}, invalidField(ErrOrderInvalidInput, "directorId", "is required")
	}

	var (
		result Order
		staged []Notification
	)
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		staged = nil
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.errs.mapError(err)
		}
		if err := s.authorize(cmd.Actor, actionAssign, AnyOf(OwnsOrder(order), IsAdmin)); err != nil {
			return err
		}
		if order.Status() != domain.OrderStatusPending {
			return fmt.Errorf("%w: directors can only be assigned to pending orders", ErrOrderInvalidTransition)
		}
		if _, assigned := order.AssignedDirector(); assigned {
			return fmt.Errorf("%w: order %s already has a director", ErrOrderInvalidTransition, order.ID)
		}
		if directorID == order.CustomerID {
			return invalidField(ErrOrderInvalidInput, "directorId", "must differ from the customer")
		}
		if err := s.requireDirector(txCtx, directorID); err != nil {
			return err
		}

		order.DirectorID = &directorID
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order, repositories.OrderUpdate{}); err != nil {
			return s.errs.mapError(err)
		}
		notes, err := s.openChat(txCtx, order, directorID, now)
		if err != nil {
			return err
		}
		staged = notes
		result = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.inbox.committed(ctx, staged)
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventDirectorAssigned,
		OrderID:       result.ID,
		CurrentStatus: string(result.Status()),
		ActorID:       cmd.Actor.UserID,
		OccurredAt:    now,
		Metadata:      map[string]any{"directorId": directorID},
	})
	return result, nil
}

func (s *orderService) GetOrder(ctx context.Context, actor Principal, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, invalidField(ErrOrderInvalidInput, "orderId", "is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.errs.mapError(err)
	}
	if err := s.authorize(actor, actionRead, orderReaders(order)); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, actor Principal, filter OrderListFilter) (domain.Page[Order], error) {
	if err := s.authorize(actor, actionRead, nil); err != nil {
		return domain.Page[Order]{}, err
	}
	repoFilter := repositories.OrderListFilter{Pagination: filter.Pagination}
	for _, status := range filter.Status {
		parsed, ok := domain.ParseOrderStatus(string(status))
		if !ok {
			return domain.Page[Order]{}, invalidField(ErrOrderInvalidInput, "status", fmt.Sprintf("%q is not a known status", status))
		}
		repoFilter.Status = append(repoFilter.Status, parsed)
	}
	switch actor.Role {
	case domain.RoleCustomer:
		repoFilter.CustomerID = actor.UserID
	case domain.RoleDirector:
		repoFilter.DirectorID = actor.UserID
	}

	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.Page[Order]{}, s.errs.mapError(err)
	}
	return page, nil
}

func (s *orderService) ListHistory(ctx context.Context, actor Principal, orderID string) ([]OrderHistory, error) {
	order, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	entries, err := s.history.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, s.errs.mapError(err)
	}
	return entries, nil
}

// SignDeliveryUpload issues an upload URL for the finished track while the order can still be
// delivered. The returned object is referenced by the later Deliver call.
func (s *orderService) SignDeliveryUpload(ctx context.Context, cmd DeliveryUploadCommand) (SignedURL, error) {
	if s.deliveries == nil {
		return SignedURL{}, ErrOrderUploadsDisabled
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	name := strings.TrimSpace(cmd.FileName)
	contentType := strings.TrimSpace(cmd.ContentType)
	switch {
	case orderID == "":
		return SignedURL{}, invalidField(ErrOrderInvalidInput, "orderId", "is required")
	case name == "":
		return SignedURL{}, invalidField(ErrOrderInvalidInput, "fileName", "is required")
	case utf8.RuneCountInString(name) > maxAttachmentNameLength:
		return SignedURL{}, invalidField(ErrOrderInvalidInput, "fileName", fmt.Sprintf("must be at most %d characters", maxAttachmentNameLength))
	case !strings.HasPrefix(strings.ToLower(contentType), "audio/"):
		return SignedURL{}, invalidField(ErrOrderInvalidInput, "contentType", "must be an audio type")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SignedURL{}, s.errs.mapError(err)
	}
	if err := s.authorize(cmd.Actor, actionDeliver, AssignedTo(order)); err != nil {
		return SignedURL{}, err
	}
	if _, ok := nextOrderStatus(order.Status(), opDeliver); !ok {
		return SignedURL{}, fmt.Errorf("%w: cannot upload a delivery while %s", ErrOrderInvalidTransition, order.Status())
	}
	return s.deliveries.SignDeliveryUpload(ctx, order.ID, name, contentType)
}

// requireDirector fails unless the user exists and is registered as a director.
func (s *orderService) requireDirector(ctx context.Context, directorID string) error {
	user, err := s.users.FindByID(ctx, directorID)
	if err != nil {
		if isNotFound(err) {
			return invalidField(ErrOrderInvalidInput, "directorId", "does not reference a director")
		}
		return s.errs.mapError(err)
	}
	if user.Role != domain.RoleDirector {
		return invalidField(ErrOrderInvalidInput, "directorId", "does not reference a director")
	}
	return nil
}

// openChat creates the order's chat with its two immutable participants and tells the director
// about the request.
func (s *orderService) openChat(ctx context.Context, order Order, directorID string, now time.Time) ([]Notification, error) {
	chat := Chat{
		ID:             chatIDPrefix + s.newID(),
		OrderID:        order.ID,
		ParticipantIDs: []string{order.CustomerID, directorID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.chats.Insert(ctx, chat); err != nil {
		return nil, s.errs.mapError(err)
	}
	return s.inbox.stage(ctx, []notificationDraft{{
		UserID:   directorID,
		Type:     domain.NotificationOrder,
		Title:    "New order request",
		Message:  fmt.Sprintf("You have been asked to produce %q.", order.Title),
		Link:     orderLink(order.ID),
		Metadata: map[string]any{"orderId": order.ID, "chatId": chat.ID},
	}}, now)
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func orderReaders(order Order) Ownership {
	return AnyOf(OwnsOrder(order), AssignedTo(order), IsAdmin)
}

func orderLink(orderID string) string {
	return "/orders/" + orderID
}
