package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	maxNotificationTitleLength   = 200
	maxNotificationMessageLength = 2000
)

var (
	// ErrNotificationInvalidInput signals malformed notification data.
	ErrNotificationInvalidInput = fmt.Errorf("notification: %w", ErrValidation)
	// ErrNotificationNotFound indicates the notification does not exist or belongs to someone else.
	ErrNotificationNotFound = fmt.Errorf("notification: %w", ErrNotFound)
	// ErrNotificationForbidden indicates the caller may not perform the operation.
	ErrNotificationForbidden = fmt.Errorf("notification: %w", ErrForbidden)
	// ErrNotificationConflict indicates a duplicate notification id.
	ErrNotificationConflict = fmt.Errorf("notification: %w", ErrConflict)
)

// NotificationServiceDeps bundles collaborators required to construct the notification service.
type NotificationServiceDeps struct {
	Notifications repositories.NotificationRepository
	Users         repositories.UserRepository
	Guard         *Guard
	UnreadCache   UnreadCountCache
	Dispatcher    NotificationPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type notificationService struct {
	notifications repositories.NotificationRepository
	users         repositories.UserRepository
	guard         *Guard
	cache         UnreadCountCache
	inbox         *inbox
	policy        *bluemonday.Policy
	clock         func() time.Time
	logger        Logger
	errs          repositoryErrorMapping
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService wires dependencies into a concrete NotificationService implementation.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification service: notification repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("notification service: user repository is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("notification service: guard is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationService{
		notifications: deps.Notifications,
		users:         deps.Users,
		guard:         deps.Guard,
		cache:         deps.UnreadCache,
		inbox: newInbox(inboxDeps{
			Repo:      deps.Notifications,
			Cache:     deps.UnreadCache,
			Publisher: deps.Dispatcher,
			NewID:     idGen,
			Logger:    logger,
		}),
		policy: bluemonday.StrictPolicy(),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		errs: repositoryErrorMapping{
			notFound: ErrNotificationNotFound,
			conflict: ErrNotificationConflict,
			scope:    "notification",
		},
	}, nil
}

func (s *notificationService) List(ctx context.Context, actor Principal, filter NotificationListFilter) (domain.Page[Notification], error) {
	if err := s.authorize(actor, actionRead, nil); err != nil {
		return domain.Page[Notification]{}, err
	}
	page, err := s.notifications.List(ctx, repositories.NotificationListFilter{
		UserID:     actor.UserID,
		UnreadOnly: filter.UnreadOnly,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.Page[Notification]{}, s.errs.mapError(err)
	}
	return page, nil
}

// CountUnread serves from the cache when possible. Cache failures fall back to the store.
func (s *notificationService) CountUnread(ctx context.Context, actor Principal) (int, error) {
	if err := s.authorize(actor, actionRead, nil); err != nil {
		return 0, err
	}
	if s.cache != nil {
		count, ok, err := s.cache.Get(ctx, actor.UserID)
		if err != nil {
			s.logger(ctx, "notification.cache.read_failed", map[string]any{"userId": actor.UserID, "error": err.Error()})
		} else if ok {
			return count, nil
		}
	}

	count, err := s.notifications.CountUnread(ctx, actor.UserID)
	if err != nil {
		return 0, s.errs.mapError(err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, actor.UserID, count); err != nil {
			s.logger(ctx, "notification.cache.write_failed", map[string]any{"userId": actor.UserID, "error": err.Error()})
		}
	}
	return count, nil
}

func (s *notificationService) MarkRead(ctx context.Context, actor Principal, notificationID string) (Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return Notification{}, invalidField(ErrNotificationInvalidInput, "notificationId", "is required")
	}
	current, err := s.notifications.FindByID(ctx, notificationID)
	if err != nil {
		return Notification{}, s.errs.mapError(err)
	}
	// Foreign notifications are reported as missing so ids cannot be probed.
	if err := s.authorize(actor, actionUpdate, IsUser(current.UserID)); err != nil {
		if errors.Is(err, ErrForbidden) {
			return Notification{}, fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
		}
		return Notification{}, err
	}
	if current.IsRead {
		return current, nil
	}

	updated, err := s.notifications.MarkRead(ctx, notificationID, s.clock())
	if err != nil {
		return Notification{}, s.errs.mapError(err)
	}
	s.inbox.invalidate(ctx, actor.UserID)
	return updated, nil
}

func (s *notificationService) MarkAllRead(ctx context.Context, actor Principal) (int, error) {
	if err := s.authorize(actor, actionUpdate, nil); err != nil {
		return 0, err
	}
	changed, err := s.notifications.MarkAllRead(ctx, actor.UserID, s.clock())
	if err != nil {
		return 0, s.errs.mapError(err)
	}
	if changed > 0 {
		s.inbox.invalidate(ctx, actor.UserID)
	}
	return changed, nil
}

func (s *notificationService) Create(ctx context.Context, cmd CreateNotificationCommand) (Notification, error) {
	recipient := strings.TrimSpace(cmd.UserID)
	if err := s.authorize(cmd.Actor, actionCreate, nil); err != nil {
		return Notification{}, err
	}
	if recipient == cmd.Actor.UserID {
		return Notification{}, fmt.Errorf("%w: recipients cannot author their own notifications", ErrNotificationForbidden)
	}

	title := s.clean(cmd.Title)
	message := s.clean(cmd.Message)
	switch {
	case recipient == "":
		return Notification{}, invalidField(ErrNotificationInvalidInput, "userId", "is required")
	case !cmd.Type.Valid():
		return Notification{}, invalidField(ErrNotificationInvalidInput, "type", fmt.Sprintf("%q is not supported", cmd.Type))
	case title == "":
		return Notification{}, invalidField(ErrNotificationInvalidInput, "title", "is required")
	case utf8.RuneCountInString(title) > maxNotificationTitleLength:
		return Notification{}, invalidField(ErrNotificationInvalidInput, "title", fmt.Sprintf("must be at most %d characters", maxNotificationTitleLength))
	case message == "":
		return Notification{}, invalidField(ErrNotificationInvalidInput, "message", "is required")
	case utf8.RuneCountInString(message) > maxNotificationMessageLength:
		return Notification{}, invalidField(ErrNotificationInvalidInput, "message", fmt.Sprintf("must be at most %d characters", maxNotificationMessageLength))
	}
	link := ""
	if l := trimmedPtr(cmd.Link); l != nil {
		if !strings.HasPrefix(*l, "/") && !strings.HasPrefix(*l, "https://") {
			return Notification{}, invalidField(ErrNotificationInvalidInput, "link", "must be a relative path or https URL")
		}
		link = *l
	}

	if _, err := s.users.FindByID(ctx, recipient); err != nil {
		if isNotFound(err) {
			return Notification{}, invalidField(ErrNotificationInvalidInput, "userId", "does not reference a user")
		}
		return Notification{}, s.errs.mapError(err)
	}

	created, err := s.inbox.stage(ctx, []notificationDraft{{
		UserID:   recipient,
		Type:     cmd.Type,
		Title:    title,
		Message:  message,
		Link:     link,
		Metadata: cmd.Metadata,
	}}, s.clock())
	if err != nil {
		return Notification{}, s.errs.mapError(err)
	}
	s.inbox.committed(ctx, created)
	return created[0], nil
}

func (s *notificationService) authorize(actor Principal, action string, owns Ownership) error {
	err := s.guard.Require(actor, resourceNotification, action, owns)
	if err != nil && errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%w: %v", ErrNotificationForbidden, err)
	}
	return err
}

// clean decodes entities first so encoded markup cannot survive the policy.
func (s *notificationService) clean(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(html.UnescapeString(raw)))
}
