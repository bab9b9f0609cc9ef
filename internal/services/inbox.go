package services

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuecraft/api/internal/repositories"
)

const notificationIDPrefix = "ntf_"

// notificationDraft is a notification waiting to be written inside a unit of work.
type notificationDraft struct {
	UserID   string
	Type     NotificationType
	Title    string
	Message  string
	Link     string
	Metadata map[string]any
}

// inbox writes notifications as part of a caller's transaction and performs the cache and
// dispatch work only once the transaction committed.
type inbox struct {
	repo      repositories.NotificationRepository
	cache     UnreadCountCache
	publisher NotificationPublisher
	newID     func() string
	logger    Logger
}

type inboxDeps struct {
	Repo      repositories.NotificationRepository
	Cache     UnreadCountCache
	Publisher NotificationPublisher
	NewID     func() string
	Logger    Logger
}

func newInbox(deps inboxDeps) *inbox {
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inbox{
		repo:      deps.Repo,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		newID:     newID,
		logger:    logger,
	}
}

// stage inserts the drafts through ctx so they commit or roll back with the caller's writes.
// Drafts without a recipient are skipped.
func (b *inbox) stage(ctx context.Context, drafts []notificationDraft, now time.Time) ([]Notification, error) {
	if b == nil || b.repo == nil {
		return nil, nil
	}
	created := make([]Notification, 0, len(drafts))
	for _, draft := range drafts {
		if strings.TrimSpace(draft.UserID) == "" {
			continue
		}
		n := Notification{
			ID:        notificationIDPrefix + b.newID(),
			UserID:    draft.UserID,
			Type:      draft.Type,
			Title:     draft.Title,
			Message:   draft.Message,
			Metadata:  maps.Clone(draft.Metadata),
			CreatedAt: now,
		}
		if draft.Link != "" {
			link := draft.Link
			n.Link = &link
		}
		if err := b.repo.Insert(ctx, n); err != nil {
			return nil, err
		}
		created = append(created, n)
	}
	return created, nil
}

// committed invalidates cached counters and dispatches the notifications. Failures are logged and
// never surface to the caller because the inbox rows are already durable.
func (b *inbox) committed(ctx context.Context, notifications []Notification) {
	if b == nil || len(notifications) == 0 {
		return
	}
	b.invalidate(ctx, recipients(notifications)...)
	if b.publisher == nil {
		return
	}
	for _, n := range notifications {
		if err := b.publisher.PublishNotification(ctx, n); err != nil {
			b.logger(ctx, "notification.publish.failed", map[string]any{
				"notificationId": n.ID,
				"userId":         n.UserID,
				"error":          err.Error(),
			})
		}
	}
}

func (b *inbox) invalidate(ctx context.Context, userIDs ...string) {
	if b == nil || b.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := b.cache.Invalidate(ctx, userIDs...); err != nil {
		b.logger(ctx, "notification.cache.invalidate_failed", map[string]any{
			"users": userIDs,
			"error": err.Error(),
		})
	}
}

func recipients(notifications []Notification) []string {
	seen := make(map[string]struct{}, len(notifications))
	ids := make([]string, 0, len(notifications))
	for _, n := range notifications {
		if _, ok := seen[n.UserID]; ok {
			continue
		}
		seen[n.UserID] = struct{}{}
		ids = append(ids, n.UserID)
	}
	return ids
}
