package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cuecraft/api/internal/domain"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	notificationCollection = "notifications"
	// markAllReadBatch stays below Firestore's 500 writes per transaction.
	markAllReadBatch = 400
)

// NotificationRepository stores inbox entries in a flat collection filtered by recipient.
type NotificationRepository struct {
	base *pfirestore.Collection[notificationDocument]
	uow  *pfirestore.UnitOfWork
}

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) *NotificationRepository {
	return &NotificationRepository{
		base: pfirestore.NewCollection[notificationDocument](provider, notificationCollection),
		uow:  pfirestore.NewUnitOfWork(provider),
	}
}

type notificationDocument struct {
	UserID    string         `firestore:"userId"`
	Type      string         `firestore:"type"`
	Title     string         `firestore:"title"`
	Message   string         `firestore:"message"`
	Link      *string        `firestore:"link,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	IsRead    bool           `firestore:"isRead"`
	ReadAt    *time.Time     `firestore:"readAt,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func toDomainNotification(id string, doc notificationDocument) domain.Notification {
	return domain.Notification{
		ID:        id,
		UserID:    doc.UserID,
		Type:      domain.NotificationType(doc.Type),
		Title:     doc.Title,
		Message:   doc.Message,
		Link:      doc.Link,
		Metadata:  cloneAnyMap(doc.Metadata),
		IsRead:    doc.IsRead,
		ReadAt:    doc.ReadAt,
		CreatedAt: doc.CreatedAt,
	}
}

func (r *NotificationRepository) Insert(ctx context.Context, n domain.Notification) error {
	if err := requireID("notification", n.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, n.ID, notificationDocument{
		UserID:    n.UserID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		Metadata:  cloneAnyMap(n.Metadata),
		IsRead:    n.IsRead,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt.UTC(),
	})
	return err
}

func (r *NotificationRepository) FindByID(ctx context.Context, id string) (domain.Notification, error) {
	if err := requireID("notification", id); err != nil {
		return domain.Notification{}, err
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	return toDomainNotification(doc.ID, doc.Data), nil
}

func (r *NotificationRepository) List(ctx context.Context, filter repositories.NotificationListFilter) (domain.Page[domain.Notification], error) {
	if err := requireID("user", filter.UserID); err != nil {
		return domain.Page[domain.Notification]{}, err
	}
	pager := repositories.NormalizePagination(filter.Pagination)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", filter.UserID)
		if filter.UnreadOnly {
			q = q.Where("isRead", "==", false)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		return pagedQuery(q, pager)
	})
	if err != nil {
		return domain.Page[domain.Notification]{}, err
	}
	items, err := decodeAll(docs, plain(toDomainNotification))
	if err != nil {
		return domain.Page[domain.Notification]{}, err
	}
	return repositories.PageFromOverfetch(items, pager), nil
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	if err := requireID("user", userID); err != nil {
		return 0, err
	}
	total, err := r.base.Count(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", userID).Where("isRead", "==", false)
	})
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

// MarkRead flags a single notification. Already read entries keep their original readAt.
func (r *NotificationRepository) MarkRead(ctx context.Context, id string, at time.Time) (domain.Notification, error) {
	if err := requireID("notification", id); err != nil {
		return domain.Notification{}, err
	}
	var result domain.Notification
	err := r.uow.RunInTx(ctx, func(txCtx context.Context) error {
		doc, err := r.base.Get(txCtx, id)
		if err != nil {
			return err
		}
		result = toDomainNotification(doc.ID, doc.Data)
		if result.IsRead {
			return nil
		}
		readAt := at.UTC()
		result.IsRead = true
		result.ReadAt = &readAt
		err = r.base.Update(txCtx, id, []firestore.Update{
			{Path: "isRead", Value: true},
			{Path: "readAt", Value: readAt},
		})
		return err
	})
	if err != nil {
		return domain.Notification{}, err
	}
	return result, nil
}

// MarkAllRead flips unread notifications of a single user in bounded transactions until none
// remain.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := requireID("user", userID); err != nil {
		return 0, err
	}
	readAt := at.UTC()
	total := 0
	for {
		changed := 0
		err := r.uow.RunInTx(ctx, func(txCtx context.Context) error {
			changed = 0
			docs, err := r.base.Query(txCtx, func(q firestore.Query) firestore.Query {
				return q.Where("userId", "==", userID).Where("isRead", "==", false).Limit(markAllReadBatch)
			})
			if err != nil {
				return err
			}
			for _, doc := range docs {
				if err := r.base.Update(txCtx, doc.ID, []firestore.Update{
					{Path: "isRead", Value: true},
					{Path: "readAt", Value: readAt},
				}); err != nil {
					return err
				}
			}
			changed = len(docs)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += changed
		if changed < markAllReadBatch {
			return total, nil
		}
	}
}
