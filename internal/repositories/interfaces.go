package repositories

import (
	"context"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Users() UserRepository
	Customers() CustomerRepository
	Directors() DirectorRepository
	Orders() OrderRepository
	OrderHistory() OrderHistoryRepository
	Chats() ChatRepository
	Notifications() NotificationRepository
	Carts() CartRepository
	Downloads() DownloadRepository
	Music() MusicRepository
	Moderation() ModerationRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations into one atomic transaction. Repository calls made with
// the context handed to fn participate in the transaction. Implementations require every read to
// happen before the first write inside fn.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository stores the internal account rows keyed by identity-provider UID.
type UserRepository interface {
	Insert(ctx context.Context, user domain.User) error
	FindByID(ctx context.Context, userID string) (domain.User, error)
}

// CustomerRepository stores customer profile extensions.
type CustomerRepository interface {
	Insert(ctx context.Context, profile domain.CustomerProfile) error
	FindByID(ctx context.Context, userID string) (domain.CustomerProfile, error)
}

// DirectorRepository stores director profiles and their aggregate counters.
type DirectorRepository interface {
	Insert(ctx context.Context, profile domain.DirectorProfile) error
	FindByID(ctx context.Context, userID string) (domain.DirectorProfile, error)
	// IncrementStats atomically adds to totalProjects and totalEarnings.
	IncrementStats(ctx context.Context, directorID string, projects int64, earnings int64, at time.Time) error
	// SetVerification mirrors a moderation decision. An empty badge leaves the badge set unchanged.
	SetVerification(ctx context.Context, directorID string, verified bool, badge string, at time.Time) error
}

// OrderUpdate carries the atomic counters applied alongside an order write.
type OrderUpdate struct {
	// IncrementUsedRevisions is added to the stored usedRevisions with the store's atomic
	// increment rather than overwriting the value held by the caller.
	IncrementUsedRevisions int
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	CustomerID string
	DirectorID string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// OrderRepository persists orders.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, order domain.Order, update OrderUpdate) error
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
}

// OrderHistoryRepository is the append-only audit log of order transitions.
type OrderHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderHistory) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderHistory, error)
}

// ChatListFilter narrows chat listings to a participant.
type ChatListFilter struct {
	ParticipantID string
	Pagination    domain.Pagination
}

// ChatRepository stores chats and their append-only message streams.
type ChatRepository interface {
	Insert(ctx context.Context, chat domain.Chat) error
	FindByID(ctx context.Context, chatID string) (domain.Chat, error)
	FindByOrder(ctx context.Context, orderID string) (domain.Chat, error)
	List(ctx context.Context, filter ChatListFilter) (domain.Page[domain.Chat], error)
	// AppendMessage stores the message and refreshes the chat's latest message preview.
	AppendMessage(ctx context.Context, message domain.ChatMessage) error
	// ListMessages returns messages in ascending creation order. When afterID is set only messages
	// created after that message are returned.
	ListMessages(ctx context.Context, chatID string, afterID string) ([]domain.ChatMessage, error)
}

// NotificationListFilter narrows inbox listings.
type NotificationListFilter struct {
	UserID     string
	UnreadOnly bool
	Pagination domain.Pagination
}

// NotificationRepository stores per-user inbox entries.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
	FindByID(ctx context.Context, notificationID string) (domain.Notification, error)
	// List returns notifications sorted by creation time, newest first.
	List(ctx context.Context, filter NotificationListFilter) (domain.Page[domain.Notification], error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, notificationID string, at time.Time) (domain.Notification, error)
	// MarkAllRead flags every unread notification of the user and reports how many changed.
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error)
}

// CartRepository stores cart entries provisioned on delivery.
type CartRepository interface {
	Insert(ctx context.Context, item domain.CartItem) error
	ListByCustomer(ctx context.Context, customerID string) ([]domain.CartItem, error)
}

// DownloadRepository stores download grants provisioned on completion.
type DownloadRepository interface {
	Insert(ctx context.Context, download domain.Download) error
	FindByID(ctx context.Context, downloadID string) (domain.Download, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Download, error)
}

// MusicRepository stores director music listings.
type MusicRepository interface {
	Insert(ctx context.Context, music domain.Music) error
	FindByID(ctx context.Context, musicID string) (domain.Music, error)
	UpdateStatus(ctx context.Context, musicID string, status domain.MusicStatus, at time.Time) error
}

// ModerationListFilter narrows moderation queues.
type ModerationListFilter struct {
	Status     *domain.ModerationStatus
	Pagination domain.Pagination
}

// ModerationRepository stores director verifications and music approvals.
type ModerationRepository interface {
	InsertVerification(ctx context.Context, verification domain.DirectorVerification) error
	FindVerification(ctx context.Context, verificationID string) (domain.DirectorVerification, error)
	UpdateVerification(ctx context.Context, verification domain.DirectorVerification) error
	ListVerifications(ctx context.Context, filter ModerationListFilter) (domain.Page[domain.DirectorVerification], error)

	InsertMusicApproval(ctx context.Context, approval domain.MusicApproval) error
	FindMusicApproval(ctx context.Context, approvalID string) (domain.MusicApproval, error)
	UpdateMusicApproval(ctx context.Context, approval domain.MusicApproval) error
	ListMusicApprovals(ctx context.Context, filter ModerationListFilter) (domain.Page[domain.MusicApproval], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
