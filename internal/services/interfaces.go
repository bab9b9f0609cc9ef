package services

import (
	"context"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	Order                = domain.Order
	OrderStatus          = domain.OrderStatus
	OrderHistory         = domain.OrderHistory
	Chat                 = domain.Chat
	ChatMessage          = domain.ChatMessage
	Notification         = domain.Notification
	NotificationType     = domain.NotificationType
	CartItem             = domain.CartItem
	Download             = domain.Download
	Music                = domain.Music
	MusicApproval        = domain.MusicApproval
	DirectorVerification = domain.DirectorVerification
	ModerationStatus     = domain.ModerationStatus
	User                 = domain.User
	CustomerProfile      = domain.CustomerProfile
	DirectorProfile      = domain.DirectorProfile
	SignedURL            = domain.SignedURL
	SystemHealthReport   = domain.SystemHealthReport
)

// Logger receives structured service events. cmd/api adapts it onto the request zap logger.
type Logger func(ctx context.Context, event string, fields map[string]any)

// RoleSystem identifies internal callers such as the payment webhook or OIDC-authenticated jobs.
const RoleSystem domain.Role = "SYSTEM"

// Principal is the authenticated caller resolved from the identity provider and the user row.
type Principal struct {
	UserID string
	Role   domain.Role
}

// SystemPrincipal builds the actor used for calls that do not originate from a marketplace user.
func SystemPrincipal(name string) Principal {
	return Principal{UserID: "system:" + name, Role: RoleSystem}
}

// IsAdmin reports whether the principal carries the administrator role.
func (p Principal) IsAdmin() bool { return p.Role == domain.RoleAdmin }

// OrderService drives the order lifecycle. Every transition runs as one unit of work that writes
// the new status together with its history row, chat narration, derived records and notifications.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	AssignDirector(ctx context.Context, cmd AssignDirectorCommand) (Order, error)
	GetOrder(ctx context.Context, actor Principal, orderID string) (Order, error)
	ListOrders(ctx context.Context, actor Principal, filter OrderListFilter) (domain.Page[Order], error)
	ListHistory(ctx context.Context, actor Principal, orderID string) ([]OrderHistory, error)

	SubmitOffer(ctx context.Context, cmd SubmitOfferCommand) (Order, error)
	AcceptOffer(ctx context.Context, cmd OrderActionCommand) (Order, error)
	RejectOffer(ctx context.Context, cmd RejectOfferCommand) (Order, error)
	StartWork(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Deliver(ctx context.Context, cmd DeliverCommand) (Order, error)
	SignDeliveryUpload(ctx context.Context, cmd DeliveryUploadCommand) (SignedURL, error)
	RequestRevision(ctx context.Context, cmd RequestRevisionCommand) (Order, error)
	Complete(ctx context.Context, cmd OrderActionCommand) (Order, error)
	MarkPaid(ctx context.Context, cmd PaymentTransitionCommand) (Order, error)
	CancelOnRefund(ctx context.Context, cmd PaymentTransitionCommand) (Order, error)
}

// ChatService exposes participant-scoped chat reads and writes.
type ChatService interface {
	ListChats(ctx context.Context, actor Principal, page Pagination) (domain.Page[Chat], error)
	GetChat(ctx context.Context, actor Principal, chatID string) (Chat, error)
	ListMessages(ctx context.Context, actor Principal, chatID string, afterID string) ([]ChatMessage, error)
	PostMessage(ctx context.Context, cmd PostMessageCommand) (ChatMessage, error)
	SignAttachmentUpload(ctx context.Context, cmd AttachmentUploadCommand) (SignedURL, error)
}

// NotificationService manages the per-user inbox.
type NotificationService interface {
	List(ctx context.Context, actor Principal, filter NotificationListFilter) (domain.Page[Notification], error)
	CountUnread(ctx context.Context, actor Principal) (int, error)
	MarkRead(ctx context.Context, actor Principal, notificationID string) (Notification, error)
	MarkAllRead(ctx context.Context, actor Principal) (int, error)
	Create(ctx context.Context, cmd CreateNotificationCommand) (Notification, error)
}

// ModerationService handles director verification and music approval queues.
type ModerationService interface {
	SubmitVerification(ctx context.Context, cmd SubmitVerificationCommand) (DirectorVerification, error)
	SubmitMusic(ctx context.Context, cmd SubmitMusicCommand) (MusicSubmission, error)
	ListVerifications(ctx context.Context, actor Principal, filter ModerationListFilter) (domain.Page[DirectorVerification], error)
	ListMusicApprovals(ctx context.Context, actor Principal, filter ModerationListFilter) (domain.Page[MusicApproval], error)
	ReviewVerification(ctx context.Context, cmd ReviewCommand) (DirectorVerification, error)
	ReviewMusicApproval(ctx context.Context, cmd ReviewCommand) (MusicApproval, error)
}

// UserService resolves principals and manages account rows.
type UserService interface {
	ResolvePrincipal(ctx context.Context, uid string) (Principal, error)
	Register(ctx context.Context, cmd RegisterUserCommand) (Account, error)
	GetAccount(ctx context.Context, actor Principal) (Account, error)
}

// LibraryService exposes the cart entries and downloads provisioned by the order lifecycle.
type LibraryService interface {
	ListCart(ctx context.Context, actor Principal) ([]CartItem, error)
	ListDownloads(ctx context.Context, actor Principal) ([]Download, error)
	DownloadURL(ctx context.Context, actor Principal, downloadID string) (SignedURL, error)
}

// PaymentWebhookService reacts to verified payment processor events.
type PaymentWebhookService interface {
	HandleEvent(ctx context.Context, event PaymentEvent) (PaymentEventOutcome, error)
}

// SystemService exposes operational metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CreateOrderCommand opens a new order for the calling customer.
type CreateOrderCommand struct {
	Actor       Principal
	DirectorID  *string
	Title       string
	Description string
	Genre       string
	Budget      *int64
}

// AssignDirectorCommand attaches a director to a pending order.
type AssignDirectorCommand struct {
	Actor      Principal
	OrderID    string
	DirectorID string
}

// OrderListFilter narrows order listings for the calling principal.
type OrderListFilter struct {
	Status     []OrderStatus
	Pagination Pagination
}

// OrderActionCommand identifies a transition that carries no payload.
type OrderActionCommand struct {
	Actor   Principal
	OrderID string
}

// SubmitOfferCommand carries a director's priced proposal.
type SubmitOfferCommand struct {
	Actor             Principal
	OrderID           string
	Price             int64
	ProductionDays    int
	IncludedRevisions *int
	Message           string
}

// RejectOfferCommand declines the pending offer.
type RejectOfferCommand struct {
	Actor   Principal
	OrderID string
	Reason  string
}

// DeliverCommand hands the finished track to the customer.
type DeliverCommand struct {
	Actor    Principal
	OrderID  string
	MusicURL string
	Message  string
}

// DeliveryUploadCommand asks for an upload URL for the finished track of an order.
type DeliveryUploadCommand struct {
	Actor       Principal
	OrderID     string
	FileName    string
	ContentType string
}

// RequestRevisionCommand consumes one unit of the revision budget.
type RequestRevisionCommand struct {
	Actor    Principal
	OrderID  string
	Feedback string
}

// PaymentTransitionCommand applies a payment processor outcome to an order.
type PaymentTransitionCommand struct {
	Actor      Principal
	OrderID    string
	PaymentRef string
	Reason     string
}

// PostMessageCommand appends a human message to a chat.
type PostMessageCommand struct {
	Actor    Principal
	ChatID   string
	Content  string
	FileURL  *string
	FileType *string
}

// AttachmentUploadCommand requests a signed upload URL for a chat attachment.
type AttachmentUploadCommand struct {
	Actor       Principal
	ChatID      string
	FileName    string
	ContentType string
}

// NotificationListFilter narrows the caller's inbox.
type NotificationListFilter struct {
	UnreadOnly bool
	Pagination Pagination
}

// CreateNotificationCommand is issued by administrators or internal system callers.
type CreateNotificationCommand struct {
	Actor    Principal
	UserID   string
	Type     NotificationType
	Title    string
	Message  string
	Link     *string
	Metadata map[string]any
}

// SubmitVerificationCommand queues a director verification request.
type SubmitVerificationCommand struct {
	Actor        Principal
	PortfolioURL string
}

// SubmitMusicCommand queues a music listing for approval.
type SubmitMusicCommand struct {
	Actor      Principal
	Title      string
	Genre      string
	PreviewURL string
	Price      int64
}

// MusicSubmission pairs the inactive listing with its approval record.
type MusicSubmission struct {
	Music    Music
	Approval MusicApproval
}

// ModerationListFilter narrows a moderation queue.
type ModerationListFilter struct {
	Status     *ModerationStatus
	Pagination Pagination
}

// ReviewCommand records an administrator decision.
type ReviewCommand struct {
	Actor    Principal
	ID       string
	Decision ModerationStatus
	Note     *string
}

// RegisterUserCommand creates the internal account for an identity-provider principal.
type RegisterUserCommand struct {
	UID         string
	Email       string
	DisplayName string
	Role        domain.Role
}

// Account is the caller's user row with its role-specific profile.
type Account struct {
	User     User
	Customer *CustomerProfile
	Director *DirectorProfile
}

// PaymentEventType enumerates the processor events this system reacts to.
type PaymentEventType string

const (
	PaymentEventSucceeded PaymentEventType = "payment_succeeded"
	PaymentEventFailed    PaymentEventType = "payment_failed"
	PaymentEventRefunded  PaymentEventType = "charge_refunded"
)

// PaymentEvent is a verified processor notification reduced to the fields the lifecycle needs.
type PaymentEvent struct {
	ID         string
	Type       PaymentEventType
	OrderID    string
	PaymentRef string
	Amount     int64
	Reason     string
	ReceivedAt time.Time
}

// PaymentEventOutcome describes how an event was handled. Every outcome is acknowledged.
type PaymentEventOutcome string

const (
	PaymentOutcomeApplied   PaymentEventOutcome = "applied"
	PaymentOutcomeDuplicate PaymentEventOutcome = "duplicate"
	PaymentOutcomeIgnored   PaymentEventOutcome = "ignored"
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// NotificationPublisher forwards committed notifications to delivery workers.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, notification Notification) error
}

// UnreadCountCache memoises per-user unread counters.
type UnreadCountCache interface {
	Get(ctx context.Context, userID string) (int, bool, error)
	Set(ctx context.Context, userID string, count int) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

// AttachmentSigner issues upload URLs for chat attachments.
type AttachmentSigner interface {
	SignAttachmentUpload(ctx context.Context, chatID, fileName, contentType string) (SignedURL, error)
}

// DeliverySigner issues upload URLs for finished tracks.
type DeliverySigner interface {
	SignDeliveryUpload(ctx context.Context, orderID, fileName, contentType string) (SignedURL, error)
}

// DownloadSigner issues read URLs for delivered tracks.
type DownloadSigner interface {
	SignDownload(ctx context.Context, musicURL string) (SignedURL, error)
}

// EventLedger records processed payment events so redeliveries are recognised.
type EventLedger interface {
	// Begin reports false when the event was already processed or is being processed.
	Begin(ctx context.Context, eventID string) (bool, error)
	Commit(ctx context.Context, eventID string) error
	Abort(ctx context.Context, eventID string) error
}
