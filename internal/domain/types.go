package domain

import (
	"time"
)

// Pagination defines offset based paging inputs for list operations.
type Pagination struct {
	Offset int
	Limit  int
}

// Page packages list results along with the offset of the next page, if any.
type Page[T any] struct {
	Items      []T
	NextOffset *int
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// Role identifies the marketplace persona of a user.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleDirector Role = "DIRECTOR"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether the role is one of the known personas.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleDirector, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is the internal account row mapped from the identity provider's principal id.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CustomerProfile extends a customer user.
type CustomerProfile struct {
	UserID      string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DirectorProfile extends a director user with aggregate statistics and moderation state.
type DirectorProfile struct {
	UserID        string
	DisplayName   string
	Bio           string
	Genres        []string
	TotalProjects int64
	TotalEarnings int64
	Badges        []string
	IsVerified    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasBadge reports whether the director already carries the badge.
func (p DirectorProfile) HasBadge(badge string) bool {
	for _, b := range p.Badges {
		if b == badge {
			return true
		}
	}
	return false
}

// BadgeVerified is granted when a director verification is approved.
const BadgeVerified = "VERIFIED"

// ModerationStatus is the two-step approval state shared by verifications and music approvals.
type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "PENDING"
	ModerationApproved ModerationStatus = "APPROVED"
	ModerationRejected ModerationStatus = "REJECTED"
)

// Decided reports whether a reviewer already ruled on the record.
func (s ModerationStatus) Decided() bool {
	return s == ModerationApproved || s == ModerationRejected
}

// DirectorVerification is a director's request to be marked as verified.
type DirectorVerification struct {
	ID           string
	DirectorID   string
	Status       ModerationStatus
	PortfolioURL string
	Note         *string
	ReviewerID   *string
	ReviewedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MusicStatus controls the visibility of a music listing.
type MusicStatus string

const (
	MusicActive   MusicStatus = "ACTIVE"
	MusicInactive MusicStatus = "INACTIVE"
)

// Music is a catalogue listing owned by a director.
type Music struct {
	ID         string
	DirectorID string
	Title      string
	Genre      string
	PreviewURL string
	Price      int64
	Status     MusicStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MusicApproval records the moderation decision for a music listing.
type MusicApproval struct {
	ID         string
	MusicID    string
	DirectorID string
	Status     ModerationStatus
	Note       *string
	ReviewerID *string
	ReviewedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderHistory is an append-only audit row written once per transition.
type OrderHistory struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	Message   string
	ActorID   string
	CreatedAt time.Time
}

// Chat is the conversation attached 1:1 to an order.
type Chat struct {
	ID             string
	OrderID        string
	ParticipantIDs []string
	LastMessage    *ChatMessagePreview
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasParticipant reports whether the user belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatMessagePreview is the denormalised latest message shown in chat lists.
type ChatMessagePreview struct {
	MessageID       string
	SenderID        string
	Content         string
	IsSystemMessage bool
	CreatedAt       time.Time
}

// ChatMessage is a single immutable entry in a chat.
type ChatMessage struct {
	ID              string
	ChatID          string
	SenderID        string
	Content         string
	FileURL         *string
	FileType        *string
	IsSystemMessage bool
	CreatedAt       time.Time
}

// Preview returns the denormalised form stored on the chat header.
func (m ChatMessage) Preview() ChatMessagePreview {
	return ChatMessagePreview{
		MessageID:       m.ID,
		SenderID:        m.SenderID,
		Content:         m.Content,
		IsSystemMessage: m.IsSystemMessage,
		CreatedAt:       m.CreatedAt,
	}
}

// NotificationType classifies inbox entries.
type NotificationType string

const (
	NotificationOrder      NotificationType = "order"
	NotificationMessage    NotificationType = "message"
	NotificationPayment    NotificationType = "payment"
	NotificationSystem     NotificationType = "system"
	NotificationReview     NotificationType = "review"
	NotificationOffer      NotificationType = "offer"
	NotificationRevision   NotificationType = "revision"
	NotificationCompletion NotificationType = "completion"
)

// Valid reports whether the type is one of the supported notification kinds.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationOrder, NotificationMessage, NotificationPayment, NotificationSystem,
		NotificationReview, NotificationOffer, NotificationRevision, NotificationCompletion:
		return true
	default:
		return false
	}
}

// Notification is a single inbox entry for a user.
type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	Link      *string
	Metadata  map[string]any
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// LicenseType describes the usage rights granted with a cart item.
type LicenseType string

const (
	LicenseCommercial LicenseType = "COMMERCIAL"
	LicensePersonal   LicenseType = "PERSONAL"
)

// CartItem is provisioned for the customer when a director delivers an order.
type CartItem struct {
	ID          string
	CustomerID  string
	OrderID     string
	Title       string
	Price       int64
	LicenseType LicenseType
	CreatedAt   time.Time
}

// Download grants the customer access to the final track of a completed order.
type Download struct {
	ID         string
	CustomerID string
	OrderID    string
	MusicURL   string
	CreatedAt  time.Time
}
