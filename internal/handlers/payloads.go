package handlers

import (
	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/services"
)

type pagePayload[T any] struct {
	Items      []T  `json:"items"`
	NextOffset *int `json:"nextOffset"`
}

func buildPage[S any, T any](page domain.Page[S], convert func(S) T) pagePayload[T] {
	items := make([]T, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, convert(item))
	}
	return pagePayload[T]{Items: items, NextOffset: page.NextOffset}
}

func buildList[S any, T any](values []S, convert func(S) T) []T {
	items := make([]T, 0, len(values))
	for _, value := range values {
		items = append(items, convert(value))
	}
	return items
}

type orderPayload struct {
	ID                  string  `json:"id"`
	CustomerID          string  `json:"customerId"`
	DirectorID          *string `json:"directorId"`
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	Genre               string  `json:"genre"`
	Budget              *int64  `json:"budget"`
	Status              string  `json:"status"`
	OfferedPrice        *int64  `json:"offeredPrice"`
	ProductionTime      *int    `json:"productionTime"`
	OfferMessage        *string `json:"offerMessage,omitempty"`
	OfferedAt           *string `json:"offeredAt,omitempty"`
	OfferAcceptedAt     *string `json:"offerAcceptedAt,omitempty"`
	IncludedRevisions   int     `json:"includedRevisions"`
	UsedRevisions       int     `json:"usedRevisions"`
	RemainingRevisions  int     `json:"remainingRevisions"`
	FinalMusicURL       *string `json:"finalMusicUrl"`
	DeliveryMessage     *string `json:"deliveryMessage,omitempty"`
	DeliveredAt         *string `json:"deliveredAt,omitempty"`
	RevisionFeedback    *string `json:"revisionFeedback,omitempty"`
	RevisionRequestedAt *string `json:"revisionRequestedAt,omitempty"`
	PaidAt              *string `json:"paidAt,omitempty"`
	PaymentRef          *string `json:"paymentRef,omitempty"`
	CompletedAt         *string `json:"completedAt,omitempty"`
	CancelledAt         *string `json:"cancelledAt,omitempty"`
	CancelReason        *string `json:"cancelReason,omitempty"`
	CreatedAt           string  `json:"createdAt"`
	UpdatedAt           string  `json:"updatedAt"`
}

func buildOrderPayload(order services.Order) orderPayload {
	rec := order.Record()
	return orderPayload{
		ID:                  rec.ID,
		CustomerID:          rec.CustomerID,
		DirectorID:          rec.DirectorID,
		Title:               rec.Title,
		Description:         rec.Description,
		Genre:               rec.Genre,
		Budget:              rec.Budget,
		Status:              string(rec.Status),
		OfferedPrice:        rec.OfferedPrice,
		ProductionTime:      rec.ProductionTime,
		OfferMessage:        rec.OfferMessage,
		OfferedAt:           formatTimePtr(rec.OfferedAt),
		OfferAcceptedAt:     formatTimePtr(rec.OfferAcceptedAt),
		IncludedRevisions:   rec.IncludedRevisions,
		UsedRevisions:       rec.UsedRevisions,
		RemainingRevisions:  order.RemainingRevisions(),
		FinalMusicURL:       rec.FinalMusicURL,
		DeliveryMessage:     rec.DeliveryMessage,
		DeliveredAt:         formatTimePtr(rec.DeliveredAt),
		RevisionFeedback:    rec.RevisionFeedback,
		RevisionRequestedAt: formatTimePtr(rec.RevisionAt),
		PaidAt:              formatTimePtr(rec.PaidAt),
		PaymentRef:          rec.PaymentRef,
		CompletedAt:         formatTimePtr(rec.CompletedAt),
		CancelledAt:         formatTimePtr(rec.CancelledAt),
		CancelReason:        rec.CancelReason,
		CreatedAt:           formatTime(rec.CreatedAt),
		UpdatedAt:           formatTime(rec.UpdatedAt),
	}
}

type orderHistoryPayload struct {
	ID        string `json:"id"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	ActorID   string `json:"actorId"`
	CreatedAt string `json:"createdAt"`
}

func buildOrderHistoryPayload(entry services.OrderHistory) orderHistoryPayload {
	return orderHistoryPayload{
		ID:        entry.ID,
		OrderID:   entry.OrderID,
		Status:    string(entry.Status),
		Message:   entry.Message,
		ActorID:   entry.ActorID,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}

type chatMessagePayload struct {
	ID              string  `json:"id"`
	ChatID          string  `json:"chatId"`
	SenderID        string  `json:"senderId"`
	Content         string  `json:"content"`
	FileURL         *string `json:"fileUrl,omitempty"`
	FileType        *string `json:"fileType,omitempty"`
	IsSystemMessage bool    `json:"isSystemMessage"`
	CreatedAt       string  `json:"createdAt"`
}

func buildChatMessagePayload(msg services.ChatMessage) chatMessagePayload {
	return chatMessagePayload{
		ID:              msg.ID,
		ChatID:          msg.ChatID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		FileURL:         msg.FileURL,
		FileType:        msg.FileType,
		IsSystemMessage: msg.IsSystemMessage,
		CreatedAt:       formatTime(msg.CreatedAt),
	}
}

type chatPreviewPayload struct {
	MessageID       string `json:"messageId"`
	SenderID        string `json:"senderId"`
	Content         string `json:"content"`
	IsSystemMessage bool   `json:"isSystemMessage"`
	CreatedAt       string `json:"createdAt"`
}

type chatPayload struct {
	ID             string              `json:"id"`
	OrderID        string              `json:"orderId"`
	ParticipantIDs []string            `json:"participantIds"`
	LastMessage    *chatPreviewPayload `json:"lastMessage"`
	CreatedAt      string              `json:"createdAt"`
	UpdatedAt      string              `json:"updatedAt"`
}

func buildChatPayload(chat services.Chat) chatPayload {
	payload := chatPayload{
		ID:             chat.ID,
		OrderID:        chat.OrderID,
		ParticipantIDs: append([]string(nil), chat.ParticipantIDs...),
		CreatedAt:      formatTime(chat.CreatedAt),
		UpdatedAt:      formatTime(chat.UpdatedAt),
	}
	if payload.ParticipantIDs == nil {
		payload.ParticipantIDs = []string{}
	}
	if last := chat.LastMessage; last != nil {
		payload.LastMessage = &chatPreviewPayload{
			MessageID:       last.MessageID,
			SenderID:        last.SenderID,
			Content:         last.Content,
			IsSystemMessage: last.IsSystemMessage,
			CreatedAt:       formatTime(last.CreatedAt),
		}
	}
	return payload
}

type notificationPayload struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Link      *string        `json:"link,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsRead    bool           `json:"isRead"`
	ReadAt    *string        `json:"readAt,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func buildNotificationPayload(n services.Notification) notificationPayload {
	return notificationPayload{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		Metadata:  n.Metadata,
		IsRead:    n.IsRead,
		ReadAt:    formatTimePtr(n.ReadAt),
		CreatedAt: formatTime(n.CreatedAt),
	}
}

type verificationPayload struct {
	ID           string  `json:"id"`
	DirectorID   string  `json:"directorId"`
	Status       string  `json:"status"`
	PortfolioURL string  `json:"portfolioUrl"`
	Note         *string `json:"note,omitempty"`
	ReviewerID   *string `json:"reviewerId,omitempty"`
	ReviewedAt   *string `json:"reviewedAt,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

func buildVerificationPayload(v services.DirectorVerification) verificationPayload {
	return verificationPayload{
		ID:           v.ID,
		DirectorID:   v.DirectorID,
		Status:       string(v.Status),
		PortfolioURL: v.PortfolioURL,
		Note:         v.Note,
		ReviewerID:   v.ReviewerID,
		ReviewedAt:   formatTimePtr(v.ReviewedAt),
		CreatedAt:    formatTime(v.CreatedAt),
		UpdatedAt:    formatTime(v.UpdatedAt),
	}
}

type musicPayload struct {
	ID         string `json:"id"`
	DirectorID string `json:"directorId"`
	Title      string `json:"title"`
	Genre      string `json:"genre"`
	PreviewURL string `json:"previewUrl"`
	Price      int64  `json:"price"`
	Status     string `json:"status"`
	CreatedAt  string `json:"createdAt"`
}

func buildMusicPayload(m services.Music) musicPayload {
	return musicPayload{
		ID:         m.ID,
		DirectorID: m.DirectorID,
		Title:      m.Title,
		Genre:      m.Genre,
		PreviewURL: m.PreviewURL,
		Price:      m.Price,
		Status:     string(m.Status),
		CreatedAt:  formatTime(m.CreatedAt),
	}
}

type musicApprovalPayload struct {
	ID         string  `json:"id"`
	MusicID    string  `json:"musicId"`
	DirectorID string  `json:"directorId"`
	Status     string  `json:"status"`
	Note       *string `json:"note,omitempty"`
	ReviewerID *string `json:"reviewerId,omitempty"`
	ReviewedAt *string `json:"reviewedAt,omitempty"`
	CreatedAt  string  `json:"createdAt"`
	UpdatedAt  string  `json:"updatedAt"`
}

func buildMusicApprovalPayload(a services.MusicApproval) musicApprovalPayload {
	return musicApprovalPayload{
		ID:         a.ID,
		MusicID:    a.MusicID,
		DirectorID: a.DirectorID,
		Status:     string(a.Status),
		Note:       a.Note,
		ReviewerID: a.ReviewerID,
		ReviewedAt: formatTimePtr(a.ReviewedAt),
		CreatedAt:  formatTime(a.CreatedAt),
		UpdatedAt:  formatTime(a.UpdatedAt),
	}
}

type userPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

type customerProfilePayload struct {
	DisplayName string `json:"displayName"`
}

type directorProfilePayload struct {
	DisplayName   string   `json:"displayName"`
	Bio           string   `json:"bio"`
	Genres        []string `json:"genres"`
	TotalProjects int64    `json:"totalProjects"`
	TotalEarnings int64    `json:"totalEarnings"`
	Badges        []string `json:"badges"`
	IsVerified    bool     `json:"isVerified"`
}

type accountPayload struct {
	User     userPayload             `json:"user"`
	Customer *customerProfilePayload `json:"customer,omitempty"`
	Director *directorProfilePayload `json:"director,omitempty"`
}

func buildAccountPayload(account services.Account) accountPayload {
	payload := accountPayload{
		User: userPayload{
			ID:          account.User.ID,
			Email:       account.User.Email,
			DisplayName: account.User.DisplayName,
			Role:        string(account.User.Role),
			CreatedAt:   formatTime(account.User.CreatedAt),
		},
	}
	if c := account.Customer; c != nil {
		payload.Customer = &customerProfilePayload{DisplayName: c.DisplayName}
	}
	if d := account.Director; d != nil {
		payload.Director = &directorProfilePayload{
			DisplayName:   d.DisplayName,
			Bio:           d.Bio,
			Genres:        nonNilStrings(d.Genres),
			TotalProjects: d.TotalProjects,
			TotalEarnings: d.TotalEarnings,
			Badges:        nonNilStrings(d.Badges),
			IsVerified:    d.IsVerified,
		}
	}
	return payload
}

type cartItemPayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"orderId"`
	Title       string `json:"title"`
	Price       int64  `json:"price"`
	LicenseType string `json:"licenseType"`
	CreatedAt   string `json:"createdAt"`
}

func buildCartItemPayload(item services.CartItem) cartItemPayload {
	return cartItemPayload{
		ID:          item.ID,
		OrderID:     item.OrderID,
		Title:       item.Title,
		Price:       item.Price,
		LicenseType: string(item.LicenseType),
		CreatedAt:   formatTime(item.CreatedAt),
	}
}

type downloadPayload struct {
	ID        string `json:"id"`
	OrderID   string `json:"orderId"`
	MusicURL  string `json:"musicUrl"`
	CreatedAt string `json:"createdAt"`
}

func buildDownloadPayload(d services.Download) downloadPayload {
	return downloadPayload{
		ID:        d.ID,
		OrderID:   d.OrderID,
		MusicURL:  d.MusicURL,
		CreatedAt: formatTime(d.CreatedAt),
	}
}

type signedURLPayload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	ObjectURL string            `json:"objectUrl,omitempty"`
	ExpiresAt string            `json:"expiresAt"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func buildSignedURLPayload(signed services.SignedURL) signedURLPayload {
	return signedURLPayload{
		URL:       signed.URL,
		Method:    signed.Method,
		ObjectURL: signed.ObjectURL,
		ExpiresAt: formatTime(signed.ExpiresAt),
		Headers:   signed.Headers,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
