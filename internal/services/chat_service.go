package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	defaultMaxMessageLength = 4000
	maxAttachmentNameLength = 200
	previewSnippetLength    = 80
)

var (
	// ErrChatInvalidInput signals a malformed message or attachment request.
	ErrChatInvalidInput = fmt.Errorf("chat: %w", ErrValidation)
	// ErrChatNotFound indicates the chat does not exist.
	ErrChatNotFound = fmt.Errorf("chat: %w", ErrNotFound)
	// ErrChatForbidden indicates the caller is not a participant.
	ErrChatForbidden = fmt.Errorf("chat: %w", ErrForbidden)
	// ErrChatConflict indicates a duplicate chat or message id.
	ErrChatConflict = fmt.Errorf("chat: %w", ErrConflict)
	// ErrChatAttachmentsDisabled indicates no signer is configured.
	ErrChatAttachmentsDisabled = fmt.Errorf("chat: attachments disabled: %w", ErrUnavailable)
)

// ChatServiceDeps bundles collaborators required to construct the chat service.
type ChatServiceDeps struct {
	Chats             repositories.ChatRepository
	Notifications     repositories.NotificationRepository
	UnitOfWork        repositories.UnitOfWork
	Guard             *Guard
	Attachments       AttachmentSigner
	UnreadCache       UnreadCountCache
	Dispatcher        NotificationPublisher
	MaxMessageLength  int
	AllowedExtensions []string
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            Logger
}

type chatService struct {
	chats       repositories.ChatRepository
	unitOfWork  repositories.UnitOfWork
	guard       *Guard
	attachments AttachmentSigner
	inbox       *inbox
	policy      *bluemonday.Policy
	maxLength   int
	allowedExt  map[string]struct{}
	clock       func() time.Time
	newID       func() string
	errs        repositoryErrorMapping
}

var _ ChatService = (*chatService)(nil)

// NewChatService wires dependencies into a concrete ChatService implementation.
func NewChatService(deps ChatServiceDeps) (ChatService, error) {
	if deps.Chats == nil {
		return nil, errors.New("chat service: chat repository is required")
	}
	if deps.Notifications == nil {
		return nil, errors.New("chat service: notification repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("chat service: unit of work is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("chat service: guard is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	maxLength := deps.MaxMessageLength
	if maxLength <= 0 {
		maxLength = defaultMaxMessageLength
	}
	allowed := make(map[string]struct{}, len(deps.AllowedExtensions))
	for _, ext := range deps.AllowedExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}

	return &chatService{
		chats:       deps.Chats,
		unitOfWork:  deps.UnitOfWork,
		guard:       deps.Guard,
		attachments: deps.Attachments,
		inbox: newInbox(inboxDeps{
			Repo:      deps.Notifications,
			Cache:     deps.UnreadCache,
			Publisher: deps.Dispatcher,
			NewID:     idGen,
			Logger:    deps.Logger,
		}),
		policy:     bluemonday.StrictPolicy(),
		maxLength:  maxLength,
		allowedExt: allowed,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
		errs: repositoryErrorMapping{
			notFound: ErrChatNotFound,
			conflict: ErrChatConflict,
			scope:    "chat",
		},
	}, nil
}

func (s *chatService) ListChats(ctx context.Context, actor Principal, page Pagination) (domain.Page[Chat], error) {
	if err := s.authorize(actor, actionRead, nil); err != nil {
		return domain.Page[Chat]{}, err
	}
	result, err := s.chats.List(ctx, repositories.ChatListFilter{ParticipantID: actor.UserID, Pagination: page})
	if err != nil {
		return domain.Page[Chat]{}, s.errs.mapError(err)
	}
	return result, nil
}

func (s *chatService) GetChat(ctx context.Context, actor Principal, chatID string) (Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Chat{}, invalidField(ErrChatInvalidInput, "chatId", "is required")
	}
	chat, err := s.chats.FindByID(ctx, chatID)
	if err != nil {
		return Chat{}, s.errs.mapError(err)
	}
	if err := s.authorize(actor, actionRead, AnyOf(ParticipantOf(chat), IsAdmin)); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *chatService) ListMessages(ctx context.Context, actor Principal, chatID string, afterID string) ([]ChatMessage, error) {
	chat, err := s.GetChat(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.chats.ListMessages(ctx, chat.ID, strings.TrimSpace(afterID))
	if err != nil {
		return nil, s.errs.mapError(err)
	}
	return messages, nil
}

func (s *chatService) PostMessage(ctx context.Context, cmd PostMessageCommand) (ChatMessage, error) {
	chatID := strings.TrimSpace(cmd.ChatID)
	if chatID == "" {
		return ChatMessage{}, invalidField(ErrChatInvalidInput, "chatId", "is required")
	}
	content := s.sanitize(cmd.Content)
	fileURL := trimmedPtr(cmd.FileURL)
	fileType := trimmedPtr(cmd.FileType)
	switch {
	case content == "" && fileURL == nil:
		return ChatMessage{}, invalidField(ErrChatInvalidInput, "content", "or fileUrl is required")
	case utf8.RuneCountInString(content) > s.maxLength:
		return ChatMessage{}, invalidField(ErrChatInvalidInput, "content", fmt.Sprintf("must be at most %d characters", s.maxLength))
	case fileURL != nil && !strings.HasPrefix(*fileURL, "https://"):
		return ChatMessage{}, invalidField(ErrChatInvalidInput, "fileUrl", "must be an https URL")
	case fileType != nil && fileURL == nil:
		return ChatMessage{}, invalidField(ErrChatInvalidInput, "fileType", "requires fileUrl")
	}

	var (
		msg    ChatMessage
		staged []Notification
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		staged = nil
		chat, err := s.chats.FindByID(txCtx, chatID)
		if err != nil {
			return s.errs.mapError(err)
		}
		if err := s.authorize(cmd.Actor, actionWrite, ParticipantOf(chat)); err != nil {
			return err
		}

		now := s.clock()
		msg = ChatMessage{
			ID:        messageIDPrefix + s.newID(),
			ChatID:    chat.ID,
			SenderID:  cmd.Actor.UserID,
			Content:   content,
			FileURL:   fileURL,
			FileType:  fileType,
			CreatedAt: now,
		}
		if err := s.chats.AppendMessage(txCtx, msg); err != nil {
			return s.errs.mapError(err)
		}

		drafts := make([]notificationDraft, 0, len(chat.ParticipantIDs))
		for _, participant := range chat.ParticipantIDs {
			if participant == cmd.Actor.UserID {
				continue
			}
			drafts = append(drafts, notificationDraft{
				UserID:   participant,
				Type:     domain.NotificationMessage,
				Title:    "New message",
				Message:  snippet(content, fileURL),
				Link:     orderLink(chat.OrderID),
				Metadata: map[string]any{"chatId": chat.ID, "messageId": msg.ID, "orderId": chat.OrderID},
			})
		}
		staged, err = s.inbox.stage(txCtx, drafts, now)
		if err != nil {
			return s.errs.mapError(err)
		}
		return nil
	})
	if err != nil {
		return ChatMessage{}, err
	}
	s.inbox.committed(ctx, staged)
	return msg, nil
}

func (s *chatService) SignAttachmentUpload(ctx context.Context, cmd AttachmentUploadCommand) (SignedURL, error) {
	if s.attachments == nil {
		return SignedURL{}, ErrChatAttachmentsDisabled
	}
	name := strings.TrimSpace(cmd.FileName)
	contentType := strings.TrimSpace(cmd.ContentType)
	switch {
	case name == "":
		return SignedURL{}, invalidField(ErrChatInvalidInput, "fileName", "is required")
	case utf8.RuneCountInString(name) > maxAttachmentNameLength:
		return SignedURL{}, invalidField(ErrChatInvalidInput, "fileName", fmt.Sprintf("must be at most %d characters", maxAttachmentNameLength))
	case contentType == "":
		return SignedURL{}, invalidField(ErrChatInvalidInput, "contentType", "is required")
	}
	if len(s.allowedExt) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
		if _, ok := s.allowedExt[ext]; !ok {
			return SignedURL{}, invalidField(ErrChatInvalidInput, "fileName", fmt.Sprintf("extension %q is not allowed", ext))
		}
	}

	chat, err := s.chats.FindByID(ctx, strings.TrimSpace(cmd.ChatID))
	if err != nil {
		return SignedURL{}, s.errs.mapError(err)
	}
	if err := s.authorize(cmd.Actor, actionWrite, ParticipantOf(chat)); err != nil {
		return SignedURL{}, err
	}
	return s.attachments.SignAttachmentUpload(ctx, chat.ID, name, contentType)
}

func (s *chatService) authorize(actor Principal, action string, owns Ownership) error {
	err := s.guard.Require(actor, resourceChat, action, owns)
	if err != nil && errors.Is(err, ErrForbidden) {
		return fmt.Errorf("%w: %v", ErrChatForbidden, err)
	}
	return err
}

// sanitize decodes entities before stripping markup, so encoded tags are stripped too, and
// normalises the text to NFC so equal strings compare equal.
func (s *chatService) sanitize(raw string) string {
	cleaned := s.policy.Sanitize(html.UnescapeString(raw))
	return strings.TrimSpace(norm.NFC.String(cleaned))
}

func snippet(content string, fileURL *string) string {
	if content == "" && fileURL != nil {
		return "Sent an attachment."
	}
	if utf8.RuneCountInString(content) <= previewSnippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewSnippetLength]) + "…"
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
