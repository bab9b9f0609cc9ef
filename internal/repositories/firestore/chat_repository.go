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
	chatCollection    = "chats"
	messageCollection = "messages"
)

// ChatRepository stores chat headers at the top level and messages as a subcollection.
type ChatRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[chatDocument]
}

// NewChatRepository constructs a Firestore-backed chat repository.
func NewChatRepository(provider *pfirestore.Provider) *ChatRepository {
	return &ChatRepository{
		provider: provider,
		base:     pfirestore.NewCollection[chatDocument](provider, chatCollection),
	}
}

type chatDocument struct {
	OrderID        string                  `firestore:"orderId"`
	ParticipantIDs []string                `firestore:"participantIds"`
	LastMessage    *messagePreviewDocument `firestore:"lastMessage,omitempty"`
	CreatedAt      time.Time               `firestore:"createdAt"`
	UpdatedAt      time.Time               `firestore:"updatedAt"`
}

type messagePreviewDocument struct {
	MessageID       string    `firestore:"messageId"`
	SenderID        string    `firestore:"senderId"`
	Content         string    `firestore:"content"`
	IsSystemMessage bool      `firestore:"isSystemMessage"`
	CreatedAt       time.Time `firestore:"createdAt"`
}

type messageDocument struct {
	SenderID        string    `firestore:"senderId"`
	Content         string    `firestore:"content"`
	FileURL         *string   `firestore:"fileUrl,omitempty"`
	FileType        *string   `firestore:"fileType,omitempty"`
	IsSystemMessage bool      `firestore:"isSystemMessage"`
	CreatedAt       time.Time `firestore:"createdAt"`
}

func toDomainChat(id string, doc chatDocument) domain.Chat {
	chat := domain.Chat{
		ID:             id,
		OrderID:        doc.OrderID,
		ParticipantIDs: cloneStrings(doc.ParticipantIDs),
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
	if p := doc.LastMessage; p != nil {
		chat.LastMessage = &domain.ChatMessagePreview{
			MessageID:       p.MessageID,
			SenderID:        p.SenderID,
			Content:         p.Content,
			IsSystemMessage: p.IsSystemMessage,
			CreatedAt:       p.CreatedAt,
		}
	}
	return chat
}

func (r *ChatRepository) messages(chatID string) *pfirestore.Collection[messageDocument] {
	return pfirestore.NewCollection[messageDocument](r.provider, chatCollection+"/"+chatID+"/"+messageCollection)
}

func (r *ChatRepository) Insert(ctx context.Context, chat domain.Chat) error {
	if err := requireID("chat", chat.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, chat.ID, chatDocument{
		OrderID:        chat.OrderID,
		ParticipantIDs: cloneStrings(chat.ParticipantIDs),
		CreatedAt:      chat.CreatedAt.UTC(),
		UpdatedAt:      chat.UpdatedAt.UTC(),
	})
	return err
}

func (r *ChatRepository) FindByID(ctx context.Context, chatID string) (domain.Chat, error) {
	if err := requireID("chat", chatID); err != nil {
		return domain.Chat{}, err
	}
	doc, err := r.base.Get(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	return toDomainChat(doc.ID, doc.Data), nil
}

func (r *ChatRepository) FindByOrder(ctx context.Context, orderID string) (domain.Chat, error) {
	if err := requireID("order", orderID); err != nil {
		return domain.Chat{}, err
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).Limit(1)
	})
	if err != nil {
		return domain.Chat{}, err
	}
	if len(docs) == 0 {
		return domain.Chat{}, repositories.NewStoreError("chats.find_by_order", repositories.StoreErrorNotFound, "chat for order %s not found", orderID)
	}
	return toDomainChat(docs[0].ID, docs[0].Data), nil
}

func (r *ChatRepository) List(ctx context.Context, filter repositories.ChatListFilter) (domain.Page[domain.Chat], error) {
	pager := repositories.NormalizePagination(filter.Pagination)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.ParticipantID != "" {
			q = q.Where("participantIds", "array-contains", filter.ParticipantID)
		}
		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		return pagedQuery(q, pager)
	})
	if err != nil {
		return domain.Page[domain.Chat]{}, err
	}
	chats, err := decodeAll(docs, plain(toDomainChat))
	if err != nil {
		return domain.Page[domain.Chat]{}, err
	}
	return repositories.PageFromOverfetch(chats, pager), nil
}

// AppendMessage writes the message and refreshes the preview without reading, so it can be
// issued after the transaction's reads.
func (r *ChatRepository) AppendMessage(ctx context.Context, message domain.ChatMessage) error {
	if err := requireID("chat", message.ChatID); err != nil {
		return err
	}
	if err := requireID("message", message.ID); err != nil {
		return err
	}
	createdAt := message.CreatedAt.UTC()
	if err := r.messages(message.ChatID).Create(ctx, message.ID, messageDocument{
		SenderID:        message.SenderID,
		Content:         message.Content,
		FileURL:         message.FileURL,
		FileType:        message.FileType,
		IsSystemMessage: message.IsSystemMessage,
		CreatedAt:       createdAt,
	}); err != nil {
		return err
	}
	err := r.base.Update(ctx, message.ChatID, []firestore.Update{
		{Path: "lastMessage", Value: messagePreviewDocument{
			MessageID:       message.ID,
			SenderID:        message.SenderID,
			Content:         message.Content,
			IsSystemMessage: message.IsSystemMessage,
			CreatedAt:       createdAt,
		}},
		{Path: "updatedAt", Value: createdAt},
	})
	return err
}

func (r *ChatRepository) ListMessages(ctx context.Context, chatID string, afterID string) ([]domain.ChatMessage, error) {
	if err := requireID("chat", chatID); err != nil {
		return nil, err
	}
	if _, err := r.base.Get(ctx, chatID); err != nil {
		return nil, err
	}
	coll := r.messages(chatID)

	var cursor *messageDocument
	if afterID != "" {
		doc, err := coll.Get(ctx, afterID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if !asRepositoryError(err, &repoErr) || !repoErr.IsNotFound() {
				return nil, err
			}
		} else {
			cursor = &doc.Data
		}
	}

	docs, err := coll.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("createdAt", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
		if cursor != nil {
			q = q.StartAfter(cursor.CreatedAt, afterID)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(docs, plain(func(id string, doc messageDocument) domain.ChatMessage {
		return domain.ChatMessage{
			ID:              id,
			ChatID:          chatID,
			SenderID:        doc.SenderID,
			Content:         doc.Content,
			FileURL:         doc.FileURL,
			FileType:        doc.FileType,
			IsSystemMessage: doc.IsSystemMessage,
			CreatedAt:       doc.CreatedAt,
		}
	}))
}
