package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cuecraft/api/internal/domain"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
	"github.com/cuecraft/api/internal/repositories"
)

const (
	orderCollection   = "orders"
	historyCollection = "history"
)

// OrderRepository persists orders as flat documents. Stage consistency is checked on every read.
type OrderRepository struct {
	base *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{base: pfirestore.NewCollection[orderDocument](provider, orderCollection)}
}

type orderDocument struct {
	CustomerID        string     `firestore:"customerId"`
	DirectorID        *string    `firestore:"directorId"`
	Title             string     `firestore:"title"`
	Description       string     `firestore:"description"`
	Genre             string     `firestore:"genre"`
	Budget            *int64     `firestore:"budget,omitempty"`
	Status            string     `firestore:"status"`
	OfferedPrice      *int64     `firestore:"offeredPrice,omitempty"`
	ProductionTime    *int       `firestore:"productionTime,omitempty"`
	OfferMessage      *string    `firestore:"offerMessage,omitempty"`
	OfferedAt         *time.Time `firestore:"offeredAt,omitempty"`
	IncludedRevisions int        `firestore:"includedRevisions"`
	UsedRevisions     int        `firestore:"usedRevisions"`
	OfferAcceptedAt   *time.Time `firestore:"offerAcceptedAt,omitempty"`
	FinalMusicURL     *string    `firestore:"finalMusicUrl,omitempty"`
	DeliveryMessage   *string    `firestore:"deliveryMessage,omitempty"`
	DeliveredAt       *time.Time `firestore:"deliveredAt,omitempty"`
	RevisionFeedback  *string    `firestore:"revisionFeedback,omitempty"`
	RevisionAt        *time.Time `firestore:"revisionRequestedAt,omitempty"`
	PaidAt            *time.Time `firestore:"paidAt,omitempty"`
	PaymentRef        *string    `firestore:"paymentRef,omitempty"`
	CompletedAt       *time.Time `firestore:"completedAt,omitempty"`
	CancelledAt       *time.Time `firestore:"cancelledAt,omitempty"`
	CancelReason      *string    `firestore:"cancelReason,omitempty"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
}

func orderDocumentFrom(rec domain.OrderRecord) orderDocument {
	return orderDocument{
		CustomerID:        rec.CustomerID,
		DirectorID:        rec.DirectorID,
		Title:             rec.Title,
		Description:       rec.Description,
		Genre:             rec.Genre,
		Budget:            rec.Budget,
		Status:            string(rec.Status),
		OfferedPrice:      rec.OfferedPrice,
		ProductionTime:    rec.ProductionTime,
		OfferMessage:      rec.OfferMessage,
		OfferedAt:         rec.OfferedAt,
		IncludedRevisions: rec.IncludedRevisions,
		UsedRevisions:     rec.UsedRevisions,
		OfferAcceptedAt:   rec.OfferAcceptedAt,
		FinalMusicURL:     rec.FinalMusicURL,
		DeliveryMessage:   rec.DeliveryMessage,
		DeliveredAt:       rec.DeliveredAt,
		RevisionFeedback:  rec.RevisionFeedback,
		RevisionAt:        rec.RevisionAt,
		PaidAt:            rec.PaidAt,
		PaymentRef:        rec.PaymentRef,
		CompletedAt:       rec.CompletedAt,
		CancelledAt:       rec.CancelledAt,
		CancelReason:      rec.CancelReason,
		CreatedAt:         rec.CreatedAt.UTC(),
		UpdatedAt:         rec.UpdatedAt.UTC(),
	}
}

func (d orderDocument) record(id string) domain.OrderRecord {
	return domain.OrderRecord{
		ID:                id,
		CustomerID:        d.CustomerID,
		DirectorID:        d.DirectorID,
		Title:             d.Title,
		Description:       d.Description,
		Genre:             d.Genre,
		Budget:            d.Budget,
		Status:            domain.OrderStatus(d.Status),
		OfferedPrice:      d.OfferedPrice,
		ProductionTime:    d.ProductionTime,
		OfferMessage:      d.OfferMessage,
		OfferedAt:         d.OfferedAt,
		IncludedRevisions: d.IncludedRevisions,
		UsedRevisions:     d.UsedRevisions,
		OfferAcceptedAt:   d.OfferAcceptedAt,
		FinalMusicURL:     d.FinalMusicURL,
		DeliveryMessage:   d.DeliveryMessage,
		DeliveredAt:       d.DeliveredAt,
		RevisionFeedback:  d.RevisionFeedback,
		RevisionAt:        d.RevisionAt,
		PaidAt:            d.PaidAt,
		PaymentRef:        d.PaymentRef,
		CompletedAt:       d.CompletedAt,
		CancelledAt:       d.CancelledAt,
		CancelReason:      d.CancelReason,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func toDomainOrder(id string, doc orderDocument) (domain.Order, error) {
	order, err := domain.OrderFromRecord(doc.record(id))
	if err != nil {
		return domain.Order{}, fmt.Errorf("orders: decode %s: %w", id, err)
	}
	return order, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if err := requireID("order", order.ID); err != nil {
		return err
	}
	err := r.base.Create(ctx, order.ID, orderDocumentFrom(order.Record()))
	return err
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := requireID("order", orderID); err != nil {
		return domain.Order{}, err
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc.ID, doc.Data)
}

// Update rewrites every stage field of the order. Fields absent on the new stage are deleted and
// usedRevisions is only ever moved by a server side increment.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, update repositories.OrderUpdate) error {
	if err := requireID("order", order.ID); err != nil {
		return err
	}
	doc := orderDocumentFrom(order.Record())
	updates := []firestore.Update{
		{Path: "status", Value: doc.Status},
		{Path: "directorId", Value: doc.DirectorID},
		{Path: "includedRevisions", Value: doc.IncludedRevisions},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	optional := func(path string, present bool, value any) {
		if present {
			updates = append(updates, firestore.Update{Path: path, Value: value})
			return
		}
		updates = append(updates, firestore.Update{Path: path, Value: firestore.Delete})
	}
	optional("offeredPrice", doc.OfferedPrice != nil, doc.OfferedPrice)
	optional("productionTime", doc.ProductionTime != nil, doc.ProductionTime)
	optional("offerMessage", doc.OfferMessage != nil, doc.OfferMessage)
	optional("offeredAt", doc.OfferedAt != nil, doc.OfferedAt)
	optional("offerAcceptedAt", doc.OfferAcceptedAt != nil, doc.OfferAcceptedAt)
	optional("finalMusicUrl", doc.FinalMusicURL != nil, doc.FinalMusicURL)
	optional("deliveryMessage", doc.DeliveryMessage != nil, doc.DeliveryMessage)
	optional("deliveredAt", doc.DeliveredAt != nil, doc.DeliveredAt)
	optional("revisionFeedback", doc.RevisionFeedback != nil, doc.RevisionFeedback)
	optional("revisionRequestedAt", doc.RevisionAt != nil, doc.RevisionAt)
	optional("paidAt", doc.PaidAt != nil, doc.PaidAt)
	optional("paymentRef", doc.PaymentRef != nil, doc.PaymentRef)
	optional("completedAt", doc.CompletedAt != nil, doc.CompletedAt)
	optional("cancelledAt", doc.CancelledAt != nil, doc.CancelledAt)
	optional("cancelReason", doc.CancelReason != nil, doc.CancelReason)
	if update.IncrementUsedRevisions != 0 {
		updates = append(updates, firestore.Update{Path: "usedRevisions", Value: firestore.Increment(update.IncrementUsedRevisions)})
	}
	err := r.base.Update(ctx, order.ID, updates)
	return err
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	pager := repositories.NormalizePagination(filter.Pagination)
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.CustomerID != "" {
			q = q.Where("customerId", "==", filter.CustomerID)
		}
		if filter.DirectorID != "" {
			q = q.Where("directorId", "==", filter.DirectorID)
		}
		switch len(filter.Status) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Status[0]))
		default:
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		return pagedQuery(q, pager)
	})
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	orders, err := decodeAll(docs, toDomainOrder)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}
	return repositories.PageFromOverfetch(orders, pager), nil
}

// OrderHistoryRepository stores the audit trail as a subcollection of each order.
type OrderHistoryRepository struct {
	provider *pfirestore.Provider
}

// NewOrderHistoryRepository constructs a Firestore-backed history repository.
func NewOrderHistoryRepository(provider *pfirestore.Provider) *OrderHistoryRepository {
	return &OrderHistoryRepository{provider: provider}
}

type historyDocument struct {
	Status    string    `firestore:"status"`
	Message   string    `firestore:"message"`
	ActorID   string    `firestore:"actorId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (r *OrderHistoryRepository) collection(orderID string) *pfirestore.Collection[historyDocument] {
	return pfirestore.NewCollection[historyDocument](r.provider, orderCollection+"/"+orderID+"/"+historyCollection)
}

func (r *OrderHistoryRepository) Append(ctx context.Context, entry domain.OrderHistory) error {
	if err := requireID("order", entry.OrderID); err != nil {
		return err
	}
	if err := requireID("history", entry.ID); err != nil {
		return err
	}
	err := r.collection(entry.OrderID).Create(ctx, entry.ID, historyDocument{
		Status:    string(entry.Status),
		Message:   entry.Message,
		ActorID:   entry.ActorID,
		CreatedAt: entry.CreatedAt.UTC(),
	})
	return err
}

func (r *OrderHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderHistory, error) {
	if err := requireID("order", orderID); err != nil {
		return nil, err
	}
	docs, err := r.collection(orderID).Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	return decodeAll(docs, plain(func(id string, doc historyDocument) domain.OrderHistory {
		return domain.OrderHistory{
			ID:        id,
			OrderID:   orderID,
			Status:    domain.OrderStatus(doc.Status),
			Message:   doc.Message,
			ActorID:   doc.ActorID,
			CreatedAt: doc.CreatedAt,
		}
	}))
}
