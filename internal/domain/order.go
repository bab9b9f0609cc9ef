package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusOfferPending      OrderStatus = "OFFER_PENDING"
	OrderStatusOfferAccepted     OrderStatus = "OFFER_ACCEPTED"
	OrderStatusInProgress        OrderStatus = "IN_PROGRESS"
	OrderStatusRevisionRequested OrderStatus = "REVISION_REQUESTED"
	OrderStatusReadyForPayment   OrderStatus = "READY_FOR_PAYMENT"
	OrderStatusPaid              OrderStatus = "PAID"
	OrderStatusCompleted         OrderStatus = "COMPLETED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
)

// DefaultIncludedRevisions is the revision budget applied when an offer does not specify one.
const DefaultIncludedRevisions = 2

// ParseOrderStatus validates a raw status string.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch status := OrderStatus(raw); status {
	case OrderStatusPending, OrderStatusOfferPending, OrderStatusOfferAccepted, OrderStatusInProgress,
		OrderStatusRevisionRequested, OrderStatusReadyForPayment, OrderStatusPaid, OrderStatusCompleted,
		OrderStatusCancelled:
		return status, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Offer is a director's priced proposal.
type Offer struct {
	Price          int64
	ProductionDays int
	Message        string
	OfferedAt      time.Time
}

// Delivery is the work a director hands over for payment.
type Delivery struct {
	MusicURL    string
	Message     string
	DeliveredAt time.Time
}

// Stage is implemented by exactly one struct per order status. Fields that only make sense from a
// given point of the lifecycle onwards live on the stages where they are guaranteed to be set.
type Stage interface {
	Status() OrderStatus
	isStage()
}

// Engagement is the state shared by every stage after the customer accepted an offer.
type Engagement struct {
	Offer      Offer
	AcceptedAt time.Time
}

type PendingStage struct{}

type OfferPendingStage struct {
	Offer Offer
}

type OfferAcceptedStage struct {
	Engagement
}

type InProgressStage struct {
	Engagement
	LastDelivery *Delivery
}

type RevisionRequestedStage struct {
	Engagement
	LastDelivery *Delivery
	Feedback     string
	RequestedAt  time.Time
}

type ReadyForPaymentStage struct {
	Engagement
	Delivery Delivery
}

type PaidStage struct {
	Engagement
	Delivery   Delivery
	PaidAt     time.Time
	PaymentRef string
}

type CompletedStage struct {
	Engagement
	Delivery    Delivery
	PaidAt      time.Time
	CompletedAt time.Time
}

// CancelledStage keeps whatever commercial context existed when the order was cancelled.
type CancelledStage struct {
	Engagement  *Engagement
	Delivery    *Delivery
	CancelledAt time.Time
	Reason      string
}

func (PendingStage) Status() OrderStatus           { return OrderStatusPending }
func (OfferPendingStage) Status() OrderStatus      { return OrderStatusOfferPending }
func (OfferAcceptedStage) Status() OrderStatus     { return OrderStatusOfferAccepted }
func (InProgressStage) Status() OrderStatus        { return OrderStatusInProgress }
func (RevisionRequestedStage) Status() OrderStatus { return OrderStatusRevisionRequested }
func (ReadyForPaymentStage) Status() OrderStatus   { return OrderStatusReadyForPayment }
func (PaidStage) Status() OrderStatus              { return OrderStatusPaid }
func (CompletedStage) Status() OrderStatus         { return OrderStatusCompleted }
func (CancelledStage) Status() OrderStatus         { return OrderStatusCancelled }

func (PendingStage) isStage()           {}
func (OfferPendingStage) isStage()      {}
func (OfferAcceptedStage) isStage()     {}
func (InProgressStage) isStage()        {}
func (RevisionRequestedStage) isStage() {}
func (ReadyForPaymentStage) isStage()   {}
func (PaidStage) isStage()              {}
func (CompletedStage) isStage()         {}
func (CancelledStage) isStage()         {}

// Order is a customer's request for a custom track.
type Order struct {
	ID                string
	CustomerID        string
	DirectorID        *string
	Title             string
	Description       string
	Genre             string
	Budget            *int64
	IncludedRevisions int
	UsedRevisions     int
	Stage             Stage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Status returns the status carried by the current stage.
func (o Order) Status() OrderStatus {
	if o.Stage == nil {
		return OrderStatusPending
	}
	return o.Stage.Status()
}

// AssignedDirector returns the director id when one is assigned.
func (o Order) AssignedDirector() (string, bool) {
	if o.DirectorID == nil || *o.DirectorID == "" {
		return "", false
	}
	return *o.DirectorID, true
}

// RemainingRevisions reports how many revision requests are still available.
func (o Order) RemainingRevisions() int {
	remaining := o.IncludedRevisions - o.UsedRevisions
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Offer returns the active offer for every stage that has one.
func (o Order) Offer() (Offer, bool) {
	if e, ok := o.Engagement(); ok {
		return e.Offer, true
	}
	if s, ok := o.Stage.(OfferPendingStage); ok {
		return s.Offer, true
	}
	return Offer{}, false
}

// Engagement returns the accepted offer context for post-acceptance stages.
func (o Order) Engagement() (Engagement, bool) {
	switch s := o.Stage.(type) {
	case OfferAcceptedStage:
		return s.Engagement, true
	case InProgressStage:
		return s.Engagement, true
	case RevisionRequestedStage:
		return s.Engagement, true
	case ReadyForPaymentStage:
		return s.Engagement, true
	case PaidStage:
		return s.Engagement, true
	case CompletedStage:
		return s.Engagement, true
	case CancelledStage:
		if s.Engagement != nil {
			return *s.Engagement, true
		}
	}
	return Engagement{}, false
}

// LatestDelivery returns the most recent delivery, including one superseded by a revision request.
func (o Order) LatestDelivery() (Delivery, bool) {
	switch s := o.Stage.(type) {
	case ReadyForPaymentStage:
		return s.Delivery, true
	case PaidStage:
		return s.Delivery, true
	case CompletedStage:
		return s.Delivery, true
	case InProgressStage:
		if s.LastDelivery != nil {
			return *s.LastDelivery, true
		}
	case RevisionRequestedStage:
		if s.LastDelivery != nil {
			return *s.LastDelivery, true
		}
	case CancelledStage:
		if s.Delivery != nil {
			return *s.Delivery, true
		}
	}
	return Delivery{}, false
}

// FinalMusicURL returns the delivered track location when present.
func (o Order) FinalMusicURL() (string, bool) {
	d, ok := o.LatestDelivery()
	if !ok || d.MusicURL == "" {
		return "", false
	}
	return d.MusicURL, true
}

// OrderRecord is the flat persistence shape of an order. Storage adapters encode and decode through
// it so the stage consistency rules are enforced in a single place.
type OrderRecord struct {
	ID                string
	CustomerID        string
	DirectorID        *string
	Title             string
	Description       string
	Genre             string
	Budget            *int64
	Status            OrderStatus
	OfferedPrice      *int64
	ProductionTime    *int
	OfferMessage      *string
	OfferedAt         *time.Time
	IncludedRevisions int
	UsedRevisions     int
	OfferAcceptedAt   *time.Time
	FinalMusicURL     *string
	DeliveryMessage   *string
	DeliveredAt       *time.Time
	RevisionFeedback  *string
	RevisionAt        *time.Time
	PaidAt            *time.Time
	PaymentRef        *string
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ErrInconsistentOrder reports a persisted order whose fields do not match its status.
var ErrInconsistentOrder = errors.New("domain: inconsistent order record")

// Record flattens the order for persistence.
func (o Order) Record() OrderRecord {
	rec := OrderRecord{
		ID:                o.ID,
		CustomerID:        o.CustomerID,
		DirectorID:        o.DirectorID,
		Title:             o.Title,
		Description:       o.Description,
		Genre:             o.Genre,
		Budget:            o.Budget,
		Status:            o.Status(),
		IncludedRevisions: o.IncludedRevisions,
		UsedRevisions:     o.UsedRevisions,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	if offer, ok := o.Offer(); ok {
		rec.OfferedPrice = &offer.Price
		rec.ProductionTime = &offer.ProductionDays
		if offer.Message != "" {
			rec.OfferMessage = &offer.Message
		}
		if !offer.OfferedAt.IsZero() {
			rec.OfferedAt = &offer.OfferedAt
		}
	}
	if e, ok := o.Engagement(); ok {
		rec.OfferAcceptedAt = &e.AcceptedAt
	}
	if d, ok := o.LatestDelivery(); ok {
		rec.FinalMusicURL = &d.MusicURL
		if d.Message != "" {
			rec.DeliveryMessage = &d.Message
		}
		if !d.DeliveredAt.IsZero() {
			rec.DeliveredAt = &d.DeliveredAt
		}
	}
	switch s := o.Stage.(type) {
	case RevisionRequestedStage:
		rec.RevisionFeedback = &s.Feedback
		rec.RevisionAt = &s.RequestedAt
	case PaidStage:
		rec.PaidAt = &s.PaidAt
		if s.PaymentRef != "" {
			rec.PaymentRef = &s.PaymentRef
		}
	case CompletedStage:
		rec.PaidAt = &s.PaidAt
		rec.CompletedAt = &s.CompletedAt
	case CancelledStage:
		rec.CancelledAt = &s.CancelledAt
		if s.Reason != "" {
			rec.CancelReason = &s.Reason
		}
	}
	return rec
}

// OrderFromRecord rebuilds the stage variant from the flat record.
func OrderFromRecord(rec OrderRecord) (Order, error) {
	order := Order{
		ID:                rec.ID,
		CustomerID:        rec.CustomerID,
		DirectorID:        rec.DirectorID,
		Title:             rec.Title,
		Description:       rec.Description,
		Genre:             rec.Genre,
		Budget:            rec.Budget,
		IncludedRevisions: rec.IncludedRevisions,
		UsedRevisions:     rec.UsedRevisions,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if order.UsedRevisions > order.IncludedRevisions {
		return Order{}, fmt.Errorf("%w: order %s used %d of %d revisions", ErrInconsistentOrder, rec.ID, rec.UsedRevisions, rec.IncludedRevisions)
	}

	offer, hasOffer := offerFromRecord(rec)
	engagement, hasEngagement := Engagement{}, false
	if hasOffer && rec.OfferAcceptedAt != nil {
		engagement, hasEngagement = Engagement{Offer: offer, AcceptedAt: *rec.OfferAcceptedAt}, true
	}
	delivery, hasDelivery := deliveryFromRecord(rec)

	missing := func(field string) (Order, error) {
		return Order{}, fmt.Errorf("%w: order %s in %s lacks %s", ErrInconsistentOrder, rec.ID, rec.Status, field)
	}

	switch rec.Status {
	case OrderStatusPending, "":
		order.Stage = PendingStage{}
	case OrderStatusOfferPending:
		if !hasOffer {
			return missing("offer")
		}
		order.Stage = OfferPendingStage{Offer: offer}
	case OrderStatusOfferAccepted:
		if !hasEngagement {
			return missing("accepted offer")
		}
		order.Stage = OfferAcceptedStage{Engagement: engagement}
	case OrderStatusInProgress:
		if !hasEngagement {
			return missing("accepted offer")
		}
		order.Stage = InProgressStage{Engagement: engagement, LastDelivery: optionalDelivery(delivery, hasDelivery)}
	case OrderStatusRevisionRequested:
		if !hasEngagement {
			return missing("accepted offer")
		}
		stage := RevisionRequestedStage{Engagement: engagement, LastDelivery: optionalDelivery(delivery, hasDelivery)}
		if rec.RevisionFeedback != nil {
			stage.Feedback = *rec.RevisionFeedback
		}
		if rec.RevisionAt != nil {
			stage.RequestedAt = *rec.RevisionAt
		}
		order.Stage = stage
	case OrderStatusReadyForPayment:
		if !hasEngagement {
			return missing("accepted offer")
		}
		if !hasDelivery {
			return missing("delivery")
		}
		order.Stage = ReadyForPaymentStage{Engagement: engagement, Delivery: delivery}
	case OrderStatusPaid:
		if !hasEngagement || !hasDelivery || rec.PaidAt == nil {
			return missing("payment context")
		}
		stage := PaidStage{Engagement: engagement, Delivery: delivery, PaidAt: *rec.PaidAt}
		if rec.PaymentRef != nil {
			stage.PaymentRef = *rec.PaymentRef
		}
		order.Stage = stage
	case OrderStatusCompleted:
		if !hasEngagement || !hasDelivery || rec.PaidAt == nil || rec.CompletedAt == nil {
			return missing("completion context")
		}
		order.Stage = CompletedStage{Engagement: engagement, Delivery: delivery, PaidAt: *rec.PaidAt, CompletedAt: *rec.CompletedAt}
	case OrderStatusCancelled:
		stage := CancelledStage{Delivery: optionalDelivery(delivery, hasDelivery)}
		if hasEngagement {
			e := engagement
			stage.Engagement = &e
		}
		if rec.CancelledAt != nil {
			stage.CancelledAt = *rec.CancelledAt
		}
		if rec.CancelReason != nil {
			stage.Reason = *rec.CancelReason
		}
		order.Stage = stage
	default:
		return Order{}, fmt.Errorf("%w: order %s has unknown status %q", ErrInconsistentOrder, rec.ID, rec.Status)
	}
	return order, nil
}

func offerFromRecord(rec OrderRecord) (Offer, bool) {
	if rec.OfferedPrice == nil || rec.ProductionTime == nil {
		return Offer{}, false
	}
	offer := Offer{Price: *rec.OfferedPrice, ProductionDays: *rec.ProductionTime}
	if rec.OfferMessage != nil {
		offer.Message = *rec.OfferMessage
	}
	if rec.OfferedAt != nil {
		offer.OfferedAt = *rec.OfferedAt
	}
	return offer, true
}

func deliveryFromRecord(rec OrderRecord) (Delivery, bool) {
	if rec.FinalMusicURL == nil || *rec.FinalMusicURL == "" {
		return Delivery{}, false
	}
	d := Delivery{MusicURL: *rec.FinalMusicURL}
	if rec.DeliveryMessage != nil {
		d.Message = *rec.DeliveryMessage
	}
	if rec.DeliveredAt != nil {
		d.DeliveredAt = *rec.DeliveredAt
	}
	return d, true
}

func optionalDelivery(d Delivery, ok bool) *Delivery {
	if !ok {
		return nil
	}
	return &d
}
