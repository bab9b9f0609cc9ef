package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cuecraft/api/internal/services"
)

const ledgerFingerprint = "payment-event"

// Ledger records processed payment events on a Store so processor redeliveries are acknowledged
// without being applied twice.
type Ledger struct {
	store Store
	ttl   time.Duration
	clock func() time.Time
}

var _ services.EventLedger = (*Ledger)(nil)

// NewLedger wraps the store. ttl bounds how long an event id is remembered.
func NewLedger(store Store, ttl time.Duration, clock func() time.Time) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("idempotency ledger: store is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{store: store, ttl: normaliseTTL(ttl), clock: clock}, nil
}

func ledgerKey(eventID string) string {
	return "event|" + strings.TrimSpace(eventID)
}

// Begin reserves the event. It reports false when the event was processed before or another
// delivery of it is in flight.
func (l *Ledger) Begin(ctx context.Context, eventID string) (bool, error) {
	reservation, err := l.store.Reserve(ctx, ledgerKey(eventID), ledgerFingerprint, l.clock().UTC(), l.ttl)
	if err != nil {
		return false, err
	}
	return reservation.State == ReservationStateNew, nil
}

// Commit marks the event as processed.
func (l *Ledger) Commit(ctx context.Context, eventID string) error {
	return l.store.SaveResponse(ctx, ledgerKey(eventID), ledgerFingerprint, Response{Status: http.StatusOK}, l.clock().UTC(), l.ttl)
}

// Abort forgets the reservation so a redelivery is processed again.
func (l *Ledger) Abort(ctx context.Context, eventID string) error {
	return l.store.Release(ctx, ledgerKey(eventID), ledgerFingerprint)
}
