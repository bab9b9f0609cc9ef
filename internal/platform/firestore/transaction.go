package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. It receives a context carrying tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption tunes RunTransaction.
type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts caps how often Firestore retries fn on contention.
func WithTxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries.
func WithTxTimeout(d time.Duration) TxOption {
	return func(s *txSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

type txKey struct{}

// WithTx stores tx on ctx; Collection reads and writes go through it when present.
func WithTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction stored by WithTx.
func TxFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	tx, _ := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, tx != nil
}

// RunTransaction runs fn in a transaction on client. Firestore has no nested transactions, so a
// ctx that already carries one runs fn inside it.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return errors.New("firestore: nil transaction func")
	}
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	if client == nil {
		return errors.New("firestore: nil client")
	}

	s := txSettings{attempts: 5, timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(&s)
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > s.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	txOpts := []firestore.TransactionOption{firestore.MaxAttempts(s.attempts)}

	// Domain errors from fn (state conflicts, forbidden) pass through untouched; only failures
	// raised by Firestore itself are classified.
	var bodyErr error
	err := client.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		bodyErr = fn(WithTx(txCtx, tx), tx)
		return bodyErr
	}, txOpts...)
	if err == nil {
		return nil
	}
	if bodyErr != nil && errors.Is(err, bodyErr) {
		return bodyErr
	}
	return WrapError("transaction", err)
}
