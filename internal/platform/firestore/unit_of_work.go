package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
)

// UnitOfWork runs repository calls inside a single Firestore transaction. Repositories built on
// Collection pick the transaction up from the context passed to fn.
type UnitOfWork struct {
	provider *Provider
	opts     []TxOption
}

// NewUnitOfWork binds a unit of work to the provider's client.
func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{provider: provider, opts: opts}
}

// RunInTx executes fn in a transaction. Firestore retries fn on contention, so fn must be free of
// side effects outside the store.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	}, u.opts...)
}
