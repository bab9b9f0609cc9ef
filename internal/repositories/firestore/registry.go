package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/cuecraft/api/internal/domain"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
	"github.com/cuecraft/api/internal/repositories"
)

// Registry wires every Firestore repository against a shared provider.
type Registry struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork

	users         *UserRepository
	customers     *CustomerRepository
	directors     *DirectorRepository
	orders        *OrderRepository
	history       *OrderHistoryRepository
	chats         *ChatRepository
	notifications *NotificationRepository
	carts         *CartRepository
	downloads     *DownloadRepository
	music         *MusicRepository
	moderation    *ModerationRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the Firestore-backed registry.
func NewRegistry(provider *pfirestore.Provider, txOpts ...pfirestore.TxOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	return &Registry{
		provider:      provider,
		uow:           pfirestore.NewUnitOfWork(provider, txOpts...),
		users:         NewUserRepository(provider),
		customers:     NewCustomerRepository(provider),
		directors:     NewDirectorRepository(provider),
		orders:        NewOrderRepository(provider),
		history:       NewOrderHistoryRepository(provider),
		chats:         NewChatRepository(provider),
		notifications: NewNotificationRepository(provider),
		carts:         NewCartRepository(provider),
		downloads:     NewDownloadRepository(provider),
		music:         NewMusicRepository(provider),
		moderation:    NewModerationRepository(provider),
	}, nil
}

// RunInTx implements repositories.UnitOfWork.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Users() repositories.UserRepository                 { return r.users }
func (r *Registry) Customers() repositories.CustomerRepository         { return r.customers }
func (r *Registry) Directors() repositories.DirectorRepository         { return r.directors }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) OrderHistory() repositories.OrderHistoryRepository  { return r.history }
func (r *Registry) Chats() repositories.ChatRepository                 { return r.chats }
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }
func (r *Registry) Carts() repositories.CartRepository                 { return r.carts }
func (r *Registry) Downloads() repositories.DownloadRepository         { return r.downloads }
func (r *Registry) Music() repositories.MusicRepository                { return r.music }
func (r *Registry) Moderation() repositories.ModerationRepository      { return r.moderation }

func pagedQuery(q firestore.Query, p domain.Pagination) firestore.Query {
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	return q.Limit(p.Limit + 1)
}

func decodeAll[D any, T any](docs []pfirestore.Document[D], convert func(id string, doc D) (T, error)) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		item, err := convert(doc.ID, doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func plain[D any, T any](fn func(id string, doc D) T) func(string, D) (T, error) {
	return func(id string, doc D) (T, error) { return fn(id, doc), nil }
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return append([]string(nil), values...)
}

func cloneAnyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s id is required", kind)
	}
	return nil
}

func asRepositoryError(err error, target *repositories.RepositoryError) bool {
	return errors.As(err, target)
}
