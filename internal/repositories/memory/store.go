// Package memory provides an in-process implementation of the repository registry. Transactions
// serialise on a single mutex and roll back by restoring a snapshot, which gives tests and local
// runs the same all-or-nothing semantics as the Firestore implementation.
package memory

import (
	"context"
	"sync"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

type state struct {
	users         map[string]domain.User
	customers     map[string]domain.CustomerProfile
	directors     map[string]domain.DirectorProfile
	orders        map[string]domain.Order
	history       []domain.OrderHistory
	chats         map[string]domain.Chat
	messages      map[string][]domain.ChatMessage
	notifications map[string]domain.Notification
	cart          []domain.CartItem
	downloads     map[string]domain.Download
	music         map[string]domain.Music
	verifications map[string]domain.DirectorVerification
	approvals     map[string]domain.MusicApproval
}

func newState() state {
	return state{
		users:         map[string]domain.User{},
		customers:     map[string]domain.CustomerProfile{},
		directors:     map[string]domain.DirectorProfile{},
		orders:        map[string]domain.Order{},
		chats:         map[string]domain.Chat{},
		messages:      map[string][]domain.ChatMessage{},
		notifications: map[string]domain.Notification{},
		downloads:     map[string]domain.Download{},
		music:         map[string]domain.Music{},
		verifications: map[string]domain.DirectorVerification{},
		approvals:     map[string]domain.MusicApproval{},
	}
}

// clone copies every collection header. Stored values are replaced rather than mutated in place so
// a shallow copy of each map is enough to restore the previous state.
func (s state) clone() state {
	out := state{
		users:         cloneMap(s.users),
		customers:     cloneMap(s.customers),
		directors:     cloneMap(s.directors),
		orders:        cloneMap(s.orders),
		history:       append([]domain.OrderHistory(nil), s.history...),
		chats:         cloneMap(s.chats),
		messages:      make(map[string][]domain.ChatMessage, len(s.messages)),
		notifications: cloneMap(s.notifications),
		cart:          append([]domain.CartItem(nil), s.cart...),
		downloads:     cloneMap(s.downloads),
		music:         cloneMap(s.music),
		verifications: cloneMap(s.verifications),
		approvals:     cloneMap(s.approvals),
	}
	for id, msgs := range s.messages {
		out.messages[id] = append([]domain.ChatMessage(nil), msgs...)
	}
	return out
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	out := make(map[K]V, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Store is a repositories.Registry held entirely in memory.
type Store struct {
	mu    sync.Mutex
	state state
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

type txKey struct{}

// RunInTx executes fn while holding the store lock. Any error restores the state captured before
// fn started. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store mutex unless the caller already runs inside this store's transaction.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Users() repositories.UserRepository                 { return userRepo{s} }
func (s *Store) Customers() repositories.CustomerRepository         { return customerRepo{s} }
func (s *Store) Directors() repositories.DirectorRepository         { return directorRepo{s} }
func (s *Store) Orders() repositories.OrderRepository               { return orderRepo{s} }
func (s *Store) OrderHistory() repositories.OrderHistoryRepository  { return historyRepo{s} }
func (s *Store) Chats() repositories.ChatRepository                 { return chatRepo{s} }
func (s *Store) Notifications() repositories.NotificationRepository { return notificationRepo{s} }
func (s *Store) Carts() repositories.CartRepository                 { return cartRepo{s} }
func (s *Store) Downloads() repositories.DownloadRepository         { return downloadRepo{s} }
func (s *Store) Music() repositories.MusicRepository                { return musicRepo{s} }
func (s *Store) Moderation() repositories.ModerationRepository      { return moderationRepo{s} }

func notFound(op, kind, id string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, "%s %s not found", kind, id)
}

func conflict(op, kind, id string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorConflict, "%s %s already exists", kind, id)
}

func paginate[T any](items []T, pager domain.Pagination) domain.Page[T] {
	pager = repositories.NormalizePagination(pager)
	if pager.Offset >= len(items) {
		return domain.Page[T]{Items: []T{}}
	}
	end := pager.Offset + pager.Limit + 1
	if end > len(items) {
		end = len(items)
	}
	window := append([]T(nil), items[pager.Offset:end]...)
	return repositories.PageFromOverfetch(window, pager)
}
