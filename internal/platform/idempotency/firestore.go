package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the idempotencyRecords collection.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts bounds transaction retries on contention. The default is 5.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// FirestoreStore implements Store with one document per key. Every transition runs in a
// transaction so two deliveries of the same key cannot both observe it as new.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

var _ Store = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: "idempotencyRecords", maxAttempts: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type firestoreTxn struct {
	tx  *firestore.Transaction
	ref *firestore.DocumentRef
}

func (t firestoreTxn) load() (Record, bool, error) {
	snap, err := t.tx.Get(t.ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var record Record
	if err := snap.DataTo(&record); err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

func (t firestoreTxn) put(record Record) error { return t.tx.Set(t.ref, record) }

func (t firestoreTxn) drop() error { return t.tx.Delete(t.ref) }

func (s *FirestoreStore) within(ctx context.Context, key string, fn func(keyTxn) error) error {
	ref := s.client.Collection(s.collection).Doc(documentID(key))
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return fn(firestoreTxn{tx: tx, ref: ref})
	}, firestore.MaxAttempts(s.maxAttempts))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var res Reservation
	err := s.within(ctx, key, func(t keyTxn) (err error) {
		res, err = reserve(t, key, fingerprint, now.UTC(), ttl)
		return err
	})
	return res, err
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.within(ctx, key, func(t keyTxn) error {
		return saveResponse(t, key, fingerprint, resp, now.UTC(), ttl)
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key, fingerprint string) error {
	return s.within(ctx, key, func(t keyTxn) error { return release(t, fingerprint) })
}

// CleanupExpired deletes up to limit expired documents in one batch; limit defaults to 100.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}
