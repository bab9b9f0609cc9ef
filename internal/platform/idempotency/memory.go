package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It backs the memory store driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

type memoryTxn struct {
	records map[string]Record
	id      string
}

func (t memoryTxn) load() (Record, bool, error) {
	record, ok := t.records[t.id]
	return record, ok, nil
}

func (t memoryTxn) put(record Record) error {
	t.records[t.id] = record
	return nil
}

func (t memoryTxn) drop() error {
	delete(t.records, t.id)
	return nil
}

// within runs fn with the store locked, which makes every keyTxn on it atomic.
func (s *MemoryStore) within(key string, fn func(keyTxn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(memoryTxn{records: s.records, id: documentID(key)})
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var res Reservation
	err := s.within(key, func(t keyTxn) (err error) {
		res, err = reserve(t, key, fingerprint, now.UTC(), ttl)
		return err
	})
	return res, err
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.within(key, func(t keyTxn) error {
		return saveResponse(t, key, fingerprint, resp, now.UTC(), ttl)
	})
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	return s.within(key, func(t keyTxn) error { return release(t, fingerprint) })
}

// CleanupExpired removes up to limit expired records; a non-positive limit removes all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if record.expired(now.UTC()) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
