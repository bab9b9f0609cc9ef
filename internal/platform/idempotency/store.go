package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL applies when a caller passes a non-positive TTL.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle of one key: pending while the first request runs, completed once its
// response is stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState tells the caller what to do after Reserve.
type ReservationState int

const (
	// ReservationStateNew: the caller owns the key and runs the request.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: replay Record.
	ReservationStateCompleted
	// ReservationStatePending: another request holds the key.
	ReservationStatePending
)

// Reservation is the outcome of Reserve along with the record it was decided on.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored state of one key. The tags are the Firestore document layout.
type Record struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          Status              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders"`
	ResponseBody    []byte              `firestore:"responseBody"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is what gets replayed.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and their responses. It backs the HTTP middleware and the payment
// event Ledger.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// keyTxn is an atomic read-modify-write on the record of a single key. Backends provide it and
// the transitions below are shared.
type keyTxn interface {
	load() (Record, bool, error)
	put(Record) error
	drop() error
}

func reserve(t keyTxn, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	record, ok, err := t.load()
	if err != nil {
		return Reservation{}, err
	}
	if ok && !record.expired(now) {
		if record.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if record.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: record}, nil
		}
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
	record = Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(normaliseTTL(ttl)),
	}
	return Reservation{State: ReservationStateNew, Record: record}, t.put(record)
}

func saveResponse(t keyTxn, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	record, ok, err := t.load()
	if err != nil {
		return err
	}
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	} else if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = replayableHeaders(resp.Headers)
	record.ResponseBody = nil
	if len(resp.Body) > 0 {
		record.ResponseBody = append([]byte(nil), resp.Body...)
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(normaliseTTL(ttl))
	return t.put(record)
}

// release drops the key only for the request that holds it.
func release(t keyTxn, fingerprint string) error {
	record, ok, err := t.load()
	if err != nil || !ok || record.Fingerprint != fingerprint {
		return err
	}
	return t.drop()
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// documentID hashes the key so arbitrary client input is a valid document name.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hopByHop headers describe one connection and must not be replayed on another.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func replayableHeaders(header http.Header) map[string][]string {
	var out map[string][]string
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if hopByHop[name] {
			continue
		}
		if out == nil {
			out = make(map[string][]string, len(header))
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
