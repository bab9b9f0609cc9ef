package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/requestctx"
)

const replayHeader = "X-Idempotent-Replay"

// guard holds the middleware settings. Options mutate it before the first request.
type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	methods  map[string]bool
	required bool
	now      func() time.Time
	logger   *zap.Logger
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*guard)

// WithHeader reads the key from name instead of Idempotency-Key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods replaces the guarded methods. The default is POST, PUT, PATCH and DELETE.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := make(map[string]bool, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = true
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

// WithRequiredKey rejects guarded requests without a key instead of passing them through.
func WithRequiredKey() MiddlewareOption {
	return func(g *guard) { g.required = true }
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) { g.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// Middleware replays the stored response when a mutating request is retried with the same key.
// Keys are scoped to the authenticated caller. 5xx responses are not stored so the client can
// retry them. A nil store disables the middleware.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:   store,
		header:  "Idempotency-Key",
		ttl:     DefaultTTL,
		methods: map[string]bool{http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true},
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	switch {
	case !g.methods[r.Method]:
		next.ServeHTTP(w, r)
		return
	case key == "" && g.required:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing "+g.header+" header", http.StatusBadRequest))
		return
	case key == "":
		next.ServeHTTP(w, r)
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
		return
	}
	caller := requester(ctx)
	fingerprint := requestFingerprint(r, body, caller)
	scoped := "http|" + caller + "|" + key
	log := g.log(ctx).With(zap.String("idempotency_key", key))

	reservation, err := g.store.Reserve(ctx, scoped, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	case err != nil:
		log.Error("reserve idempotency key", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusServiceUnavailable))
		return
	case reservation.State == ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case reservation.State == ReservationStatePending:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
		return
	}

	rec := &bufferedResponse{header: make(http.Header)}
	next.ServeHTTP(rec, r)
	g.settle(ctx, log, scoped, fingerprint, rec)
	if err := rec.copyTo(w); err != nil {
		log.Warn("write idempotent response", zap.Error(err))
	}
}

// settle stores a non-5xx outcome for replay and frees the key otherwise.
func (g *guard) settle(ctx context.Context, log *zap.Logger, scoped, fingerprint string, rec *bufferedResponse) {
	status := rec.statusCode()
	if status < http.StatusInternalServerError {
		resp := Response{Status: status, Headers: rec.header, Body: rec.body.Bytes()}
		err := g.store.SaveResponse(ctx, scoped, fingerprint, resp, g.now().UTC(), g.ttl)
		if err == nil {
			return
		}
		log.Error("store idempotent response", zap.Error(err))
	}
	if err := g.store.Release(ctx, scoped, fingerprint); err != nil {
		log.Warn("release idempotency key", zap.Int("status", status), zap.Error(err))
	}
}

func (g *guard) log(ctx context.Context) *zap.Logger {
	if requestctx.HasLogger(ctx) {
		return requestctx.Logger(ctx).Named("idempotency")
	}
	return g.logger
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint identifies what was asked so a reused key with a different request is refused.
func requestFingerprint(r *http.Request, body []byte, caller string) string {
	bodyHash := ""
	if len(body) > 0 {
		bodyHash = sha256Hex(body)
	}
	return sha256Hex([]byte(strings.Join([]string{
		r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), caller, bodyHash,
	}, "|")))
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return svc.Subject
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// bufferedResponse holds the handler's response until its outcome has been stored.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(data)
}

func (b *bufferedResponse) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) copyTo(w http.ResponseWriter) error {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, err := b.body.WriteTo(w)
	return err
}
