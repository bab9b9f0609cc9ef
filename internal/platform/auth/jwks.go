package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrJWKSKeyNotFound means the kid is absent even after a refetch.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport, status and decoding failures.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// keySet is one fetched JWKS document; it is replaced whole on refresh.
type keySet struct {
	keys    map[string]any
	fetched time.Time
	expires time.Time
}

// JWKSCache serves the public keys of Google's token signer. Keys are refetched when the
// Cache-Control max-age lapses or when a token names a kid the cache has not seen. A kid that is
// still unknown after a refetch is not retried until the set is older than the miss window, so
// forged kids cannot drive a fetch per request.
type JWKSCache struct {
	url        string
	client     *http.Client
	logger     *zap.Logger
	now        func() time.Time
	fallback   time.Duration
	timeout    time.Duration
	missWindow time.Duration

	current atomic.Pointer[keySet]
	group   singleflight.Group

	mu     sync.Mutex
	misses map[string]time.Time
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// NewJWKSCache builds a cache for the JWKS document at url. Nothing is fetched until the first
// lookup.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		now:        time.Now,
		fallback:   15 * time.Minute,
		timeout:    5 * time.Second,
		missWindow: time.Minute,
		misses:     map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithJWKSHTTPClient replaces the fetch client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the logger for refresh events.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefreshInterval sets how long a set stays fresh when the response has no max-age.
func WithJWKSRefreshInterval(d time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if d > 0 {
			c.fallback = d
		}
	}
}

// WithJWKSClock injects a custom time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Keyfunc adapts the cache to jwt.Parse. Only RS256 tokens carrying a kid are accepted.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	set := c.current.Load()
	if set == nil || !now.Before(set.expires) {
		var err error
		if set, err = c.refresh(ctx); err != nil {
			return nil, err
		}
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}

	c.mu.Lock()
	missedAt, missed := c.misses[kid]
	c.mu.Unlock()
	if missed && !set.fetched.Before(missedAt) && now.Sub(set.fetched) < c.missWindow {
		return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
	}

	set, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := set.keys[kid]; ok {
		return key, nil
	}
	c.mu.Lock()
	c.misses[kid] = set.fetched
	c.mu.Unlock()
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

// refresh collapses concurrent refetches into one request.
func (c *JWKSCache) refresh(ctx context.Context) (*keySet, error) {
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		set, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.current.Store(set)
		c.mu.Lock()
		for kid, at := range c.misses {
			if set.fetched.Sub(at) >= c.missWindow {
				delete(c.misses, kid)
			}
		}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

func (c *JWKSCache) fetch(ctx context.Context) (*keySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	set := &keySet{keys: make(map[string]any, len(doc.Keys)), fetched: c.now()}
	for _, jwk := range doc.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			set.keys[jwk.KeyID] = jwk.Key
		}
	}
	if len(set.keys) == 0 {
		return nil, fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed)
	}
	ttl := parseMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = c.fallback
	}
	set.expires = set.fetched.Add(ttl)

	c.logger.Debug("jwks refreshed", zap.Int("keys", len(set.keys)), zap.Duration("ttl", ttl))
	return set, nil
}

// parseMaxAge reads the max-age directive of a Cache-Control header; zero when absent or invalid.
func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
