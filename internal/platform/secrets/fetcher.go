// Package secrets resolves secret:// configuration references against Secret Manager, with a
// local dotenv-style file for development machines without credentials.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	// Rotated secrets (the Stripe signing secret in particular) are picked up after this long.
	defaultCacheTTL = 10 * time.Minute
)

// ErrNotFound reports a reference that neither Secret Manager nor the fallback file knows.
var ErrNotFound = errors.New("secrets: not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references of the form secret://NAME[?version=V&project=P].
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cached

	lookups metric.Int64Counter
}

type cached struct {
	value   string
	expires time.Time
}

type settings struct {
	logger       *zap.Logger
	project      string
	projectMap   map[string]string
	environment  string
	fallbackPath string
	ttl          time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

// Option customises a Fetcher.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDefaultProject sets the project secrets live in when the reference names none.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithEnvironmentProjects maps deployment environments to projects; the entry for environment
// overrides the default project.
func WithEnvironmentProjects(environment string, projects map[string]string) Option {
	return func(s *settings) {
		s.environment = strings.ToLower(strings.TrimSpace(environment))
		s.projectMap = projects
	}
}

// WithFallbackFile overrides the local fallback file path. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMeter overrides the OpenTelemetry meter used for lookup counters.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a client, mostly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithClock injects a clock for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not an error: the fetcher then
// serves the fallback file only, which is what local runs without credentials want.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		ttl:          defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if project := strings.TrimSpace(s.projectMap[s.environment]); project != "" {
		s.project = project
	}
	meter := s.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/cuecraft/api/internal/platform/secrets")
	}
	lookups, err := meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}

	f := &Fetcher{
		client:       s.client,
		logger:       s.logger,
		project:      s.project,
		ttl:          s.ttl,
		now:          s.now,
		fallbackPath: s.fallbackPath,
		cache:        make(map[string]cached),
		lookups:      lookups,
	}
	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secret manager unavailable; serving fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref. Concurrent lookups of the same reference share one
// remote call.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.key()

	f.mu.Lock()
	if entry, ok := f.cache[key]; ok && f.now().Before(entry.expires) {
		f.mu.Unlock()
		f.count(ctx, "cache")
		return entry.value, nil
	}
	f.mu.Unlock()

	value, err, _ := f.group.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, parsed)
		if err != nil {
			f.count(ctx, "error")
			return "", err
		}
		f.count(ctx, source)
		f.mu.Lock()
		f.cache[key] = cached{value: value, expires: f.now().Add(f.ttl)}
		f.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops cached values for ref so the next Resolve refetches it.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, parsed.key())
	f.mu.Unlock()
}

func (f *Fetcher) load(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case status.Code(err) == codes.NotFound:
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
		case !transient(err):
			return "", "", fmt.Errorf("secrets: access %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secret manager unreachable; trying fallback file", zap.String("ref", ref.canonical), zap.Error(err))
	}
	f.fallbackOnce.Do(f.readFallback)
	if value, ok := f.fallback[ref.canonical]; ok {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
}

// readFallback parses "secret://name=value" lines. Missing files are treated as empty.
func (f *Fetcher) readFallback() {
	f.fallback = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("secret fallback file unreadable", zap.String("path", f.fallbackPath), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Keys carry no query string, so the first '=' ends the key; values may contain more.
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !strings.Contains(key, "://") {
			key = "secret://" + key
		}
		parsed, err := parseReference(key)
		if err != nil {
			f.logger.Debug("skipping malformed fallback entry", zap.String("path", f.fallbackPath))
			continue
		}
		f.fallback[parsed.canonical] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	if err := scanner.Err(); err != nil {
		f.logger.Warn("secret fallback file truncated", zap.String("path", f.fallbackPath), zap.Error(err))
	}
}

func (f *Fetcher) count(ctx context.Context, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) key() string {
	return r.project + "|" + r.canonical + "@" + r.version
}

// parseReference accepts secret:// and the legacy sm:// scheme.
func parseReference(ref string) (reference, error) {
	trimmed := strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		trimmed = "secret://" + rest
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: invalid reference %q", ref)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: reference %q has no secret name", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   version,
		project:   strings.TrimSpace(u.Query().Get("project")),
	}, nil
}

func transient(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
