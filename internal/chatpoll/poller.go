// Package chatpoll follows a chat over the REST API by repeatedly asking for the messages after the
// last one seen. It is the client side of GET /api/v1/chats/{chatID}/messages?after=.
package chatpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

const (
	defaultInterval = 3 * time.Second
	defaultTimeout  = 10 * time.Second
	maxErrorBody    = 4 << 10
)

// Message mirrors the chat message payload served by the API.
type Message struct {
	ID              string  `json:"id"`
	ChatID          string  `json:"chatId"`
	SenderID        string  `json:"senderId"`
	Content         string  `json:"content"`
	FileURL         *string `json:"fileUrl,omitempty"`
	FileType        *string `json:"fileType,omitempty"`
	IsSystemMessage bool    `json:"isSystemMessage"`
	CreatedAt       string  `json:"createdAt"`
}

// TokenSource returns the Firebase ID token sent as the bearer credential.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// APIError is a non-2xx answer decoded from the error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatpoll: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("chatpoll: %d %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether polling again may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Poller fetches new messages of one chat every interval.
type Poller struct {
	base     *url.URL
	chatID   string
	tokens   TokenSource
	client   *http.Client
	interval time.Duration
	backoff  gax.Backoff
	logger   *zap.Logger
	cursor   string
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises a Poller.
type Option func(*Poller)

// WithHTTPClient replaces the default client, which times out after ten seconds.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Poller) {
		if client != nil {
			p.client = client
		}
	}
}

// WithInterval sets the pause between successful polls.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBackoff sets the retry schedule used after temporary failures.
func WithBackoff(b gax.Backoff) Option {
	return func(p *Poller) {
		p.backoff = b
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCursor starts after the given message id instead of from the beginning of the chat.
func WithCursor(messageID string) Option {
	return func(p *Poller) {
		p.cursor = strings.TrimSpace(messageID)
	}
}

// New validates the target and builds a poller. baseURL is the API origin, for example
// https://api.example.com.
func New(baseURL, chatID string, tokens TokenSource, opts ...Option) (*Poller, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("chatpoll: invalid base url %q", baseURL)
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("chatpoll: chat id is required")
	}
	if tokens == nil {
		return nil, errors.New("chatpoll: token source is required")
	}
	p := &Poller{
		base:     base,
		chatID:   chatID,
		tokens:   tokens,
		client:   &http.Client{Timeout: defaultTimeout},
		interval: defaultInterval,
		backoff:  gax.Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2},
		logger:   zap.NewNop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Cursor is the id of the last message handed to the callback.
func (p *Poller) Cursor() string { return p.cursor }

// Poll fetches the messages after the cursor once and advances the cursor past them.
func (p *Poller) Poll(ctx context.Context) ([]Message, error) {
	endpoint := p.base.JoinPath("api", "v1", "chats", p.chatID, "messages")
	if p.cursor != "" {
		endpoint.RawQuery = url.Values{"after": {p.cursor}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	token, err := p.tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatpoll: token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var page struct {
		Items []Message `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("chatpoll: decode messages: %w", err)
	}
	if n := len(page.Items); n > 0 {
		p.cursor = page.Items[n-1].ID
	}
	return page.Items, nil
}

// Run polls until ctx ends or handle fails, passing each new message to handle in order.
// Temporary failures are retried with backoff; authorization and membership errors stop the loop.
func (p *Poller) Run(ctx context.Context, handle func(Message) error) error {
	backoff := p.backoff
	for {
		messages, err := p.Poll(ctx)
		switch {
		case err == nil:
			backoff = p.backoff
			for _, msg := range messages {
				if err := handle(msg); err != nil {
					return err
				}
			}
			if err := p.sleep(ctx, p.interval); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case retryable(err):
			wait := backoff.Pause()
			p.logger.Warn("chat poll failed, retrying", zap.String("chat_id", p.chatID), zap.Duration("wait", wait), zap.Error(err))
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// Transport failures and truncated bodies.
	return true
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		apiErr.Code = envelope.Error
		apiErr.Message = envelope.Message
	}
	return apiErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
