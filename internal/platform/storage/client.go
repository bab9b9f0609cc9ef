package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 15 * time.Minute
	// V4 signatures are valid for at most seven days.
	maxSignedURLExpiry = 7 * 24 * time.Hour
	lengthRangeHeader  = "x-goog-content-length-range"
)

var (
	errNoSigner           = errors.New("storage: signer is required")
	errInvalidBucket      = errors.New("storage: bucket name is required")
	errInvalidObject      = errors.New("storage: object name is required")
	errContentTypeMissing = errors.New("storage: content type is required for uploads")
	errContentTypeDenied  = errors.New("storage: content type not allowed")
	errExpiryTooLong      = errors.New("storage: expiry exceeds permitted maximum")
)

// Client issues V4 signed URLs. Signing is delegated so the private key can live outside the
// process.
type Client struct {
	signer Signer
	now    func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClock replaces time.Now when computing expiries.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient requires a signer with a service account email.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &Client{signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// UploadOptions describe a PUT URL. AllowedContentTypes accepts exact types, "type/*" and "*";
// empty allows anything. MaxSize becomes a signed content-length-range header.
type UploadOptions struct {
	ContentType         string
	AllowedContentTypes []string
	MaxSize             int64
	ExpiresIn           time.Duration
}

// DownloadOptions describe a GET URL. Disposition overrides the response Content-Disposition.
type DownloadOptions struct {
	ExpiresIn   time.Duration
	Disposition string
}

// SignedURLResult is a signed URL plus the headers the caller must send with it.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

// SignUpload returns a PUT URL for object.
func (c *Client) SignUpload(ctx context.Context, bucket, object string, opts UploadOptions) (SignedURLResult, error) {
	contentType := strings.TrimSpace(opts.ContentType)
	if contentType == "" {
		return SignedURLResult{}, errContentTypeMissing
	}
	if len(opts.AllowedContentTypes) > 0 && !contentTypeAllowed(contentType, opts.AllowedContentTypes) {
		return SignedURLResult{}, fmt.Errorf("%w: %s", errContentTypeDenied, contentType)
	}
	headers := map[string]string{"Content-Type": contentType}
	return c.sign(ctx, bucket, object, http.MethodPut, opts.ExpiresIn, headers, func(o *storage.SignedURLOptions) {
		o.ContentType = contentType
		if opts.MaxSize > 0 {
			sizeRange := "0," + strconv.FormatInt(opts.MaxSize, 10)
			o.Headers = append(o.Headers, lengthRangeHeader+":"+sizeRange)
			headers[lengthRangeHeader] = sizeRange
		}
	})
}

// SignDownload returns a GET URL for object.
func (c *Client) SignDownload(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	return c.sign(ctx, bucket, object, http.MethodGet, opts.ExpiresIn, nil, func(o *storage.SignedURLOptions) {
		if disposition := strings.TrimSpace(opts.Disposition); disposition != "" {
			o.QueryParameters = url.Values{"response-content-disposition": {disposition}}
		}
	})
}

func (c *Client) sign(ctx context.Context, bucket, object, method string, ttl time.Duration, headers map[string]string, configure func(*storage.SignedURLOptions)) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	if object = strings.TrimSpace(object); object == "" {
		return SignedURLResult{}, errInvalidObject
	}
	if ttl <= 0 {
		ttl = defaultSignedURLExpiry
	}
	if ttl > maxSignedURLExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	expiresAt := c.now().Add(ttl)
	opts := storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         storage.SigningSchemeV4,
		Method:         method,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
	configure(&opts)

	signed, err := storage.SignedURL(bucket, object, &opts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign %s %s/%s: %w", method, bucket, object, err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expiresAt, Headers: headers}, nil
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	contentType = strings.ToLower(contentType)
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "*" || pattern == contentType {
			return true
		}
		if family, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(family, "/") && strings.HasPrefix(contentType, family) {
			return true
		}
	}
	return false
}
