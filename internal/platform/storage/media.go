package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuecraft/api/internal/services"
)

const publicStorageHost = "storage.googleapis.com"

// ErrForeignObject reports a URL that does not address a Cloud Storage object.
var ErrForeignObject = errors.New("storage: url does not address a storage object")

// MediaConfig names the buckets and limits used for chat attachments and deliveries.
type MediaConfig struct {
	AttachmentsBucket string
	DeliveriesBucket  string
	TTL               time.Duration
	MaxUploadBytes    int64
	NewID             func() string

	// DeliveryContentTypes restricts delivery uploads. Empty allows any type.
	DeliveryContentTypes []string
}

// MediaSigner signs upload URLs for chat attachments and finished tracks, and read URLs for
// delivered tracks.
type MediaSigner struct {
	client      *Client
	attachments string
	deliveries  string
	ttl         time.Duration
	maxUpload   int64
	deliveryCTs []string
	newID       func() string
}

var (
	_ services.AttachmentSigner = (*MediaSigner)(nil)
	_ services.DeliverySigner   = (*MediaSigner)(nil)
	_ services.DownloadSigner   = (*MediaSigner)(nil)
)

// NewMediaSigner validates the configuration and wraps the signed URL client.
func NewMediaSigner(client *Client, cfg MediaConfig) (*MediaSigner, error) {
	if client == nil {
		return nil, errNoSigner
	}
	attachments := strings.TrimSpace(cfg.AttachmentsBucket)
	deliveries := strings.TrimSpace(cfg.DeliveriesBucket)
	if attachments == "" || deliveries == "" {
		return nil, errors.New("storage: attachments and deliveries buckets are required")
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &MediaSigner{
		client:      client,
		attachments: attachments,
		deliveries:  deliveries,
		ttl:         cfg.TTL,
		maxUpload:   cfg.MaxUploadBytes,
		deliveryCTs: cfg.DeliveryContentTypes,
		newID:       newID,
	}, nil
}

// SignAttachmentUpload returns a PUT URL for a new object under the chat's attachment prefix.
func (m *MediaSigner) SignAttachmentUpload(ctx context.Context, chatID, fileName, contentType string) (services.SignedURL, error) {
	key, err := attachmentKey(chatID, m.newID(), fileName)
	if err != nil {
		return services.SignedURL{}, err
	}
	return m.signUpload(ctx, m.attachments, key, contentType, nil)
}

// SignDeliveryUpload returns a PUT URL for the finished track of an order.
func (m *MediaSigner) SignDeliveryUpload(ctx context.Context, orderID, fileName, contentType string) (services.SignedURL, error) {
	key, err := deliveryKey(orderID, m.newID(), fileName)
	if err != nil {
		return services.SignedURL{}, err
	}
	return m.signUpload(ctx, m.deliveries, key, contentType, m.deliveryCTs)
}

// SignDownload returns a GET URL for a delivered track. Both gs:// and
// https://storage.googleapis.com/ forms are signed. Other https locations are hosted elsewhere and
// are returned unchanged.
func (m *MediaSigner) SignDownload(ctx context.Context, musicURL string) (services.SignedURL, error) {
	bucket, key, err := ParseObjectURL(musicURL)
	if errors.Is(err, ErrForeignObject) && strings.HasPrefix(strings.TrimSpace(musicURL), "https://") {
		return services.SignedURL{URL: strings.TrimSpace(musicURL), Method: http.MethodGet}, nil
	}
	if err != nil {
		return services.SignedURL{}, err
	}
	res, err := m.client.SignDownload(ctx, bucket, key, DownloadOptions{
		ExpiresIn:   m.ttl,
		Disposition: fmt.Sprintf("attachment; filename=%q", path.Base(key)),
	})
	if err != nil {
		return services.SignedURL{}, err
	}
	return toSignedURL(res, key), nil
}

func (m *MediaSigner) signUpload(ctx context.Context, bucket, key, contentType string, allowed []string) (services.SignedURL, error) {
	res, err := m.client.SignUpload(ctx, bucket, key, UploadOptions{
		ContentType:         contentType,
		AllowedContentTypes: allowed,
		MaxSize:             m.maxUpload,
		ExpiresIn:           m.ttl,
	})
	if err != nil {
		return services.SignedURL{}, err
	}
	signed := toSignedURL(res, key)
	signed.ObjectURL = ObjectURL(bucket, key)
	return signed, nil
}

// ObjectURL renders the canonical https location of an object. Clients reference uploads by it.
func ObjectURL(bucket, key string) string {
	return (&url.URL{Scheme: "https", Host: publicStorageHost, Path: "/" + bucket + "/" + key}).String()
}

// ParseObjectURL splits a gs:// or storage.googleapis.com URL into bucket and object key.
func ParseObjectURL(raw string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("storage: parse object url: %w", err)
	}
	var bucket, key string
	switch {
	case parsed.Scheme == "gs":
		bucket, key = parsed.Host, strings.TrimPrefix(parsed.Path, "/")
	case parsed.Scheme == "https" && parsed.Host == publicStorageHost:
		bucket, key, _ = strings.Cut(strings.TrimPrefix(parsed.Path, "/"), "/")
	default:
		return "", "", fmt.Errorf("%w: %s", ErrForeignObject, parsed.Redacted())
	}
	if bucket == "" || key == "" {
		return "", "", errInvalidObject
	}
	return bucket, key, nil
}

func toSignedURL(res SignedURLResult, key string) services.SignedURL {
	return services.SignedURL{
		URL:       res.URL,
		Method:    res.Method,
		ObjectKey: key,
		ExpiresAt: res.ExpiresAt,
		Headers:   res.Headers,
	}
}
