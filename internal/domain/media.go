package domain

import "time"

// SignedURL is a short-lived URL granting direct access to an object in storage.
type SignedURL struct {
	URL       string
	Method    string
	ObjectKey string
	// ObjectURL is the location to reference once an upload completes.
	ObjectURL string
	ExpiresAt time.Time
	Headers   map[string]string
}
