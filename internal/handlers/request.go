package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuecraft/api/internal/platform/httpx"
)

const defaultBodyLimit = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
	errInvalidJSON  = errors.New("invalid JSON payload")
)

// readLimitedBody reads at most limit bytes (16 KiB when limit is not positive). A body that is
// only whitespace counts as empty.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	switch {
	case err != nil:
		return nil, err
	case int64(len(data)) > limit:
		return nil, errBodyTooLarge
	case len(bytes.TrimSpace(data)) == 0:
		return nil, errEmptyBody
	}
	return data, nil
}

// decodeJSONBody decodes the body into dst. On failure it writes the 4xx answer and returns false.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	return decodeBody(w, r, limit, dst, false)
}

// decodeOptionalJSONBody is decodeJSONBody for endpoints whose payload may be omitted.
func decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	return decodeBody(w, r, limit, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any, optional bool) bool {
	body, err := readLimitedBody(r, limit)
	if err == nil && json.Unmarshal(body, dst) != nil {
		err = errInvalidJSON
	}
	var apiErr httpx.Error
	switch {
	case err == nil, optional && errors.Is(err, errEmptyBody):
		return true
	case errors.Is(err, errBodyTooLarge):
		apiErr = httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, errEmptyBody), errors.Is(err, errInvalidJSON):
		apiErr = httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	default:
		apiErr = httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest)
	}
	httpx.WriteError(r.Context(), w, apiErr)
	return false
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
