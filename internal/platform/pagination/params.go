package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	domain "github.com/cuecraft/api/internal/domain"
)

const (
	// DefaultLimit defines the fallback number of items returned when the client omits limit.
	DefaultLimit = 20
	// DefaultMaxLimit caps the supported limit to prevent unbounded queries.
	DefaultMaxLimit = 100
	// MaxOffset bounds how deep a client may page with offsets.
	MaxOffset = 10_000
)

// Params bundles the offset window extracted from a request.
type Params struct {
	Offset int
	Limit  int
}

// Pagination converts the window into the domain paging input.
func (p Params) Pagination() domain.Pagination {
	return domain.Pagination{Offset: p.Offset, Limit: p.Limit}
}

// Options control how Parse behaves for a given handler.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

var (
	ErrInvalidLimit  = errors.New("pagination: invalid limit")
	ErrInvalidOffset = errors.New("pagination: invalid offset")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes offset and limit from the query values. Limits above the maximum are clamped
// rather than rejected.
func Parse(values url.Values, opts Options) (Params, error) {
	limit, err := parseLimit(values.Get("limit"), opts)
	if err != nil {
		return Params{}, err
	}
	offset, err := parseOffset(values.Get("offset"))
	if err != nil {
		return Params{}, err
	}
	return Params{Offset: offset, Limit: limit}, nil
}

func parseLimit(raw string, opts Options) (int, error) {
	maxLimit := opts.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	defaultLimit := opts.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLimit, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidLimit)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidLimit)
	}
	if value > maxLimit {
		value = maxLimit
	}
	return value, nil
}

func parseOffset(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidOffset)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidOffset)
	}
	if value > MaxOffset {
		return 0, fmt.Errorf("%w: must not exceed %d", ErrInvalidOffset, MaxOffset)
	}
	return value, nil
}
