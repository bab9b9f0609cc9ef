package pagination

import (
	"context"
	"errors"
	"net/http"

	"github.com/cuecraft/api/internal/platform/httpx"
)

type paramsKey struct{}

// WithParams attaches a parsed window to ctx.
func WithParams(ctx context.Context, params Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// FromContext returns the window attached by WithParams.
func FromContext(ctx context.Context) (Params, bool) {
	params, ok := ctx.Value(paramsKey{}).(Params)
	return params, ok
}

// FromContextOrDefault is FromContext for handlers mounted without Middleware: the first
// DefaultLimit items.
func FromContextOrDefault(ctx context.Context) Params {
	if params, ok := FromContext(ctx); ok && params.Limit > 0 {
		return params
	}
	return Params{Limit: DefaultLimit}
}

// Middleware parses offset and limit once per list route. Malformed values get a 400 naming the
// offending parameter.
func Middleware(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params, err := FromRequest(r, opts)
			if err != nil {
				param := "offset"
				if errors.Is(err, ErrInvalidLimit) {
					param = "limit"
				}
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_pagination", err.Error(), http.StatusBadRequest).
					WithDetails(map[string]any{"parameter": param}))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParams(r.Context(), params)))
		})
	}
}
