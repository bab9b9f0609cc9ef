package pagination

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Limit != DefaultLimit || params.Offset != 0 {
		t.Fatalf("unexpected defaults %+v", params)
	}
}

func TestParseLimitClamps(t *testing.T) {
	opts := Options{DefaultLimit: 25, MaxLimit: 40}
	values := url.Values{}
	values.Set("limit", "30")
	values.Set("offset", "60")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Limit != 30 || params.Offset != 60 {
		t.Fatalf("unexpected params %+v", params)
	}
	if got := params.Pagination(); got.Offset != 60 || got.Limit != 30 {
		t.Fatalf("unexpected domain pagination %+v", got)
	}

	values.Set("limit", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.Limit != opts.MaxLimit {
		t.Fatalf("expected limit clamped to %d got %d", opts.MaxLimit, params.Limit)
	}
}

func TestParseRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		key, value string
		want       error
	}{
		{"limit", "abc", ErrInvalidLimit},
		{"limit", "0", ErrInvalidLimit},
		{"offset", "-1", ErrInvalidOffset},
		{"offset", "x", ErrInvalidOffset},
		{"offset", "10001", ErrInvalidOffset},
	}
	for _, tc := range cases {
		values := url.Values{}
		values.Set(tc.key, tc.value)
		if _, err := Parse(values, Options{}); !errors.Is(err, tc.want) {
			t.Fatalf("%s=%s: expected %v got %v", tc.key, tc.value, tc.want, err)
		}
	}
}

func TestMiddlewareStoresParams(t *testing.T) {
	var got Params
	handler := Middleware(Options{MaxLimit: 50})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContextOrDefault(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me/notifications?offset=20&limit=10", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
	if got.Offset != 20 || got.Limit != 10 {
		t.Fatalf("unexpected params %+v", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me/notifications?limit=-5", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"parameter":"limit"`) {
		t.Fatalf("expected offending parameter in body, got %s", rec.Body.String())
	}
}

func TestFromContextOrDefault(t *testing.T) {
	if got := FromContextOrDefault(context.Background()); got.Limit != DefaultLimit || got.Offset != 0 {
		t.Fatalf("unexpected default %+v", got)
	}
}
