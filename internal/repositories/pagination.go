package repositories

import domain "github.com/cuecraft/api/internal/domain"

const (
	// DefaultPageSize applies when a listing does not request a limit.
	DefaultPageSize = 20
	// MaxPageSize caps the number of items returned in a single page.
	MaxPageSize = 100
)

// NormalizePagination clamps offset and limit to the supported range.
func NormalizePagination(p domain.Pagination) domain.Pagination {
	if p.Offset < 0 {
		p.Offset = 0
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageSize
	case p.Limit > MaxPageSize:
		p.Limit = MaxPageSize
	}
	return p
}

// PageFromOverfetch builds a page from a result set fetched with limit+1 items. The extra item only
// signals that another page exists and is not returned.
func PageFromOverfetch[T any](items []T, p domain.Pagination) domain.Page[T] {
	page := domain.Page[T]{Items: items}
	if len(items) > p.Limit {
		page.Items = items[:p.Limit]
		next := p.Offset + p.Limit
		page.NextOffset = &next
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}
