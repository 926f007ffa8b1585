package repository

import (
	sq "github.com/Masterminds/squirrel"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one slice of an id-descending listing. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// ClampLimit applies the default and the upper bound to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// paginate adds the cursor predicate and fetches one extra row to detect a next page.
// ULID ids sort by creation time, so "id < cursor ORDER BY id DESC" walks newest first.
func paginate(q sq.SelectBuilder, cursor string, limit int) sq.SelectBuilder {
	if cursor != "" {
		q = q.Where(sq.Lt{"id": cursor})
	}
	return q.OrderBy("id DESC").Limit(uint64(limit + 1))
}

func buildPage[T any](rows []T, limit int, idOf func(T) string) Page[T] {
	p := Page[T]{Items: rows}
	if len(rows) > limit {
		p.Items = rows[:limit]
		p.HasMore = true
		p.NextCursor = idOf(p.Items[limit-1])
	}
	if p.Items == nil {
		p.Items = []T{}
	}
	return p
}
