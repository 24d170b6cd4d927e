package search

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPageSize applies when a request leaves the page size unset.
const DefaultPageSize = 25

// MaterializeRequest describes one page of a ranked search.
type MaterializeRequest struct {
	Collection string
	Expression string
	Page       int
	PageSize   int
}

// Page holds records in index rank order. Total is the index hit count and
// may exceed the records actually present in the store.
type Page[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
}

// Materialize queries the index and loads the ranked ids from the store,
// preserving rank order. Ids missing from the store are dropped.
func Materialize[T Searchable](ctx context.Context, db *gorm.DB, index Index, req MaterializeRequest, scopes ...func(*gorm.DB) *gorm.DB) (Page[T], error) {
	if index == nil {
		return Page[T]{}, errMissingIndex
	}
	if strings.TrimSpace(req.Collection) == "" {
		return Page[T]{}, ErrInvalidCollection
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = DefaultPageSize
	}
	page := Page[T]{Items: []T{}, Page: req.Page, PageSize: req.PageSize}

	started := time.Now()
	defer func() {
		queryDuration.WithLabelValues(req.Collection).Observe(time.Since(started).Seconds())
	}()

	result, err := index.Query(ctx, req.Collection, req.Expression, req.Page, req.PageSize)
	if err != nil {
		return page, err
	}
	page.Total = result.Total
	ids := result.IDs
	if len(ids) == 0 {
		return page, nil
	}
	if len(ids) > req.PageSize {
		ids = ids[:req.PageSize]
	}

	var items []T
	err = db.WithContext(ctx).
		Scopes(scopes...).
		Where("id IN ?", ids).
		Order(rankOrder(ids)).
		Find(&items).Error
	if err != nil {
		return page, err
	}
	page.Items = items
	return page, nil
}

func rankOrder(ids []int64) clause.OrderBy {
	var sql strings.Builder
	vars := make([]any, 0, len(ids)*2)
	sql.WriteString("CASE id")
	for position, id := range ids {
		sql.WriteString(" WHEN ? THEN ?")
		vars = append(vars, id, position)
	}
	sql.WriteString(" END")
	return clause.OrderBy{Expression: clause.Expr{SQL: sql.String(), Vars: vars, WithoutParentheses: true}}
}
