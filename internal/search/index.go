// Package search mirrors searchable records into an external full-text index
// and turns ranked index hits back into records from the primary store.
package search

import (
	"context"
	"errors"
)

// MatchAll is the query expression that matches every document of a collection.
const MatchAll = "*"

var (
	// ErrInvalidCollection indicates an empty collection name.
	ErrInvalidCollection = errors.New("search: invalid collection")
	// ErrInvalidDocument indicates a document without a positive identifier.
	ErrInvalidDocument = errors.New("search: invalid document")
	// ErrIndexUnavailable indicates that the index backend could not be reached.
	ErrIndexUnavailable = errors.New("search: index unavailable")
	// ErrIndexRejected indicates that the index backend refused a write.
	ErrIndexRejected = errors.New("search: index rejected document")
)

// Searchable is implemented by models whose lifecycle is mirrored into the index.
type Searchable interface {
	SearchCollection() string
	SearchID() int64
	SearchFields() map[string]string
}

// Document is the index representation of a searchable record.
type Document struct {
	ID     int64
	Fields map[string]string
}

// QueryResult lists the ids of a result page in rank order and the total hit count.
type QueryResult struct {
	IDs   []int64
	Total int
}

// Index is the narrow contract of the external document index.
type Index interface {
	Add(ctx context.Context, collection string, doc Document) error
	Remove(ctx context.Context, collection string, id int64) error
	Query(ctx context.Context, collection, expression string, page, pageSize int) (QueryResult, error)
}

// DocumentFor builds the index document of a searchable record.
func DocumentFor(record Searchable) Document {
	return Document{ID: record.SearchID(), Fields: record.SearchFields()}
}

// pageBounds converts a 1-based page into slice bounds over total hits.
func pageBounds(page, pageSize, total int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return 0, 0
	}
	start := (page - 1) * pageSize
	if start >= total {
		return total, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}
