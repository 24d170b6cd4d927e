package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryIndex is an in-process Index ranking documents by query term frequency.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[int64]indexedDocument
}

type indexedDocument struct {
	id     int64
	fields map[string]string
	terms  map[string]int
}

// NewMemoryIndex constructs an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]map[int64]indexedDocument)}
}

func (m *MemoryIndex) Add(_ context.Context, collection string, doc Document) error {
	if strings.TrimSpace(collection) == "" {
		return ErrInvalidCollection
	}
	if doc.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidDocument, doc.ID)
	}
	fields := make(map[string]string, len(doc.Fields))
	terms := make(map[string]int)
	for name, value := range doc.Fields {
		fields[name] = value
		for _, term := range tokenize(value) {
			terms[term]++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	documents, ok := m.collections[collection]
	if !ok {
		documents = make(map[int64]indexedDocument)
		m.collections[collection] = documents
	}
	documents[doc.ID] = indexedDocument{id: doc.ID, fields: fields, terms: terms}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, collection string, id int64) error {
	if strings.TrimSpace(collection) == "" {
		return ErrInvalidCollection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, collection, expression string, page, pageSize int) (QueryResult, error) {
	if strings.TrimSpace(collection) == "" {
		return QueryResult{}, ErrInvalidCollection
	}
	matchAll := strings.TrimSpace(expression) == MatchAll
	queryTerms := tokenize(expression)
	if !matchAll && len(queryTerms) == 0 {
		return QueryResult{}, nil
	}

	type hit struct {
		id    int64
		score int
	}

	m.mu.RLock()
	hits := make([]hit, 0)
	for id, document := range m.collections[collection] {
		score := 1
		if !matchAll {
			score = 0
			for _, term := range queryTerms {
				score += document.terms[term]
			}
		}
		if score > 0 {
			hits = append(hits, hit{id: id, score: score})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})

	start, end := pageBounds(page, pageSize, len(hits))
	ids := make([]int64, 0, end-start)
	for _, h := range hits[start:end] {
		ids = append(ids, h.id)
	}
	return QueryResult{IDs: ids, Total: len(hits)}, nil
}

// Len reports the number of documents stored for a collection.
func (m *MemoryIndex) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

// Fields returns a copy of the stored fields of a document.
func (m *MemoryIndex) Fields(collection string, id int64) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	document, ok := m.collections[collection][id]
	if !ok {
		return nil, false
	}
	fields := make(map[string]string, len(document.fields))
	for name, value := range document.fields {
		fields[name] = value
	}
	return fields, true
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
