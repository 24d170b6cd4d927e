package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"
)

const (
	recordIDProperty      = "recordId"
	defaultClassPrefix    = "Kura"
	defaultMaxHits        = 1000
	defaultRequestTimeout = 10 * time.Second
)

// objectNamespace seeds deterministic object ids so re-adding a record overwrites it.
var objectNamespace = uuid.MustParse("6f1d4c1e-8d4b-5b8e-9a57-4b7f0c0d6a21")

// WeaviateConfig configures the Weaviate-backed index.
type WeaviateConfig struct {
	URL            string
	ClassPrefix    string
	MaxHits        int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// WeaviateIndex mirrors documents into Weaviate classes and ranks with BM25.
type WeaviateIndex struct {
	client  *weaviate.Client
	prefix  string
	maxHits int
	timeout time.Duration
	logger  *zap.Logger
}

// NewWeaviateIndex constructs a client for the Weaviate instance at cfg.URL.
func NewWeaviateIndex(cfg WeaviateConfig) (*WeaviateIndex, error) {
	scheme, host, err := splitURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("search: create weaviate client: %w", err)
	}
	prefix := cfg.ClassPrefix
	if prefix == "" {
		prefix = defaultClassPrefix
	}
	maxHits := cfg.MaxHits
	if maxHits <= 0 {
		maxHits = defaultMaxHits
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeaviateIndex{
		client:  client,
		prefix:  prefix,
		maxHits: maxHits,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Ready reports whether the Weaviate instance accepts requests.
func (w *WeaviateIndex) Ready(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.client.Misc().ReadyChecker().Do(ctx)
}

func (w *WeaviateIndex) Add(ctx context.Context, collection string, doc Document) error {
	className, err := w.className(collection)
	if err != nil {
		return err
	}
	if doc.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidDocument, doc.ID)
	}
	properties := make(map[string]interface{}, len(doc.Fields)+1)
	for name, value := range doc.Fields {
		properties[name] = value
	}
	properties[recordIDProperty] = doc.ID

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	responses, err := w.client.Batch().ObjectsBatcher().
		WithObjects(&models.Object{
			Class:      className,
			ID:         objectID(collection, doc.ID),
			Properties: properties,
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	for _, response := range responses {
		if response.Result == nil || response.Result.Errors == nil {
			continue
		}
		for _, item := range response.Result.Errors.Error {
			if item != nil {
				return fmt.Errorf("%w: %s", ErrIndexRejected, item.Message)
			}
		}
	}
	return nil
}

func (w *WeaviateIndex) Remove(ctx context.Context, collection string, id int64) error {
	className, err := w.className(collection)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	err = w.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID(collection, id).String()).
		Do(ctx)
	if err == nil {
		return nil
	}
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
}

func (w *WeaviateIndex) Query(ctx context.Context, collection, expression string, page, pageSize int) (QueryResult, error) {
	className, err := w.className(collection)
	if err != nil {
		return QueryResult{}, err
	}
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return QueryResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	getBuilder := w.client.GraphQL().Get().
		WithClassName(className).
		WithFields(graphql.Field{Name: recordIDProperty}).
		WithLimit(w.maxHits)
	if trimmed != MatchAll {
		getBuilder = getBuilder.WithBM25(w.client.GraphQL().Bm25ArgBuilder().WithQuery(trimmed))
	}
	response, err := getBuilder.Do(ctx)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if len(response.Errors) > 0 {
		message := response.Errors[0].Message
		// Weaviate creates classes on first write; before that the class is unknown.
		if strings.Contains(message, "Cannot query field") {
			return QueryResult{}, nil
		}
		return QueryResult{}, fmt.Errorf("search: weaviate query: %s", message)
	}

	hits := parseRecordIDs(response.Data, className)
	start, end := pageBounds(page, pageSize, len(hits))
	return QueryResult{IDs: append([]int64(nil), hits[start:end]...), Total: len(hits)}, nil
}

func (w *WeaviateIndex) className(collection string) (string, error) {
	var builder strings.Builder
	builder.WriteString(w.prefix)
	upperNext := true
	for _, r := range collection {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upperNext = true
			continue
		}
		if upperNext {
			r = unicode.ToUpper(r)
			upperNext = false
		}
		builder.WriteRune(r)
	}
	if builder.Len() == len(w.prefix) {
		return "", ErrInvalidCollection
	}
	return builder.String(), nil
}

func objectID(collection string, id int64) strfmt.UUID {
	key := fmt.Sprintf("%s:%d", collection, id)
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(key)).String())
}

func parseRecordIDs(data map[string]models.JSONObject, className string) []int64 {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[className].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(objects))
	for _, object := range objects {
		properties, ok := object.(map[string]interface{})
		if !ok {
			continue
		}
		switch value := properties[recordIDProperty].(type) {
		case float64:
			ids = append(ids, int64(value))
		case json.Number:
			if parsed, err := value.Int64(); err == nil {
				ids = append(ids, parsed)
			}
		}
	}
	return ids
}

func splitURL(raw string) (string, string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case trimmed == "":
		return "", "", errors.New("search: weaviate url is required")
	case strings.HasPrefix(trimmed, "https://"):
		return "https", strings.TrimPrefix(trimmed, "https://"), nil
	case strings.HasPrefix(trimmed, "http://"):
		return "http", strings.TrimPrefix(trimmed, "http://"), nil
	default:
		return "http", trimmed, nil
	}
}
