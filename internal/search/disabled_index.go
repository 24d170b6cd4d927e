package search

import (
	"context"

	"go.uber.org/zap"
)

// DisabledIndex stands in when no index backend is configured. Writes are
// dropped with a warning and queries return no hits.
type DisabledIndex struct {
	logger *zap.Logger
}

// NewDisabledIndex constructs a DisabledIndex.
func NewDisabledIndex(logger *zap.Logger) *DisabledIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DisabledIndex{logger: logger}
}

func (d *DisabledIndex) Add(_ context.Context, collection string, doc Document) error {
	d.logger.Warn("search index disabled, dropping add",
		zap.String("collection", collection),
		zap.Int64("record_id", doc.ID))
	return nil
}

func (d *DisabledIndex) Remove(_ context.Context, collection string, id int64) error {
	d.logger.Warn("search index disabled, dropping remove",
		zap.String("collection", collection),
		zap.Int64("record_id", id))
	return nil
}

func (d *DisabledIndex) Query(context.Context, string, string, int, int) (QueryResult, error) {
	return QueryResult{}, nil
}
