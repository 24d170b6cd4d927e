package search

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

const defaultReindexBatchSize = 200

// Reindex adds every stored record of T to the index. Documents are keyed by
// record id, so repeated runs converge on the same index state.
func Reindex[T Searchable](ctx context.Context, db *gorm.DB, index Index, batchSize int) (int, error) {
	if index == nil {
		return 0, errMissingIndex
	}
	if batchSize <= 0 {
		batchSize = defaultReindexBatchSize
	}
	indexed := 0
	var records []T
	result := db.WithContext(ctx).FindInBatches(&records, batchSize, func(_ *gorm.DB, _ int) error {
		for _, record := range records {
			if err := index.Add(ctx, record.SearchCollection(), DocumentFor(record)); err != nil {
				return fmt.Errorf("search: reindex %s %d: %w", record.SearchCollection(), record.SearchID(), err)
			}
			indexed++
		}
		return nil
	})
	if result.Error != nil {
		return indexed, result.Error
	}
	return indexed, nil
}
