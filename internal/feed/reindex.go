package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/search"
	"gorm.io/gorm"
)

// AllCollections selects every searchable collection in ReindexCollections.
const AllCollections = "all"

// ErrUnknownCollection indicates a reindex target that is not searchable.
var ErrUnknownCollection = errors.New("feed: unknown search collection")

// ReindexCollections rebuilds the named collection (or AllCollections) from
// the store and reports the number of documents written per collection.
func ReindexCollections(ctx context.Context, db *gorm.DB, index search.Index, collection string, batchSize int) (map[string]int, error) {
	switch collection {
	case TweetCollection, UserCollection, AllCollections:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	counts := make(map[string]int, 2)
	if collection == TweetCollection || collection == AllCollections {
		count, err := search.Reindex[Tweet](ctx, db, index, batchSize)
		if err != nil {
			return counts, err
		}
		counts[TweetCollection] = count
	}
	if collection == UserCollection || collection == AllCollections {
		count, err := search.Reindex[User](ctx, db, index, batchSize)
		if err != nil {
			return counts, err
		}
		counts[UserCollection] = count
	}
	return counts, nil
}
