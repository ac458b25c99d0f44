package retrieval

import (
	"context"

	"github.com/topfeed/topfeed/internal/domain"
)

// VectorSearcher runs nearest-neighbor queries over the item index.
type VectorSearcher interface {
	SimilarByVector(ctx context.Context, q domain.SimilarityQuery) ([]domain.ScoredItem, error)
}

// PopularityReader reads click-count rankings, global or per category.
type PopularityReader interface {
	PopularIDs(ctx context.Context, category string, limit int) ([]domain.RankedID, error)
}

// SeenReader reads the user's recently served item IDs.
type SeenReader interface {
	RecentSeen(ctx context.Context, userID string, limit int) ([]string, error)
}

// NodeReader reads the user's interest nodes ordered by underexplored score.
type NodeReader interface {
	NodePaths(ctx context.Context, userID string, limit int) ([]domain.RankedID, error)
}

// ItemReader resolves item IDs into full records.
type ItemReader interface {
	GetMulti(ctx context.Context, ids []string) ([]domain.Item, error)
}
