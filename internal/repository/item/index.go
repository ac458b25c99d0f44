package item

import (
	"context"
	"errors"
	"fmt"

	"github.com/topfeed/topfeed/internal/db"
)

// IndexName is the FT index over item hashes.
const IndexName = "idx:items"

// keyPrefix is the hash key prefix covered by the index.
const keyPrefix = "item:"

// HNSWConfig tunes the vector index build.
type HNSWConfig struct {
	M           int
	EFConstruct int
}

// buildIndexDef describes the item index schema: TAG fields for identity and
// taxonomy filters, NUMERIC published_at for freshness windows, and an HNSW
// cosine vector field over the embedding blob.
func buildIndexDef(vectorDim int, hnsw HNSWConfig) *db.IndexDefinition {
	return &db.IndexDefinition{
		Name:     IndexName,
		Prefixes: []string{keyPrefix},
		Fields: []db.IndexField{
			{Name: fieldNewsID, Type: db.IndexFieldTag},
			{Name: fieldCategory, Type: db.IndexFieldTag},
			{Name: fieldSubcategory, Type: db.IndexFieldTag},
			{Name: fieldContentType, Type: db.IndexFieldTag},
			{Name: fieldPublishedAt, Type: db.IndexFieldNumeric},
			{
				Name:              fieldEmbedding,
				Type:              db.IndexFieldVector,
				VectorAlgo:        db.VectorHNSW,
				VectorDistance:    db.DistanceCosine,
				VectorDim:         vectorDim,
				VectorM:           hnsw.M,
				VectorEFConstruct: hnsw.EFConstruct,
			},
		},
	}
}

// EnsureIndex creates the item index if it does not exist yet.
func (r *Repo) EnsureIndex(ctx context.Context, vectorDim int, hnsw HNSWConfig) error {
	err := r.store.CreateIndex(ctx, buildIndexDef(vectorDim, hnsw))
	if err != nil && !errors.Is(err, db.ErrIndexExists) {
		return fmt.Errorf("create item index: %w", err)
	}
	return nil
}

func itemKey(id string) string { return keyPrefix + id }
