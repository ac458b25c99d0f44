// Package item persists the content catalog as item:{id} hashes indexed for
// tag, freshness and vector similarity queries.
package item

import (
	"context"
	"errors"
	"fmt"

	"github.com/topfeed/topfeed/internal/db"
	"github.com/topfeed/topfeed/internal/domain"
)

// store is the consumer interface for item persistence (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
	SearchCount(ctx context.Context, index, query string) (int, error)
}

// Repo implements the item lookups and writes used by retrieval, ingestion
// and the embedding backfill.
type Repo struct {
	store store
}

// New creates an item repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// Get returns an item by ID, including its embedding.
func (r *Repo) Get(ctx context.Context, id string) (domain.Item, error) {
	m, err := r.store.HGetAll(ctx, itemKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.Item{}, domain.ErrNotFound
		}
		return domain.Item{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return parseHashFields(m), nil
}

// GetMulti returns the items that exist among ids, preserving input order.
// Missing IDs are skipped, not an error.
func (r *Repo) GetMulti(ctx context.Context, ids []string) ([]domain.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = itemKey(id)
	}
	maps, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	out := make([]domain.Item, 0, len(ids))
	for _, m := range maps {
		if m == nil {
			continue
		}
		out = append(out, parseHashFields(m))
	}
	return out, nil
}

// Upsert writes a batch of items.
func (r *Repo) Upsert(ctx context.Context, items []domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	batch := make([]db.HashSetItem, 0, len(items))
	for i := range items {
		batch = append(batch, db.HashSetItem{
			Key:    itemKey(items[i].NewsID),
			Fields: buildHashFields(&items[i]),
		})
	}
	if err := r.store.HSetMulti(ctx, batch); err != nil {
		return fmt.Errorf("upsert items: %w", err)
	}
	return nil
}

// SetEmbedding stores the computed vector for an item.
func (r *Repo) SetEmbedding(ctx context.Context, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("set embedding %s: empty vector", id)
	}
	err := r.store.HSet(ctx, itemKey(id), map[string]string{
		fieldEmbedding: vectorToBytes(vector),
	})
	if err != nil {
		return fmt.Errorf("set embedding %s: %w", id, err)
	}
	return nil
}

// SimilarByVector runs a KNN search and returns items with cosine similarity
// scores, best first. The embedding blob is not fetched back.
func (r *Repo) SimilarByVector(ctx context.Context, q domain.SimilarityQuery) ([]domain.ScoredItem, error) {
	knn := &db.KNNQuery{
		IndexName:    IndexName,
		Vector:       q.Vector,
		K:            q.K,
		ExcludeIDs:   q.ExcludeIDs,
		Category:     q.Category,
		ContentType:  q.ContentType,
		ReturnFields: metaFields,
	}
	if q.PublishedAfter.Valid() {
		knn.PublishedAfter = q.PublishedAfter.Time().UnixMilli()
	}

	res, err := r.store.SearchKNN(ctx, knn)
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}

	out := make([]domain.ScoredItem, 0, len(res.Entries))
	for _, entry := range res.Entries {
		out = append(out, domain.ScoredItem{
			Item:  parseHashFields(entry.Fields),
			Score: entry.Score,
		})
	}
	return out, nil
}

// MissingEmbeddings returns up to limit items that have no stored vector yet.
// The backfill job calls this repeatedly until it returns an empty slice.
func (r *Repo) MissingEmbeddings(ctx context.Context, limit int) ([]domain.Item, error) {
	if limit <= 0 {
		limit = 100
	}

	keys, err := r.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan items: %w", err)
	}

	var out []domain.Item
	const chunk = 200
	for start := 0; start < len(keys) && len(out) < limit; start += chunk {
		end := min(start+chunk, len(keys))
		maps, err := r.store.HGetAllMulti(ctx, keys[start:end])
		if err != nil {
			return nil, fmt.Errorf("load items: %w", err)
		}
		for _, m := range maps {
			if m == nil {
				continue
			}
			it := parseHashFields(m)
			if it.HasEmbedding() {
				continue
			}
			out = append(out, it)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Count returns the catalog size via the FT index.
func (r *Repo) Count(ctx context.Context) (int, error) {
	n, err := r.store.SearchCount(ctx, IndexName, "*")
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}
