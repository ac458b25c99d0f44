// Package catalog manages the item inventory: batch upserts from ingest
// pipelines and basic inventory stats.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
)

// ItemStore is the persistence interface for the item inventory.
type ItemStore interface {
	Upsert(ctx context.Context, items []domain.Item) error
	Count(ctx context.Context) (int, error)
}

// Service manages the item catalog.
type Service struct {
	items ItemStore
	now   func() time.Time
}

// New creates a catalog service.
func New(items ItemStore) *Service {
	return &Service{items: items, now: time.Now}
}

// Upsert validates and stores a batch of items, returning how many were
// written. Items without an id are rejected before anything is persisted.
// Fresh items get a publish time and a URL hash when missing.
func (s *Service) Upsert(ctx context.Context, items []domain.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	for i := range items {
		if items[i].NewsID == "" {
			return 0, fmt.Errorf("item [%d]: %w: news_id is required", i, domain.ErrInvalidItem)
		}
		if items[i].ContentType == "" {
			items[i].ContentType = domain.ContentHistorical
		}
		if items[i].ContentType == domain.ContentFresh {
			if !items[i].PublishedAt.Valid() {
				items[i].PublishedAt = domain.NewTimestamp(s.now())
			}
			if items[i].URLHash == "" && items[i].URL != "" {
				items[i].URLHash = HashURL(items[i].URL)
			}
		}
	}
	if err := s.items.Upsert(ctx, items); err != nil {
		return 0, fmt.Errorf("upsert items: %w", err)
	}
	return len(items), nil
}

// Count reports the inventory size.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.items.Count(ctx)
}

// HashURL fingerprints a canonical URL for cross-source deduplication.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
