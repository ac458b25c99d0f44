// Package embedding owns everything around item vectorization: the token
// budget, the instrumented provider wrapper, and the backfill job that
// computes vectors for items that arrived without one.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/topfeed/topfeed/internal/domain"
	"github.com/topfeed/topfeed/internal/metrics"
)

// ItemStore is the catalog surface the backfill needs.
type ItemStore interface {
	MissingEmbeddings(ctx context.Context, limit int) ([]domain.Item, error)
	SetEmbedding(ctx context.Context, id string, vector []float32) error
}

// Backfill embeds items lacking a vector, in batches.
type Backfill struct {
	items     ItemStore
	embedder  domain.BatchEmbedder
	batchSize int
	logger    *zap.Logger
}

// NewBackfill creates the backfill job.
func NewBackfill(items ItemStore, embedder domain.BatchEmbedder, batchSize int, logger *zap.Logger) *Backfill {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Backfill{items: items, embedder: embedder, batchSize: batchSize, logger: logger}
}

// Run embeds up to one batch of vectorless items and reports how many were
// filled. Items that produce an empty text are skipped, not retried forever:
// they simply stay ineligible for vector retrieval.
func (b *Backfill) Run(ctx context.Context) (int, error) {
	items, err := b.items.MissingEmbeddings(ctx, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find vectorless items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	var ids []string
	var texts []string
	for _, it := range items {
		text := strings.TrimSpace(it.Title + " " + it.Abstract)
		if text == "" {
			continue
		}
		ids = append(ids, it.NewsID)
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	result, err := b.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		metrics.EmbeddingBackfillTotal.WithLabelValues("error").Add(float64(len(texts)))
		return 0, fmt.Errorf("embed batch: %w", err)
	}
	if len(result.Embeddings) != len(ids) {
		return 0, fmt.Errorf("embed batch: got %d vectors for %d texts", len(result.Embeddings), len(ids))
	}

	var filled int
	for i, id := range ids {
		if err := b.items.SetEmbedding(ctx, id, result.Embeddings[i]); err != nil {
			return filled, fmt.Errorf("store embedding for %s: %w", id, err)
		}
		filled++
	}

	metrics.EmbeddingBackfillTotal.WithLabelValues("ok").Add(float64(filled))
	b.logger.Info("Embedding backfill pass completed",
		zap.Int("candidates", len(items)),
		zap.Int("embedded", filled),
		zap.Int("total_tokens", result.TotalTokens),
	)
	return filled, nil
}
