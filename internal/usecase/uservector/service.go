// Package uservector derives a user's taste vector from their recent clicks:
// a recency-decayed weighted mean of the clicked items' embeddings.
package uservector

import (
	"context"
	"fmt"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
)

// Config tunes history depth and recency decay.
type Config struct {
	HistoryK     int
	HalfLifeDays float64
}

// Result is the derived per-user context consumed by retrieval, reranking
// and explanations.
type Result struct {
	// Vector is the decay-weighted mean of clicked item embeddings.
	Vector []float32
	// Clicks is the history the vector was built from, newest first.
	Clicks []domain.ClickRecord
	// ClickedItems are the resolvable history items, in history order.
	ClickedItems []domain.Item
	// Categories are the categories the user has clicked.
	Categories map[string]struct{}
	// LastClick is the most recent timestamped click, absent when the whole
	// history was imported without timestamps.
	LastClick domain.Timestamp
}

// Service builds user vectors.
type Service struct {
	clicks ClickReader
	items  ItemReader
	cfg    Config
	now    func() time.Time
}

// New creates a user vector service.
func New(clicks ClickReader, items ItemReader, cfg Config) *Service {
	if cfg.HistoryK <= 0 {
		cfg.HistoryK = 50
	}
	return &Service{clicks: clicks, items: items, cfg: cfg, now: time.Now}
}

// Build derives the user context from up to historyK clicks (non-positive
// falls back to the configured depth). Returns domain.ErrNoVector (with the
// click history still populated) when no clicked item has an embedding, so
// callers can fall back to popularity.
func (s *Service) Build(ctx context.Context, userID string, historyK int) (Result, error) {
	if historyK <= 0 {
		historyK = s.cfg.HistoryK
	}
	history, err := s.clicks.ClickHistory(ctx, userID, historyK)
	if err != nil {
		return Result{}, fmt.Errorf("click history: %w", err)
	}

	res := Result{Clicks: history, Categories: make(map[string]struct{})}
	if len(history) == 0 {
		return res, domain.ErrNoVector
	}

	ids := make([]string, 0, len(history))
	for _, rec := range history {
		ids = append(ids, rec.ItemID)
		if rec.ClickedAt.Valid() {
			if !res.LastClick.Valid() || rec.ClickedAt.Time().After(res.LastClick.Time()) {
				res.LastClick = rec.ClickedAt
			}
		}
	}

	items, err := s.items.GetMulti(ctx, ids)
	if err != nil {
		return Result{}, fmt.Errorf("load clicked items: %w", err)
	}
	byID := make(map[string]domain.Item, len(items))
	for _, it := range items {
		byID[it.NewsID] = it
	}
	for _, rec := range history {
		it, ok := byID[rec.ItemID]
		if !ok {
			continue
		}
		res.ClickedItems = append(res.ClickedItems, it)
		if it.Category != "" {
			res.Categories[it.Category] = struct{}{}
		}
	}

	ages := clickAges(history, s.now())

	var dim int
	for _, it := range res.ClickedItems {
		if it.HasEmbedding() {
			dim = len(it.Embedding)
			break
		}
	}
	if dim == 0 {
		return res, domain.ErrNoVector
	}

	sum := make([]float64, dim)
	var weightSum float64
	for _, it := range res.ClickedItems {
		if len(it.Embedding) != dim {
			continue
		}
		w := domain.DecayWeight(ages[it.NewsID], s.cfg.HalfLifeDays)
		for i, v := range it.Embedding {
			sum[i] += w * float64(v)
		}
		weightSum += w
	}
	if weightSum == 0 {
		return res, domain.ErrNoVector
	}

	res.Vector = make([]float32, dim)
	for i := range sum {
		res.Vector[i] = float32(sum[i] / weightSum)
	}
	return res, nil
}

// clickAges maps item ID to age in days. When any click in the history lacks
// a timestamp the whole history switches to a rank-order proxy, the i-th most
// recent click counting as i days old.
func clickAges(history []domain.ClickRecord, now time.Time) map[string]float64 {
	useFallback := false
	for _, rec := range history {
		if !rec.ClickedAt.Valid() {
			useFallback = true
			break
		}
	}

	ages := make(map[string]float64, len(history))
	for i, rec := range history {
		if useFallback {
			ages[rec.ItemID] = float64(i)
			continue
		}
		ages[rec.ItemID] = rec.ClickedAt.AgeDays(now)
	}
	return ages
}
