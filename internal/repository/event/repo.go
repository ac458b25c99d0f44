// Package event persists the append-only interaction log and the indexes
// derived from it at write time: per-user click and seen histories and the
// global and per-category popularity counters.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/topfeed/topfeed/internal/db"
	"github.com/topfeed/topfeed/internal/domain"
)

// Keys owned by this repository.
const (
	eventsKey  = "events"
	popularKey = "popular"
)

func popularCategoryKey(category string) string { return "popular:cat:" + category }
func clicksKey(userID string) string            { return "user:" + userID + ":clicks" }
func seenKey(userID string) string              { return "user:" + userID + ":seen" }

// store is the consumer interface for the interaction log (ISP).
type store interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZAddMulti(ctx context.Context, items []db.ZAddItem) error
	ZIncrBy(ctx context.Context, key string, increment float64, member string) error
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]db.ZMember, error)
	ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]db.ZMember, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	ZCard(ctx context.Context, key string) (int64, error)
}

// Repo implements the event log and its derived per-user/per-item indexes.
type Repo struct {
	store store
}

// New creates an event repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// Append records one validated event and updates the derived indexes: every
// event marks the item as seen for the user; clicks additionally extend the
// click history and bump popularity counters.
func (r *Repo) Append(ctx context.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ts := float64(ev.Ts.UnixMilli())
	writes := []db.ZAddItem{
		{Key: eventsKey, Score: ts, Member: string(raw)},
		{Key: seenKey(ev.UserID), Score: ts, Member: ev.ItemID},
	}
	if ev.Kind == domain.EventClick {
		writes = append(writes, db.ZAddItem{Key: clicksKey(ev.UserID), Score: ts, Member: ev.ItemID})
	}
	if err := r.store.ZAddMulti(ctx, writes); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if ev.Kind == domain.EventClick {
		if err := r.store.ZIncrBy(ctx, popularKey, 1, ev.ItemID); err != nil {
			return fmt.Errorf("bump popularity: %w", err)
		}
		if ev.Category != "" {
			if err := r.store.ZIncrBy(ctx, popularCategoryKey(ev.Category), 1, ev.ItemID); err != nil {
				return fmt.Errorf("bump category popularity: %w", err)
			}
		}
	}
	return nil
}

// EventsSince returns events with ts >= since in chronological order.
// Unparseable log entries are skipped.
func (r *Repo) EventsSince(ctx context.Context, since time.Time) ([]domain.Event, error) {
	members, err := r.store.ZRangeByScoreWithScores(ctx, eventsKey, float64(since.UnixMilli()), math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	out := make([]domain.Event, 0, len(members))
	for _, m := range members {
		var ev domain.Event
		if err := json.Unmarshal([]byte(m.Member), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ClickHistory returns the user's most recent clicks, newest first. A zero
// stored score means the click was imported without a timestamp.
func (r *Repo) ClickHistory(ctx context.Context, userID string, limit int) ([]domain.ClickRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := r.store.ZRevRangeWithScores(ctx, clicksKey(userID), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("read click history: %w", err)
	}

	out := make([]domain.ClickRecord, 0, len(members))
	for _, m := range members {
		rec := domain.ClickRecord{ItemID: m.Member}
		if m.Score > 0 {
			rec.ClickedAt = domain.NewTimestamp(time.UnixMilli(int64(m.Score)).UTC())
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecentSeen returns item IDs the user has recently interacted with in any
// way, newest first. Used to exclude already-served items from retrieval.
func (r *Repo) RecentSeen(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	members, err := r.store.ZRevRangeWithScores(ctx, seenKey(userID), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("read seen history: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Member)
	}
	return ids, nil
}

// PopularIDs returns the most-clicked item IDs, global or per-category,
// highest click count first.
func (r *Repo) PopularIDs(ctx context.Context, category string, limit int) ([]domain.RankedID, error) {
	if limit <= 0 {
		limit = 20
	}
	key := popularKey
	if category != "" {
		key = popularCategoryKey(category)
	}
	members, err := r.store.ZRevRangeWithScores(ctx, key, 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("read popularity: %w", err)
	}
	out := make([]domain.RankedID, 0, len(members))
	for _, m := range members {
		out = append(out, domain.RankedID{ID: m.Member, Score: m.Score})
	}
	return out, nil
}

// SeedClick backfills one historical click without touching the event log,
// used when importing session data. A nil clickedAt stores rank-order only.
func (r *Repo) SeedClick(ctx context.Context, userID, itemID string, clickedAt domain.Timestamp) error {
	var score float64
	if clickedAt.Valid() {
		score = float64(clickedAt.Time().UnixMilli())
	}
	if err := r.store.ZAdd(ctx, clicksKey(userID), score, itemID); err != nil {
		return fmt.Errorf("seed click: %w", err)
	}
	if err := r.store.ZIncrBy(ctx, popularKey, 1, itemID); err != nil {
		return fmt.Errorf("seed popularity: %w", err)
	}
	return nil
}

// TrimEvents caps the event log at keep entries, dropping the oldest.
func (r *Repo) TrimEvents(ctx context.Context, keep int64) error {
	if keep <= 0 {
		return nil
	}
	n, err := r.store.ZCard(ctx, eventsKey)
	if err != nil {
		return fmt.Errorf("event log size: %w", err)
	}
	if n <= keep {
		return nil
	}
	if err := r.store.ZRemRangeByRank(ctx, eventsKey, 0, n-keep-1); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}
	return nil
}
