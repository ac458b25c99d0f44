// Package events ingests interaction events: validation, category
// denormalization from the item catalog, and appending to the log.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
)

// EventWriter appends validated events to the log and backfills imported
// click history.
type EventWriter interface {
	Append(ctx context.Context, ev domain.Event) error
	SeedClick(ctx context.Context, userID, itemID string, clickedAt domain.Timestamp) error
}

// ItemReader resolves items for category denormalization.
type ItemReader interface {
	GetMulti(ctx context.Context, ids []string) ([]domain.Item, error)
}

// Service handles event ingestion.
type Service struct {
	events EventWriter
	items  ItemReader
	now    func() time.Time
}

// New creates an ingestion service.
func New(events EventWriter, items ItemReader) *Service {
	return &Service{events: events, items: items, now: time.Now}
}

// Ingest validates and stores a batch of events. Events without a timestamp
// get the ingest time; category and subcategory are filled from the catalog
// so downstream aggregation never needs a per-event item lookup. The batch
// fails on the first invalid event, before anything is written.
func (s *Service) Ingest(ctx context.Context, evs []domain.Event) (int, error) {
	for i := range evs {
		if err := evs[i].Validate(); err != nil {
			return 0, fmt.Errorf("event %d: %w", i, err)
		}
	}

	if err := s.enrich(ctx, evs); err != nil {
		return 0, err
	}

	now := s.now().UTC()
	for i := range evs {
		if evs[i].Ts.IsZero() {
			evs[i].Ts = now
		}
		if err := s.events.Append(ctx, evs[i]); err != nil {
			return i, fmt.Errorf("append event %d: %w", i, err)
		}
	}
	return len(evs), nil
}

// HistoryClick is one imported click. ClickedAt may be absent for session
// exports that carry rank order only.
type HistoryClick struct {
	ItemID    string
	ClickedAt domain.Timestamp
}

// SeedHistory imports a user's click history without writing to the event
// log, so the profile updater never recounts imported sessions. The batch
// fails before anything is written when an entry has no item ID.
func (s *Service) SeedHistory(ctx context.Context, userID string, clicks []HistoryClick) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrInvalidEvent)
	}
	for i := range clicks {
		if clicks[i].ItemID == "" {
			return 0, fmt.Errorf("%w: history entry %d has no item", domain.ErrInvalidEvent, i)
		}
	}
	for i := range clicks {
		if err := s.events.SeedClick(ctx, userID, clicks[i].ItemID, clicks[i].ClickedAt); err != nil {
			return i, fmt.Errorf("seed click %d: %w", i, err)
		}
	}
	return len(clicks), nil
}

// enrich fills missing category fields from the catalog. Unknown items pass
// through unchanged; the profile updater buckets them under "unknown".
func (s *Service) enrich(ctx context.Context, evs []domain.Event) error {
	var missing []string
	seen := make(map[string]bool)
	for i := range evs {
		if evs[i].Category != "" {
			continue
		}
		if id := evs[i].ItemID; !seen[id] {
			seen[id] = true
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	items, err := s.items.GetMulti(ctx, missing)
	if err != nil {
		return fmt.Errorf("resolve event items: %w", err)
	}
	byID := make(map[string]domain.Item, len(items))
	for _, it := range items {
		byID[it.NewsID] = it
	}
	for i := range evs {
		if evs[i].Category != "" {
			continue
		}
		if it, ok := byID[evs[i].ItemID]; ok {
			evs[i].Category = it.Category
			evs[i].Subcategory = it.Subcategory
		}
	}
	return nil
}
