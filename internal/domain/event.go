package domain

import (
	"fmt"
	"time"
)

// EventKind enumerates interaction event types.
type EventKind string

const (
	EventImpression EventKind = "impression"
	EventClick      EventKind = "click"
	EventHide       EventKind = "hide"
	EventSave       EventKind = "save"
	EventDwell      EventKind = "dwell"
)

var validEventKinds = map[EventKind]struct{}{
	EventImpression: {},
	EventClick:      {},
	EventHide:       {},
	EventSave:       {},
	EventDwell:      {},
}

// Event is an append-only interaction fact. Immutable once written; the only
// mutable artifact derived from events is the interest profile.
type Event struct {
	Ts     time.Time `json:"ts"`
	UserID string    `json:"user_id"`
	ItemID string    `json:"news_id"`
	Kind   EventKind `json:"event_type"`

	// Optional request context.
	ImpressionID string  `json:"impression_id,omitempty"`
	RequestID    string  `json:"request_id,omitempty"`
	ModelVersion string  `json:"model_version,omitempty"`
	Method       string  `json:"method,omitempty"`
	Position     int     `json:"position,omitempty"`
	ExploreLevel float64 `json:"explore_level,omitempty"`
	DwellMs      int64   `json:"dwell_ms,omitempty"`

	// NoveltyProxy is attached to impression events by the serving layer and
	// feeds the rollout guardrail's novelty comparison.
	NoveltyProxy *float64 `json:"novelty_proxy,omitempty"`

	// Category/Subcategory are denormalized from the item at ingest time so
	// profile aggregation does not need a per-event item lookup.
	Category    string `json:"category,omitempty"`
	Subcategory string `json:"subcategory,omitempty"`
}

// ClickRecord is one entry of a user's click history. ClickedAt may be absent
// for imported historical sessions; consumers fall back to rank-order recency.
type ClickRecord struct {
	ItemID    string
	ClickedAt Timestamp
}

// Validate checks the required fields and the event kind.
func (e *Event) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidEvent)
	}
	if e.ItemID == "" {
		return fmt.Errorf("%w: news_id is required", ErrInvalidEvent)
	}
	if _, ok := validEventKinds[e.Kind]; !ok {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}
