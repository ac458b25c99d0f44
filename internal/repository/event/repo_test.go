package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/topfeed/topfeed/internal/db"
	"github.com/topfeed/topfeed/internal/domain"
)

func TestAppend_ClickUpdatesDerivedIndexes(t *testing.T) {
	var added []db.ZAddItem
	incremented := map[string]string{} // key -> member
	s := &mockStore{
		zaddMultiFn: func(_ context.Context, items []db.ZAddItem) error {
			added = append(added, items...)
			return nil
		},
		zincrByFn: func(_ context.Context, key string, inc float64, member string) error {
			if inc != 1 {
				t.Errorf("unexpected increment %f", inc)
			}
			incremented[key] = member
			return nil
		},
	}
	r := New(s)

	ts := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)
	err := r.Append(context.Background(), domain.Event{
		Ts:       ts,
		UserID:   "U1",
		ItemID:   "N1",
		Kind:     domain.EventClick,
		Category: "sports",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys := map[string]bool{}
	for _, it := range added {
		keys[it.Key] = true
		if it.Score != float64(ts.UnixMilli()) {
			t.Errorf("unexpected score for %s: %f", it.Key, it.Score)
		}
	}
	for _, want := range []string{"events", "user:U1:seen", "user:U1:clicks"} {
		if !keys[want] {
			t.Errorf("missing write to %s", want)
		}
	}
	if incremented["popular"] != "N1" || incremented["popular:cat:sports"] != "N1" {
		t.Errorf("popularity not bumped: %v", incremented)
	}
}

func TestAppend_ImpressionSkipsClickIndexes(t *testing.T) {
	var added []db.ZAddItem
	s := &mockStore{
		zaddMultiFn: func(_ context.Context, items []db.ZAddItem) error {
			added = append(added, items...)
			return nil
		},
		zincrByFn: func(_ context.Context, key string, _ float64, _ string) error {
			t.Errorf("popularity should not change on impression (key %s)", key)
			return nil
		},
	}
	r := New(s)

	err := r.Append(context.Background(), domain.Event{
		Ts:     time.Now(),
		UserID: "U1",
		ItemID: "N1",
		Kind:   domain.EventImpression,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, it := range added {
		if it.Key == "user:U1:clicks" {
			t.Error("impression must not extend click history")
		}
	}
}

func TestEventsSince_SkipsUnparseable(t *testing.T) {
	good, _ := json.Marshal(domain.Event{
		Ts: time.Now(), UserID: "U1", ItemID: "N1", Kind: domain.EventClick,
	})
	s := &mockStore{
		zrangeScoreFn: func(_ context.Context, key string, _, _ float64) ([]db.ZMember, error) {
			if key != "events" {
				t.Errorf("unexpected key %q", key)
			}
			return []db.ZMember{
				{Member: "not json", Score: 1},
				{Member: string(good), Score: 2},
			}, nil
		},
	}
	r := New(s)

	events, err := r.EventsSince(context.Background(), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].ItemID != "N1" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestClickHistory_ZeroScoreMeansNoTimestamp(t *testing.T) {
	ts := time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)
	s := &mockStore{
		zrevRangeFn: func(_ context.Context, key string, _, stop int64) ([]db.ZMember, error) {
			if key != "user:U1:clicks" {
				t.Errorf("unexpected key %q", key)
			}
			if stop != 1 {
				t.Errorf("unexpected stop %d", stop)
			}
			return []db.ZMember{
				{Member: "N2", Score: float64(ts.UnixMilli())},
				{Member: "N1", Score: 0},
			}, nil
		},
	}
	r := New(s)

	history, err := r.ClickHistory(context.Background(), "U1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %d", len(history))
	}
	if !history[0].ClickedAt.Valid() || !history[0].ClickedAt.Time().Equal(ts) {
		t.Errorf("expected timestamp on first record: %+v", history[0])
	}
	if history[1].ClickedAt.Valid() {
		t.Errorf("expected absent timestamp on imported record: %+v", history[1])
	}
}

func TestPopularIDs_CategoryKey(t *testing.T) {
	s := &mockStore{
		zrevRangeFn: func(_ context.Context, key string, _, _ int64) ([]db.ZMember, error) {
			if key != "popular:cat:sports" {
				t.Errorf("unexpected key %q", key)
			}
			return []db.ZMember{{Member: "N9", Score: 12}}, nil
		},
	}
	r := New(s)

	got, err := r.PopularIDs(context.Background(), "sports", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "N9" || got[0].Score != 12 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestTrimEvents(t *testing.T) {
	trimmed := false
	s := &mockStore{
		zcardFn: func(_ context.Context, _ string) (int64, error) { return 150, nil },
		zremRangeFn: func(_ context.Context, key string, start, stop int64) error {
			trimmed = true
			if key != "events" || start != 0 || stop != 49 {
				t.Errorf("unexpected trim range %s [%d,%d]", key, start, stop)
			}
			return nil
		},
	}
	r := New(s)

	if err := r.TrimEvents(context.Background(), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !trimmed {
		t.Error("expected trim call")
	}
}

func TestTrimEvents_UnderCap(t *testing.T) {
	s := &mockStore{
		zcardFn: func(_ context.Context, _ string) (int64, error) { return 10, nil },
		zremRangeFn: func(_ context.Context, _ string, _, _ int64) error {
			t.Error("trim should not run under cap")
			return nil
		},
	}
	r := New(s)
	if err := r.TrimEvents(context.Background(), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
