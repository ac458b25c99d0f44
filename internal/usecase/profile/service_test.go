package profile

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
	domprofile "github.com/topfeed/topfeed/internal/domain/profile"
)

type mockEvents struct {
	fn func(since time.Time) ([]domain.Event, error)
}

func (m *mockEvents) EventsSince(_ context.Context, since time.Time) ([]domain.Event, error) {
	if m.fn != nil {
		return m.fn(since)
	}
	return nil, nil
}

type mockSnapshots struct {
	trees     map[string]domprofile.Tree
	nodes     map[string][]domprofile.FlatNode
	watermark time.Time
}

func newMockSnapshots() *mockSnapshots {
	return &mockSnapshots{
		trees: map[string]domprofile.Tree{},
		nodes: map[string][]domprofile.FlatNode{},
	}
}

func (m *mockSnapshots) SaveSnapshot(_ context.Context, tree domprofile.Tree, nodes []domprofile.FlatNode) error {
	m.trees[tree.UserID] = tree
	m.nodes[tree.UserID] = nodes
	return nil
}

func (m *mockSnapshots) Tree(_ context.Context, userID string) (domprofile.Tree, error) {
	tree, ok := m.trees[userID]
	if !ok {
		return domprofile.Tree{}, domain.ErrProfileNotFound
	}
	return tree, nil
}

func (m *mockSnapshots) Watermark(_ context.Context) (time.Time, error) {
	return m.watermark, nil
}

func (m *mockSnapshots) SetWatermark(_ context.Context, t time.Time) error {
	m.watermark = t
	return nil
}

func event(user string, kind domain.EventKind, category, subcategory string, ts time.Time) domain.Event {
	return domain.Event{
		Ts: ts, UserID: user, ItemID: "N1", Kind: kind,
		Category: category, Subcategory: subcategory,
	}
}

func TestUpdateIncremental_AggregatesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-time.Hour)
	events := &mockEvents{fn: func(since time.Time) ([]domain.Event, error) {
		return []domain.Event{
			event("U1", domain.EventImpression, "sports", "football_nfl", ts),
			event("U1", domain.EventImpression, "sports", "football_nfl", ts),
			event("U1", domain.EventClick, "sports", "football_nfl", ts),
			event("U1", domain.EventImpression, "news", "", ts),
			event("U1", domain.EventDwell, "news", "", ts),
			event("U2", domain.EventClick, "finance", "markets", ts),
		}, nil
	}}
	snaps := newMockSnapshots()
	s := New(events, snaps, Config{})
	s.now = func() time.Time { return now }

	report, err := s.UpdateIncremental(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.UsersProcessed != 2 {
		t.Errorf("users processed = %d, want 2", report.UsersProcessed)
	}

	tree := snaps.trees["U1"]
	if tree.Root.Exposures != 3 || tree.Root.Clicks != 1 {
		t.Errorf("root counters = %d/%d, want 3/1 (dwell excluded)", tree.Root.Exposures, tree.Root.Clicks)
	}

	// Events without a subcategory land under the unknown node.
	var foundUnknown bool
	for _, n := range snaps.nodes["U1"] {
		if n.Path == "news/unknown" {
			foundUnknown = true
		}
	}
	if !foundUnknown {
		t.Error("missing news/unknown node")
	}

	if !snaps.watermark.Equal(now) {
		t.Errorf("watermark = %v, want run start", snaps.watermark)
	}
}

func TestUpdateIncremental_RootEqualsSumOfCategories(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-time.Minute)
	events := &mockEvents{fn: func(time.Time) ([]domain.Event, error) {
		return []domain.Event{
			event("U1", domain.EventImpression, "sports", "football_nfl", ts),
			event("U1", domain.EventImpression, "sports", "soccer", ts),
			event("U1", domain.EventClick, "sports", "soccer", ts),
			event("U1", domain.EventImpression, "news", "newsworld", ts),
			event("U1", domain.EventClick, "finance", "markets", ts),
		}, nil
	}}
	snaps := newMockSnapshots()
	s := New(events, snaps, Config{})
	s.now = func() time.Time { return now }

	if _, err := s.UpdateIncremental(context.Background()); err != nil {
		t.Fatal(err)
	}

	tree := snaps.trees["U1"]
	var exposures, clicks int
	for _, cat := range tree.Root.Categories {
		exposures += cat.Exposures
		clicks += cat.Clicks

		var subExposures, subClicks int
		for _, sub := range cat.Subcategories {
			subExposures += sub.Exposures
			subClicks += sub.Clicks
		}
		if subExposures != cat.Exposures || subClicks != cat.Clicks {
			t.Errorf("category %s does not roll up: %d/%d vs %d/%d",
				cat.Category, subExposures, subClicks, cat.Exposures, cat.Clicks)
		}
	}
	if exposures != tree.Root.Exposures || clicks != tree.Root.Clicks {
		t.Errorf("root does not roll up: %d/%d vs %d/%d",
			exposures, clicks, tree.Root.Exposures, tree.Root.Clicks)
	}
}

func TestUpdateIncremental_FirstRunUsesWindowThenWatermark(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var asked []time.Time
	events := &mockEvents{fn: func(since time.Time) ([]domain.Event, error) {
		asked = append(asked, since)
		return nil, nil
	}}
	snaps := newMockSnapshots()
	s := New(events, snaps, Config{WindowHours: 6})
	s.now = func() time.Time { return now }

	if _, err := s.UpdateIncremental(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := now.Add(-6 * time.Hour); !asked[0].Equal(want) {
		t.Errorf("first run window start = %v, want %v", asked[0], want)
	}

	later := now.Add(30 * time.Minute)
	s.now = func() time.Time { return later }
	if _, err := s.UpdateIncremental(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !asked[1].Equal(now) {
		t.Errorf("second run must start at the watermark, got %v", asked[1])
	}
}

func TestUpdateIncremental_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-time.Hour)
	all := []domain.Event{
		event("U1", domain.EventImpression, "sports", "football_nfl", ts),
		event("U1", domain.EventClick, "sports", "football_nfl", ts),
	}
	events := &mockEvents{fn: func(since time.Time) ([]domain.Event, error) {
		var out []domain.Event
		for _, ev := range all {
			if !ev.Ts.Before(since) {
				out = append(out, ev)
			}
		}
		return out, nil
	}}
	snaps := newMockSnapshots()
	s := New(events, snaps, Config{})
	s.now = func() time.Time { return now }

	if _, err := s.UpdateIncremental(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := snaps.trees["U1"]

	// A rerun over an empty window must not disturb the stored snapshot.
	s.now = func() time.Time { return now.Add(time.Hour) }
	report, err := s.UpdateIncremental(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.UsersProcessed != 0 {
		t.Errorf("empty window processed %d users", report.UsersProcessed)
	}
	second := snaps.trees["U1"]
	if second.Root.Stats != first.Root.Stats || !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Error("snapshot changed without new events")
	}
}

func TestUpdateIncremental_UnderexploredScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-time.Hour)
	events := &mockEvents{fn: func(time.Time) ([]domain.Event, error) {
		out := []domain.Event{event("U1", domain.EventClick, "tv", "tv_golden_globes", ts)}
		for i := 0; i < 3; i++ {
			out = append(out, event("U1", domain.EventImpression, "tv", "tv_golden_globes", ts))
		}
		return out, nil
	}}
	snaps := newMockSnapshots()
	s := New(events, snaps, Config{})
	s.now = func() time.Time { return now }

	if _, err := s.UpdateIncremental(context.Background()); err != nil {
		t.Fatal(err)
	}
	var node *domprofile.FlatNode
	for i := range snaps.nodes["U1"] {
		if snaps.nodes["U1"][i].Path == "tv/tv_golden_globes" {
			node = &snaps.nodes["U1"][i]
		}
	}
	if node == nil {
		t.Fatal("node missing")
	}
	want := 1.0 / (3.0 + domprofile.Epsilon)
	if math.Abs(node.UnderexploredScore-want) > 1e-9 {
		t.Errorf("underexplored = %f, want %f", node.UnderexploredScore, want)
	}
}

func TestRebuildUser_DecaysOldClicks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := &mockEvents{fn: func(time.Time) ([]domain.Event, error) {
		return []domain.Event{
			event("U1", domain.EventClick, "sports", "football_nfl", now.Add(-7*24*time.Hour)),
			event("U1", domain.EventClick, "news", "newsworld", now),
			event("other", domain.EventClick, "finance", "markets", now),
		}, nil
	}}
	snaps := newMockSnapshots()
	s := New(events, snaps, Config{HalfLifeDays: 7})
	s.now = func() time.Time { return now }

	tree, err := s.RebuildUser(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	var old, fresh float64
	for _, cat := range tree.Root.Categories {
		switch cat.Category {
		case "sports":
			old = cat.InterestWeight
		case "news":
			fresh = cat.InterestWeight
		case "finance":
			t.Error("other users' events must not leak in")
		}
	}
	if math.Abs(old-0.5) > 1e-9 {
		t.Errorf("week-old click at half-life 7 weighs %f, want 0.5", old)
	}
	if math.Abs(fresh-1.0) > 1e-9 {
		t.Errorf("fresh click weighs %f, want 1.0", fresh)
	}
}

func TestRebuildUser_NoHistory(t *testing.T) {
	s := New(&mockEvents{}, newMockSnapshots(), Config{})
	if _, err := s.RebuildUser(context.Background(), "U1"); err == nil {
		t.Fatal("expected profile-not-found for empty history")
	}
}
