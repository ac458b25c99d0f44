package retrieval

import (
	"context"
	"testing"

	"github.com/topfeed/topfeed/internal/domain"
)

type mockSearch struct {
	fn func(q domain.SimilarityQuery) ([]domain.ScoredItem, error)
}

func (m *mockSearch) SimilarByVector(_ context.Context, q domain.SimilarityQuery) ([]domain.ScoredItem, error) {
	if m.fn != nil {
		return m.fn(q)
	}
	return nil, nil
}

type mockPopular struct {
	fn func(category string, limit int) ([]domain.RankedID, error)
}

func (m *mockPopular) PopularIDs(_ context.Context, category string, limit int) ([]domain.RankedID, error) {
	if m.fn != nil {
		return m.fn(category, limit)
	}
	return nil, nil
}

type mockSeen struct {
	ids []string
}

func (m *mockSeen) RecentSeen(_ context.Context, _ string, _ int) ([]string, error) {
	return m.ids, nil
}

type mockNodes struct {
	paths []domain.RankedID
}

func (m *mockNodes) NodePaths(_ context.Context, _ string, _ int) ([]domain.RankedID, error) {
	return m.paths, nil
}

type mockItems struct {
	items map[string]domain.Item
}

func (m *mockItems) GetMulti(_ context.Context, ids []string) ([]domain.Item, error) {
	var out []domain.Item
	for _, id := range ids {
		if it, ok := m.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func itemFixture(id, category string, withVec bool) domain.Item {
	it := domain.Item{NewsID: id, Category: category}
	if withVec {
		it.Embedding = []float32{1, 0}
	}
	return it
}

func TestRetrieve_NoVectorFallsBackToPopular(t *testing.T) {
	popular := &mockPopular{fn: func(category string, _ int) ([]domain.RankedID, error) {
		if category != "" {
			t.Errorf("expected global popularity, got category %q", category)
		}
		return []domain.RankedID{{ID: "seen", Score: 9}, {ID: "N1", Score: 5}, {ID: "N2", Score: 3}}, nil
	}}
	items := &mockItems{items: map[string]domain.Item{
		"seen": itemFixture("seen", "news", false),
		"N1":   itemFixture("N1", "news", false),
		"N2":   itemFixture("N2", "sports", false),
	}}
	s := New(&mockSearch{}, popular, &mockSeen{ids: []string{"seen"}}, &mockNodes{}, items, Config{})

	res, err := s.Retrieve(context.Background(), Request{UserID: "U1", TargetN: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Method != domain.MethodPopularFallback {
		t.Errorf("expected popular_fallback, got %s", res.Method)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(res.Candidates))
	}
	for _, c := range res.Candidates {
		if c.Item.NewsID == "seen" {
			t.Error("recently seen item must be excluded")
		}
		if c.Source != domain.SourcePopular {
			t.Errorf("unexpected source %q", c.Source)
		}
	}
}

func TestRetrieve_MergesAndDeduplicatesPools(t *testing.T) {
	search := &mockSearch{fn: func(q domain.SimilarityQuery) ([]domain.ScoredItem, error) {
		return []domain.ScoredItem{
			{Item: itemFixture("N1", "news", true), Score: 0.9},
			{Item: itemFixture("N2", "sports", true), Score: 0.8},
		}, nil
	}}
	popular := &mockPopular{fn: func(category string, _ int) ([]domain.RankedID, error) {
		// N2 duplicates a similarity hit and must not appear twice.
		return []domain.RankedID{{ID: "N2", Score: 7}, {ID: "N3", Score: 5}}, nil
	}}
	nodes := &mockNodes{paths: []domain.RankedID{{ID: "sports/football_nfl", Score: 0.8}}}
	items := &mockItems{items: map[string]domain.Item{
		"N2": itemFixture("N2", "sports", true),
		"N3": itemFixture("N3", "sports", true),
	}}
	s := New(search, popular, &mockSeen{}, nodes, items, Config{CandidatePoolN: 10, ExploreRatio: 0.5, MaxExploreNodes: 2})

	res, err := s.Retrieve(context.Background(), Request{
		UserID: "U1", Vector: []float32{1, 0}, TargetN: 3, ExploreLevel: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Method != domain.MethodPersonalizedDiversified {
		t.Errorf("unexpected method %s", res.Method)
	}

	counts := map[string]int{}
	for _, c := range res.Candidates {
		counts[c.Item.NewsID]++
	}
	if counts["N2"] != 1 {
		t.Errorf("duplicate candidate N2: %v", counts)
	}
	if counts["N1"] != 1 || counts["N3"] != 1 {
		t.Errorf("missing pool members: %v", counts)
	}
}

func TestRetrieve_ZeroExploreLevelSkipsExplorePool(t *testing.T) {
	search := &mockSearch{fn: func(q domain.SimilarityQuery) ([]domain.ScoredItem, error) {
		return []domain.ScoredItem{{Item: itemFixture("N1", "news", true), Score: 0.9}}, nil
	}}
	popular := &mockPopular{fn: func(category string, _ int) ([]domain.RankedID, error) {
		if category != "" {
			t.Error("explore pool must not run at explore level 0")
		}
		return nil, nil
	}}
	s := New(search, popular, &mockSeen{}, &mockNodes{}, &mockItems{}, Config{})

	res, err := s.Retrieve(context.Background(), Request{
		UserID: "U1", Vector: []float32{1, 0}, TargetN: 1, ExploreLevel: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Candidates) == 0 {
		t.Fatal("expected candidates")
	}
}

func TestExploreCandidates_OrderAndEmbeddingFilter(t *testing.T) {
	popular := &mockPopular{fn: func(category string, _ int) ([]domain.RankedID, error) {
		switch category {
		case "sports":
			return []domain.RankedID{{ID: "b", Score: 5}, {ID: "a", Score: 5}, {ID: "novec", Score: 9}}, nil
		case "finance":
			return []domain.RankedID{{ID: "f", Score: 7}}, nil
		}
		return nil, nil
	}}
	nodes := &mockNodes{paths: []domain.RankedID{
		{ID: "sports/football_nfl", Score: 0.9},
		{ID: "finance", Score: 0.7},
	}}
	items := &mockItems{items: map[string]domain.Item{
		"a":     itemFixture("a", "sports", true),
		"b":     itemFixture("b", "sports", true),
		"novec": itemFixture("novec", "sports", false),
		"f":     itemFixture("f", "finance", true),
	}}
	s := New(&mockSearch{}, popular, &mockSeen{}, nodes, items, Config{MaxExploreNodes: 2})

	got, err := s.exploreCandidates(context.Background(), "U1", 10, map[string]bool{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, c := range got {
		if c.Item.NewsID == "novec" {
			t.Error("items without embeddings are not explore-eligible")
		}
	}
	// Clicks descending, ID ascending on ties.
	if len(got) < 3 || got[0].Item.NewsID != "f" || got[1].Item.NewsID != "a" || got[2].Item.NewsID != "b" {
		ids := make([]string, 0, len(got))
		for _, c := range got {
			ids = append(ids, c.Item.NewsID)
		}
		t.Errorf("unexpected order: %v", ids)
	}
}

func TestRetrieve_FreshModeBlendsRecency(t *testing.T) {
	var freshQuery *domain.SimilarityQuery
	search := &mockSearch{fn: func(q domain.SimilarityQuery) ([]domain.ScoredItem, error) {
		if q.ContentType == domain.ContentFresh {
			copied := q
			freshQuery = &copied
			return []domain.ScoredItem{
				{Item: itemFixture("fresh1", "news", true), Score: 0.5},
			}, nil
		}
		return []domain.ScoredItem{{Item: itemFixture("hist1", "news", true), Score: 0.9}}, nil
	}}
	s := New(search, &mockPopular{}, &mockSeen{}, &mockNodes{}, &mockItems{}, Config{CandidatePoolN: 2})

	res, err := s.Retrieve(context.Background(), Request{
		UserID: "U1", Vector: []float32{1, 0}, TargetN: 2, Mode: ModeFresh,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if freshQuery == nil {
		t.Fatal("fresh search did not run")
	}
	if !freshQuery.PublishedAfter.Valid() {
		t.Error("fresh query must bound the publish window")
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected blended pool of 2, got %d", len(res.Candidates))
	}
	if res.Candidates[0].Source != domain.SourceFresh {
		t.Errorf("fresh candidates come first, got %s", res.Candidates[0].Source)
	}
}

func TestTopCategories(t *testing.T) {
	paths := []domain.RankedID{
		{ID: "sports/football_nfl", Score: 0.9},
		{ID: "sports", Score: 0.4},
		{ID: "news/newspolitics", Score: 0.6},
		{ID: "finance", Score: 0.6},
	}
	got := topCategories(paths, 2)
	// Best-per-category: sports 0.9, news 0.6, finance 0.6; capped at 2 with
	// name ascending on the tie.
	if len(got) != 2 || got[0] != "sports" || got[1] != "finance" {
		t.Errorf("unexpected categories: %v", got)
	}
}
