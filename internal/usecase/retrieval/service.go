// Package retrieval assembles the per-request candidate pool: a similarity
// pool from the user vector, an explore pool from underexplored interest
// nodes, a popularity fallback, and an optional fresh-first mode.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topfeed/topfeed/internal/domain"
)

// Mode selects the candidate mix.
type Mode string

const (
	ModeHistorical Mode = "historical"
	ModeFresh      Mode = "fresh_first"
)

// Config tunes pool sizes and the fresh blend.
type Config struct {
	CandidatePoolN  int
	ExploreRatio    float64
	ExcludeRecentM  int
	MaxExploreNodes int

	FreshWindowHours   int
	FreshRatio         float64
	FreshRelWeight     float64
	FreshRecencyWeight float64
}

// ApplyDefaults fills zero values with the standard tuning.
func (c *Config) ApplyDefaults() {
	if c.CandidatePoolN <= 0 {
		c.CandidatePoolN = 200
	}
	if c.ExploreRatio <= 0 {
		c.ExploreRatio = 0.2
	}
	if c.ExploreRatio > 0.5 {
		c.ExploreRatio = 0.5
	}
	if c.ExcludeRecentM <= 0 {
		c.ExcludeRecentM = 200
	}
	if c.MaxExploreNodes <= 0 {
		c.MaxExploreNodes = 12
	}
	if c.FreshWindowHours <= 0 {
		c.FreshWindowHours = 72
	}
	if c.FreshRatio <= 0 {
		c.FreshRatio = 0.7
	}
	if c.FreshRelWeight <= 0 {
		c.FreshRelWeight = 0.7
	}
	if c.FreshRecencyWeight <= 0 {
		c.FreshRecencyWeight = 0.3
	}
}

// Request is one retrieval invocation.
type Request struct {
	UserID       string
	Vector       []float32
	TargetN      int
	ExploreLevel float64
	Mode         Mode

	// Fresh-mode overrides; zero keeps the configured values.
	FreshWindowHours int
	FreshRatio       float64
}

// Result is the merged candidate pool plus the method actually used.
type Result struct {
	Candidates []domain.Candidate
	Method     string
}

// Service retrieves candidates.
type Service struct {
	search  VectorSearcher
	popular PopularityReader
	seen    SeenReader
	nodes   NodeReader
	items   ItemReader
	cfg     Config
	now     func() time.Time
}

// New creates a retrieval service.
func New(search VectorSearcher, popular PopularityReader, seen SeenReader, nodes NodeReader, items ItemReader, cfg Config) *Service {
	cfg.ApplyDefaults()
	return &Service{
		search:  search,
		popular: popular,
		seen:    seen,
		nodes:   nodes,
		items:   items,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Retrieve builds the candidate pool. A nil user vector yields the popularity
// fallback; otherwise similarity and explore pools are fetched concurrently,
// merged, and backfilled with extra neighbors if the pool runs short.
func (s *Service) Retrieve(ctx context.Context, req Request) (Result, error) {
	if req.TargetN <= 0 {
		req.TargetN = s.cfg.CandidatePoolN
	}
	poolN := max(req.TargetN, s.cfg.CandidatePoolN)

	excluded, err := s.seen.RecentSeen(ctx, req.UserID, s.cfg.ExcludeRecentM)
	if err != nil {
		return Result{}, fmt.Errorf("recent seen: %w", err)
	}

	if len(req.Vector) == 0 {
		cands, err := s.popularCandidates(ctx, "", req.TargetN, toSet(excluded))
		if err != nil {
			return Result{}, err
		}
		return Result{Candidates: cands, Method: domain.MethodPopularFallback}, nil
	}

	if req.Mode == ModeFresh {
		return s.retrieveFresh(ctx, req, poolN, excluded)
	}

	exploreN := int(float64(poolN) * s.cfg.ExploreRatio * clamp01(req.ExploreLevel))
	simN := max(poolN-exploreN, 1)

	var simPool []domain.Candidate
	var explorePool []domain.Candidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		simPool, err = s.similarityCandidates(gctx, req.Vector, simN, excluded, domain.SourceSimilarity)
		return err
	})
	if exploreN > 0 {
		g.Go(func() error {
			var err error
			explorePool, err = s.exploreCandidates(gctx, req.UserID, exploreN, toSet(excluded))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	merged, have := mergeCandidates(poolN, simPool, explorePool)

	if len(merged) < req.TargetN {
		for _, id := range excluded {
			have[id] = true
		}
		backfill, err := s.similarityCandidates(ctx, req.Vector, req.TargetN-len(merged), keys(have), domain.SourceBackfill)
		if err != nil {
			return Result{}, err
		}
		for _, c := range backfill {
			if !have[c.Item.NewsID] {
				merged = append(merged, c)
				have[c.Item.NewsID] = true
			}
		}
	}

	if len(merged) > poolN {
		merged = merged[:poolN]
	}
	return Result{Candidates: merged, Method: domain.MethodPersonalizedDiversified}, nil
}

// retrieveFresh draws primarily from the fresh window, blending in regular
// similarity results for the remainder. Fresh hits are scored by a weighted
// sum of similarity and a freshness bonus.
func (s *Service) retrieveFresh(ctx context.Context, req Request, poolN int, excluded []string) (Result, error) {
	window := s.cfg.FreshWindowHours
	if req.FreshWindowHours > 0 {
		window = req.FreshWindowHours
	}
	ratio := s.cfg.FreshRatio
	if req.FreshRatio > 0 {
		ratio = math.Min(req.FreshRatio, 1)
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(window) * time.Hour)
	freshN := int(float64(poolN) * ratio)

	hits, err := s.search.SimilarByVector(ctx, domain.SimilarityQuery{
		Vector:         req.Vector,
		K:              freshN,
		ExcludeIDs:     excluded,
		ContentType:    domain.ContentFresh,
		PublishedAfter: domain.NewTimestamp(cutoff),
	})
	if err != nil {
		return Result{}, fmt.Errorf("fresh search: %w", err)
	}

	merged := make([]domain.Candidate, 0, poolN)
	have := make(map[string]bool, poolN)
	for _, hit := range hits {
		score := s.cfg.FreshRelWeight * hit.Score
		if hit.Item.PublishedAt.Valid() {
			ageHours := now.Sub(hit.Item.PublishedAt.Time()).Hours()
			score += s.cfg.FreshRecencyWeight * math.Max(0, 1-ageHours/float64(window))
		}
		merged = append(merged, domain.Candidate{
			Item:           hit.Item,
			Source:         domain.SourceFresh,
			RetrievalScore: score,
		})
		have[hit.Item.NewsID] = true
	}

	if len(merged) < poolN {
		for _, id := range excluded {
			have[id] = true
		}
		rest, err := s.similarityCandidates(ctx, req.Vector, poolN-len(merged), keys(have), domain.SourceSimilarity)
		if err != nil {
			return Result{}, err
		}
		for _, c := range rest {
			if !have[c.Item.NewsID] {
				merged = append(merged, c)
				have[c.Item.NewsID] = true
			}
		}
	}
	return Result{Candidates: merged, Method: domain.MethodPersonalizedDiversified}, nil
}

func (s *Service) similarityCandidates(ctx context.Context, vector []float32, k int, exclude []string, source string) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := s.search.SimilarByVector(ctx, domain.SimilarityQuery{
		Vector:     vector,
		K:          k,
		ExcludeIDs: exclude,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	out := make([]domain.Candidate, 0, len(hits))
	for _, hit := range hits {
		out = append(out, domain.Candidate{
			Item:           hit.Item,
			Source:         source,
			RetrievalScore: hit.Score,
		})
	}
	return out, nil
}

// exploreCandidates samples high-click items from the user's most
// underexplored categories, a bounded share per category. Empty node data
// falls back to global popularity.
func (s *Service) exploreCandidates(ctx context.Context, userID string, n int, excluded map[string]bool) ([]domain.Candidate, error) {
	paths, err := s.nodes.NodePaths(ctx, userID, 100)
	if err != nil {
		return nil, fmt.Errorf("interest nodes: %w", err)
	}

	categories := topCategories(paths, s.cfg.MaxExploreNodes)
	if len(categories) == 0 {
		return s.popularCandidates(ctx, "", n, excluded)
	}

	perCategory := max(1, int(math.Ceil(float64(n)/float64(s.cfg.MaxExploreNodes))))

	var collected []domain.Candidate
	for _, category := range categories {
		ranked, err := s.popular.PopularIDs(ctx, category, perCategory+len(excluded))
		if err != nil {
			return nil, fmt.Errorf("category popularity: %w", err)
		}
		cands, err := s.resolveRanked(ctx, ranked, excluded, perCategory, domain.SourceExplore, true)
		if err != nil {
			return nil, err
		}
		collected = append(collected, cands...)
	}

	if len(collected) == 0 {
		return s.popularCandidates(ctx, "", n, excluded)
	}

	// Click count descending, item ID ascending on ties.
	sort.SliceStable(collected, func(i, j int) bool {
		if collected[i].RetrievalScore != collected[j].RetrievalScore {
			return collected[i].RetrievalScore > collected[j].RetrievalScore
		}
		return collected[i].Item.NewsID < collected[j].Item.NewsID
	})
	if len(collected) > n {
		collected = collected[:n]
	}
	return collected, nil
}

func (s *Service) popularCandidates(ctx context.Context, category string, n int, excluded map[string]bool) ([]domain.Candidate, error) {
	ranked, err := s.popular.PopularIDs(ctx, category, n+len(excluded))
	if err != nil {
		return nil, fmt.Errorf("popularity: %w", err)
	}
	return s.resolveRanked(ctx, ranked, excluded, n, domain.SourcePopular, false)
}

// resolveRanked loads items for ranked IDs, dropping excluded ones and,
// when requireEmbedding is set, items without vectors.
func (s *Service) resolveRanked(ctx context.Context, ranked []domain.RankedID, excluded map[string]bool, limit int, source string, requireEmbedding bool) ([]domain.Candidate, error) {
	ids := make([]string, 0, len(ranked))
	scores := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		if excluded[r.ID] {
			continue
		}
		ids = append(ids, r.ID)
		scores[r.ID] = r.Score
	}
	if len(ids) == 0 {
		return nil, nil
	}

	items, err := s.items.GetMulti(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve candidates: %w", err)
	}

	out := make([]domain.Candidate, 0, limit)
	for _, it := range items {
		if requireEmbedding && !it.HasEmbedding() {
			continue
		}
		out = append(out, domain.Candidate{
			Item:           it,
			Source:         source,
			RetrievalScore: scores[it.NewsID],
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// topCategories reduces node paths to distinct categories ordered by their
// best underexplored score, capped at maxNodes.
func topCategories(paths []domain.RankedID, maxNodes int) []string {
	best := make(map[string]float64)
	for _, p := range paths {
		category, _, _ := strings.Cut(p.ID, "/")
		if category == "" {
			continue
		}
		if score, ok := best[category]; !ok || p.Score > score {
			best[category] = p.Score
		}
	}

	out := make([]string, 0, len(best))
	for category := range best {
		out = append(out, category)
	}
	sort.Slice(out, func(i, j int) bool {
		if best[out[i]] != best[out[j]] {
			return best[out[i]] > best[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > maxNodes {
		out = out[:maxNodes]
	}
	return out
}

func mergeCandidates(capacity int, pools ...[]domain.Candidate) ([]domain.Candidate, map[string]bool) {
	merged := make([]domain.Candidate, 0, capacity)
	have := make(map[string]bool, capacity)
	for _, pool := range pools {
		for _, c := range pool {
			if have[c.Item.NewsID] {
				continue
			}
			merged = append(merged, c)
			have[c.Item.NewsID] = true
		}
	}
	return merged, have
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
