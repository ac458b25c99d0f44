// Package diversify selects the final feed slate with a greedy multi-objective
// pass: relevance traded against underexplored-interest bonus, repetition
// penalty, and topic coverage gain, under per-category and per-subcategory
// caps.
package diversify

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/topfeed/topfeed/internal/domain"
)

// NodeReader supplies the user's interest-node scores.
type NodeReader interface {
	NodePaths(ctx context.Context, userID string, limit int) ([]domain.RankedID, error)
}

// Config holds the base objective weights and slate caps.
type Config struct {
	RelWeightBase float64
	TopWeightBase float64
	RepWeightBase float64
	CovWeightBase float64

	MaxCategories    int
	MaxSubcategories int
}

// ApplyDefaults fills zero values with the standard tuning.
func (c *Config) ApplyDefaults() {
	if c.RelWeightBase <= 0 {
		c.RelWeightBase = 1.0
	}
	if c.TopWeightBase <= 0 {
		c.TopWeightBase = 0.5
	}
	if c.RepWeightBase <= 0 {
		c.RepWeightBase = 0.6
	}
	if c.CovWeightBase <= 0 {
		c.CovWeightBase = 0.4
	}
	if c.MaxCategories <= 0 {
		c.MaxCategories = 8
	}
	if c.MaxSubcategories <= 0 {
		c.MaxSubcategories = 3
	}
}

// Result is the selected slate plus list-level diversity metrics.
type Result struct {
	Selected []domain.Candidate
	Summary  domain.DiversificationSummary
}

// Service runs the greedy diversifier.
type Service struct {
	nodes NodeReader
	cfg   Config
}

// New creates a diversification service.
func New(nodes NodeReader, cfg Config) *Service {
	cfg.ApplyDefaults()
	return &Service{nodes: nodes, cfg: cfg}
}

// weights derives the four objective weights from the exploration level.
// At zero exploration only relevance counts and the caps are lifted.
func (c Config) weights(exploreLevel float64) (wRel, wTop, wRep, wCov float64) {
	e := math.Max(0, math.Min(1, exploreLevel))
	if e <= 0 {
		return c.RelWeightBase, 0, 0, 0
	}
	return c.RelWeightBase * (1.0 - 0.7*e),
		c.TopWeightBase * (0.3 + 0.7*e),
		c.RepWeightBase * (0.3 + 0.7*e),
		c.CovWeightBase * (0.3 + 0.7*e)
}

// Diversify greedily picks up to k candidates. Relevance scores are min-max
// normalized over the whole pool; the interest bonus comes from the user's
// node scores, themselves normalized. Ties go to the earlier candidate.
func (s *Service) Diversify(ctx context.Context, userID string, cands []domain.Candidate, exploreLevel float64, k int) (Result, error) {
	if len(cands) == 0 {
		return Result{Selected: []domain.Candidate{}}, nil
	}

	topNodes, err := s.loadNodeBonuses(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	relRaw := make([]float64, len(cands))
	for i, c := range cands {
		relRaw[i] = c.RelScore
	}
	relNorm := normalizeScores(relRaw)

	wRel, wTop, wRep, wCov := s.cfg.weights(exploreLevel)
	maxCat, maxSubcat := s.cfg.MaxCategories, s.cfg.MaxSubcategories
	if exploreLevel <= 0 {
		maxCat, maxSubcat = math.MaxInt, math.MaxInt
	}

	selected := make([]domain.Candidate, 0, min(k, len(cands)))
	taken := make([]bool, len(cands))
	seenCategories := make(map[string]bool)
	seenSubcategories := make(map[string]bool)
	catCounts := make(map[string]int)
	subcatCounts := make(map[string]int)

	for len(selected) < min(k, len(cands)) {
		bestIdx := -1
		var bestTotal float64
		var best domain.Candidate

		for idx := range cands {
			if taken[idx] {
				continue
			}
			category := cands[idx].Item.Category
			subcategory := cands[idx].Item.Subcategory

			if category != "" && catCounts[category] >= maxCat {
				continue
			}
			if subcategory != "" && subcatCounts[subcategory] >= maxSubcat {
				continue
			}

			topBonus := topNodes[cands[idx].Item.TopPath()]

			redundancy := 0.0
			switch {
			case subcategory != "" && seenSubcategories[subcategory]:
				redundancy = 1.0
			case category != "" && seenCategories[category]:
				redundancy = 0.5
			}

			coverage := 0.0
			switch {
			case subcategory != "" && !seenSubcategories[subcategory]:
				coverage = 1.0
			case category != "" && !seenCategories[category]:
				coverage = 0.5
			}

			total := wRel*relNorm[idx] + wTop*topBonus - wRep*redundancy + wCov*coverage
			if bestIdx == -1 || total > bestTotal {
				bestIdx = idx
				bestTotal = total
				best = cands[idx]
				best.RelNorm = relNorm[idx]
				best.TopBonus = topBonus
				best.RedundancyPenalty = redundancy
				best.CoverageGain = coverage
				best.TotalScore = total
				best.TopPath = best.Item.TopPath()
			}
		}
		if bestIdx == -1 {
			break
		}

		taken[bestIdx] = true
		selected = append(selected, best)
		if c := best.Item.Category; c != "" {
			seenCategories[c] = true
			catCounts[c]++
		}
		if sc := best.Item.Subcategory; sc != "" {
			seenSubcategories[sc] = true
			subcatCounts[sc]++
		}
	}

	return Result{
		Selected: selected,
		Summary: domain.DiversificationSummary{
			UniqueCategories:    len(seenCategories),
			UniqueSubcategories: len(seenSubcategories),
			ILDProxy:            ildProxy(selected),
		},
	}, nil
}

// loadNodeBonuses reads the user's interest nodes and min-max normalizes the
// underexplored scores. Missing data yields an empty map, not an error.
func (s *Service) loadNodeBonuses(ctx context.Context, userID string) (map[string]float64, error) {
	paths, err := s.nodes.NodePaths(ctx, userID, 100)
	if err != nil {
		return nil, fmt.Errorf("interest nodes: %w", err)
	}
	raw := make([]float64, len(paths))
	for i, p := range paths {
		raw[i] = p.Score
	}
	norm := normalizeScores(raw)
	bonuses := make(map[string]float64, len(paths))
	for i, p := range paths {
		bonuses[strings.TrimSuffix(p.ID, "/")] = norm[i]
	}
	return bonuses, nil
}

// normalizeScores rescales values to [0,1]; a constant slice maps to zeros.
func normalizeScores(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	minVal, maxVal := values[0], values[0]
	for _, v := range values[1:] {
		minVal = math.Min(minVal, v)
		maxVal = math.Max(maxVal, v)
	}
	out := make([]float64, len(values))
	if maxVal == minVal {
		return out
	}
	for i, v := range values {
		out[i] = (v - minVal) / (maxVal - minVal)
	}
	return out
}

// ildProxy is one minus the mean pairwise cosine similarity of the selected
// items' embeddings. Fewer than two embeddings yields zero.
func ildProxy(selected []domain.Candidate) float64 {
	var vectors [][]float64
	for _, c := range selected {
		if !c.Item.HasEmbedding() {
			continue
		}
		v := make([]float64, len(c.Item.Embedding))
		var norm float64
		for i, x := range c.Item.Embedding {
			v[i] = float64(x)
			norm += v[i] * v[i]
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for i := range v {
				v[i] /= norm
			}
		}
		vectors = append(vectors, v)
	}
	if len(vectors) < 2 {
		return 0
	}

	var sum float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			var dot float64
			for d := range vectors[i] {
				if d < len(vectors[j]) {
					dot += vectors[i][d] * vectors[j][d]
				}
			}
			sum += dot
			pairs++
		}
	}
	return 1.0 - sum/float64(pairs)
}
