// Package explain attaches per-item explanations to a ranked slate: reason
// tags derived from the normalized score breakdown, backed by the user's
// recent clicks and interest-node statistics as evidence.
package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/topfeed/topfeed/internal/domain"
	domprofile "github.com/topfeed/topfeed/internal/domain/profile"
)

// Reason tags.
const (
	TagRelevantToYou         = "relevant_to_you"
	TagUnderexploredInterest = "underexplored_interest"
	TagAddsTopicVariety      = "adds_topic_variety"
	TagReducesRepetition     = "reduces_repetition"
	TagPopularFallback       = "popular_fallback"
	TagFreshContent          = "fresh_content"
)

// Percentile cutoffs for the relevance and interest tags.
const (
	relTopPercent = 0.2
	topTopPercent = 0.3
)

// ProfileReader supplies the user's interest tree for node-level evidence.
type ProfileReader interface {
	Tree(ctx context.Context, userID string) (domprofile.Tree, error)
}

// Range is an externally supplied normalization interval.
type Range struct {
	Min float64
	Max float64
}

// ScoreBounds pins normalization to fixed intervals instead of the slate's
// own min and max, keeping normalized scores comparable across pages. A nil
// entry keeps slate-local bounds for that component.
type ScoreBounds struct {
	Rel *Range
	Top *Range
	Rep *Range
	Cov *Range
}

// Request carries the slate-level context for one explanation pass.
type Request struct {
	Method       string
	RecentClicks []domain.ClickEvidence
	PreferredIDs map[string]bool
	Bounds       ScoreBounds
}

// Service builds explanations.
type Service struct {
	profiles ProfileReader
}

// New creates an explanation service.
func New(profiles ProfileReader) *Service {
	return &Service{profiles: profiles}
}

// Annotate fills Explanation (and the preferred mark) on every candidate in
// place and returns the slice. Scores are min-max normalized over the slate,
// or over req.Bounds when supplied; the relevance tag goes to the top 20% and
// the interest tag to the top 30%.
func (s *Service) Annotate(ctx context.Context, userID string, cands []domain.Candidate, req Request) ([]domain.Candidate, error) {
	if len(cands) == 0 {
		return cands, nil
	}

	nodeStats, err := s.loadNodeStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	hasTop := len(nodeStats) > 0

	relBase := make([]float64, len(cands))
	topBase := make([]float64, len(cands))
	repBase := make([]float64, len(cands))
	covBase := make([]float64, len(cands))
	diversified := req.Method == domain.MethodPersonalizedDiversified
	for i, c := range cands {
		if diversified {
			relBase[i] = c.RelNorm
		} else {
			relBase[i] = c.RelScore
		}
		topBase[i] = c.TopBonus
		repBase[i] = c.RedundancyPenalty
		covBase[i] = c.CoverageGain
	}

	relNorm := normalize(relBase, req.Bounds.Rel)
	topNorm := normalize(topBase, req.Bounds.Top)
	repNorm := normalize(repBase, req.Bounds.Rep)
	covNorm := normalize(covBase, req.Bounds.Cov)

	relThreshold := topPercentThreshold(relNorm, relTopPercent)
	topThreshold := topPercentThreshold(topNorm, topTopPercent)

	for i := range cands {
		c := &cands[i]
		topPath := c.TopPath
		if topPath == "" {
			topPath = c.Item.TopPath()
		}

		var tags []string
		if relNorm[i] >= relThreshold {
			tags = append(tags, TagRelevantToYou)
		}
		if hasTop {
			if topNorm[i] >= topThreshold {
				tags = append(tags, TagUnderexploredInterest)
			}
		} else if req.PreferredIDs[c.Item.NewsID] {
			// Without node statistics the preferred mark is the only
			// interest signal left.
			tags = append(tags, TagUnderexploredInterest)
		}
		if covNorm[i] > 0 {
			tags = append(tags, TagAddsTopicVariety)
		}
		if repNorm[i] > 0 && (relNorm[i] >= relThreshold || topNorm[i] >= topThreshold) {
			tags = append(tags, TagReducesRepetition)
		}
		if req.Method == domain.MethodPopularFallback {
			tags = append(tags, TagPopularFallback)
		}
		if c.Source == domain.SourceFresh {
			tags = append(tags, TagFreshContent)
		}

		totalScore := c.TotalScore
		if !diversified {
			totalScore = c.RelScore
		}

		c.Explanation = &domain.Explanation{
			TopPath:    topPath,
			ReasonTags: tags,
			Breakdown: domain.ScoreBreakdown{
				RelScoreNorm:          relNorm[i],
				TopBonusNorm:          topNorm[i],
				RedundancyPenaltyNorm: repNorm[i],
				CoverageGainNorm:      covNorm[i],
				TotalScore:            totalScore,
			},
			Evidence: domain.ExplainEvidence{
				RecentClicks: req.RecentClicks,
				NodeStats:    nodeStats[topPath],
			},
			Method: req.Method,
		}
		if req.PreferredIDs[c.Item.NewsID] {
			c.IsPreferred = true
		}
	}
	return cands, nil
}

// BuildClickEvidence picks the first distinct clicked items, most recent
// first, resolving titles from the already-loaded items.
func BuildClickEvidence(clicks []domain.ClickRecord, items []domain.Item, limit int) []domain.ClickEvidence {
	titles := make(map[string]string, len(items))
	for _, it := range items {
		titles[it.NewsID] = it.Title
	}

	var out []domain.ClickEvidence
	seen := make(map[string]bool, limit)
	for _, click := range clicks {
		if click.ItemID == "" || seen[click.ItemID] {
			continue
		}
		seen[click.ItemID] = true
		out = append(out, domain.ClickEvidence{NewsID: click.ItemID, Title: titles[click.ItemID]})
		if len(out) >= limit {
			break
		}
	}
	return out
}

// loadNodeStats flattens the interest tree into per-path statistics. No
// profile means no evidence, not an error.
func (s *Service) loadNodeStats(ctx context.Context, userID string) (map[string]*domain.NodeStats, error) {
	tree, err := s.profiles.Tree(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load interest tree: %w", err)
	}

	stats := make(map[string]*domain.NodeStats)
	for _, cat := range tree.Root.Categories {
		stats[cat.Category] = &domain.NodeStats{
			Clicks:             cat.Clicks,
			Exposures:          cat.Exposures,
			UnderexploredScore: cat.UnderexploredScore,
		}
		for _, sub := range cat.Subcategories {
			if sub.Subcategory == "" {
				continue
			}
			stats[domprofile.Path(cat.Category, sub.Subcategory)] = &domain.NodeStats{
				Clicks:             sub.Clicks,
				Exposures:          sub.Exposures,
				UnderexploredScore: sub.UnderexploredScore,
			}
		}
	}
	return stats, nil
}

// normalize rescales values to [0,1]. With a fixed range the scaling is
// anchored to it and clamped; otherwise the slate's own min and max are used,
// and a constant slice maps to zeros.
func normalize(values []float64, fixed *Range) []float64 {
	if len(values) == 0 {
		return nil
	}
	minVal, maxVal := values[0], values[0]
	if fixed != nil && fixed.Max > fixed.Min {
		minVal, maxVal = fixed.Min, fixed.Max
	} else {
		for _, v := range values[1:] {
			minVal = math.Min(minVal, v)
			maxVal = math.Max(maxVal, v)
		}
	}
	out := make([]float64, len(values))
	if maxVal == minVal {
		return out
	}
	for i, v := range values {
		out[i] = math.Min(1, math.Max(0, (v-minVal)/(maxVal-minVal)))
	}
	return out
}

// topPercentThreshold returns the value a score must reach to sit in the top
// percent of the slate.
func topPercentThreshold(values []float64, percent float64) float64 {
	if len(values) == 0 {
		return 1.0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	idx := int(math.Ceil(float64(len(sorted))*percent)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
