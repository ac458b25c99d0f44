package domain

// Feed methods, reported in the response and attached to events.
const (
	MethodPersonalizedDiversified = "personalized_top_diversified"
	MethodRerankOnly              = "rerank_only"
	MethodPopularFallback         = "popular_fallback"
)

// Retrieval sources, recorded per candidate for explanations and metrics.
const (
	SourceSimilarity = "similarity"
	SourceExplore    = "explore"
	SourcePopular    = "popular"
	SourceFresh      = "fresh"
	SourceBackfill   = "backfill"
)

// RankedID is an item reference with its rank score, as read from a
// popularity or recency index.
type RankedID struct {
	ID    string
	Score float64
}

// Candidate is the per-request record flowing through the pipeline. Stages
// populate their fields progressively: retrieval sets Item, RetrievalScore and
// Source; rerank sets RelScore; diversification sets the breakdown fields.
// Never persisted beyond the response and the optional event log.
type Candidate struct {
	Item Item

	Source         string
	RetrievalScore float64

	// RelScore is the rerank probability; when reranking is disabled or
	// unavailable it mirrors RetrievalScore.
	RelScore float64

	// Diversification breakdown (populated only when diversified). RelNorm is
	// RelScore min-max normalized over the candidate pool.
	RelNorm           float64
	TopBonus          float64
	RedundancyPenalty float64
	CoverageGain      float64
	TotalScore        float64
	TopPath           string

	// IsPreferred marks items the user has clicked before.
	IsPreferred bool

	Explanation *Explanation
}

// Explanation is the human-readable justification for one ranked item.
type Explanation struct {
	TopPath    string          `json:"top_path"`
	ReasonTags []string        `json:"reason_tags"`
	Breakdown  ScoreBreakdown  `json:"score_breakdown"`
	Evidence   ExplainEvidence `json:"evidence"`
	Method     string          `json:"method"`
}

// ScoreBreakdown carries min-max normalized stage scores.
type ScoreBreakdown struct {
	RelScoreNorm          float64 `json:"rel_score_norm"`
	TopBonusNorm          float64 `json:"top_bonus_norm"`
	RedundancyPenaltyNorm float64 `json:"redundancy_penalty_norm"`
	CoverageGainNorm      float64 `json:"coverage_gain_norm"`
	TotalScore            float64 `json:"total_score"`
}

// ClickEvidence is one recent click shown as supporting evidence.
type ClickEvidence struct {
	NewsID string `json:"news_id"`
	Title  string `json:"title"`
}

// ExplainEvidence backs the reason tags with observable data.
type ExplainEvidence struct {
	RecentClicks []ClickEvidence `json:"recent_clicks_used"`
	NodeStats    *NodeStats      `json:"top_node_stats,omitempty"`
}

// NodeStats is the per-path interest snapshot used as evidence.
type NodeStats struct {
	Clicks             int     `json:"clicks"`
	Exposures          int     `json:"exposures"`
	UnderexploredScore float64 `json:"underexplored_score"`
}

// DiversificationSummary reports list-level diversity metrics.
type DiversificationSummary struct {
	UniqueCategories    int     `json:"unique_categories"`
	UniqueSubcategories int     `json:"unique_subcategories"`
	ILDProxy            float64 `json:"ild_proxy"`
}
