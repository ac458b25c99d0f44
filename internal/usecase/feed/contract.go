package feed

import (
	"context"

	"github.com/topfeed/topfeed/internal/domain"
	"github.com/topfeed/topfeed/internal/usecase/diversify"
	"github.com/topfeed/topfeed/internal/usecase/explain"
	"github.com/topfeed/topfeed/internal/usecase/rerank"
	"github.com/topfeed/topfeed/internal/usecase/retrieval"
	"github.com/topfeed/topfeed/internal/usecase/uservector"
)

// RolloutLoader reads the effective rollout configuration.
type RolloutLoader interface {
	Load(ctx context.Context) (domain.RolloutConfig, error)
}

// VectorBuilder derives the per-user context from click history.
type VectorBuilder interface {
	Build(ctx context.Context, userID string, historyK int) (uservector.Result, error)
}

// Retriever assembles the candidate pool.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Result, error)
}

// Reranker rescores candidates with the learned model. The bool reports
// whether the model was actually applied.
type Reranker interface {
	Rerank(cands []domain.Candidate, user rerank.UserContext) ([]domain.Candidate, bool, error)
}

// Diversifier selects the final slate balancing relevance against variety.
type Diversifier interface {
	Diversify(ctx context.Context, userID string, cands []domain.Candidate, exploreLevel float64, k int) (diversify.Result, error)
}

// Explainer attaches per-item explanations to the slate.
type Explainer interface {
	Annotate(ctx context.Context, userID string, cands []domain.Candidate, req explain.Request) ([]domain.Candidate, error)
}
