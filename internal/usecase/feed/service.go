// Package feed orchestrates one feed request end to end: rollout assignment,
// user vector, candidate retrieval, optional rerank and diversification, and
// explanations. Each stage is timed; fallbacks are counted.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/topfeed/topfeed/internal/domain"
	"github.com/topfeed/topfeed/internal/metrics"
	"github.com/topfeed/topfeed/internal/usecase/explain"
	"github.com/topfeed/topfeed/internal/usecase/rerank"
	"github.com/topfeed/topfeed/internal/usecase/retrieval"
	"github.com/topfeed/topfeed/internal/usecase/rollout"
)

// Config tunes the orchestrator defaults.
type Config struct {
	DefaultTopN         int
	DefaultExploreLevel float64
	EvidenceClicks      int
}

// ApplyDefaults fills zero values with the standard tuning.
func (c *Config) ApplyDefaults() {
	if c.DefaultTopN <= 0 {
		c.DefaultTopN = 200
	}
	if c.DefaultExploreLevel <= 0 {
		c.DefaultExploreLevel = 0.3
	}
	if c.EvidenceClicks <= 0 {
		c.EvidenceClicks = 3
	}
}

// Request is one feed invocation. Zero TopN and negative ExploreLevel pick
// the configured defaults.
type Request struct {
	UserID              string
	TopN                int
	HistoryK            int
	Rerank              bool
	Diversify           bool
	IncludeExplanations bool
	ExploreLevel        float64

	Mode             retrieval.Mode
	FreshWindowHours int
	FreshRatio       float64
}

// Response is the assembled feed.
type Response struct {
	RequestID       string
	UserID          string
	Variant         domain.Variant
	ModelVersion    string
	Method          string
	Items           []domain.Candidate
	Diversification *domain.DiversificationSummary
}

// Service serves feeds.
type Service struct {
	rollout   RolloutLoader
	vectors   VectorBuilder
	retrieval Retriever
	rerank    Reranker
	diversify Diversifier
	explain   Explainer
	cfg       Config
	logger    *zap.Logger

	newRequestID func() string
}

// New creates a feed service.
func New(
	rolloutCfg RolloutLoader, vectors VectorBuilder, retriever Retriever,
	reranker Reranker, diversifier Diversifier, explainer Explainer,
	cfg Config, logger *zap.Logger,
) *Service {
	cfg.ApplyDefaults()
	return &Service{
		rollout:      rolloutCfg,
		vectors:      vectors,
		retrieval:    retriever,
		rerank:       reranker,
		diversify:    diversifier,
		explain:      explainer,
		cfg:          cfg,
		logger:       logger,
		newRequestID: uuid.NewString,
	}
}

// Serve runs the full pipeline for one request. An empty candidate pool
// yields an empty popular_fallback response, not an error; store failures
// propagate to the caller.
func (s *Service) Serve(ctx context.Context, req Request) (Response, error) {
	topN := req.TopN
	if topN <= 0 {
		topN = s.cfg.DefaultTopN
	}
	explore := req.ExploreLevel
	if explore < 0 {
		explore = s.cfg.DefaultExploreLevel
	}
	if explore > 1 {
		explore = 1
	}

	rolloutCfg, err := s.rollout.Load(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("load rollout config: %w", err)
	}

	resp := Response{
		RequestID: s.newRequestID(),
		UserID:    req.UserID,
	}
	resp.Variant = rollout.Assign(rolloutCfg, req.UserID, resp.RequestID)
	resp.ModelVersion = rolloutCfg.ModelVersionFor(resp.Variant)
	metrics.FeedRequestsTotal.WithLabelValues(string(resp.Variant)).Inc()

	start := time.Now()
	user, err := s.vectors.Build(ctx, req.UserID, req.HistoryK)
	if err != nil && !errors.Is(err, domain.ErrNoVector) {
		return Response{}, fmt.Errorf("build user vector: %w", err)
	}
	observeStage("user_vector", start)

	start = time.Now()
	pool, err := s.retrieval.Retrieve(ctx, retrieval.Request{
		UserID:           req.UserID,
		Vector:           user.Vector,
		TargetN:          topN,
		ExploreLevel:     explore,
		Mode:             req.Mode,
		FreshWindowHours: req.FreshWindowHours,
		FreshRatio:       req.FreshRatio,
	})
	if err != nil {
		return Response{}, fmt.Errorf("retrieve candidates: %w", err)
	}
	observeStage("retrieve", start)
	metrics.FeedCandidates.WithLabelValues("retrieve").Observe(float64(len(pool.Candidates)))

	resp.Method = pool.Method
	items := pool.Candidates

	if len(items) == 0 {
		resp.Method = domain.MethodPopularFallback
		resp.Items = []domain.Candidate{}
		metrics.FeedFallbackTotal.WithLabelValues(resp.Method).Inc()
		s.logger.Info("Feed served empty",
			zap.String("user_id", req.UserID),
			zap.String("request_id", resp.RequestID),
		)
		return resp, nil
	}

	if resp.Method == domain.MethodPopularFallback {
		metrics.FeedFallbackTotal.WithLabelValues(resp.Method).Inc()
		if len(items) > topN {
			items = items[:topN]
		}
	} else {
		if req.Rerank {
			start = time.Now()
			items, _, err = s.rerank.Rerank(items, rerank.UserContext{
				Vector:     user.Vector,
				Categories: user.Categories,
				LastClick:  user.LastClick,
			})
			if err != nil {
				return Response{}, fmt.Errorf("rerank candidates: %w", err)
			}
			observeStage("rerank", start)
		}

		if req.Diversify {
			start = time.Now()
			selected, derr := s.diversify.Diversify(ctx, req.UserID, items, explore, topN)
			if derr != nil {
				return Response{}, fmt.Errorf("diversify slate: %w", derr)
			}
			observeStage("diversify", start)
			metrics.FeedCandidates.WithLabelValues("diversify").Observe(float64(len(selected.Selected)))

			items = selected.Selected
			resp.Method = domain.MethodPersonalizedDiversified
			resp.Diversification = &selected.Summary
		} else {
			if len(items) > topN {
				items = items[:topN]
			}
			resp.Method = domain.MethodRerankOnly
		}
	}

	if req.IncludeExplanations {
		start = time.Now()
		items, err = s.explain.Annotate(ctx, req.UserID, items, explain.Request{
			Method:       resp.Method,
			RecentClicks: explain.BuildClickEvidence(user.Clicks, user.ClickedItems, s.cfg.EvidenceClicks),
			PreferredIDs: preferredIDs(user.Clicks),
		})
		if err != nil {
			return Response{}, fmt.Errorf("annotate slate: %w", err)
		}
		observeStage("explain", start)
	}

	resp.Items = items
	s.logger.Debug("Feed served",
		zap.String("user_id", req.UserID),
		zap.String("request_id", resp.RequestID),
		zap.String("variant", string(resp.Variant)),
		zap.String("method", resp.Method),
		zap.Int("items", len(items)),
	)
	return resp, nil
}

func preferredIDs(clicks []domain.ClickRecord) map[string]bool {
	if len(clicks) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(clicks))
	for _, rec := range clicks {
		ids[rec.ItemID] = true
	}
	return ids
}

func observeStage(stage string, start time.Time) {
	metrics.FeedStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
