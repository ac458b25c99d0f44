// Package rerank reorders the candidate pool with a trained click model.
// Model artifacts are loaded lazily and at most once; when they are absent
// or corrupt the service degrades to a passthrough that keeps retrieval order.
package rerank

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/topfeed/topfeed/internal/domain"
)

// Config points at the model artifacts on disk.
type Config struct {
	ModelPath  string
	ConfigPath string
	Logger     *zap.Logger
}

// UserContext is the per-request user signal consumed by the feature builder.
type UserContext struct {
	Vector     []float32
	Categories map[string]struct{}
	LastClick  domain.Timestamp
}

// Service applies the reranking model.
type Service struct {
	load func() *Model
	now  func() time.Time
}

// New creates a reranking service. The artifacts are read on first use;
// unreadable or corrupt artifacts disable the model rather than failing
// requests.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		load: sync.OnceValue(func() *Model {
			m, err := loadModel(cfg.ModelPath, cfg.ConfigPath)
			if err != nil {
				log.Warn("Reranker disabled: model artifacts unusable",
					zap.String("model_path", cfg.ModelPath),
					zap.Error(err))
				return nil
			}
			return m
		}),
		now: time.Now,
	}
}

// Enabled reports whether the model artifacts loaded successfully.
func (s *Service) Enabled() bool {
	return s.load() != nil
}

// Rerank scores candidates and sorts them by predicted click probability,
// descending; equal scores keep their incoming order. Without a model or a
// user vector it leaves the order untouched and mirrors the retrieval score
// into RelScore. The returned bool reports whether the model was applied.
func (s *Service) Rerank(cands []domain.Candidate, user UserContext) ([]domain.Candidate, bool, error) {
	model := s.load()
	if model == nil || len(user.Vector) == 0 {
		for i := range cands {
			cands[i].RelScore = cands[i].RetrievalScore
		}
		return cands, false, nil
	}

	recencyDays := 0.0
	if user.LastClick.Valid() {
		recencyDays = user.LastClick.AgeDays(s.now())
	}

	for i := range cands {
		item := &cands[i].Item
		match := 0.0
		if item.Category != "" {
			if _, ok := user.Categories[item.Category]; ok {
				match = 1.0
			}
		}
		cands[i].RelScore = model.predict([featureCount]float64{
			float64(i + 1),
			float64(utf8.RuneCountInString(item.Title)),
			float64(utf8.RuneCountInString(item.Abstract)),
			model.categoryCTR(item.Category),
			model.subcategoryCTR(item.Subcategory),
			match,
			recencyDays,
			domain.Cosine(user.Vector, item.Embedding),
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].RelScore > cands[j].RelScore
	})
	return cands, true, nil
}
