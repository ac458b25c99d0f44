// Package rollout assigns requests to rollout variants with a stable hash
// bucket and guards the canary with a windowed CTR and novelty comparison
// that can disable it automatically.
package rollout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
)

// Config is the process-level rollout tuning; stored flags overlay Defaults.
type Config struct {
	Defaults domain.RolloutConfig

	WindowMinutes         int
	CTRDropThreshold      float64
	NoveltySpikeThreshold float64
}

// ApplyDefaults fills zero values with the standard tuning.
func (c *Config) ApplyDefaults() {
	if c.Defaults.CanaryPercent == 0 {
		c.Defaults.CanaryPercent = 5
	}
	if c.Defaults.ControlModelVersion == "" {
		c.Defaults.ControlModelVersion = "reranker_baseline:v1"
	}
	if c.Defaults.CanaryModelVersion == "" {
		c.Defaults.CanaryModelVersion = "reranker_baseline:v2"
	}
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = 60
	}
	if c.CTRDropThreshold <= 0 {
		c.CTRDropThreshold = 0.1
	}
	if c.NoveltySpikeThreshold <= 0 {
		c.NoveltySpikeThreshold = 0.1
	}
}

// VariantStats aggregates one rollout arm over the guardrail window.
type VariantStats struct {
	ModelVersion string   `json:"model_version"`
	Impressions  int      `json:"impressions"`
	Clicks       int      `json:"clicks"`
	CTR          float64  `json:"ctr"`
	NoveltyProxy *float64 `json:"novelty_proxy"`
}

// GuardrailReport is the outcome of one guardrail check.
type GuardrailReport struct {
	WindowMinutes         int          `json:"window_minutes"`
	CTRDropThreshold      float64      `json:"ctr_drop_threshold"`
	NoveltySpikeThreshold float64      `json:"novelty_spike_threshold"`
	Control               VariantStats `json:"control"`
	Canary                VariantStats `json:"canary"`
	CTRDrop               float64      `json:"ctr_drop"`
	NoveltyDelta          *float64     `json:"novelty_delta"`
	RollbackRecommended   bool         `json:"rollback_recommended"`
	AutoDisabled          bool         `json:"auto_disabled"`
}

// Service implements variant assignment and the canary guardrail.
type Service struct {
	config ConfigStore
	events EventReader
	cfg    Config
	now    func() time.Time
}

// New creates a rollout service.
func New(config ConfigStore, events EventReader, cfg Config) *Service {
	cfg.ApplyDefaults()
	return &Service{config: config, events: events, cfg: cfg, now: time.Now}
}

// Load returns the effective rollout state: stored flags over process defaults.
func (s *Service) Load(ctx context.Context) (domain.RolloutConfig, error) {
	return s.config.Load(ctx, s.cfg.Defaults)
}

// Update writes rollout flags and returns the applied values.
func (s *Service) Update(ctx context.Context, updates map[string]string) error {
	for key, value := range updates {
		if err := s.config.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Assign buckets a request into a variant. The same user always lands in the
// same bucket; anonymous requests hash the request id instead.
func Assign(cfg domain.RolloutConfig, userID, requestID string) domain.Variant {
	if !cfg.CanaryEnabled || cfg.CanaryPercent <= 0 {
		return domain.VariantControl
	}
	key := userID
	if key == "" {
		key = requestID
	}
	if key == "" {
		key = "anonymous"
	}
	if bucket(key) < cfg.CanaryPercent {
		return domain.VariantCanary
	}
	return domain.VariantControl
}

// bucket maps a key to [0,100) via the first 32 bits of its SHA-256 digest.
func bucket(key string) int {
	digest := sha256.Sum256([]byte(key))
	n, _ := strconv.ParseUint(hex.EncodeToString(digest[:4]), 16, 64)
	return int(n % 100)
}

// GuardrailParams overrides the configured guardrail tuning for one check.
// Zero values keep the configured defaults.
type GuardrailParams struct {
	WindowMinutes         int
	CTRDropThreshold      float64
	NoveltySpikeThreshold float64
}

// CheckGuardrail compares canary against control over the recent window.
// A rollback is recommended when canary CTR dropped by at least the CTR
// threshold while its novelty rose by at least the spike threshold; with
// auto-disable on, the canary flag is flipped off in the same pass.
func (s *Service) CheckGuardrail(ctx context.Context, params GuardrailParams) (GuardrailReport, error) {
	window := s.cfg.WindowMinutes
	if params.WindowMinutes > 0 {
		window = params.WindowMinutes
	}
	ctrDrop := s.cfg.CTRDropThreshold
	if params.CTRDropThreshold > 0 {
		ctrDrop = params.CTRDropThreshold
	}
	noveltySpike := s.cfg.NoveltySpikeThreshold
	if params.NoveltySpikeThreshold > 0 {
		noveltySpike = params.NoveltySpikeThreshold
	}

	cfg, err := s.Load(ctx)
	if err != nil {
		return GuardrailReport{}, err
	}

	since := s.now().Add(-time.Duration(window) * time.Minute)
	events, err := s.events.EventsSince(ctx, since)
	if err != nil {
		return GuardrailReport{}, fmt.Errorf("guardrail window: %w", err)
	}

	report := GuardrailReport{
		WindowMinutes:         window,
		CTRDropThreshold:      ctrDrop,
		NoveltySpikeThreshold: noveltySpike,
		Control:               aggregate(events, cfg.ControlModelVersion),
		Canary:                aggregate(events, cfg.CanaryModelVersion),
	}

	if report.Control.CTR > 0 {
		report.CTRDrop = 1.0 - report.Canary.CTR/report.Control.CTR
	}
	if report.Control.NoveltyProxy != nil && report.Canary.NoveltyProxy != nil {
		delta := *report.Canary.NoveltyProxy - *report.Control.NoveltyProxy
		report.NoveltyDelta = &delta
	}

	report.RollbackRecommended = report.CTRDrop >= ctrDrop &&
		report.NoveltyDelta != nil &&
		*report.NoveltyDelta >= noveltySpike

	if report.RollbackRecommended && cfg.CanaryAutoDisable && cfg.CanaryEnabled {
		if err := s.config.DisableCanary(ctx); err != nil {
			return report, fmt.Errorf("auto-disable canary: %w", err)
		}
		report.AutoDisabled = true
	}
	return report, nil
}

// aggregate folds the window's events for one model version. The novelty
// proxy averages only over impressions that carried one.
func aggregate(events []domain.Event, modelVersion string) VariantStats {
	stats := VariantStats{ModelVersion: modelVersion}
	var noveltySum float64
	var noveltyN int
	for _, ev := range events {
		if ev.ModelVersion != modelVersion {
			continue
		}
		switch ev.Kind {
		case domain.EventImpression:
			stats.Impressions++
			if ev.NoveltyProxy != nil {
				noveltySum += *ev.NoveltyProxy
				noveltyN++
			}
		case domain.EventClick:
			stats.Clicks++
		}
	}
	if stats.Impressions > 0 {
		stats.CTR = float64(stats.Clicks) / float64(stats.Impressions)
	}
	if noveltyN > 0 {
		avg := noveltySum / float64(noveltyN)
		stats.NoveltyProxy = &avg
	}
	return stats
}
