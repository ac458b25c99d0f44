// Package rollout persists the canary rollout flags as a single hash so the
// serving path can read the effective state on every request.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/topfeed/topfeed/internal/db"
	"github.com/topfeed/topfeed/internal/domain"
)

const configKey = "rollout:config"

// store is the consumer interface for rollout flags (ISP).
type store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
}

// Repo implements rollout flag persistence.
type Repo struct {
	store store
}

// New creates a rollout repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// Load reads the stored flags overlaid on the given defaults. An absent hash
// yields the defaults unchanged.
func (r *Repo) Load(ctx context.Context, defaults domain.RolloutConfig) (domain.RolloutConfig, error) {
	m, err := r.store.HGetAll(ctx, configKey)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("load rollout config: %w", err)
	}

	cfg := defaults
	if v, ok := m[domain.RolloutKeyCanaryEnabled]; ok {
		cfg.CanaryEnabled = domain.ParseRolloutBool(v)
	}
	if v, ok := m[domain.RolloutKeyCanaryPercent]; ok {
		cfg.CanaryPercent = domain.ParseRolloutPercent(v, defaults.CanaryPercent)
	}
	if v, ok := m[domain.RolloutKeyControlModelVersion]; ok && v != "" {
		cfg.ControlModelVersion = v
	}
	if v, ok := m[domain.RolloutKeyCanaryModelVersion]; ok && v != "" {
		cfg.CanaryModelVersion = v
	}
	if v, ok := m[domain.RolloutKeyCanaryAutoDisable]; ok {
		cfg.CanaryAutoDisable = domain.ParseRolloutBool(v)
	}
	return cfg, nil
}

// Set writes one flag.
func (r *Repo) Set(ctx context.Context, key, value string) error {
	if err := r.store.HSet(ctx, configKey, map[string]string{key: value}); err != nil {
		return fmt.Errorf("set rollout flag %s: %w", key, err)
	}
	return nil
}

// DisableCanary flips the canary off, used by the guardrail auto-rollback.
func (r *Repo) DisableCanary(ctx context.Context) error {
	return r.Set(ctx, domain.RolloutKeyCanaryEnabled, strconv.FormatBool(false))
}
