package rollout

import (
	"context"
	"time"

	"github.com/topfeed/topfeed/internal/domain"
)

// ConfigStore reads and writes the persisted rollout flags.
type ConfigStore interface {
	Load(ctx context.Context, defaults domain.RolloutConfig) (domain.RolloutConfig, error)
	Set(ctx context.Context, key, value string) error
	DisableCanary(ctx context.Context) error
}

// EventReader reads the interaction log for the guardrail window.
type EventReader interface {
	EventsSince(ctx context.Context, since time.Time) ([]domain.Event, error)
}
