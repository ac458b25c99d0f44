package domain

import (
	"strconv"
	"strings"
)

// Variant identifies the rollout arm serving a request.
type Variant string

const (
	VariantControl Variant = "control"
	VariantCanary  Variant = "canary"
)

// Rollout configuration keys in the versioned key-value store.
const (
	RolloutKeyCanaryEnabled       = "CANARY_ENABLED"
	RolloutKeyCanaryPercent       = "CANARY_PERCENT"
	RolloutKeyControlModelVersion = "CONTROL_MODEL_VERSION"
	RolloutKeyCanaryModelVersion  = "CANARY_MODEL_VERSION"
	RolloutKeyCanaryAutoDisable   = "CANARY_AUTO_DISABLE"
)

// RolloutConfig is the effective rollout state, read on every feed request.
type RolloutConfig struct {
	CanaryEnabled       bool
	CanaryPercent       int
	ControlModelVersion string
	CanaryModelVersion  string
	CanaryAutoDisable   bool
}

// ModelVersionFor resolves the model version serving the given variant.
func (c RolloutConfig) ModelVersionFor(v Variant) string {
	if v == VariantCanary {
		return c.CanaryModelVersion
	}
	return c.ControlModelVersion
}

// ParseRolloutBool interprets stored flag values ("1", "true", "yes", "on").
func ParseRolloutBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// ParseRolloutPercent parses a stored percentage, clamped to [0, 100];
// unparseable input yields the fallback.
func ParseRolloutPercent(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		n = fallback
	}
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
