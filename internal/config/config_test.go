package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Addrs: []string{"localhost:6379"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for port 0, got nil")
	}
	if !strings.Contains(err.Error(), "http.port") {
		t.Errorf("error should mention http.port, got: %v", err)
	}
}

func TestValidate_MissingDatabaseAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Addrs = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for empty database.addrs, got nil")
	}
	if !strings.Contains(err.Error(), "database.addrs") {
		t.Errorf("error should mention database.addrs, got: %v", err)
	}
}

func TestValidate_InvalidBudgetAction(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Providers = map[string]ProviderConfig{
		"openai": {Budget: BudgetConfig{Action: "block"}},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid budget action")
	}

	expected := `embedding.providers.openai.budget.action must be "warn" or "reject", got "block"`
	if err.Error() != expected {
		t.Errorf("error = %q, want %q", err.Error(), expected)
	}
}

func TestValidate_ValidBudgetActions(t *testing.T) {
	for _, action := range []string{"", "warn", "reject"} {
		cfg := validConfig()
		cfg.Embedding.Providers = map[string]ProviderConfig{
			"openai": {Budget: BudgetConfig{Action: action}},
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("action %q should be valid, got: %v", action, err)
		}
	}
}

func TestValidate_VectorizerWithoutProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Vectorizer = VectorizerConfig{Provider: "openai", Model: "text-embedding-3-small"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for vectorizer without provider entry, got nil")
	}

	cfg.Embedding.Providers = map[string]ProviderConfig{"openai": {}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("vectorizer with matching provider should be valid, got: %v", err)
	}
}

func TestValidate_CanaryPercentOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Rollout.CanaryPercent = 150

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for canary_percent 150, got nil")
	}
	if !strings.Contains(err.Error(), "rollout.canary_percent") {
		t.Errorf("error should mention rollout.canary_percent, got: %v", err)
	}
}

func TestValidate_ExploreRatioTooHigh(t *testing.T) {
	cfg := validConfig()
	cfg.Feed.ExploreRatio = 0.6

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for explore_ratio above 0.5, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("ReadTimeoutSec = %d, want 10", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.Database.Driver != "valkey" {
		t.Errorf("Driver = %q, want valkey", cfg.Database.Driver)
	}
	if cfg.Feed.DefaultTopN != 200 {
		t.Errorf("DefaultTopN = %d, want 200", cfg.Feed.DefaultTopN)
	}
	if cfg.Feed.DefaultExploreLevel != 0.3 {
		t.Errorf("DefaultExploreLevel = %v, want 0.3", cfg.Feed.DefaultExploreLevel)
	}
	if cfg.Feed.HistoryK != 50 {
		t.Errorf("HistoryK = %d, want 50", cfg.Feed.HistoryK)
	}
	if cfg.Rollout.CanaryPercent != 5 {
		t.Errorf("CanaryPercent = %d, want 5", cfg.Rollout.CanaryPercent)
	}
	if cfg.Rollout.CTRDropThreshold != 0.1 {
		t.Errorf("CTRDropThreshold = %v, want 0.1", cfg.Rollout.CTRDropThreshold)
	}
	if cfg.Profile.HalfLifeDays != 7 {
		t.Errorf("HalfLifeDays = %v, want 7", cfg.Profile.HalfLifeDays)
	}
	if cfg.Index.HNSWM != 32 {
		t.Errorf("HNSWM = %d, want 32", cfg.Index.HNSWM)
	}
	if cfg.Jobs.EventKeep != 1_000_000 {
		t.Errorf("EventKeep = %d, want 1000000", cfg.Jobs.EventKeep)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TOPFEED_TEST_PASSWORD", "s3cret")

	in := []byte("password: ${TOPFEED_TEST_PASSWORD}\nport: ${TOPFEED_TEST_PORT:-8080}\n")
	out := string(expandEnvVars(in))

	if !strings.Contains(out, "password: s3cret") {
		t.Errorf("env var not expanded: %s", out)
	}
	if !strings.Contains(out, "port: 8080") {
		t.Errorf("default not applied: %s", out)
	}
}
