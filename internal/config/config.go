package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the topfeed API configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Feed      FeedConfig      `yaml:"feed"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Rollout   RolloutConfig   `yaml:"rollout"`
	Profile   ProfileConfig   `yaml:"profile"`
	Index     IndexConfig     `yaml:"index"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// FeedConfig tunes the serving pipeline.
type FeedConfig struct {
	DefaultTopN         int     `yaml:"default_top_n"`
	DefaultExploreLevel float64 `yaml:"default_explore_level"`
	CandidatePoolN      int     `yaml:"candidate_pool_n"`
	ExploreRatio        float64 `yaml:"explore_ratio"`
	ExcludeRecentM      int     `yaml:"exclude_recent_m"`
	MaxExploreNodes     int     `yaml:"max_explore_nodes"`
	HistoryK            int     `yaml:"history_k"`
	HalfLifeDays        float64 `yaml:"half_life_days"`
	FreshWindowHours    int     `yaml:"fresh_window_hours"`
	FreshRatio          float64 `yaml:"fresh_ratio"`
	MaxCategories       int     `yaml:"max_categories"`
	MaxSubcategories    int     `yaml:"max_subcategories"`
}

// RerankerConfig points at the exported model artifacts. Empty paths disable
// reranking (the pipeline passes retrieval scores through).
type RerankerConfig struct {
	ModelPath  string `yaml:"model_path"`
	ConfigPath string `yaml:"config_path"`
}

// RolloutConfig seeds the canary defaults and the guardrail thresholds.
type RolloutConfig struct {
	CanaryEnabled         bool    `yaml:"canary_enabled"`
	CanaryPercent         int     `yaml:"canary_percent"`
	ControlModelVersion   string  `yaml:"control_model_version"`
	CanaryModelVersion    string  `yaml:"canary_model_version"`
	CanaryAutoDisable     bool    `yaml:"canary_auto_disable"`
	WindowMinutes         int     `yaml:"window_minutes"`
	CTRDropThreshold      float64 `yaml:"ctr_drop_threshold"`
	NoveltySpikeThreshold float64 `yaml:"novelty_spike_threshold"`
}

// ProfileConfig tunes the interest profile updater.
type ProfileConfig struct {
	WindowHours  int     `yaml:"window_hours"`
	HalfLifeDays float64 `yaml:"half_life_days"`
}

// IndexConfig holds the vector index build settings.
type IndexConfig struct {
	HNSWM           int `yaml:"hnsw_m"`
	HNSWEFConstruct int `yaml:"hnsw_ef_construction"`
}

// JobsConfig holds background job schedules (cron specs) and sizes.
type JobsConfig struct {
	TopUpdateCron   string `yaml:"top_update_cron"`
	GuardrailCron   string `yaml:"guardrail_cron"`
	BackfillCron    string `yaml:"backfill_cron"`
	EventTrimCron   string `yaml:"event_trim_cron"`
	EventKeep       int64  `yaml:"event_keep"`
	BackfillBatch   int    `yaml:"backfill_batch"`
	DisableSchedule bool   `yaml:"disable_schedule"`
}

// EmbeddingConfig holds embedding settings.
type EmbeddingConfig struct {
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Vectorizer VectorizerConfig          `yaml:"vectorizer"`
}

// BudgetConfig holds token budget settings.
type BudgetConfig struct {
	DailyTokenLimit   int64  `yaml:"daily_token_limit"`   // 0 = unlimited
	MonthlyTokenLimit int64  `yaml:"monthly_token_limit"` // 0 = unlimited
	Action            string `yaml:"action"`              // "reject" | "warn" (default)
}

// ProviderConfig holds embedding provider settings.
type ProviderConfig struct {
	APIKey  string       `yaml:"api_key"`
	BaseURL string       `yaml:"base_url"`
	Budget  BudgetConfig `yaml:"budget"`
}

// VectorizerConfig holds the item vectorizer settings. Instruction is an
// optional prefix prepended to every text (e5-style models require one).
type VectorizerConfig struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
	Instruction string `yaml:"instruction"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "valkey"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}

	if c.Feed.DefaultTopN <= 0 {
		c.Feed.DefaultTopN = 200
	}
	if c.Feed.DefaultExploreLevel <= 0 {
		c.Feed.DefaultExploreLevel = 0.3
	}
	if c.Feed.CandidatePoolN <= 0 {
		c.Feed.CandidatePoolN = 200
	}
	if c.Feed.ExploreRatio <= 0 {
		c.Feed.ExploreRatio = 0.2
	}
	if c.Feed.ExcludeRecentM <= 0 {
		c.Feed.ExcludeRecentM = 200
	}
	if c.Feed.MaxExploreNodes <= 0 {
		c.Feed.MaxExploreNodes = 12
	}
	if c.Feed.HistoryK <= 0 {
		c.Feed.HistoryK = 50
	}
	if c.Feed.HalfLifeDays <= 0 {
		c.Feed.HalfLifeDays = 7
	}
	if c.Feed.FreshWindowHours <= 0 {
		c.Feed.FreshWindowHours = 72
	}
	if c.Feed.FreshRatio <= 0 {
		c.Feed.FreshRatio = 0.7
	}
	if c.Feed.MaxCategories <= 0 {
		c.Feed.MaxCategories = 8
	}
	if c.Feed.MaxSubcategories <= 0 {
		c.Feed.MaxSubcategories = 3
	}

	if c.Rollout.CanaryPercent <= 0 {
		c.Rollout.CanaryPercent = 5
	}
	if c.Rollout.ControlModelVersion == "" {
		c.Rollout.ControlModelVersion = "reranker_baseline:v1"
	}
	if c.Rollout.CanaryModelVersion == "" {
		c.Rollout.CanaryModelVersion = "reranker_baseline:v2"
	}
	if c.Rollout.WindowMinutes <= 0 {
		c.Rollout.WindowMinutes = 60
	}
	if c.Rollout.CTRDropThreshold <= 0 {
		c.Rollout.CTRDropThreshold = 0.1
	}
	if c.Rollout.NoveltySpikeThreshold <= 0 {
		c.Rollout.NoveltySpikeThreshold = 0.1
	}

	if c.Profile.WindowHours <= 0 {
		c.Profile.WindowHours = 24
	}
	if c.Profile.HalfLifeDays <= 0 {
		c.Profile.HalfLifeDays = 7
	}

	if c.Index.HNSWM <= 0 {
		c.Index.HNSWM = 32
	}
	if c.Index.HNSWEFConstruct <= 0 {
		c.Index.HNSWEFConstruct = 400
	}

	if c.Jobs.TopUpdateCron == "" {
		c.Jobs.TopUpdateCron = "@every 15m"
	}
	if c.Jobs.GuardrailCron == "" {
		c.Jobs.GuardrailCron = "@every 5m"
	}
	if c.Jobs.BackfillCron == "" {
		c.Jobs.BackfillCron = "@every 10m"
	}
	if c.Jobs.EventTrimCron == "" {
		c.Jobs.EventTrimCron = "@daily"
	}
	if c.Jobs.EventKeep <= 0 {
		c.Jobs.EventKeep = 1_000_000
	}
	if c.Jobs.BackfillBatch <= 0 {
		c.Jobs.BackfillBatch = 64
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Feed.ExploreRatio > 0.5 {
		return fmt.Errorf("feed.explore_ratio must not exceed 0.5, got %v", c.Feed.ExploreRatio)
	}
	if c.Rollout.CanaryPercent < 0 || c.Rollout.CanaryPercent > 100 {
		return fmt.Errorf("rollout.canary_percent must be between 0 and 100, got %d", c.Rollout.CanaryPercent)
	}
	for name, p := range c.Embedding.Providers {
		switch p.Budget.Action {
		case "", "warn", "reject":
			// ok
		default:
			return fmt.Errorf(
				"embedding.providers.%s.budget.action must be \"warn\" or \"reject\", got %q",
				name, p.Budget.Action,
			)
		}
	}
	if v := c.Embedding.Vectorizer; v.Provider != "" {
		if _, ok := c.Embedding.Providers[v.Provider]; !ok {
			return fmt.Errorf("embedding.vectorizer.provider %q has no matching provider entry", v.Provider)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
