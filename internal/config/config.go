// Package config loads and validates scout configuration from YAML with
// environment overrides. All durations are expressed as strings ("15s",
// "24h") in the file and parsed on access.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all scout configuration.
type Config struct {
	// State directory for logs, caches, registries, sessions.
	StateDir string `yaml:"state_dir"`

	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Browser   BrowserConfig   `yaml:"browser"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Search    SearchConfig    `yaml:"search"`
	Cache     CacheConfig     `yaml:"cache"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Research  ResearchConfig  `yaml:"research"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the language model invoker.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // gemini, openai
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// EmbeddingConfig configures the embedding engine used by the response cache.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // gemini, ollama, none
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
}

// BrowserConfig configures the rod browser pool.
type BrowserConfig struct {
	Headless        bool   `yaml:"headless"`
	ExecutablePath  string `yaml:"executable_path"`
	NavigateTimeout string `yaml:"navigate_timeout"`
	IdleContextTTL  string `yaml:"idle_context_ttl"`
	MaxContexts     int    `yaml:"max_contexts"`
}

// RateLimitConfig configures the global search limiter and engine health
// tracking. Backoff grows as backoff_on_block * 2^(blocks-1), capped at
// max_backoff.
type RateLimitConfig struct {
	MinDelay           string `yaml:"min_delay"`
	BackoffOnBlock     string `yaml:"backoff_on_block"`
	MaxBackoff         string `yaml:"max_backoff"`
	EngineCooldown     string `yaml:"engine_cooldown"`
	EngineMaxFailures  int    `yaml:"engine_max_failures"`
	HealthDecayWindow  string `yaml:"health_decay_window"`
	InterventionWait   string `yaml:"intervention_wait"`
	RecoveryProbeDelay string `yaml:"recovery_probe_delay"`
}

// SearchConfig configures engines and SERP handling.
type SearchConfig struct {
	Engines        []string `yaml:"engines"`
	MaxResults     int      `yaml:"max_results"`
	WarmupEnabled  bool     `yaml:"warmup_enabled"`
	WarmupMinIdle  string   `yaml:"warmup_min_idle"`
	WarmupMaxIdle  string   `yaml:"warmup_max_idle"`
	BlockThreshold float64  `yaml:"block_threshold"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled             bool    `yaml:"enabled"`
	TTL                 string  `yaml:"ttl"`
	GraceMultiplier     float64 `yaml:"grace_multiplier"`
	SemanticWeight      float64 `yaml:"semantic_weight"`
	LexicalWeight       float64 `yaml:"lexical_weight"`
	SemanticThreshold   float64 `yaml:"semantic_threshold"`
	LexicalThreshold    float64 `yaml:"lexical_threshold"`
	MaxEntries          int     `yaml:"max_entries"`
	ExcellentConfidence float64 `yaml:"excellent_confidence"`
}

// KnowledgeConfig configures the research index and retriever.
type KnowledgeConfig struct {
	DatabasePath          string  `yaml:"database_path"`
	DefaultTTL            string  `yaml:"default_ttl"`
	ConfidenceDecayPerDay float64 `yaml:"confidence_decay_per_day"`
	MinConfidence         float64 `yaml:"min_confidence"`
	CompletenessThreshold float64 `yaml:"completeness_threshold"`
}

// ResearchConfig configures orchestration.
type ResearchConfig struct {
	MaxPasses             int     `yaml:"max_passes"`
	PerVendorTimeout      string  `yaml:"per_vendor_timeout"`
	PerSourceTimeout      string  `yaml:"per_source_timeout"`
	VendorConcurrency     int     `yaml:"vendor_concurrency"`
	MaxNavigationSteps    int     `yaml:"max_navigation_steps"`
	RelevanceAbandon      float64 `yaml:"relevance_abandon"`
	RelevanceFallback     float64 `yaml:"relevance_fallback"`
	MatchRatioFloor       float64 `yaml:"match_ratio_floor"`
	QuarantineAfter       int     `yaml:"quarantine_after"`
	QuarantineDuration    string  `yaml:"quarantine_duration"`
	SatisfactionThreshold float64 `yaml:"satisfaction_threshold"`
	MaxPhase1Sources      int     `yaml:"max_phase1_sources"`
	MaxPhase2Vendors      int     `yaml:"max_phase2_vendors"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool     `yaml:"debug_mode"`
	Level      string   `yaml:"level"`
	JSONFormat bool     `yaml:"json_format"`
	Categories []string `yaml:"categories"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".scout")
	return &Config{
		StateDir: stateDir,
		LLM: LLMConfig{
			Provider:   "gemini",
			Model:      "gemini-2.0-flash",
			Timeout:    "90s",
			MaxRetries: 3,
		},
		Embedding: EmbeddingConfig{
			Provider:  "gemini",
			Model:     "text-embedding-004",
			Dimension: 768,
		},
		Browser: BrowserConfig{
			Headless:        true,
			NavigateTimeout: "45s",
			IdleContextTTL:  "10m",
			MaxContexts:     8,
		},
		RateLimit: RateLimitConfig{
			MinDelay:           "15s",
			BackoffOnBlock:     "60s",
			MaxBackoff:         "15m",
			EngineCooldown:     "5m",
			EngineMaxFailures:  3,
			HealthDecayWindow:  "30m",
			InterventionWait:   "2m",
			RecoveryProbeDelay: "10m",
		},
		Search: SearchConfig{
			Engines:        []string{"brave", "duckduckgo", "bing", "google"},
			MaxResults:     10,
			WarmupEnabled:  true,
			WarmupMinIdle:  "800ms",
			WarmupMaxIdle:  "2500ms",
			BlockThreshold: 0.7,
		},
		Cache: CacheConfig{
			Enabled:             true,
			TTL:                 "24h",
			GraceMultiplier:     1.5,
			SemanticWeight:      0.7,
			LexicalWeight:       0.3,
			SemanticThreshold:   0.62,
			LexicalThreshold:    0.15,
			MaxEntries:          500,
			ExcellentConfidence: 0.85,
		},
		Knowledge: KnowledgeConfig{
			DatabasePath:          filepath.Join(stateDir, "research_index.db"),
			DefaultTTL:            "168h",
			ConfidenceDecayPerDay: 0.02,
			MinConfidence:         0.2,
			CompletenessThreshold: 0.6,
		},
		Research: ResearchConfig{
			MaxPasses:             10,
			PerVendorTimeout:      "3m",
			PerSourceTimeout:      "2m",
			VendorConcurrency:     3,
			MaxNavigationSteps:    5,
			RelevanceAbandon:      0.3,
			RelevanceFallback:     0.5,
			MatchRatioFloor:       0.3,
			QuarantineAfter:       3,
			QuarantineDuration:    "24h",
			SatisfactionThreshold: 0.75,
			MaxPhase1Sources:      5,
			MaxPhase2Vendors:      5,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config at path, layering it over defaults and applying
// environment overrides. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// YAML renders the config for display.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCOUT_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("SCOUT_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("SCOUT_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("SCOUT_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("SCOUT_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SCOUT_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("SCOUT_BROWSER_PATH"); v != "" {
		c.Browser.ExecutablePath = v
	}
	if v := os.Getenv("SCOUT_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if len(c.Search.Engines) == 0 {
		return fmt.Errorf("search.engines must list at least one engine")
	}
	if w := c.Cache.SemanticWeight + c.Cache.LexicalWeight; w < 0.99 || w > 1.01 {
		return fmt.Errorf("cache weights must sum to 1.0, got %.2f", w)
	}
	if c.Research.MaxPasses < 1 {
		return fmt.Errorf("research.max_passes must be >= 1")
	}
	if c.Research.VendorConcurrency < 1 {
		return fmt.Errorf("research.vendor_concurrency must be >= 1")
	}
	return nil
}

// duration parses s, falling back to def on empty or malformed values.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ===== Duration accessors =====

func (c *Config) LLMTimeout() time.Duration      { return duration(c.LLM.Timeout, 90*time.Second) }
func (c *Config) NavigateTimeout() time.Duration { return duration(c.Browser.NavigateTimeout, 45*time.Second) }
func (c *Config) IdleContextTTL() time.Duration  { return duration(c.Browser.IdleContextTTL, 10*time.Minute) }

func (c *RateLimitConfig) MinDelayDuration() time.Duration {
	return duration(c.MinDelay, 15*time.Second)
}
func (c *RateLimitConfig) BackoffOnBlockDuration() time.Duration {
	return duration(c.BackoffOnBlock, time.Minute)
}
func (c *RateLimitConfig) MaxBackoffDuration() time.Duration {
	return duration(c.MaxBackoff, 15*time.Minute)
}
func (c *RateLimitConfig) EngineCooldownDuration() time.Duration {
	return duration(c.EngineCooldown, 5*time.Minute)
}
func (c *RateLimitConfig) InterventionWaitDuration() time.Duration {
	return duration(c.InterventionWait, 2*time.Minute)
}

func (c *SearchConfig) WarmupIdleBounds() (time.Duration, time.Duration) {
	lo := duration(c.WarmupMinIdle, 800*time.Millisecond)
	hi := duration(c.WarmupMaxIdle, 2500*time.Millisecond)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (c *CacheConfig) TTLDuration() time.Duration { return duration(c.TTL, 24*time.Hour) }

func (c *KnowledgeConfig) DefaultTTLDuration() time.Duration {
	return duration(c.DefaultTTL, 168*time.Hour)
}

func (c *ResearchConfig) PerVendorTimeoutDuration() time.Duration {
	return duration(c.PerVendorTimeout, 3*time.Minute)
}
func (c *ResearchConfig) PerSourceTimeoutDuration() time.Duration {
	return duration(c.PerSourceTimeout, 2*time.Minute)
}
func (c *ResearchConfig) QuarantineDurationDuration() time.Duration {
	return duration(c.QuarantineDuration, 24*time.Hour)
}
