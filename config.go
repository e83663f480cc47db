package swiftbuy

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything tunable about the engine. It is loaded from YAML
// with flag overrides applied by the CLI; a missing file is materialized
// with defaults on first run.
type Config struct {
	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`
	UserAgent          string `yaml:"user_agent"`

	// Budgets. Each phase has its own wall-clock deadline and the run has
	// an outer one; rate-limit sleeps extend them rather than consume them.
	OuterDeadlineSeconds int `yaml:"outer_deadline_seconds"`
	PhaseDeadlineSeconds int `yaml:"phase_deadline_seconds"`
	MaxTurnsPerPhase     int `yaml:"max_turns_per_phase"`
	RateLimitRetryCap    int `yaml:"rate_limit_retry_cap"`

	// Safety. Fractional deviation of observed total from the authorized
	// price that still counts as tax/shipping rather than a wrong order.
	PriceTolerance float64 `yaml:"price_tolerance"`

	// Fast-fill escalation: payment fields are only fast-filled when at
	// least ShippingFillThreshold of present shipping fields landed and at
	// most ShippingMaxMissing are missing.
	ShippingFillThreshold float64 `yaml:"shipping_fill_threshold"`
	ShippingMaxMissing    int     `yaml:"shipping_max_missing"`

	// Conversation pruning: screenshots beyond this many recent ones are
	// replaced with text placeholders.
	KeepScreenshots int `yaml:"keep_screenshots"`

	Oracles []OracleConfig `yaml:"oracles"`
	Cache   CacheConfig    `yaml:"cache"`

	DebugMode bool `yaml:"debug_mode"`
}

// OracleConfig describes one decision backend. Order in the list is the
// fallback order: first healthy wins.
type OracleConfig struct {
	// Kind is "chat" (OpenAI-compatible completions) or "messages"
	// (Anthropic-style messages).
	Kind      string  `yaml:"kind"`
	BaseURL   string  `yaml:"base_url"`
	Model     string  `yaml:"model"`
	APIKeyEnv string  `yaml:"api_key_env"`
	RPS       float64 `yaml:"rps"`
}

// CacheConfig selects the learned-flow store.
type CacheConfig struct {
	// Backend is "sqlite" (default), "redis", or "none".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	TTLHours   int    `yaml:"ttl_hours"`
}

func DefaultConfig() *Config {
	dataDir := defaultDataDir()

	return &Config{
		BrowserProfilePath:    filepath.Join(dataDir, "browser-profile"),
		Headless:              false,
		ViewportWidth:         1920,
		ViewportHeight:        1080,
		OuterDeadlineSeconds:  420,
		PhaseDeadlineSeconds:  180,
		MaxTurnsPerPhase:      20,
		RateLimitRetryCap:     5,
		PriceTolerance:        0.18,
		ShippingFillThreshold: 0.75,
		ShippingMaxMissing:    2,
		KeepScreenshots:       3,
		Oracles: []OracleConfig{
			{Kind: "chat", Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", RPS: 1},
			{Kind: "messages", Model: "claude-sonnet-4-20250514", APIKeyEnv: "ANTHROPIC_API_KEY", RPS: 0.5},
		},
		Cache: CacheConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(dataDir, "flows.db"),
		},
		DebugMode: false,
	}
}

// LoadConfig reads the YAML config at path, writing the defaults there
// first if the file does not exist yet.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) OuterDeadline() time.Duration {
	return time.Duration(c.OuterDeadlineSeconds) * time.Second
}

func (c *Config) PhaseDeadline() time.Duration {
	return time.Duration(c.PhaseDeadlineSeconds) * time.Second
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./swiftbuy-data"
	}
	return filepath.Join(home, ".swiftbuy")
}
