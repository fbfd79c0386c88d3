package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/intentrouter/internal/router"
)

// Config holds all configuration for the intent router.
// It is loaded from ~/.intentrouter/config.yaml and can be overridden by environment variables.
type Config struct {
	Router      RouterConfig             `mapstructure:"router" yaml:"router"`
	Tiers       []TierConfig             `mapstructure:"tiers" yaml:"tiers"`
	Presets     map[string]router.Preset `mapstructure:"presets" yaml:"presets"`
	Pricing     []router.PricingEntry    `mapstructure:"pricing" yaml:"pricing"`
	Classifier  ClassifierConfig         `mapstructure:"classifier" yaml:"classifier"`
	Tools       ToolsConfig              `mapstructure:"tools" yaml:"tools"`
	Logging     LoggingConfig            `mapstructure:"logging" yaml:"logging"`
	DecisionLog DecisionLogConfig        `mapstructure:"decision_log" yaml:"decision_log"`
}

// RouterConfig contains the routing settings plus scorer tuning.
type RouterConfig struct {
	router.Settings `mapstructure:",squash" yaml:",inline"`

	// HistoryTurns is how many prior turns are scored with the request
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`
	// HistoryCharBudget truncates each prior turn before scoring
	HistoryCharBudget int `mapstructure:"history_char_budget" yaml:"history_char_budget"`
}

// TierConfig is one complexity band. Bands must be listed in ascending
// order and together cover [0, 1].
type TierConfig struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Low     float64  `mapstructure:"low" yaml:"low"`
	High    float64  `mapstructure:"high" yaml:"high"`
	Aliases []string `mapstructure:"aliases" yaml:"aliases,omitempty"`
}

// ClassifierConfig contains configuration for the fallback classifier.
type ClassifierConfig struct {
	// Enabled determines whether low-confidence requests consult the classifier
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Provider is the transport ("ollama", "openai" or "groq")
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Endpoint is the API base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// APIKey is the authentication key for the provider
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the cheap model used for classification
	Model string `mapstructure:"model" yaml:"model"`
	// Timeout bounds each classification call
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// PromptTemplate replaces the built-in prompt when set
	PromptTemplate string `mapstructure:"prompt_template" yaml:"prompt_template,omitempty"`
	// BreakerFailures is how many consecutive failures open the circuit (0 = disabled)
	BreakerFailures uint32 `mapstructure:"breaker_failures" yaml:"breaker_failures"`
}

// ToolsConfig contains configuration for tool matching and loading.
type ToolsConfig struct {
	// ResourceRules map attachments to tools
	ResourceRules []router.ResourceRule `mapstructure:"resource_rules" yaml:"resource_rules"`
	// ProviderRateLimit caps calls per second to each remote tool provider (0 = unlimited)
	ProviderRateLimit float64 `mapstructure:"provider_rate_limit" yaml:"provider_rate_limit"`
	// ProviderBurst is the token bucket size for ProviderRateLimit
	ProviderBurst int `mapstructure:"provider_burst" yaml:"provider_burst"`
	// Credentials are static tool credentials, consulted after the environment
	Credentials map[string]string `mapstructure:"credentials" yaml:"credentials,omitempty"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty disables file logging
	File string `mapstructure:"file" yaml:"file"`
	// Console writes human-readable logs to stderr
	Console bool `mapstructure:"console" yaml:"console"`
}

// DecisionLogConfig controls persistence of routing decisions.
type DecisionLogConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Default returns a Config with the built-in tier scheme, presets and pricing.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".intentrouter")

	var tiers []TierConfig
	for _, b := range router.DefaultTierBands() {
		tiers = append(tiers, TierConfig{Name: b.Name, Low: b.Low, High: b.High, Aliases: b.Aliases})
	}

	presets := make(map[string]router.Preset)
	for _, p := range router.DefaultPresets() {
		presets[p.Name] = p
	}

	return &Config{
		Router: RouterConfig{
			Settings:          router.DefaultSettings(),
			HistoryTurns:      router.DefaultHistoryTurns,
			HistoryCharBudget: router.DefaultHistoryCharBudget,
		},
		Tiers:   tiers,
		Presets: presets,
		Pricing: router.DefaultPricingEntries(),
		Classifier: ClassifierConfig{
			Enabled:         false,
			Provider:        "ollama",
			Endpoint:        "http://127.0.0.1:11434",
			Model:           "llama3.2:3b",
			Timeout:         router.DefaultClassifierTimeout,
			BreakerFailures: 5,
		},
		Tools: ToolsConfig{
			ResourceRules:     router.DefaultResourceRules(),
			ProviderRateLimit: 5,
			ProviderBurst:     2,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
		DecisionLog: DecisionLogConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "decisions.db"),
		},
	}
}

// Load reads configuration from the default location (~/.intentrouter/config.yaml).
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".intentrouter", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: INTENTROUTER_CLASSIFIER_API_KEY
	v.SetEnvPrefix("INTENTROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A zero threshold is a valid setting, so the default goes through
	// viper rather than applyDefaults.
	v.SetDefault("router.confidence_threshold", router.DefaultConfidenceThreshold)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.DecisionLog.Path = expandPath(cfg.DecisionLog.Path)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills sections a hand-written file may leave out.
func (c *Config) applyDefaults() {
	defaults := Default()

	if len(c.Tiers) == 0 {
		c.Tiers = defaults.Tiers
	}
	if len(c.Presets) == 0 {
		c.Presets = defaults.Presets
	}
	if len(c.Pricing) == 0 {
		c.Pricing = defaults.Pricing
	}
	if c.Router.Preset == "" {
		c.Router.Preset = defaults.Router.Preset
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = defaults.Classifier.Timeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// Validate checks the configuration for errors. Preset problems are
// reported as *router.ConfigurationError.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if t := c.Router.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("router.confidence_threshold must be between 0 and 1, got %g", t)
	}
	if c.Router.HistoryTurns < 0 || c.Router.HistoryCharBudget < 0 {
		return fmt.Errorf("router history settings cannot be negative")
	}

	if c.Classifier.Enabled {
		switch c.Classifier.Provider {
		case "ollama", "openai", "groq":
		default:
			return fmt.Errorf("invalid classifier provider '%s', must be one of: ollama, openai, groq", c.Classifier.Provider)
		}
		if c.Classifier.Model == "" {
			return fmt.Errorf("classifier.model cannot be empty when the classifier is enabled")
		}
		if c.Classifier.Timeout <= 0 {
			return fmt.Errorf("classifier.timeout must be positive")
		}
	}

	if c.Tools.ProviderRateLimit < 0 {
		return fmt.Errorf("tools.provider_rate_limit cannot be negative")
	}
	if _, err := router.NewToolMatcherWithRules(router.DefaultToolGroups(), c.Tools.ResourceRules); err != nil {
		return fmt.Errorf("invalid tools.resource_rules: %w", err)
	}

	factory, err := c.PolicyFactory()
	if err != nil {
		return err
	}

	// Build every policy the settings can select so preset errors surface
	// at startup instead of on the first request.
	endpoints := []string{""}
	for ep := range c.Router.PerEndpointOverrides {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)
	var errs []error
	for _, ep := range endpoints {
		enabled, preset := c.Router.Resolve(ep)
		if !enabled {
			continue
		}
		if _, err := factory.Build(ep, preset); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// TierScheme builds the configured tier scheme.
func (c *Config) TierScheme() (*router.TierScheme, error) {
	bands := make([]router.TierBand, len(c.Tiers))
	for i, t := range c.Tiers {
		bands[i] = router.TierBand{Name: t.Name, Low: t.Low, High: t.High, Aliases: t.Aliases}
	}
	return router.NewTierScheme(bands)
}

// RouterPresets returns the configured presets sorted by name. Map keys
// name the presets.
func (c *Config) RouterPresets() []router.Preset {
	names := make([]string, 0, len(c.Presets))
	for n := range c.Presets {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]router.Preset, 0, len(names))
	for _, n := range names {
		p := c.Presets[n]
		p.Name = n
		out = append(out, p)
	}
	return out
}

// PricingTable builds the configured pricing table.
func (c *Config) PricingTable() *router.PricingTable {
	return router.NewPricingTable(c.Pricing)
}

// PolicyFactory builds a factory from the tier scheme, pricing and presets.
func (c *Config) PolicyFactory() (*router.PolicyFactory, error) {
	scheme, err := c.TierScheme()
	if err != nil {
		return nil, err
	}
	return router.NewPolicyFactory(scheme, c.PricingTable(), c.RouterPresets(),
		router.WithDefaultThreshold(c.Router.ConfidenceThreshold)), nil
}

// ScorerOptions returns the scorer tuning from the router section.
func (c *Config) ScorerOptions() []router.ScorerOption {
	return []router.ScorerOption{router.WithHistoryWindow(c.Router.HistoryTurns, c.Router.HistoryCharBudget)}
}

// ToolCredentials returns the static tool credentials keyed by upper-case
// field name. Viper lower-cases map keys on load.
func (c *Config) ToolCredentials() map[string]string {
	out := make(map[string]string, len(c.Tools.Credentials))
	for k, v := range c.Tools.Credentials {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
