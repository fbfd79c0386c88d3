package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/normanking/intentrouter/internal/router"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Router.Enabled {
		t.Error("expected routing to be enabled by default")
	}

	if cfg.Router.Preset != "balanced" {
		t.Errorf("expected default preset 'balanced', got '%s'", cfg.Router.Preset)
	}

	if cfg.Router.ConfidenceThreshold != router.DefaultConfidenceThreshold {
		t.Errorf("expected threshold %v, got %v", router.DefaultConfidenceThreshold, cfg.Router.ConfidenceThreshold)
	}

	if len(cfg.Tiers) != 4 {
		t.Errorf("expected 4 default tiers, got %d", len(cfg.Tiers))
	}

	if cfg.Classifier.Enabled {
		t.Error("expected classifier to be disabled by default")
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got '%s'", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".intentrouter", "config.yaml")

	// Load config (should create default)
	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	if cfg.Router.Preset != "balanced" {
		t.Errorf("expected preset 'balanced', got '%s'", cfg.Router.Preset)
	}
	if cfg.Classifier.Timeout != router.DefaultClassifierTimeout {
		t.Errorf("expected classifier timeout %v, got %v", router.DefaultClassifierTimeout, cfg.Classifier.Timeout)
	}
	if len(cfg.Presets) != len(router.DefaultPresets()) {
		t.Errorf("expected %d presets, got %d", len(router.DefaultPresets()), len(cfg.Presets))
	}
	if q := cfg.Presets["quality"].ConfidenceThreshold; q == nil || *q != 0.8 {
		t.Errorf("expected quality preset threshold 0.8, got %v", q)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("reloaded default config should validate: %v", err)
	}

	// Load again to test reading existing file
	cfg2, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load existing config: %v", err)
	}
	if cfg2.Router.Preset != cfg.Router.Preset {
		t.Error("config values changed on reload")
	}
}

func TestSaveToPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	cfg := Default()
	cfg.Router.Preset = "economy"
	cfg.Router.PerEndpointOverrides = map[string]router.EndpointOverride{
		"Chat": {Preset: "quality"},
	}
	cfg.Classifier.Enabled = true
	cfg.Classifier.Timeout = 1500 * time.Millisecond

	if err := cfg.SaveToPath(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}

	if loaded.Router.Preset != "economy" {
		t.Errorf("expected preset 'economy', got '%s'", loaded.Router.Preset)
	}
	if !loaded.Classifier.Enabled {
		t.Error("expected classifier to be enabled")
	}
	if loaded.Classifier.Timeout != 1500*time.Millisecond {
		t.Errorf("expected timeout 1.5s, got %v", loaded.Classifier.Timeout)
	}

	// Override keys come back lower-cased; resolution ignores case.
	if _, preset := loaded.Router.Resolve("chat"); preset != "quality" {
		t.Errorf("expected override preset 'quality', got '%s'", preset)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := LoadFromPath(configPath); err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	t.Setenv("INTENTROUTER_ROUTER_PRESET", "quality")
	t.Setenv("INTENTROUTER_LOGGING_LEVEL", "debug")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Router.Preset != "quality" {
		t.Errorf("expected env preset 'quality', got '%s'", cfg.Router.Preset)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env level 'debug', got '%s'", cfg.Logging.Level)
	}
}

func TestLoadFromPath_PartialFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("router:\n  enabled: true\n  preset: economy\n  confidence_threshold: 0.6\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Tiers) != 4 || len(cfg.Presets) == 0 || len(cfg.Pricing) == 0 {
		t.Error("expected missing sections to be filled from defaults")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level, got '%s'", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected partial config to validate: %v", err)
	}
}

func TestLoadFromPath_ThresholdDefault(t *testing.T) {
	tests := []struct {
		name string
		data string
		want float64
	}{
		{"omitted", "router:\n  enabled: true\n  preset: balanced\n", router.DefaultConfidenceThreshold},
		{"no router section", "logging:\n  level: warn\n", router.DefaultConfidenceThreshold},
		{"explicit zero", "router:\n  confidence_threshold: 0\n", 0},
		{"explicit value", "router:\n  confidence_threshold: 0.55\n", 0.55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := LoadFromPath(configPath)
			if err != nil {
				t.Fatalf("failed to load config: %v", err)
			}
			if cfg.Router.ConfidenceThreshold != tt.want {
				t.Errorf("expected threshold %v, got %v", tt.want, cfg.Router.ConfidenceThreshold)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		wantCfg bool // expect a *router.ConfigurationError
	}{
		{
			name:   "valid default config",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Router.ConfidenceThreshold = 1.5 },
			wantErr: true,
		},
		{
			name: "unknown classifier provider",
			mutate: func(c *Config) {
				c.Classifier.Enabled = true
				c.Classifier.Provider = "carrier-pigeon"
			},
			wantErr: true,
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Tools.ProviderRateLimit = -1 },
			wantErr: true,
		},
		{
			name: "bad resource rule condition",
			mutate: func(c *Config) {
				c.Tools.ResourceRules = []router.ResourceRule{{Tool: "file_search", Condition: "size >"}}
			},
			wantErr: true,
		},
		{
			name: "tier gap",
			mutate: func(c *Config) {
				c.Tiers[1].Low = 0.35
			},
			wantErr: true,
			wantCfg: true,
		},
		{
			name: "preset missing a tier",
			mutate: func(c *Config) {
				p := c.Presets["balanced"]
				models := make(map[string]string)
				for k, v := range p.TierModels {
					if k != "expert" {
						models[k] = v
					}
				}
				p.TierModels = models
				c.Presets["balanced"] = p
			},
			wantErr: true,
			wantCfg: true,
		},
		{
			name:    "unknown selected preset",
			mutate:  func(c *Config) { c.Router.Preset = "platinum" },
			wantErr: true,
			wantCfg: true,
		},
		{
			name: "broken override preset",
			mutate: func(c *Config) {
				c.Router.PerEndpointOverrides = map[string]router.EndpointOverride{"batch": {Preset: "missing"}}
			},
			wantErr: true,
			wantCfg: true,
		},
		{
			name: "disabled override is not built",
			mutate: func(c *Config) {
				off := false
				c.Router.PerEndpointOverrides = map[string]router.EndpointOverride{"batch": {Enabled: &off, Preset: "missing"}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			var cerr *router.ConfigurationError
			if tt.wantCfg && !errors.As(err, &cerr) {
				t.Errorf("expected a ConfigurationError, got %T: %v", err, err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()

	scheme, err := cfg.TierScheme()
	if err != nil {
		t.Fatalf("TierScheme: %v", err)
	}
	if scheme.Len() != 4 {
		t.Errorf("expected 4 tiers, got %d", scheme.Len())
	}

	presets := cfg.RouterPresets()
	for i := 1; i < len(presets); i++ {
		if presets[i-1].Name >= presets[i].Name {
			t.Errorf("presets not sorted by name: %s, %s", presets[i-1].Name, presets[i].Name)
		}
	}

	if _, ok := cfg.PricingTable().Lookup("gpt-4o"); !ok {
		t.Error("expected gpt-4o in pricing table")
	}

	factory, err := cfg.PolicyFactory()
	if err != nil {
		t.Fatalf("PolicyFactory: %v", err)
	}
	policy, err := factory.Build("chat", "economy")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if policy.ConfidenceThreshold() != cfg.Router.ConfidenceThreshold {
		t.Errorf("expected factory default threshold %v, got %v", cfg.Router.ConfidenceThreshold, policy.ConfidenceThreshold())
	}

	cfg.Tools.Credentials = map[string]string{"search_api_key": "k"}
	if got := cfg.ToolCredentials()["SEARCH_API_KEY"]; got != "k" {
		t.Errorf("expected upper-cased credential key, got %q", got)
	}

	if len(cfg.ScorerOptions()) != 1 {
		t.Error("expected one scorer option")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	if got := expandPath("~/x/decisions.db"); got != filepath.Join(homeDir, "x", "decisions.db") {
		t.Errorf("expandPath did not expand tilde: %s", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath changed absolute path: %s", got)
	}
}
