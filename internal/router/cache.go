package router

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// EndpointOverride replaces the global enabled flag or preset for one
// endpoint. Nil/empty fields inherit the global value.
type EndpointOverride struct {
	Enabled *bool  `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Preset  string `mapstructure:"preset" yaml:"preset,omitempty"`
}

// Settings are the caller-facing routing options.
type Settings struct {
	Enabled              bool                        `mapstructure:"enabled" yaml:"enabled"`
	Preset               string                      `mapstructure:"preset" yaml:"preset"`
	PerEndpointOverrides map[string]EndpointOverride `mapstructure:"per_endpoint_overrides" yaml:"per_endpoint_overrides,omitempty"`
	ConfidenceThreshold  float64                     `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	Debug                bool                        `mapstructure:"debug" yaml:"debug"`
}

// DefaultSettings enables routing with the balanced preset.
func DefaultSettings() Settings {
	return Settings{
		Enabled:             true,
		Preset:              "balanced",
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// Resolve returns whether routing is enabled for endpoint and which preset
// applies. Endpoint names match case-insensitively.
func (s Settings) Resolve(endpoint string) (enabled bool, preset string) {
	enabled, preset = s.Enabled, s.Preset
	for name, o := range s.PerEndpointOverrides {
		if !strings.EqualFold(name, endpoint) {
			continue
		}
		if o.Enabled != nil {
			enabled = *o.Enabled
		}
		if o.Preset != "" {
			preset = o.Preset
		}
		break
	}
	return enabled, preset
}

type policyKey struct {
	endpoint string
	preset   string
}

// PolicyCache memoizes policies per (endpoint, preset). Concurrent misses
// for the same key may both build; the last store wins, which is harmless
// because building is deterministic. Errors are never cached.
type PolicyCache struct {
	factory  *PolicyFactory
	mu       sync.RWMutex
	policies map[policyKey]*RouterPolicy
}

// NewPolicyCache creates an empty cache backed by factory.
func NewPolicyCache(factory *PolicyFactory) *PolicyCache {
	return &PolicyCache{
		factory:  factory,
		policies: make(map[policyKey]*RouterPolicy),
	}
}

// GetPolicy returns the cached policy or builds it.
func (c *PolicyCache) GetPolicy(endpoint, preset string) (*RouterPolicy, error) {
	key := policyKey{endpoint: endpoint, preset: preset}

	c.mu.RLock()
	p, ok := c.policies[key]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.factory.Build(endpoint, preset)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.policies[key] = p
	c.mu.Unlock()

	log.Debug().Str("endpoint", endpoint).Str("preset", preset).Msg("router policy built")
	return p, nil
}

// PolicyFor resolves settings for endpoint and returns its policy. The
// boolean is false when routing is disabled for the endpoint.
func (c *PolicyCache) PolicyFor(settings Settings, endpoint string) (*RouterPolicy, bool, error) {
	enabled, preset := settings.Resolve(endpoint)
	if !enabled {
		return nil, false, nil
	}
	p, err := c.GetPolicy(endpoint, preset)
	if err != nil {
		return nil, true, err
	}
	return p, true, nil
}

// ClearCache drops every cached policy.
func (c *PolicyCache) ClearCache() {
	c.mu.Lock()
	c.policies = make(map[policyKey]*RouterPolicy)
	c.mu.Unlock()
}

// Len returns the number of cached policies.
func (c *PolicyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.policies)
}
