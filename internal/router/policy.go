package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/normanking/intentrouter/pkg/types"
)

// Preset is the configuration a policy is built from.
type Preset struct {
	Name string `mapstructure:"name" yaml:"name"`

	// TierModels maps tier name (or alias) to model id. Every tier of the
	// scheme must be covered after endpoint overrides are applied.
	TierModels map[string]string `mapstructure:"tier_models" yaml:"tier_models"`

	// EndpointTierModels overrides TierModels for specific endpoints.
	EndpointTierModels map[string]map[string]string `mapstructure:"endpoint_tier_models" yaml:"endpoint_tier_models,omitempty"`

	// MinToolTier is the lowest tier allowed to serve a turn that uses
	// tools. Empty means the lowest tier.
	MinToolTier string `mapstructure:"min_tool_tier" yaml:"min_tool_tier"`

	// ConfidenceThreshold overrides the factory default when set.
	ConfidenceThreshold *float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold,omitempty"`

	Tools []types.ToolID `mapstructure:"tools" yaml:"tools"`
}

// DefaultPresets returns the built-in presets for DefaultTierScheme.
func DefaultPresets() []Preset {
	allTools := []types.ToolID{
		types.ToolWebSearch,
		types.ToolExecuteCode,
		types.ToolFileSearch,
		types.ToolStructuredData,
		types.ToolImageGeneration,
		types.ToolCalculator,
	}
	return []Preset{
		{
			Name: "balanced",
			TierModels: map[string]string{
				"simple":   "gpt-4o-mini",
				"moderate": "claude-3-5-haiku",
				"complex":  "claude-sonnet-4",
				"expert":   "claude-opus-4",
			},
			MinToolTier: "moderate",
			Tools:       allTools,
		},
		{
			Name: "economy",
			TierModels: map[string]string{
				"simple":   "llama3.2:3b",
				"moderate": "gpt-4o-mini",
				"complex":  "gpt-4o",
				"expert":   "gpt-4o",
			},
			MinToolTier: "moderate",
			Tools:       allTools,
		},
		{
			Name: "quality",
			TierModels: map[string]string{
				"simple":   "claude-3-5-haiku",
				"moderate": "claude-sonnet-4",
				"complex":  "claude-sonnet-4",
				"expert":   "claude-opus-4",
			},
			MinToolTier:         "complex",
			ConfidenceThreshold: floatPtr(0.8),
			Tools:               allTools,
		},
	}
}

func floatPtr(v float64) *float64 { return &v }

// RouterPolicy is an immutable bundle of tier-to-model mapping, confidence
// threshold and tool catalog for one (endpoint, preset) pair. Replace a
// policy to change it; never mutate one.
type RouterPolicy struct {
	endpoint    string
	preset      string
	scheme      *TierScheme
	tierModels  []string
	threshold   float64
	catalog     types.ToolSet
	minToolTier Tier
	pricing     *PricingTable
}

// Endpoint returns the target endpoint.
func (p *RouterPolicy) Endpoint() string { return p.endpoint }

// Preset returns the preset name.
func (p *RouterPolicy) Preset() string { return p.preset }

// Scheme returns the tier scheme.
func (p *RouterPolicy) Scheme() *TierScheme { return p.scheme }

// ConfidenceThreshold returns the minimum confidence for the regex path.
func (p *RouterPolicy) ConfidenceThreshold() float64 { return p.threshold }

// MinToolTier returns the tier floor for turns that use tools.
func (p *RouterPolicy) MinToolTier() Tier { return p.minToolTier }

// Pricing returns the pricing table.
func (p *RouterPolicy) Pricing() *PricingTable { return p.pricing }

// ModelFor returns the model serving t.
func (p *RouterPolicy) ModelFor(t Tier) string {
	return p.tierModels[p.scheme.clamp(t)]
}

// TierToModel returns a copy of the mapping keyed by tier name.
func (p *RouterPolicy) TierToModel() map[string]string {
	out := make(map[string]string, len(p.tierModels))
	for i, m := range p.tierModels {
		out[p.scheme.Name(Tier(i))] = m
	}
	return out
}

// ToolCatalog returns the tools this policy may activate, sorted.
func (p *RouterPolicy) ToolCatalog() []types.ToolID {
	return p.catalog.Sorted()
}

// HasTool reports whether id is in the catalog.
func (p *RouterPolicy) HasTool(id types.ToolID) bool {
	return p.catalog.Has(id)
}

// TierOfModel returns the tier a model serves. Models mapped by this policy
// resolve to their lowest mapped tier; other models resolve through their
// pricing tier label.
func (p *RouterPolicy) TierOfModel(model string) (Tier, bool) {
	for i, m := range p.tierModels {
		if m == model {
			return Tier(i), true
		}
	}
	if e, ok := p.pricing.Lookup(model); ok {
		return p.scheme.Parse(e.Tier)
	}
	return 0, false
}

// PolicyFactory builds RouterPolicy values from presets.
type PolicyFactory struct {
	scheme           *TierScheme
	pricing          *PricingTable
	presets          map[string]Preset
	defaultThreshold float64
}

// FactoryOption configures a PolicyFactory.
type FactoryOption func(*PolicyFactory)

// WithDefaultThreshold sets the threshold for presets that declare none.
func WithDefaultThreshold(t float64) FactoryOption {
	return func(f *PolicyFactory) {
		f.defaultThreshold = t
	}
}

// NewPolicyFactory creates a factory. Nil scheme or pricing select the
// defaults.
func NewPolicyFactory(scheme *TierScheme, pricing *PricingTable, presets []Preset, opts ...FactoryOption) *PolicyFactory {
	if scheme == nil {
		scheme = DefaultTierScheme()
	}
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	f := &PolicyFactory{
		scheme:           scheme,
		pricing:          pricing,
		presets:          make(map[string]Preset, len(presets)),
		defaultThreshold: DefaultConfidenceThreshold,
	}
	for _, p := range presets {
		f.presets[p.Name] = p
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Scheme returns the factory's tier scheme.
func (f *PolicyFactory) Scheme() *TierScheme { return f.scheme }

// PresetNames returns the known preset names, sorted.
func (f *PolicyFactory) PresetNames() []string {
	names := make([]string, 0, len(f.presets))
	for n := range f.presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// endpointModels finds the override for endpoint, ignoring case. Config
// loaders lower-case map keys, so an exact match is preferred but not required.
func endpointModels(overrides map[string]map[string]string, endpoint string) (map[string]string, bool) {
	if m, ok := overrides[endpoint]; ok {
		return m, true
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, endpoint) {
			return overrides[k], true
		}
	}
	return nil, false
}

// Build constructs the policy for (endpoint, preset). A preset that is
// unknown, leaves a tier unmapped, names an unknown tier or declares an
// out-of-range threshold yields a *ConfigurationError.
func (f *PolicyFactory) Build(endpoint, presetName string) (*RouterPolicy, error) {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Endpoint: endpoint, Preset: presetName, Reason: fmt.Sprintf(format, args...)}
	}

	preset, ok := f.presets[presetName]
	if !ok {
		return nil, fail("unknown preset")
	}

	tierModels := make([]string, f.scheme.Len())
	assign := func(mapping map[string]string) error {
		seen := make(map[Tier]string, len(mapping))
		for name, model := range mapping {
			t, ok := f.scheme.Parse(name)
			if !ok {
				return fail("unknown tier %q in tier_models", name)
			}
			if model == "" {
				return fail("empty model for tier %q", name)
			}
			if prev, dup := seen[t]; dup && prev != model {
				return fail("tier %q mapped to both %q and %q", f.scheme.Name(t), prev, model)
			}
			seen[t] = model
			tierModels[t] = model
		}
		return nil
	}
	if err := assign(preset.TierModels); err != nil {
		return nil, err
	}
	if override, ok := endpointModels(preset.EndpointTierModels, endpoint); ok {
		if err := assign(override); err != nil {
			return nil, err
		}
	}
	for _, t := range f.scheme.Tiers() {
		if tierModels[t] == "" {
			return nil, fail("no model for tier %q", f.scheme.Name(t))
		}
	}

	threshold := f.defaultThreshold
	if preset.ConfidenceThreshold != nil {
		threshold = *preset.ConfidenceThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fail("confidence threshold %g outside [0, 1]", threshold)
	}

	minToolTier := f.scheme.Lowest()
	if preset.MinToolTier != "" {
		t, ok := f.scheme.Parse(preset.MinToolTier)
		if !ok {
			return nil, fail("unknown min_tool_tier %q", preset.MinToolTier)
		}
		minToolTier = t
	}

	for t, model := range tierModels {
		if _, ok := f.pricing.Lookup(model); !ok {
			log.Warn().
				Str("endpoint", endpoint).
				Str("preset", presetName).
				Str("tier", f.scheme.Name(Tier(t))).
				Str("model", model).
				Msg("model has no pricing entry, cost estimates will treat it as free")
		}
	}

	return &RouterPolicy{
		endpoint:    endpoint,
		preset:      presetName,
		scheme:      f.scheme,
		tierModels:  tierModels,
		threshold:   threshold,
		catalog:     types.NewToolSet(preset.Tools...),
		minToolTier: minToolTier,
		pricing:     f.pricing,
	}, nil
}
