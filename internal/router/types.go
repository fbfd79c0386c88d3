// Package router implements intent-based request routing: it decides which
// tools should be active for a turn and which model tier should serve it.
//
// Routing runs a fast deterministic path first (weighted regex groups for
// complexity and tool intent) and escalates to an external classifier only
// when the deterministic signals are not confident enough.
package router

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/normanking/intentrouter/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIERS
// ═══════════════════════════════════════════════════════════════════════════════

// Tier is an index into a TierScheme. Lower values are cheaper and less
// capable; ordering is the scheme's band order.
type Tier int

// TierBand is one contiguous score band [Low, High). The last band of a
// scheme is closed at 1.0.
type TierBand struct {
	Name    string
	Low     float64
	High    float64
	Aliases []string
}

// bandTolerance absorbs float noise from config files when checking that
// bands are contiguous.
const bandTolerance = 1e-9

// TierScheme is an ordered, validated set of tier bands covering [0, 1].
// It is immutable after construction.
type TierScheme struct {
	bands  []TierBand
	byName map[string]Tier
}

// DefaultTierBands is the four-tier scheme used when no configuration is given.
func DefaultTierBands() []TierBand {
	return []TierBand{
		{Name: "simple", Low: 0.0, High: 0.3, Aliases: []string{"trivial", "easy", "basic"}},
		{Name: "moderate", Low: 0.3, High: 0.55, Aliases: []string{"medium", "intermediate"}},
		{Name: "complex", Low: 0.55, High: 0.8, Aliases: []string{"hard", "advanced"}},
		{Name: "expert", Low: 0.8, High: 1.0, Aliases: []string{"very complex", "specialist"}},
	}
}

// DefaultTierScheme returns the scheme built from DefaultTierBands.
func DefaultTierScheme() *TierScheme {
	s, err := NewTierScheme(DefaultTierBands())
	if err != nil {
		panic(fmt.Sprintf("router: default tier scheme invalid: %v", err))
	}
	return s
}

// NewTierScheme validates bands and builds a scheme. Bands must be ordered,
// contiguous, start at 0, end at 1, and have unique names.
func NewTierScheme(bands []TierBand) (*TierScheme, error) {
	if len(bands) == 0 {
		return nil, &ConfigurationError{Reason: "tier scheme has no bands"}
	}

	s := &TierScheme{
		bands:  make([]TierBand, len(bands)),
		byName: make(map[string]Tier),
	}

	prevHigh := 0.0
	for i, b := range bands {
		name := strings.ToLower(strings.TrimSpace(b.Name))
		if name == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier band %d has no name", i)}
		}
		if b.High <= b.Low {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier %q has empty band [%g, %g)", name, b.Low, b.High)}
		}
		if math.Abs(b.Low-prevHigh) > bandTolerance {
			if b.Low > prevHigh {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("gap between %g and %g before tier %q", prevHigh, b.Low, name)}
			}
			return nil, &ConfigurationError{Reason: fmt.Sprintf("tier %q overlaps previous band at %g", name, b.Low)}
		}
		if _, dup := s.byName[name]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate tier name %q", name)}
		}

		aliases := make([]string, 0, len(b.Aliases))
		for _, a := range b.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, dup := s.byName[a]; dup {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("tier alias %q already in use", a)}
			}
			aliases = append(aliases, a)
		}

		s.bands[i] = TierBand{Name: name, Low: b.Low, High: b.High, Aliases: aliases}
		s.byName[name] = Tier(i)
		for _, a := range aliases {
			s.byName[a] = Tier(i)
		}
		prevHigh = b.High
	}

	if math.Abs(prevHigh-1.0) > bandTolerance {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("tier bands end at %g, must end at 1.0", prevHigh)}
	}

	return s, nil
}

// Len returns the number of tiers.
func (s *TierScheme) Len() int { return len(s.bands) }

// Lowest returns the cheapest tier.
func (s *TierScheme) Lowest() Tier { return 0 }

// Highest returns the most capable tier.
func (s *TierScheme) Highest() Tier { return Tier(len(s.bands) - 1) }

// Tiers returns all tiers in ascending order.
func (s *TierScheme) Tiers() []Tier {
	out := make([]Tier, len(s.bands))
	for i := range s.bands {
		out[i] = Tier(i)
	}
	return out
}

// Bands returns a copy of the bands.
func (s *TierScheme) Bands() []TierBand {
	out := make([]TierBand, len(s.bands))
	for i, b := range s.bands {
		b.Aliases = append([]string(nil), b.Aliases...)
		out[i] = b
	}
	return out
}

// Band returns the band for t.
func (s *TierScheme) Band(t Tier) TierBand {
	return s.bands[s.clamp(t)]
}

// Name returns the canonical name of t.
func (s *TierScheme) Name(t Tier) string {
	if t < 0 || int(t) >= len(s.bands) {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return s.bands[t].Name
}

// Parse maps a tier name or alias (case-insensitive) to its tier.
func (s *TierScheme) Parse(name string) (Tier, bool) {
	t, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// ForScore returns the tier whose band contains score. Scores are clamped to
// [0, 1]; 1.0 belongs to the highest band.
func (s *TierScheme) ForScore(score float64) Tier {
	score = clamp01(score)
	for i, b := range s.bands {
		if score >= b.Low && score < b.High {
			return Tier(i)
		}
	}
	return s.Highest()
}

// Contains reports whether score lies in the band for t.
func (s *TierScheme) Contains(t Tier, score float64) bool {
	b := s.Band(t)
	if t == s.Highest() {
		return score >= b.Low && score <= b.High
	}
	return score >= b.Low && score < b.High
}

// boundaryDistance returns the distance from score to the nearest interior
// band boundary. Schemes with a single band have no interior boundary.
func (s *TierScheme) boundaryDistance(score float64) float64 {
	d := math.Inf(1)
	for _, b := range s.bands[1:] {
		d = math.Min(d, math.Abs(score-b.Low))
	}
	return d
}

func (s *TierScheme) clamp(t Tier) Tier {
	if t < 0 {
		return 0
	}
	if int(t) >= len(s.bands) {
		return s.Highest()
	}
	return t
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESULTS
// ═══════════════════════════════════════════════════════════════════════════════

// Request is one turn to route.
type Request struct {
	Text           string
	CurrentModelID string
	History        []types.Message
	Attachments    []types.ResourceMeta

	// AvailableTools is the hard filter for tool selection. A nil set means
	// the policy's tool catalog alone applies.
	AvailableTools types.ToolSet
}

// ScoreResult is the Complexity Scorer output.
type ScoreResult struct {
	Tier       Tier
	Score      float64
	Categories []string // sorted
	Confidence float64
}

// ToolMatchResult is the Tool Intent Matcher output.
type ToolMatchResult struct {
	Tools      types.ToolSet
	Confidence float64

	// Authoritative holds tools selected by resource rules. They survive
	// fallback merging unconditionally.
	Authoritative types.ToolSet
}

// ClassifierUsage records the cost of one fallback classification.
type ClassifierUsage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// ClassificationPath records how a decision was reached.
type ClassificationPath string

const (
	PathEmpty          ClassificationPath = "empty"           // blank input
	PathRegex          ClassificationPath = "regex"           // confident deterministic match
	PathFallback       ClassificationPath = "fallback"        // classifier informed the decision
	PathFallbackFailed ClassificationPath = "fallback_failed" // classifier errored; regex result used
	PathNoFallback     ClassificationPath = "no_fallback"     // low confidence, no classifier configured
)

// RoutingDecision is the result of routing one request. It carries no
// timestamps or identifiers so identical inputs produce identical decisions.
type RoutingDecision struct {
	Tools              []types.ToolID     `json:"tools"`
	ModelID            string             `json:"model_id"`
	Tier               Tier               `json:"tier"`
	TierName           string             `json:"tier_name"`
	Confidence         float64            `json:"confidence"`
	Reason             string             `json:"reason"`
	UsedFallback       bool               `json:"used_fallback"`
	EstimatedCostDelta float64            `json:"estimated_cost_delta"`
	Categories         []string           `json:"categories,omitempty"`
	Path               ClassificationPath `json:"path"`
	ToolFloorApplied   bool               `json:"tool_floor_applied,omitempty"`
	Usage              *ClassifierUsage   `json:"classifier_usage,omitempty"`
}

// HasTool reports whether id was selected.
func (d RoutingDecision) HasTool(id types.ToolID) bool {
	for _, t := range d.Tools {
		if t == id {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATISTICS
// ═══════════════════════════════════════════════════════════════════════════════

// RouterStats tracks routing performance.
type RouterStats struct {
	TotalRequests     int64            `json:"total_requests"`
	RegexDecisions    int64            `json:"regex_decisions"`
	FallbackDecisions int64            `json:"fallback_decisions"`
	FallbackFailures  int64            `json:"fallback_failures"`
	ToolFloorApplied  int64            `json:"tool_floor_applied"`
	TierDistribution  map[string]int64 `json:"tier_distribution"`
	AverageConfidence float64          `json:"average_confidence"`
	ClassifierCost    float64          `json:"classifier_cost"`
}

// RegexRatio returns the fraction of requests decided without the classifier.
func (s *RouterStats) RegexRatio() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalRequests-s.FallbackDecisions) / float64(s.TotalRequests)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrClassificationUnavailable means the fallback classifier could not
	// produce a usable answer. Callers recover by using the regex result.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrMalformedResponse means the classifier answered with text that
	// named neither a tier nor a tool.
	ErrMalformedResponse = errors.New("malformed classifier response")

	// ErrNilPolicy is returned by Route when called without a policy.
	ErrNilPolicy = errors.New("router: nil policy")
)

// ConfigurationError reports a malformed or incomplete preset or tier
// scheme. It is the only routing error that should reach an operator.
type ConfigurationError struct {
	Endpoint string
	Preset   string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Endpoint != "" || e.Preset != "":
		return fmt.Sprintf("router configuration (endpoint=%q preset=%q): %s", e.Endpoint, e.Preset, e.Reason)
	default:
		return "router configuration: " + e.Reason
	}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
