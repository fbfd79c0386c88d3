package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/normanking/intentrouter/pkg/types"
)

const (
	// DefaultConfidenceThreshold is the minimum confidence for the regex
	// path. Below it the fallback classifier is consulted.
	DefaultConfidenceThreshold = 0.7

	// FallbackConfidence is reported on decisions informed by the classifier.
	FallbackConfidence = 0.85
)

var tracer = otel.Tracer("github.com/normanking/intentrouter/internal/router")

// Router turns a request and a policy into a RoutingDecision. Routing is
// safe for concurrent use; the only shared mutable state is statistics.
type Router struct {
	scorer  *ComplexityScorer
	matcher *ToolMatcher
	gateway *ClassifierGateway
	metrics *Metrics
	debug   bool

	// Statistics (thread-safe)
	stats RouterStats
	mu    sync.RWMutex
}

// RouterOption is a functional option for configuring Router.
type RouterOption func(*Router)

// WithScorer replaces the default complexity scorer.
func WithScorer(s *ComplexityScorer) RouterOption {
	return func(r *Router) {
		r.scorer = s
	}
}

// WithMatcher replaces the default tool matcher.
func WithMatcher(m *ToolMatcher) RouterOption {
	return func(r *Router) {
		r.matcher = m
	}
}

// WithGateway enables the fallback classifier.
func WithGateway(g *ClassifierGateway) RouterOption {
	return func(r *Router) {
		r.gateway = g
	}
}

// WithMetrics records decisions on m.
func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithDebug logs every decision at info level instead of debug.
func WithDebug(enabled bool) RouterOption {
	return func(r *Router) {
		r.debug = enabled
	}
}

// NewRouter creates a Router. Without WithGateway, low-confidence requests
// keep their regex result.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		stats: RouterStats{TierDistribution: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.scorer == nil {
		r.scorer = NewComplexityScorer(DefaultTierScheme())
	}
	if r.matcher == nil {
		r.matcher = NewToolMatcher()
	}
	return r
}

// Route decides tools and model for req under policy. It returns an error
// only for a nil policy; classifier failures degrade to the regex result.
//
// Order of evaluation:
//  1. blank text routes to the lowest tier with no tools
//  2. scorer and matcher run
//  3. confidence is the lower of their confidences
//  4. at or above the policy threshold the regex result is accepted
//  5. below it the classifier is consulted, its tools unioned with the
//     regex-selected tools; on failure the regex result stands
//  6. the tier's model is resolved
//  7. tool use raises the tier to the policy's floor, then cost is estimated
func (r *Router) Route(ctx context.Context, req Request, policy *RouterPolicy) (RoutingDecision, error) {
	if policy == nil {
		return RoutingDecision{}, ErrNilPolicy
	}

	ctx, span := tracer.Start(ctx, "router.route")
	defer span.End()

	scheme := policy.Scheme()
	available := availableTools(policy, req.AvailableTools)

	if strings.TrimSpace(req.Text) == "" {
		tier := scheme.Lowest()
		d := RoutingDecision{
			Tools:      []types.ToolID{},
			Tier:       tier,
			TierName:   scheme.Name(tier),
			ModelID:    policy.ModelFor(tier),
			Confidence: 1,
			Path:       PathEmpty,
			Reason:     fmt.Sprintf("%s: empty request", scheme.Name(tier)),
		}
		d.EstimatedCostDelta = r.costDelta(policy, req, d.ModelID)
		r.record(d, policy)
		return d, nil
	}

	score := r.scorer.ScoreWithScheme(req.Text, req.History, scheme)
	match := r.matcher.Match(req.Text, req.Attachments, available)

	regexConfidence := min(score.Confidence, match.Confidence)
	threshold := policy.ConfidenceThreshold()

	tier := score.Tier
	tools := types.NewToolSet(match.Tools.Sorted()...)
	confidence := regexConfidence
	path := PathRegex
	var usage *ClassifierUsage

	if regexConfidence < threshold {
		if r.gateway == nil {
			path = PathNoFallback
		} else {
			c, err := r.gateway.Classify(ctx, "", req.Text, Vocabulary{Scheme: scheme, Tools: available.Sorted()})
			if c.Usage != (ClassifierUsage{}) {
				u := c.Usage
				usage = &u
			}
			if err != nil {
				path = PathFallbackFailed
				log.Warn().
					Err(err).
					Str("endpoint", policy.Endpoint()).
					Float64("confidence", regexConfidence).
					Msg("fallback classifier unavailable, using regex result")
			} else {
				path = PathFallback
				confidence = FallbackConfidence
				if c.HasTier {
					tier = c.Tier
				}
				for id := range c.Tools {
					if available.Has(id) {
						tools.Add(id)
					}
				}
			}
		}
	}

	d := RoutingDecision{
		Tools:        tools.Sorted(),
		Tier:         tier,
		TierName:     scheme.Name(tier),
		ModelID:      policy.ModelFor(tier),
		Confidence:   confidence,
		UsedFallback: path == PathFallback,
		Categories:   score.Categories,
		Path:         path,
		Usage:        usage,
	}

	if len(d.Tools) > 0 && d.Tier < policy.MinToolTier() {
		d.Tier = policy.MinToolTier()
		d.TierName = scheme.Name(d.Tier)
		d.ModelID = policy.ModelFor(d.Tier)
		d.ToolFloorApplied = true
	}

	d.EstimatedCostDelta = r.costDelta(policy, req, d.ModelID)
	d.Reason = explain(d, regexConfidence, threshold, scheme.Name(tier))

	span.SetAttributes(
		attribute.String("router.tier", d.TierName),
		attribute.String("router.model", d.ModelID),
		attribute.String("router.path", string(d.Path)),
		attribute.Float64("router.confidence", d.Confidence),
	)

	r.record(d, policy)
	return d, nil
}

// availableTools is the policy catalog intersected with the caller's set.
func availableTools(policy *RouterPolicy, requested types.ToolSet) types.ToolSet {
	out := types.NewToolSet()
	for _, id := range policy.ToolCatalog() {
		if requested == nil || requested.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// costDelta prices the request on the routed model against the caller's
// current one. History is counted over the same window the scorer reads.
// Without a current model there is nothing to compare.
func (r *Router) costDelta(policy *RouterPolicy, req Request, routed string) float64 {
	if req.CurrentModelID == "" {
		return 0
	}
	tokens := types.EstimateTokens(req.Text)
	for _, turn := range r.scorer.historyWindow(req.History) {
		tokens += types.EstimateTokens(turn)
	}
	return policy.Pricing().CostDelta(req.CurrentModelID, routed, tokens)
}

func explain(d RoutingDecision, regexConfidence, threshold float64, preFloorTier string) string {
	var b strings.Builder

	b.WriteString(preFloorTier)
	switch d.Path {
	case PathRegex:
		fmt.Fprintf(&b, " via regex (confidence %.2f >= %.2f)", regexConfidence, threshold)
	case PathFallback:
		fmt.Fprintf(&b, " via fallback classifier (regex confidence %.2f < %.2f)", regexConfidence, threshold)
	case PathFallbackFailed:
		fmt.Fprintf(&b, " via regex; fallback classifier unavailable (regex confidence %.2f < %.2f)", regexConfidence, threshold)
	case PathNoFallback:
		fmt.Fprintf(&b, " via regex; no fallback classifier (regex confidence %.2f < %.2f)", regexConfidence, threshold)
	}

	if len(d.Categories) > 0 {
		fmt.Fprintf(&b, "; categories: %s", strings.Join(d.Categories, ", "))
	} else {
		b.WriteString("; categories: none")
	}

	if len(d.Tools) > 0 {
		names := make([]string, len(d.Tools))
		for i, t := range d.Tools {
			names[i] = string(t)
		}
		fmt.Fprintf(&b, "; tools: %s", strings.Join(names, ", "))
	}
	if d.ToolFloorApplied {
		fmt.Fprintf(&b, "; raised to %s for tool use", d.TierName)
	}
	return b.String()
}

// record updates statistics, metrics and the decision log line.
func (r *Router) record(d RoutingDecision, policy *RouterPolicy) {
	r.mu.Lock()
	r.stats.TotalRequests++
	switch d.Path {
	case PathFallback:
		r.stats.FallbackDecisions++
	case PathFallbackFailed:
		r.stats.FallbackFailures++
		r.stats.RegexDecisions++
	default:
		r.stats.RegexDecisions++
	}
	if d.ToolFloorApplied {
		r.stats.ToolFloorApplied++
	}
	if d.Usage != nil {
		r.stats.ClassifierCost += d.Usage.EstimatedCost
	}
	r.stats.TierDistribution[d.TierName]++
	// Update running average confidence
	total := float64(r.stats.TotalRequests)
	r.stats.AverageConfidence = (r.stats.AverageConfidence*(total-1) + d.Confidence) / total
	r.mu.Unlock()

	r.metrics.observe(d)

	level := zerolog.DebugLevel
	if r.debug {
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).
		Str("endpoint", policy.Endpoint()).
		Str("preset", policy.Preset()).
		Str("tier", d.TierName).
		Str("model", d.ModelID).
		Str("path", string(d.Path)).
		Float64("confidence", d.Confidence).
		Float64("cost_delta", d.EstimatedCostDelta).
		Int("tools", len(d.Tools)).
		Msg("routing decision")
}

// Stats returns a copy of the current routing statistics.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.TierDistribution = make(map[string]int64, len(r.stats.TierDistribution))
	for k, v := range r.stats.TierDistribution {
		s.TierDistribution[k] = v
	}
	return s
}

// ResetStats resets all routing statistics.
func (r *Router) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = RouterStats{TierDistribution: make(map[string]int64)}
}
