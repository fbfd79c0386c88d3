package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/intentrouter/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func balancedPolicy(t *testing.T) *RouterPolicy {
	t.Helper()
	p, err := newTestFactory().Build("openai", "balanced")
	require.NoError(t, err)
	return p
}

func failingGateway() (*ClassifierGateway, *MockTransport) {
	mock := &MockTransport{Err: errors.New("upstream unavailable")}
	return NewClassifierGateway(mock.Transport(), WithBreakerFailures(0)), mock
}

const ambiguousText = "tell me about the roman empire"

// ═══════════════════════════════════════════════════════════════════════════════
// END-TO-END SCENARIOS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRoute_Scenarios(t *testing.T) {
	policy := balancedPolicy(t)
	gw, mock := failingGateway()
	r := NewRouter(WithGateway(gw))
	ctx := context.Background()

	t.Run("greeting", func(t *testing.T) {
		d, err := r.Route(ctx, Request{Text: "hi"}, policy)
		require.NoError(t, err)

		assert.Equal(t, policy.Scheme().Lowest(), d.Tier)
		assert.Equal(t, "gpt-4o-mini", d.ModelID)
		assert.Empty(t, d.Tools)
		assert.False(t, d.UsedFallback)
		assert.Equal(t, PathRegex, d.Path)
	})

	t.Run("segfault", func(t *testing.T) {
		d, err := r.Route(ctx, Request{Text: "fix this segfault in my C program"}, policy)
		require.NoError(t, err)

		complexTier, _ := policy.Scheme().Parse("complex")
		assert.GreaterOrEqual(t, d.Tier, complexTier)
		assert.Empty(t, d.Tools)
		assert.False(t, d.UsedFallback)
		assert.Contains(t, d.Categories, "debugging")
		assert.Contains(t, d.Reason, "debugging")
	})

	t.Run("weather", func(t *testing.T) {
		req := Request{
			Text:           "what's today's weather",
			AvailableTools: types.NewToolSet(types.ToolWebSearch),
		}
		d, err := r.Route(ctx, req, policy)
		require.NoError(t, err)

		assert.Equal(t, []types.ToolID{types.ToolWebSearch}, d.Tools)
		assert.GreaterOrEqual(t, d.Tier, policy.MinToolTier())
		assert.True(t, d.ToolFloorApplied)
		assert.Equal(t, "claude-3-5-haiku", d.ModelID)
		assert.False(t, d.UsedFallback)
		assert.Contains(t, d.Reason, "raised to moderate")
	})

	assert.Zero(t, mock.Calls(), "confident requests never reach the classifier")
}

func TestRoute_EmptyText(t *testing.T) {
	policy := balancedPolicy(t)
	gw, mock := failingGateway()
	r := NewRouter(WithGateway(gw))

	for _, text := range []string{"", "   \n"} {
		d, err := r.Route(context.Background(), Request{Text: text, Attachments: []types.ResourceMeta{{Name: "a.csv"}}}, policy)
		require.NoError(t, err)

		assert.Equal(t, Tier(0), d.Tier)
		assert.Equal(t, policy.ModelFor(0), d.ModelID)
		assert.Empty(t, d.Tools)
		assert.False(t, d.UsedFallback)
		assert.Equal(t, PathEmpty, d.Path)
	}
	assert.Zero(t, mock.Calls())
}

func TestRoute_NilPolicy(t *testing.T) {
	_, err := NewRouter().Route(context.Background(), Request{Text: "hi"}, nil)
	assert.ErrorIs(t, err, ErrNilPolicy)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FALLBACK
// ═══════════════════════════════════════════════════════════════════════════════

func TestRoute_FallbackUnavailable(t *testing.T) {
	policy := balancedPolicy(t)
	gw, mock := failingGateway()
	r := NewRouter(WithGateway(gw))

	d, err := r.Route(context.Background(), Request{Text: ambiguousText}, policy)
	require.NoError(t, err)

	assert.Equal(t, int64(1), mock.Calls())
	assert.False(t, d.UsedFallback)
	assert.Equal(t, PathFallbackFailed, d.Path)
	assert.Equal(t, Tier(0), d.Tier, "regex-only tier")
	assert.Equal(t, "gpt-4o-mini", d.ModelID)
	assert.Contains(t, d.Reason, "fallback classifier unavailable")
	assert.Nil(t, d.Usage)
}

func TestRoute_FallbackTimeout(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "expert", Delay: time.Second}
	r := NewRouter(WithGateway(NewClassifierGateway(mock.Transport(), WithClassifierTimeout(20*time.Millisecond))))

	d, err := r.Route(context.Background(), Request{Text: ambiguousText}, policy)
	require.NoError(t, err)
	assert.False(t, d.UsedFallback)
	assert.Equal(t, Tier(0), d.Tier)
}

func TestRoute_FallbackCancelled(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "expert", Delay: time.Second}
	r := NewRouter(WithGateway(NewClassifierGateway(mock.Transport())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	d, err := r.Route(ctx, Request{Text: ambiguousText}, policy)
	require.NoError(t, err)
	assert.Equal(t, PathFallbackFailed, d.Path)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRoute_FallbackSucceeds(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "tier: expert; tools: web_search"}
	gw := NewClassifierGateway(mock.Transport(), WithClassifierModel("gpt-4o-mini"), WithClassifierPricing(DefaultPricingTable()))
	r := NewRouter(WithGateway(gw))

	d, err := r.Route(context.Background(), Request{Text: ambiguousText}, policy)
	require.NoError(t, err)

	assert.True(t, d.UsedFallback)
	assert.Equal(t, PathFallback, d.Path)
	assert.Equal(t, "expert", d.TierName)
	assert.Equal(t, "claude-opus-4", d.ModelID)
	assert.Equal(t, []types.ToolID{types.ToolWebSearch}, d.Tools)
	assert.Equal(t, FallbackConfidence, d.Confidence)
	require.NotNil(t, d.Usage)
	assert.Greater(t, d.Usage.EstimatedCost, 0.0)
}

func TestRoute_FallbackMergesRegexTools(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "moderate; tools: web_search, image_generation"}
	r := NewRouter(WithGateway(NewClassifierGateway(mock.Transport())))

	req := Request{
		Text:           ambiguousText,
		Attachments:    []types.ResourceMeta{{Name: "legions.csv"}},
		AvailableTools: types.NewToolSet(types.ToolWebSearch, types.ToolStructuredData),
	}
	d, err := r.Route(context.Background(), req, policy)
	require.NoError(t, err)

	assert.True(t, d.UsedFallback)
	assert.Equal(t, []types.ToolID{types.ToolStructuredData, types.ToolWebSearch}, d.Tools,
		"resource-rule tool kept, classifier tool added, unavailable tool dropped")
}

func TestRoute_FallbackWithoutTier(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "tools: none"}
	r := NewRouter(WithGateway(NewClassifierGateway(mock.Transport())))

	d, err := r.Route(context.Background(), Request{Text: ambiguousText}, policy)
	require.NoError(t, err)
	assert.True(t, d.UsedFallback)
	assert.Equal(t, Tier(0), d.Tier, "regex tier kept when classifier names none")
}

func TestRoute_FallbackNonAnswer(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "I'm not sure. None of the tiers seem to fit."}
	r := NewRouter(WithGateway(NewClassifierGateway(mock.Transport())))

	d, err := r.Route(context.Background(), Request{Text: ambiguousText}, policy)
	require.NoError(t, err)
	assert.Equal(t, PathFallbackFailed, d.Path)
	assert.False(t, d.UsedFallback)
	assert.NotEqual(t, FallbackConfidence, d.Confidence)
}

func TestRoute_NoGateway(t *testing.T) {
	d, err := NewRouter().Route(context.Background(), Request{Text: ambiguousText}, balancedPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, PathNoFallback, d.Path)
	assert.False(t, d.UsedFallback)
}

// ═══════════════════════════════════════════════════════════════════════════════
// TOOL FLOOR / COST
// ═══════════════════════════════════════════════════════════════════════════════

func TestRoute_ToolFloorNeverLowers(t *testing.T) {
	policy := balancedPolicy(t)
	r := NewRouter()

	req := Request{
		Text:        "design a distributed architecture for this spreadsheet",
		Attachments: []types.ResourceMeta{{Name: "capacity.xlsx"}},
	}
	d, err := r.Route(context.Background(), req, policy)
	require.NoError(t, err)

	assert.True(t, d.HasTool(types.ToolStructuredData))
	assert.False(t, d.ToolFloorApplied)
	assert.GreaterOrEqual(t, d.Tier, policy.MinToolTier())
}

func TestRoute_ToolFloorAfterFallback(t *testing.T) {
	policy := balancedPolicy(t)
	mock := &MockTransport{Response: "simple; tools: web_search"}
	r := NewRouter(WithGateway(NewClassifierGateway(mock.Transport())))

	d, err := r.Route(context.Background(), Request{Text: ambiguousText}, policy)
	require.NoError(t, err)

	assert.Equal(t, "moderate", d.TierName)
	assert.True(t, d.ToolFloorApplied)
}

func TestRoute_CostDelta(t *testing.T) {
	policy := balancedPolicy(t)
	r := NewRouter()
	ctx := context.Background()

	down, err := r.Route(ctx, Request{Text: "hi", CurrentModelID: "claude-opus-4"}, policy)
	require.NoError(t, err)
	assert.Less(t, down.EstimatedCostDelta, 0.0, "router moves to a cheaper tier")

	same, err := r.Route(ctx, Request{Text: "hi", CurrentModelID: "gpt-4o-mini"}, policy)
	require.NoError(t, err)
	assert.Zero(t, same.EstimatedCostDelta)

	up, err := r.Route(ctx, Request{Text: "fix this segfault in my C program", CurrentModelID: "gpt-4o-mini"}, policy)
	require.NoError(t, err)
	assert.Greater(t, up.EstimatedCostDelta, 0.0)

	none, err := r.Route(ctx, Request{Text: "fix this segfault in my C program"}, policy)
	require.NoError(t, err)
	assert.Zero(t, none.EstimatedCostDelta)
}

func TestRoute_CostDeltaUsesScorerHistoryWindow(t *testing.T) {
	policy := balancedPolicy(t)
	scorer := NewComplexityScorer(policy.Scheme(), WithHistoryWindow(1, 40))
	r := NewRouter(WithScorer(scorer))

	turn := types.Message{Role: "user", Content: strings.Repeat("a", 400)}
	req := Request{
		Text:           "hi",
		CurrentModelID: "claude-opus-4",
		History:        []types.Message{turn, turn, turn, turn},
	}
	d, err := r.Route(context.Background(), req, policy)
	require.NoError(t, err)

	tokens := types.EstimateTokens("hi") + types.EstimateTokens(strings.Repeat("a", 40))
	want := policy.Pricing().CostDelta("claude-opus-4", d.ModelID, tokens)
	assert.InDelta(t, want, d.EstimatedCostDelta, 1e-12)

	none := NewRouter(WithScorer(NewComplexityScorer(policy.Scheme(), WithHistoryWindow(0, 40))))
	d, err = none.Route(context.Background(), req, policy)
	require.NoError(t, err)
	want = policy.Pricing().CostDelta("claude-opus-4", d.ModelID, types.EstimateTokens("hi"))
	assert.InDelta(t, want, d.EstimatedCostDelta, 1e-12, "history outside the window is not priced")
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROPERTIES
// ═══════════════════════════════════════════════════════════════════════════════

func TestRoute_Idempotent(t *testing.T) {
	policy := balancedPolicy(t)

	routers := map[string]*Router{
		"regex only":       NewRouter(),
		"failing fallback": NewRouter(WithGateway(NewClassifierGateway((&MockTransport{Err: errors.New("down")}).Transport()))),
		"working fallback": NewRouter(WithGateway(NewClassifierGateway((&MockTransport{Response: "complex; web_search"}).Transport()))),
	}
	inputs := []Request{
		{Text: "hi"},
		{Text: ambiguousText, CurrentModelID: "gpt-4o"},
		{Text: "what's today's weather", History: []types.Message{{Role: "user", Content: "I'm in Lisbon"}}},
		{Text: "summarize", Attachments: []types.ResourceMeta{{Name: "report.pdf"}}},
	}

	for name, r := range routers {
		t.Run(name, func(t *testing.T) {
			for _, req := range inputs {
				first, err := r.Route(context.Background(), req, policy)
				require.NoError(t, err)
				second, err := r.Route(context.Background(), req, policy)
				require.NoError(t, err)
				assert.Equal(t, first, second, "input %q", req.Text)
			}
		})
	}
}

func TestRoute_Concurrent(t *testing.T) {
	policy := balancedPolicy(t)
	r := NewRouter()
	want, err := r.Route(context.Background(), Request{Text: "fix this segfault in my C program"}, policy)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Route(context.Background(), Request{Text: "fix this segfault in my C program"}, policy)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(33), r.Stats().TotalRequests)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS / METRICS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRouter_Stats(t *testing.T) {
	policy := balancedPolicy(t)
	gw, _ := failingGateway()
	r := NewRouter(WithGateway(gw))
	ctx := context.Background()

	_, _ = r.Route(ctx, Request{Text: "hi"}, policy)
	_, _ = r.Route(ctx, Request{Text: ambiguousText}, policy)
	_, _ = r.Route(ctx, Request{Text: "what's today's weather"}, policy)

	s := r.Stats()
	assert.Equal(t, int64(3), s.TotalRequests)
	assert.Equal(t, int64(1), s.FallbackFailures)
	assert.Equal(t, int64(1), s.ToolFloorApplied)
	assert.Equal(t, int64(2), s.TierDistribution["simple"])
	assert.Equal(t, int64(1), s.TierDistribution["moderate"])
	assert.Equal(t, 1.0, s.RegexRatio())

	s.TierDistribution["simple"] = 100
	assert.Equal(t, int64(2), r.Stats().TierDistribution["simple"], "Stats returns a copy")

	r.ResetStats()
	assert.Zero(t, r.Stats().TotalRequests)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	gw, _ := failingGateway()
	r := NewRouter(WithGateway(gw), WithMetrics(m))
	policy := balancedPolicy(t)

	_, _ = r.Route(context.Background(), Request{Text: "hi"}, policy)
	_, _ = r.Route(context.Background(), Request{Text: ambiguousText}, policy)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("regex", "simple")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbackFailures))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, strings.Join(names, " "), "intentrouter_router_decisions_total")
}
