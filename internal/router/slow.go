package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/normanking/intentrouter/pkg/types"
)

const (
	// DefaultClassifierTimeout bounds one fallback classification call.
	DefaultClassifierTimeout = 3 * time.Second

	// ClassifierTemperature is the fixed sampling temperature for
	// classification. Classification must be repeatable, not creative.
	ClassifierTemperature = 0.0

	// ClassifierMaxTokens caps the classifier's answer length.
	ClassifierMaxTokens = 64

	// maxPromptTextChars bounds the request text embedded in the prompt.
	maxPromptTextChars = 2000

	// DefaultClassifierPrompt is the prompt template used when a caller
	// passes none. {{tiers}}, {{tools}} and {{text}} are substituted.
	DefaultClassifierPrompt = `You are a request router. Decide how capable a model must be to answer the request, and which tools it needs.

Complexity tiers, from cheapest to most capable: {{tiers}}
Available tools: {{tools}}

Answer on one line in the form:
tier: <tier name>; tools: <comma separated tool names, or none>

Request:
{{text}}`
)

// ClassifierRequest is one outbound classification call.
type ClassifierRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Transport performs one classification call and returns the model's raw
// text answer. Lifecycle, retries and credentials belong to the transport.
type Transport func(ctx context.Context, req ClassifierRequest) (string, error)

// Vocabulary is the fixed set of words a classifier answer is decoded with.
type Vocabulary struct {
	Scheme *TierScheme
	Tools  []types.ToolID
}

// Classification is the decoded classifier answer.
type Classification struct {
	Tier    Tier
	HasTier bool
	Tools   types.ToolSet
	Usage   ClassifierUsage
	Raw     string
}

// ClassifierGateway wraps the fallback classification call with a timeout,
// a fixed temperature, a circuit breaker and free-text decoding.
type ClassifierGateway struct {
	transport Transport
	model     string
	timeout   time.Duration
	prompt    string
	pricing   *PricingTable
	breaker   *gobreaker.CircuitBreaker[string]

	breakerFailures uint32
	calls           atomic.Int64
}

// GatewayOption configures a ClassifierGateway.
type GatewayOption func(*ClassifierGateway)

// WithClassifierModel sets the model id sent to the transport and used for
// usage pricing.
func WithClassifierModel(model string) GatewayOption {
	return func(g *ClassifierGateway) {
		g.model = model
	}
}

// WithClassifierTimeout overrides DefaultClassifierTimeout.
func WithClassifierTimeout(d time.Duration) GatewayOption {
	return func(g *ClassifierGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithPromptTemplate sets the template used when Classify receives none.
func WithPromptTemplate(tmpl string) GatewayOption {
	return func(g *ClassifierGateway) {
		if tmpl != "" {
			g.prompt = tmpl
		}
	}
}

// WithClassifierPricing sets the table used to price classifier usage.
func WithClassifierPricing(p *PricingTable) GatewayOption {
	return func(g *ClassifierGateway) {
		g.pricing = p
	}
}

// WithBreakerFailures sets how many consecutive transport failures open the
// circuit. Zero disables the breaker.
func WithBreakerFailures(n uint32) GatewayOption {
	return func(g *ClassifierGateway) {
		g.breakerFailures = n
	}
}

// NewClassifierGateway creates a gateway around transport.
func NewClassifierGateway(transport Transport, opts ...GatewayOption) *ClassifierGateway {
	g := &ClassifierGateway{
		transport:       transport,
		timeout:         DefaultClassifierTimeout,
		prompt:          DefaultClassifierPrompt,
		breakerFailures: 5,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.breakerFailures > 0 {
		failures := g.breakerFailures
		g.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// A caller abandoning the request says nothing about the classifier.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("classifier circuit state changed")
			},
		})
	}
	return g
}

// Model returns the configured classifier model id.
func (g *ClassifierGateway) Model() string { return g.model }

// Calls returns how many classifications were attempted.
func (g *ClassifierGateway) Calls() int64 { return g.calls.Load() }

// Classify performs one classification. An empty promptTemplate selects the
// gateway's template. Every failure is returned as an error wrapping
// ErrClassificationUnavailable; nothing panics past this call. Usage is
// populated whenever the transport answered, including malformed answers.
func (g *ClassifierGateway) Classify(ctx context.Context, promptTemplate, text string, vocab Vocabulary) (Classification, error) {
	g.calls.Add(1)

	ctx, span := tracer.Start(ctx, "router.classify")
	defer span.End()

	if g.transport == nil {
		return Classification{}, fmt.Errorf("%w: no transport configured", ErrClassificationUnavailable)
	}
	if vocab.Scheme == nil {
		vocab.Scheme = DefaultTierScheme()
	}
	if promptTemplate == "" {
		promptTemplate = g.prompt
	}
	prompt := renderPrompt(promptTemplate, text, vocab)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := ClassifierRequest{
		Model:       g.model,
		Prompt:      prompt,
		Temperature: ClassifierTemperature,
		MaxTokens:   ClassifierMaxTokens,
	}

	start := time.Now()
	raw, err := g.call(ctx, req)
	span.SetAttributes(
		attribute.String("classifier.model", g.model),
		attribute.Int64("classifier.duration_ms", time.Since(start).Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier unavailable")
		return Classification{}, fmt.Errorf("%w: %w", ErrClassificationUnavailable, err)
	}

	c := ParseClassification(raw, vocab)
	c.Usage = g.usage(prompt, raw)

	if !c.HasTier && len(c.Tools) == 0 && !mentionsNoTools(raw) {
		span.SetStatus(codes.Error, "malformed response")
		return c, fmt.Errorf("%w: %w: %q", ErrClassificationUnavailable, ErrMalformedResponse, Truncate(raw, 80))
	}
	return c, nil
}

func (g *ClassifierGateway) call(ctx context.Context, req ClassifierRequest) (string, error) {
	if g.breaker == nil {
		return g.invoke(ctx, req)
	}
	return g.breaker.Execute(func() (string, error) {
		return g.invoke(ctx, req)
	})
}

// invoke runs the transport, converting panics and late answers into errors.
// It returns when ctx ends even if the transport does not.
func (g *ClassifierGateway) invoke(ctx context.Context, req ClassifierRequest) (string, error) {
	type answer struct {
		out string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("transport panic: %v", r)}
			}
		}()
		out, err := g.transport(ctx, req)
		ch <- answer{out: out, err: err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return "", a.err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return a.out, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *ClassifierGateway) usage(prompt, response string) ClassifierUsage {
	u := ClassifierUsage{
		InputTokens:  types.EstimateTokens(prompt),
		OutputTokens: types.EstimateTokens(response),
	}
	if g.pricing != nil {
		u.EstimatedCost = g.pricing.CostForTokens(g.model, u.InputTokens, u.OutputTokens)
	}
	return u
}

func renderPrompt(tmpl, text string, vocab Vocabulary) string {
	tiers := make([]string, 0, vocab.Scheme.Len())
	for _, t := range vocab.Scheme.Tiers() {
		tiers = append(tiers, vocab.Scheme.Name(t))
	}
	tools := make([]string, 0, len(vocab.Tools))
	for _, id := range vocab.Tools {
		tools = append(tools, string(id))
	}
	sort.Strings(tools)
	toolList := strings.Join(tools, ", ")
	if toolList == "" {
		toolList = "none"
	}

	return strings.NewReplacer(
		"{{tiers}}", strings.Join(tiers, ", "),
		"{{tools}}", toolList,
		"{{text}}", Truncate(text, maxPromptTextChars),
	).Replace(tmpl)
}

// ParseClassification decodes a free-text classifier answer. The first tier
// name or alias found selects the tier; every listed tool id found (with
// underscores, spaces or hyphens) is selected. Unknown words are ignored.
func ParseClassification(raw string, vocab Vocabulary) Classification {
	if vocab.Scheme == nil {
		vocab.Scheme = DefaultTierScheme()
	}
	lower := strings.ToLower(raw)
	c := Classification{Tools: types.NewToolSet(), Raw: raw}

	best, bestLen := -1, 0
	for word, tier := range vocab.Scheme.byName {
		idx := indexWord(lower, word)
		if idx < 0 {
			continue
		}
		// Earliest mention wins; the longer word wins a tie so that
		// "very complex" beats "complex".
		if best < 0 || idx < best || (idx == best && len(word) > bestLen) {
			best, bestLen = idx, len(word)
			c.Tier = tier
			c.HasTier = true
		}
	}

	for _, id := range vocab.Tools {
		name := strings.ToLower(string(id))
		for _, form := range []string{name, strings.ReplaceAll(name, "_", " "), strings.ReplaceAll(name, "_", "-")} {
			if indexWord(lower, form) >= 0 {
				c.Tools.Add(id)
				break
			}
		}
	}
	return c
}

var noToolsClause = regexp.MustCompile(`(?i)\btools?\s*[:=]\s*(none|no\s+tools?|\[\s*\])`)

// mentionsNoTools reports an explicit "tools: none" clause, which is a valid
// answer even when no tier was named.
func mentionsNoTools(raw string) bool {
	return noToolsClause.MatchString(raw)
}

// indexWord finds word in s at word boundaries.
func indexWord(s, word string) int {
	if word == "" {
		return -1
	}
	from := 0
	for {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(word)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end])) {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// MockTransport is a scripted Transport for tests and examples.
type MockTransport struct {
	Response string
	Err      error
	Delay    time.Duration

	calls    atomic.Int64
	lastTemp atomic.Value
}

// Transport returns the Transport func backed by the mock.
func (m *MockTransport) Transport() Transport {
	return func(ctx context.Context, req ClassifierRequest) (string, error) {
		m.calls.Add(1)
		m.lastTemp.Store(req.Temperature)
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if m.Err != nil {
			return "", m.Err
		}
		return m.Response, nil
	}
}

// Calls returns how many times the transport was invoked.
func (m *MockTransport) Calls() int64 { return m.calls.Load() }

// LastTemperature returns the temperature of the most recent call.
func (m *MockTransport) LastTemperature() float64 {
	v, _ := m.lastTemp.Load().(float64)
	return v
}
