package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/normanking/intentrouter/pkg/types"
)

var tracer = otel.Tracer("github.com/normanking/intentrouter/internal/tools")

type source string

const (
	sourceBespoke     source = "bespoke"
	sourceConstructor source = "constructor"
	sourceRemote      source = "remote"
)

// Orchestrator loads tools for a turn. It is safe for concurrent use.
type Orchestrator struct {
	registry    *Registry
	credentials CredentialResolver
	providers   ProviderResolver
	metrics     *Metrics
	limiters    *providerLimiters
	matcher     AttachmentMatcher
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCredentialResolver sets how tool credentials are looked up.
// The default reads environment variables.
func WithCredentialResolver(r CredentialResolver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.credentials = r
	}
}

// WithProviderResolver enables remote tool providers.
func WithProviderResolver(p ProviderResolver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.providers = p
	}
}

// WithOrchestratorMetrics records loads on m.
func WithOrchestratorMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAttachmentMatcher sets the rules bespoke tools use to pick their
// attachments. Pass the router's matcher so both agree.
func WithAttachmentMatcher(m AttachmentMatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.matcher = m
	}
}

// WithProviderRateLimit caps calls per second to each remote provider.
// A non-positive limit disables limiting.
func WithProviderRateLimit(perSecond float64, burst int) OrchestratorOption {
	return func(o *Orchestrator) {
		if perSecond <= 0 {
			o.limiters = nil
			return
		}
		o.limiters = newProviderLimiters(rate.Limit(perSecond), burst)
	}
}

// NewOrchestrator creates an Orchestrator over registry. A nil registry
// uses the built-in definitions.
func NewOrchestrator(registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	if registry == nil {
		registry = NewDefaultRegistry()
	}
	o := &Orchestrator{
		registry:    registry,
		credentials: EnvResolver(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// builtinJob is one registry tool to construct.
type builtinJob struct {
	index int
	id    types.ToolID
	def   Definition
}

type builtinOutcome struct {
	tool    Tool
	contrib *ContextContribution
	omit    *Omission
}

// Load resolves ids into tools. Built-in tools are constructed concurrently
// while remote providers are resolved sequentially. Tools that fail are
// omitted and recorded in the result; unknown ids are ignored.
//
// The returned error is non-nil only when ctx ends before the load
// completes. The result is still valid in that case and holds every tool
// that finished.
func (o *Orchestrator) Load(ctx context.Context, ids []types.ToolID, req LoadRequest) (LoadResult, error) {
	start := time.Now()
	if req.LoadID == "" {
		req.LoadID = uuid.NewString()
	}
	if req.Matcher == nil {
		req.Matcher = o.matcher
	}

	ctx, span := tracer.Start(ctx, "tools.load")
	defer span.End()

	ids = dedupe(ids)
	var (
		jobs    []builtinJob
		remote  []remoteRequest
		unknown []Omission
	)
	for i, id := range ids {
		if def, ok := o.registry.Lookup(id); ok {
			jobs = append(jobs, builtinJob{index: i, id: id, def: def})
			continue
		}
		if tool, provider, ok := ParseRemoteID(id); ok {
			remote = append(remote, remoteRequest{index: i, id: id, tool: tool, provider: provider})
			continue
		}
		log.Debug().Str("load_id", req.LoadID).Str("tool", string(id)).Msg("unknown tool id ignored")
		unknown = append(unknown, Omission{ID: id, Reason: OmitUnknown})
	}

	pending := newOutcomes(len(jobs))
	var g errgroup.Group
	if len(jobs) > 0 {
		g.SetLimit(len(jobs))
	}
	for n, job := range jobs {
		g.Go(func() error {
			pending.set(n, o.construct(ctx, job, req))
			return nil
		})
	}

	remotes := o.resolveRemote(ctx, req.LoadID, remote)

	// Constructors that ignore ctx must not hold the load past its deadline.
	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
	builtins := pending.snapshot(func(n int) builtinOutcome {
		return builtinOutcome{omit: &Omission{ID: jobs[n].id, Reason: OmitCancelled, Err: ctx.Err()}}
	})

	// Assemble in request order.
	slots := make([][]Tool, len(ids))
	var contribs []contribution
	var omissions []Omission
	loaded := make(map[source]int)

	for n, b := range builtins {
		job := jobs[n]
		if b.omit != nil {
			omissions = append(omissions, *b.omit)
			continue
		}
		slots[job.index] = []Tool{b.tool}
		if job.def.Bespoke() {
			loaded[sourceBespoke]++
		} else {
			loaded[sourceConstructor]++
		}
		if b.contrib != nil {
			contribs = append(contribs, contribution{index: job.index, id: job.id, ContextContribution: *b.contrib})
		}
	}
	for _, r := range remotes {
		if r.omit != nil {
			omissions = append(omissions, *r.omit)
			continue
		}
		slots[r.index] = append(slots[r.index], r.tools...)
		loaded[sourceRemote] += len(r.tools)
	}
	omissions = append(omissions, unknown...)
	sortContributions(contribs)

	result := LoadResult{ToolContext: mergeContexts(contribs), Omitted: sortOmissions(omissions, ids)}
	for _, s := range slots {
		result.Tools = append(result.Tools, s...)
	}

	for _, om := range result.Omitted {
		if om.Reason == OmitUnknown {
			continue
		}
		log.Info().
			Err(om.Err).
			Str("load_id", req.LoadID).
			Str("tool", string(om.ID)).
			Str("reason", string(om.Reason)).
			Msg("tool omitted")
	}

	elapsed := time.Since(start)
	o.metrics.observe(loaded, result.Omitted, elapsed)
	span.SetAttributes(
		attribute.Int("tools.requested", len(ids)),
		attribute.Int("tools.loaded", len(result.Tools)),
		attribute.Int("tools.omitted", len(result.Omitted)),
	)
	log.Debug().
		Str("load_id", req.LoadID).
		Int("requested", len(ids)).
		Int("loaded", len(result.Tools)).
		Int("omitted", len(result.Omitted)).
		Dur("elapsed", elapsed).
		Msg("tools loaded")

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("tool load interrupted: %w", err)
	}
	return result, nil
}

// construct builds one registry tool. Panics in constructors are recovered
// and reported as omissions.
func (o *Orchestrator) construct(ctx context.Context, job builtinJob, req LoadRequest) (out builtinOutcome) {
	omit := func(reason OmitReason, err error) builtinOutcome {
		return builtinOutcome{omit: &Omission{ID: job.id, Reason: reason, Err: err}}
	}
	defer func() {
		if r := recover(); r != nil {
			out = omit(OmitConstructor, fmt.Errorf("%w: %s panicked: %v", ErrToolUnavailable, job.id, r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return omit(OmitCancelled, err)
	}

	creds, err := resolveCredentials(ctx, o.credentials, req.UserID, job.id, job.def.Credentials)
	if err != nil {
		return omit(OmitCredentials, err)
	}

	var tool Tool
	var contrib *ContextContribution
	if job.def.Bespoke() {
		tool, contrib, err = job.def.Initialize(ctx, req, creds)
	} else {
		tool, err = job.def.Construct(ctx, creds)
	}
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return omit(OmitCancelled, ctx.Err())
		}
		return omit(OmitConstructor, fmt.Errorf("%w: %s: %w", ErrToolUnavailable, job.id, err))
	case tool == nil:
		return omit(OmitConstructor, fmt.Errorf("%w: %s constructor returned no tool", ErrToolUnavailable, job.id))
	}
	return builtinOutcome{tool: tool, contrib: contrib}
}

// outcomes collects constructor results that may still be arriving after
// the load has returned.
type outcomes struct {
	mu   sync.Mutex
	out  []builtinOutcome
	done []bool
}

func newOutcomes(n int) *outcomes {
	return &outcomes{out: make([]builtinOutcome, n), done: make([]bool, n)}
}

func (o *outcomes) set(n int, b builtinOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.out[n], o.done[n] = b, true
}

// snapshot copies the finished outcomes and fills the rest with unfinished.
func (o *outcomes) snapshot(unfinished func(n int) builtinOutcome) []builtinOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]builtinOutcome, len(o.out))
	for n := range o.out {
		if o.done[n] {
			out[n] = o.out[n]
		} else {
			out[n] = unfinished(n)
		}
	}
	return out
}

func dedupe(ids []types.ToolID) []types.ToolID {
	seen := make(map[types.ToolID]bool, len(ids))
	out := make([]types.ToolID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortContributions(c []contribution) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].index < c[j].index })
}

// sortOmissions orders omissions by the position of their id in ids.
func sortOmissions(om []Omission, ids []types.ToolID) []Omission {
	pos := make(map[types.ToolID]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	sort.SliceStable(om, func(i, j int) bool { return pos[om[i].ID] < pos[om[j].ID] })
	return om
}
