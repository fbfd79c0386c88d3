package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/normanking/intentrouter/pkg/types"
)

const (
	// ProviderDelimiter separates tool and provider in a remote tool id:
	// "<tool>_mcp_<provider>".
	ProviderDelimiter = "_mcp_"

	// AllToolsMarker in the tool position requests every tool a provider
	// offers in one call.
	AllToolsMarker = "sys__all__sys"
)

// ParseRemoteID splits a remote tool id into tool and provider. The last
// delimiter wins, so tool names may themselves contain it.
func ParseRemoteID(id types.ToolID) (tool, provider string, ok bool) {
	s := string(id)
	i := strings.LastIndex(s, ProviderDelimiter)
	if i <= 0 || i+len(ProviderDelimiter) >= len(s) {
		return "", "", false
	}
	return s[:i], s[i+len(ProviderDelimiter):], true
}

// RemoteID builds the id of tool on provider.
func RemoteID(tool, provider string) types.ToolID {
	return types.ToolID(tool + ProviderDelimiter + provider)
}

// remoteRequest is one queued remote id.
type remoteRequest struct {
	index    int
	id       types.ToolID
	tool     string
	provider string
}

func (r remoteRequest) bulk() bool { return r.tool == AllToolsMarker }

// remoteOutcome is the result of one queued remote id.
type remoteOutcome struct {
	index int
	tools []Tool
	omit  *Omission
}

// providerLimiters hands out one token bucket per provider name.
type providerLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newProviderLimiters(limit rate.Limit, burst int) *providerLimiters {
	if burst < 1 {
		burst = 1
	}
	return &providerLimiters{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (p *providerLimiters) wait(ctx context.Context, provider string) error {
	if p == nil || p.limit == rate.Inf || p.limit <= 0 {
		return ctx.Err()
	}
	p.mu.Lock()
	l, ok := p.limiters[provider]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[provider] = l
	}
	p.mu.Unlock()
	return l.Wait(ctx)
}

// planRemote selects the orchestration mode per provider. A provider with a
// bulk marker among the requested ids is fetched with one call, at the
// position of its first request; its individually named ids are covered by
// that call and dropped. Other providers keep one queue entry per id.
func planRemote(queue []remoteRequest) []remoteRequest {
	bulk := make(map[string]bool)
	for _, q := range queue {
		if q.bulk() {
			bulk[q.provider] = true
		}
	}
	out := make([]remoteRequest, 0, len(queue))
	seen := make(map[string]bool)
	for _, q := range queue {
		if !bulk[q.provider] {
			out = append(out, q)
			continue
		}
		if seen[q.provider] {
			continue
		}
		seen[q.provider] = true
		q.tool = AllToolsMarker
		out = append(out, q)
	}
	return out
}

// resolveRemote resolves planned remote requests one at a time, in request
// order. A provider that fails is skipped for the rest of the load.
func (o *Orchestrator) resolveRemote(ctx context.Context, loadID string, queue []remoteRequest) []remoteOutcome {
	out := make([]remoteOutcome, 0, len(queue))
	failed := make(map[string]error)

	for _, q := range planRemote(queue) {
		if err := ctx.Err(); err != nil {
			out = append(out, omitted(q.index, q.id, OmitCancelled, err))
			continue
		}
		if o.providers == nil {
			out = append(out, omitted(q.index, q.id, OmitProvider,
				fmt.Errorf("%w: no provider resolver configured", ErrProviderUnreachable)))
			continue
		}
		if err, ok := failed[q.provider]; ok {
			out = append(out, omitted(q.index, q.id, OmitProviderSkipped, err))
			continue
		}
		if err := o.limiters.wait(ctx, q.provider); err != nil {
			out = append(out, omitted(q.index, q.id, OmitCancelled, err))
			continue
		}

		tools, err := o.callProvider(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				out = append(out, omitted(q.index, q.id, OmitCancelled, ctx.Err()))
				continue
			}
			err = fmt.Errorf("%w: %s: %w", ErrProviderUnreachable, q.provider, err)
			failed[q.provider] = err
			log.Warn().
				Err(err).
				Str("load_id", loadID).
				Str("provider", q.provider).
				Str("tool", string(q.id)).
				Msg("tool provider failed, skipping its remaining tools")
			out = append(out, omitted(q.index, q.id, OmitProvider, err))
			continue
		}
		if len(tools) == 0 {
			out = append(out, omitted(q.index, q.id, OmitProvider,
				fmt.Errorf("%w: %s returned no tool %q", ErrToolUnavailable, q.provider, q.tool)))
			continue
		}
		out = append(out, remoteOutcome{index: q.index, tools: tools})
	}
	return out
}

// callProvider makes one provider call. A panicking resolver counts as a
// provider failure.
func (o *Orchestrator) callProvider(ctx context.Context, q remoteRequest) (tools []Tool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panicked: %v", r)
		}
	}()
	if q.bulk() {
		return o.providers.ResolveAll(ctx, q.provider)
	}
	t, err := o.providers.ResolveTool(ctx, q.provider, q.tool)
	if t != nil {
		tools = []Tool{t}
	}
	return tools, err
}

func omitted(index int, id types.ToolID, reason OmitReason, err error) remoteOutcome {
	return remoteOutcome{index: index, omit: &Omission{ID: id, Reason: reason, Err: err}}
}
