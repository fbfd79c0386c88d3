package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/intentrouter/internal/config"
	"github.com/normanking/intentrouter/internal/decisionlog"
	"github.com/normanking/intentrouter/internal/llm"
	"github.com/normanking/intentrouter/internal/logging"
	"github.com/normanking/intentrouter/internal/router"
	"github.com/normanking/intentrouter/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

type routeOptions struct {
	endpoint     string
	currentModel string
	attachments  []string
	tools        []string
	history      []string
	record       bool
	asJSON       bool
	load         bool
	userID       string
}

func routeCmd() *cobra.Command {
	opts := &routeOptions{}
	cmd := &cobra.Command{
		Use:   "route [text]",
		Short: "Route a request to a model tier and tool set",
		Long: `Route one request and print the decision.

Examples:
  intentrouter route "what is 17 * 23"
  intentrouter route "compare these quarterly numbers" --attach q3.csv
  intentrouter route "search the web for the latest go release" --tools web_search,calculator
  intentrouter route "refactor this service" --endpoint agent --current-model gpt-4o --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.endpoint, "endpoint", "e", "", "endpoint the request arrived on")
	cmd.Flags().StringVarP(&opts.currentModel, "current-model", "m", "", "model the caller would otherwise use (for cost delta)")
	cmd.Flags().StringSliceVarP(&opts.attachments, "attach", "a", nil, "attached file (repeatable)")
	cmd.Flags().StringSliceVar(&opts.tools, "tools", nil, "tools available for this request (default: preset catalog)")
	cmd.Flags().StringArrayVar(&opts.history, "history", nil, `prior turn as "role: text" (repeatable, oldest first)`)
	cmd.Flags().BoolVar(&opts.record, "record", false, "record the decision in the decision log")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the decision as JSON")
	cmd.Flags().BoolVar(&opts.load, "load", false, "also load the selected tools")
	cmd.Flags().StringVar(&opts.userID, "user", "", "user id for credential lookup when --load is set")

	return cmd
}

func runRoute(ctx context.Context, out io.Writer, text string, opts *routeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := current.cfg

	factory, err := cfg.PolicyFactory()
	if err != nil {
		return err
	}
	cache := router.NewPolicyCache(factory)

	policy, enabled, err := cache.PolicyFor(cfg.Router.Settings, opts.endpoint)
	if err != nil {
		return err
	}
	if !enabled {
		fmt.Fprintf(out, "Routing is disabled for endpoint %q.\n", opts.endpoint)
		return nil
	}

	r, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	req := router.Request{
		Text:           text,
		CurrentModelID: opts.currentModel,
		History:        parseHistory(opts.history),
	}
	for _, path := range opts.attachments {
		meta, err := attachmentMeta(path)
		if err != nil {
			return err
		}
		req.Attachments = append(req.Attachments, meta)
	}
	if len(opts.tools) > 0 {
		req.AvailableTools = types.NewToolSet()
		for _, t := range opts.tools {
			req.AvailableTools.Add(types.ToolID(strings.TrimSpace(t)))
		}
	}

	decision, err := r.Route(ctx, req, policy)
	if err != nil {
		return err
	}

	if opts.record || cfg.DecisionLog.Enabled {
		recordDecision(ctx, cfg, policy, text, decision)
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(decision); err != nil {
			return err
		}
	} else {
		printDecision(out, policy, decision)
	}

	if opts.load && len(decision.Tools) > 0 {
		fmt.Fprintln(out)
		return runToolsLoad(ctx, out, decision.Tools, opts.userID, req.Attachments)
	}
	return nil
}

// buildRouter wires the scorer, matcher and optional classifier from cfg.
func buildRouter(cfg *config.Config) (*router.Router, error) {
	scheme, err := cfg.TierScheme()
	if err != nil {
		return nil, err
	}
	matcher, err := router.NewToolMatcherWithRules(router.DefaultToolGroups(), cfg.Tools.ResourceRules)
	if err != nil {
		return nil, err
	}

	opts := []router.RouterOption{
		router.WithScorer(router.NewComplexityScorer(scheme, cfg.ScorerOptions()...)),
		router.WithMatcher(matcher),
		router.WithMetrics(router.NewMetrics(current.registry)),
		router.WithDebug(cfg.Router.Debug),
	}

	if cfg.Classifier.Enabled {
		provider, err := llm.NewClassifierProvider(cfg.Classifier)
		if err != nil {
			return nil, err
		}
		gw := router.NewClassifierGateway(llm.ClassifierTransport(provider),
			router.WithClassifierModel(cfg.Classifier.Model),
			router.WithClassifierTimeout(cfg.Classifier.Timeout),
			router.WithPromptTemplate(cfg.Classifier.PromptTemplate),
			router.WithClassifierPricing(cfg.PricingTable()),
			router.WithBreakerFailures(cfg.Classifier.BreakerFailures),
		)
		opts = append(opts, router.WithGateway(gw))
		log.Debug().Str("provider", provider.Name()).Str("model", cfg.Classifier.Model).Msg("fallback classifier enabled")
	}

	return router.NewRouter(opts...), nil
}

// recordDecision writes to the decision log. Failures are logged only; a
// routing answer is still printed.
func recordDecision(ctx context.Context, cfg *config.Config, policy *router.RouterPolicy, text string, d router.RoutingDecision) {
	store, err := decisionlog.Open(cfg.DecisionLog.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.DecisionLog.Path).Msg("decision log unavailable")
		return
	}
	defer store.Close()

	logCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
	defer cancel()

	entry := decisionlog.NewEntry(policy.Endpoint(), policy.Preset(), text, d)
	if err := store.Record(logCtx, entry); err != nil {
		log.Warn().Err(err).Msg("failed to record decision")
	}
}

func printDecision(out io.Writer, policy *router.RouterPolicy, d router.RoutingDecision) {
	tools := "none"
	if len(d.Tools) > 0 {
		names := make([]string, len(d.Tools))
		for i, t := range d.Tools {
			names[i] = string(t)
		}
		tools = strings.Join(names, ", ")
	}

	fmt.Fprintf(out, "Model:       %s\n", d.ModelID)
	fmt.Fprintf(out, "Tier:        %s\n", d.TierName)
	fmt.Fprintf(out, "Tools:       %s\n", tools)
	fmt.Fprintf(out, "Confidence:  %.2f\n", d.Confidence)
	fmt.Fprintf(out, "Path:        %s\n", d.Path)
	fmt.Fprintf(out, "Preset:      %s\n", policy.Preset())
	if d.EstimatedCostDelta != 0 {
		fmt.Fprintf(out, "Cost delta:  %+.6f\n", d.EstimatedCostDelta)
	}
	if d.Usage != nil {
		fmt.Fprintf(out, "Classifier:  %d in / %d out tokens (%.6f)\n",
			d.Usage.InputTokens, d.Usage.OutputTokens, d.Usage.EstimatedCost)
	}
	fmt.Fprintf(out, "Reason:      %s\n", d.Reason)
}

// parseHistory turns "role: text" flags into messages. Entries without a
// role prefix are treated as user turns.
func parseHistory(entries []string) []types.Message {
	msgs := make([]types.Message, 0, len(entries))
	for _, e := range entries {
		role, content := "user", e
		if i := strings.Index(e, ":"); i > 0 {
			switch r := strings.ToLower(strings.TrimSpace(e[:i])); r {
			case "user", "assistant", "system":
				role, content = r, e[i+1:]
			}
		}
		msgs = append(msgs, types.Message{Role: role, Content: strings.TrimSpace(content)})
	}
	return msgs
}

// attachmentMeta describes a local file without reading its content.
func attachmentMeta(path string) (types.ResourceMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.ResourceMeta{}, fmt.Errorf("attachment %s: %w", path, err)
	}
	if info.IsDir() {
		return types.ResourceMeta{}, fmt.Errorf("attachment %s: is a directory", path)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	mimeType := ""
	if ext != "" {
		mimeType, _, _ = strings.Cut(mime.TypeByExtension("."+ext), ";")
	}
	return types.ResourceMeta{
		Name:      filepath.Base(path),
		Extension: ext,
		MIMEType:  mimeType,
		Size:      info.Size(),
	}, nil
}
