package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/intentrouter/internal/decisionlog"
	"github.com/normanking/intentrouter/internal/router"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLICY COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect router policies",
	}

	var endpoint string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective policy for an endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := current.cfg
			out := cmd.OutOrStdout()

			factory, err := cfg.PolicyFactory()
			if err != nil {
				return err
			}
			policy, enabled, err := router.NewPolicyCache(factory).PolicyFor(cfg.Router.Settings, endpoint)
			if err != nil {
				return err
			}
			if !enabled {
				fmt.Fprintf(out, "Routing is disabled for endpoint %q.\n", endpoint)
				return nil
			}

			scheme := policy.Scheme()
			fmt.Fprintf(out, "Endpoint:      %q\n", policy.Endpoint())
			fmt.Fprintf(out, "Preset:        %s\n", policy.Preset())
			fmt.Fprintf(out, "Threshold:     %.2f\n", policy.ConfidenceThreshold())
			fmt.Fprintf(out, "Min tool tier: %s\n", scheme.Name(policy.MinToolTier()))
			fmt.Fprintln(out, "Tier models:")
			for _, t := range scheme.Tiers() {
				model := policy.ModelFor(t)
				price := ""
				if e, ok := policy.Pricing().Lookup(model); ok {
					price = fmt.Sprintf(" (in %.6f / out %.6f)", e.InputUnitCost, e.OutputUnitCost)
				}
				fmt.Fprintf(out, "  %-10s %s%s\n", scheme.Name(t), model, price)
			}

			names := make([]string, 0, len(policy.ToolCatalog()))
			for _, id := range policy.ToolCatalog() {
				names = append(names, string(id))
			}
			fmt.Fprintf(out, "Tools:         %s\n", strings.Join(names, ", "))
			return nil
		},
	}
	showCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "endpoint to resolve")
	cmd.AddCommand(showCmd)

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func statsCmd() *cobra.Command {
	var (
		since  time.Duration
		recent int
		prune  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded routing decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := current.cfg
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			store, err := decisionlog.Open(cfg.DecisionLog.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d decision(s) older than %s.\n\n", n, prune)
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			sum, err := store.Summary(ctx, from)
			if err != nil {
				return err
			}

			if sum.Total == 0 {
				fmt.Fprintln(out, "No decisions recorded.")
				return nil
			}

			fmt.Fprintf(out, "Decisions:        %d\n", sum.Total)
			fmt.Fprintf(out, "Fallback rate:    %.1f%%\n", sum.FallbackRate()*100)
			fmt.Fprintf(out, "Avg confidence:   %.2f\n", sum.AverageConfidence)
			fmt.Fprintf(out, "Cost delta total: %+.6f\n", sum.CostDeltaTotal)
			fmt.Fprintf(out, "Classifier cost:  %.6f (%d tokens)\n", sum.ClassifierCost, sum.ClassifierTokens)

			fmt.Fprintln(out, "\nBy path:")
			for _, k := range sortedKeys(sum.ByPath) {
				fmt.Fprintf(out, "  %-16s %d\n", k, sum.ByPath[k])
			}
			fmt.Fprintln(out, "By tier:")
			for _, k := range sortedKeys(sum.ByTier) {
				fmt.Fprintf(out, "  %-16s %d\n", k, sum.ByTier[k])
			}
			if len(sum.ByTool) > 0 {
				fmt.Fprintln(out, "By tool:")
				for _, k := range sortedKeys(sum.ByTool) {
					fmt.Fprintf(out, "  %-16s %d\n", k, sum.ByTool[k])
				}
			}

			if recent > 0 {
				entries, err := store.Recent(ctx, recent)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nLast %d:\n", len(entries))
				for _, e := range entries {
					fmt.Fprintf(out, "  %s  %-10s %-10s %-16s %.2f  %s\n",
						e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						e.Endpoint, e.Decision.TierName, e.Decision.Path,
						e.Decision.Confidence, e.Decision.ModelID)
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "only include decisions newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent decisions to list")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete decisions older than this before summarizing")

	return cmd
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
