package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/intentrouter/internal/router"
	"github.com/normanking/intentrouter/internal/tools"
	"github.com/normanking/intentrouter/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOOLS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and load tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in tools and their credentials",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			reg := tools.NewDefaultRegistry()
			for _, id := range reg.IDs() {
				def, _ := reg.Lookup(id)
				fmt.Fprintf(out, "%-18s %s\n", id, def.Description)
				for _, f := range def.Credentials {
					fmt.Fprintf(out, "  %s%s\n", f.Name, credentialNote(f))
				}
			}
			fmt.Fprintf(out, "\nRemote tools are named <tool>%s<provider>; use %s%s<provider> for every tool of a provider.\n",
				tools.ProviderDelimiter, tools.AllToolsMarker, tools.ProviderDelimiter)
		},
	})

	var (
		userID      string
		attachments []string
	)
	loadCmd := &cobra.Command{
		Use:   "load [tool...]",
		Short: "Load tools and show what was constructed",
		Long: `Load a tool set the way a request would and report each tool's outcome.

Examples:
  intentrouter tools load web_search calculator
  intentrouter tools load file_search structured_data --attach notes.pdf --attach sales.csv
  intentrouter tools load search_mcp_github --user alice`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]types.ToolID, len(args))
			for i, a := range args {
				ids[i] = types.ToolID(a)
			}

			var metas []types.ResourceMeta
			for _, path := range attachments {
				meta, err := attachmentMeta(path)
				if err != nil {
					return err
				}
				metas = append(metas, meta)
			}
			return runToolsLoad(cmd.Context(), cmd.OutOrStdout(), ids, userID, metas)
		},
	}
	loadCmd.Flags().StringVar(&userID, "user", "", "user id for credential lookup")
	loadCmd.Flags().StringSliceVarP(&attachments, "attach", "a", nil, "attached file (repeatable)")
	cmd.AddCommand(loadCmd)

	return cmd
}

func credentialNote(f tools.CredentialField) string {
	var notes []string
	if len(f.Alternates) > 0 {
		notes = append(notes, "or "+strings.Join(f.Alternates, ", "))
	}
	if f.Default != "" {
		notes = append(notes, "default "+f.Default)
	}
	if f.Optional {
		notes = append(notes, "optional")
	}
	if len(notes) == 0 {
		return ""
	}
	return " (" + strings.Join(notes, "; ") + ")"
}

// runToolsLoad loads ids with credentials from the environment, falling back
// to the static credentials in the config file.
func runToolsLoad(ctx context.Context, out io.Writer, ids []types.ToolID, userID string, attachments []types.ResourceMeta) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := current.cfg

	matcher, err := router.NewToolMatcherWithRules(router.DefaultToolGroups(), cfg.Tools.ResourceRules)
	if err != nil {
		return err
	}
	resolver := tools.ChainResolvers(
		tools.EnvResolver(),
		tools.MapResolver(map[string]map[string]string{"": cfg.ToolCredentials()}),
	)
	orch := tools.NewOrchestrator(tools.NewDefaultRegistry(),
		tools.WithCredentialResolver(resolver),
		tools.WithAttachmentMatcher(matcher),
		tools.WithOrchestratorMetrics(tools.NewMetrics(current.registry)),
		tools.WithProviderRateLimit(cfg.Tools.ProviderRateLimit, cfg.Tools.ProviderBurst),
	)

	result, err := orch.Load(ctx, ids, tools.LoadRequest{UserID: userID, Attachments: attachments})
	printLoadResult(out, result)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func printLoadResult(out io.Writer, result tools.LoadResult) {
	fmt.Fprintf(out, "Loaded %d tool(s):\n", len(result.Tools))
	for _, t := range result.Tools {
		fmt.Fprintf(out, "  ✅ %-18s %s\n", t.Name(), t.Description())
	}

	if len(result.Omitted) > 0 {
		fmt.Fprintf(out, "Omitted %d:\n", len(result.Omitted))
		for _, o := range result.Omitted {
			line := fmt.Sprintf("  ⚠️  %-18s %s", o.ID, o.Reason)
			if o.Err != nil {
				line += ": " + o.Err.Error()
			}
			fmt.Fprintln(out, line)
		}
	}

	if len(result.ToolContext) > 0 {
		fmt.Fprintln(out, "\nTool context:")
		for _, t := range result.Tools {
			if text, ok := result.ToolContext[t.Name()]; ok {
				fmt.Fprintf(out, "── %s ──\n%s\n", t.Name(), text)
			}
		}
	}
}
