// Package main is the entry point for the intentrouter CLI. It routes single
// requests, loads tool sets and reports on recorded routing decisions.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/intentrouter/internal/config"
	"github.com/normanking/intentrouter/internal/logging"
	"github.com/normanking/intentrouter/internal/router"
)

var (
	version     = "0.1.0"
	cfgPath     string
	verbose     bool
	dumpMetrics bool
)

// app holds state shared by every command for one invocation.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	closer   io.Closer
}

var current = &app{}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var cfgErr *router.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Error().Str("endpoint", cfgErr.Endpoint).Str("preset", cfgErr.Preset).Msg(cfgErr.Reason)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "intentrouter",
		Short: "Intent-based model and tool routing",
		Long: `intentrouter picks a model tier and a tool set for each request:
  • Deterministic complexity scoring and tool intent matching
  • Optional fallback classifier for low-confidence requests
  • Per-endpoint presets with cost-aware model selection
  • Concurrent tool loading with per-provider fail-fast

Route a request:   intentrouter route "summarize this pdf" --attach report.pdf
Load tools:        intentrouter tools load web_search calculator
Configuration:     intentrouter config show`,
		PersistentPreRunE: initApp,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if dumpMetrics && current.registry != nil {
				printMetrics(cmd.ErrOrStderr(), current.registry)
			}
			if current.closer != nil {
				return current.closer.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.intentrouter/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&dumpMetrics, "metrics", false, "print collected metrics to stderr on exit")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "intentrouter v%s\n", version)
		},
	})

	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

// initApp loads configuration and installs logging before any command runs.
func initApp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	closer, err := logging.Setup(logging.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console || verbose,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	current.cfg = cfg
	current.closer = closer
	current.registry = prometheus.NewRegistry()

	log.Debug().Str("config", getConfigPath()).Str("version", version).Msg("intentrouter starting")
	return nil
}

func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".intentrouter/config.yaml"
	}
	return filepath.Join(home, ".intentrouter", "config.yaml")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := current.cfg
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "intentrouter Configuration:")
			fmt.Fprintln(out, "───────────────────────────")
			fmt.Fprintf(out, "Routing Enabled:  %t\n", cfg.Router.Enabled)
			fmt.Fprintf(out, "Default Preset:   %s\n", cfg.Router.Preset)
			fmt.Fprintf(out, "Threshold:        %.2f\n", cfg.Router.ConfidenceThreshold)
			fmt.Fprintf(out, "Tiers:            %s\n", tierNames(cfg))
			fmt.Fprintf(out, "Presets:          %s\n", strings.Join(presetNames(cfg), ", "))
			fmt.Fprintf(out, "Classifier:       %s\n", classifierSummary(cfg))
			fmt.Fprintf(out, "Decision Log:     %s\n", decisionLogSummary(cfg))
			fmt.Fprintf(out, "Log Level:        %s\n", cfg.Logging.Level)

			if len(cfg.Router.PerEndpointOverrides) > 0 {
				fmt.Fprintln(out, "\nEndpoint Overrides:")
				endpoints := make([]string, 0, len(cfg.Router.PerEndpointOverrides))
				for e := range cfg.Router.PerEndpointOverrides {
					endpoints = append(endpoints, e)
				}
				sort.Strings(endpoints)
				for _, e := range endpoints {
					enabled, preset := cfg.Router.Resolve(e)
					fmt.Fprintf(out, "  %-16s enabled=%t preset=%s\n", e, enabled, preset)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), getConfigPath())
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		// Skip root loading so a broken file can be replaced.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func tierNames(cfg *config.Config) string {
	names := make([]string, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		names[i] = fmt.Sprintf("%s[%.2f,%.2f)", t.Name, t.Low, t.High)
	}
	return strings.Join(names, " ")
}

func presetNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Presets))
	for n := range cfg.Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func classifierSummary(cfg *config.Config) string {
	if !cfg.Classifier.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s/%s (timeout %s)", cfg.Classifier.Provider, cfg.Classifier.Model, cfg.Classifier.Timeout)
}

func decisionLogSummary(cfg *config.Config) string {
	if !cfg.DecisionLog.Enabled {
		return "disabled"
	}
	return cfg.DecisionLog.Path
}

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS
// ═══════════════════════════════════════════════════════════════════════════════

// printMetrics writes every gathered sample as "name{labels} value".
func printMetrics(w io.Writer, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("gather metrics")
		return
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case m.Counter != nil:
				fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
			case m.Gauge != nil:
				fmt.Fprintf(w, "%s %g\n", name, m.GetGauge().GetValue())
			case m.Histogram != nil:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s count=%d sum=%g\n", name, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
}
