// Package cmd defines the jobstream CLI.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/config"
	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/server"
	"github.com/JakeFAU/jobstream/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands drive. *server.App satisfies it; tests inject fakes.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Crawl(ctx context.Context, query listing.Query) (worker.RunResult, error)
	DailySpend(ctx context.Context, provider string) (costguard.DailySpend, costguard.Verdict)
	CheckProxies(ctx context.Context, urls []string) ([]string, []string)
	Close(ctx context.Context) error
}

// appFactory builds the App from a config file path ("" for env and defaults only).
type appFactory func(ctx context.Context, cfgPath string) (App, error)

func buildApp(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return app, nil
}

// newRootCmd creates the root command with its subcommands.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "jobstream",
		Short: "Tiered job-listing collector with dedup, escalation and budgeted enrichment.",
		Long: `jobstream collects job listings from cheap feeds and APIs first, escalates to a
headless browser only when they come up short, deduplicates across runs and stores
each unique listing once.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := factory(cmd.Context(), cfgPath)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					return fmt.Errorf("close application: %w", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (YAML/JSON/TOML); env vars use the JOBSTREAM_ prefix")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newBudgetCmd(), newProxiesCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd(buildApp)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
