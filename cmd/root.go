// Package cmd defines the tesis-crawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/app"
	"github.com/JakeFAU/tesis-crawler/internal/config"
	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/logging"
)

// App is the service surface the commands drive.
type App interface {
	Scrape(ctx context.Context, terms []string) (crawler.RunSummary, error)
	Merge(ctx context.Context, files ...string) (crawler.MergeReport, error)
	ServeMetrics(ctx context.Context) error
	Close()
}

// newApp is replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ErrMergeFailures marks a merge that left records behind for replay.
var ErrMergeFailures = errors.New("merge reported failed records")

type appKeyType struct{}

type rootOptions struct {
	configPath  string
	maxPages    int
	stagingDir  string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var (
		logger *zap.Logger
		svc    App
	)

	cmd := &cobra.Command{
		Use:   "tesis-crawler",
		Short: "Acquires tesis from the judicial catalog and merges them into a record store.",
		Long: `tesis-crawler searches a paginated catalog of judicial tesis, extracts
each result with ordered selector fallbacks, stages validated records as
batch files, and merges those batches idempotently into a record store.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			svc, err = newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, svc))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			if svc != nil {
				svc.Close()
			}
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (YAML, JSON or TOML)")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "result pages per term, 0 means unlimited")
	flags.StringVar(&opts.stagingDir, "staging-dir", "", "directory for staged batch files")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")

	cmd.AddCommand(newScrapeCmd(), newMergeCmd(), newRunCmd())
	return cmd
}

// loadConfig reads the config file and environment, then applies flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("max-pages") {
		cfg.Scraper.MaxPages = opts.maxPages
	}
	if flags.Changed("staging-dir") {
		cfg.Staging.Dir = opts.stagingDir
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (App, error) {
	svc, ok := ctx.Value(appKeyType{}).(App)
	if !ok || svc == nil {
		return nil, errors.New("application services not initialized")
	}
	return svc, nil
}

// withApp runs fn while the operator endpoint is served in the background.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, svc App) error) error {
	svc, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := svc.ServeMetrics(ctx); err != nil {
			zap.L().Error("metrics server failed", zap.Error(err))
		}
	}()

	err = fn(ctx, svc)
	cancel()
	<-served
	return err
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		return 1
	}
	return 0
}
