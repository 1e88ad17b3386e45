// Package app builds the long-lived services behind the CLI commands and
// runs the scrape and merge stages against them.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/api"
	"github.com/JakeFAU/tesis-crawler/internal/clock"
	"github.com/JakeFAU/tesis-crawler/internal/config"
	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/extract"
	headlessfetcher "github.com/JakeFAU/tesis-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/tesis-crawler/internal/id/uuid"
	"github.com/JakeFAU/tesis-crawler/internal/logging"
	"github.com/JakeFAU/tesis-crawler/internal/merge"
	"github.com/JakeFAU/tesis-crawler/internal/offload"
	"github.com/JakeFAU/tesis-crawler/internal/pipeline"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
	"github.com/JakeFAU/tesis-crawler/internal/selector"
	"github.com/JakeFAU/tesis-crawler/internal/traversal"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	table     *selector.Table
	store     crawler.RecordStore
	uploader  *offload.Uploader
	publisher crawler.Publisher
	status    *api.Status
	server    *api.Server

	closers []closer
	browser *headlessfetcher.Browser
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. Selector compilation and
// config faults surface here, before any page is requested.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, status: api.NewStatus()}

	table, err := loadSelectors(cfg.Selectors.File)
	if err != nil {
		return nil, err
	}
	a.table = table

	if err := a.setupStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupOffload(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.server = api.NewServer(a.status, logger.Named("api"),
		api.WithRecords(a.store),
		api.WithReadiness(func(ctx context.Context) error {
			_, err := a.store.Count(ctx)
			return err
		}),
	)
	return a, nil
}

func loadSelectors(path string) (*selector.Table, error) {
	tableCfg, err := selector.LoadTableConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load selectors: %w", err)
	}
	table, err := selector.Compile(tableCfg)
	if err != nil {
		return nil, fmt.Errorf("compile selectors: %w", err)
	}
	return table, nil
}

// Store exposes the record store.
func (a *App) Store() crawler.RecordStore {
	return a.store
}

// Status exposes the progress reported on /v1/status.
func (a *App) Status() *api.Status {
	return a.status
}

// ServeMetrics runs the operator endpoint until ctx is done. It returns
// immediately when metrics.addr is empty.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	return a.server.Serve(ctx, a.cfg.Metrics.Addr)
}

// Scrape traverses terms, or the configured search terms when none are
// given, and stages the extracted records.
func (a *App) Scrape(ctx context.Context, terms []string) (crawler.RunSummary, error) {
	if err := a.cfg.ValidateScrape(); err != nil {
		return crawler.RunSummary{}, err
	}
	if len(terms) == 0 {
		terms = a.cfg.Scraper.SearchTerms
	}
	drivers, err := a.driverFactory()
	if err != nil {
		return crawler.RunSummary{}, err
	}

	logger := a.logger
	ctrl := retry.New(retry.Policy{
		MaxRetries: a.cfg.Retry.MaxRetries,
		BaseDelay:  a.cfg.Retry.RetryDelay,
	}, logger)
	clk := clock.System{}
	v := a.cfg.Validation
	runner, err := pipeline.New(pipeline.Deps{
		Drivers: drivers,
		Table:   a.table,
		Retry:   ctrl,
		Extractor: extract.New(a.table, extract.Limits{
			MinTitleLength: v.MinTitleLength,
			MaxTitleLength: v.MaxTitleLength,
			MinTextLength:  v.MinTextLength,
			MaxTextLength:  v.MaxTextLength,
		}, clk),
		Offload:   a.uploader,
		Publisher: a.publisher,
		IDs:       uuid.New(),
		Clock:     clk,
	}, pipeline.Options{
		StagingDir:   a.cfg.Staging.Dir,
		SaveInterval: a.cfg.Staging.SaveInterval,
		Topic:        a.cfg.PubSub.TopicName,
		Concurrency:  a.cfg.Scraper.Concurrency,
		Traversal: traversal.Options{
			MaxPages:     a.cfg.Scraper.MaxPages,
			RequestDelay: a.cfg.Scraper.RequestDelay,
		},
	}, logger)
	if err != nil {
		return crawler.RunSummary{}, err
	}

	a.status.TrackScrape(runner.Snapshot)
	a.status.SetStage(api.StageScrape)
	summary, err := runner.Run(ctx, terms)
	if err != nil {
		a.status.SetStage(api.StageFailed)
		return summary, err
	}
	a.status.SetStage(api.StageDone)
	return summary, nil
}

// Merge integrates every staged batch into the record store.
func (a *App) Merge(ctx context.Context, files ...string) (crawler.MergeReport, error) {
	a.status.SetStage(api.StageMerge)
	passID, err := uuid.New().NewID()
	if err != nil {
		return crawler.MergeReport{}, fmt.Errorf("generate merge id: %w", err)
	}
	merger := merge.New(a.store, merge.Options{
		CommitInterval: a.cfg.Merge.CommitInterval,
		ProcessedDir:   a.cfg.ProcessedDir(),
	}, logging.ForRun(a.logger, passID, "merge"))
	var report crawler.MergeReport
	if len(files) == 0 {
		report, err = merger.MergeAll(ctx, a.cfg.Staging.Dir)
	} else {
		for _, path := range files {
			var fileReport crawler.MergeReport
			fileReport, err = merger.MergeFile(ctx, path)
			report.Add(fileReport)
			if err != nil {
				break
			}
		}
	}
	a.status.SetMerge(report)
	if err != nil {
		a.status.SetStage(api.StageFailed)
		return report, fmt.Errorf("merge staged batches: %w", err)
	}
	a.status.SetStage(api.StageDone)
	return report, nil
}

// Close releases every service in reverse order of construction.
func (a *App) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}
