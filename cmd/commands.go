package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape [terms...]",
		Short: "Search the catalog and stage extracted tesis",
		Long: `Runs every search term (arguments, or scraper.search_terms from the
config) through the result listing and detail pages, and writes validated
records to the staging directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, svc App) error {
				_, err := scrape(ctx, svc, args)
				return err
			})
		},
	}
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge [batch files...]",
		Short: "Merge staged batches into the record store",
		Long: `Merges every batch in the staging directory, or only the named batch
files when given. Consumed files move to the processed directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, svc App) error {
				return merge(ctx, svc, args...)
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [terms...]",
		Short: "Scrape, then merge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, svc App) error {
				summary, err := scrape(ctx, svc, args)
				if err != nil {
					// Batches staged before the fault are still merged.
					if summary.Batches == 0 {
						return err
					}
					if mergeErr := merge(context.WithoutCancel(ctx), svc); mergeErr != nil {
						zap.L().Error("merge after failed scrape", zap.Error(mergeErr))
					}
					return err
				}
				return merge(ctx, svc)
			})
		},
	}
}

func scrape(ctx context.Context, svc App, terms []string) (crawler.RunSummary, error) {
	summary, err := svc.Scrape(ctx, terms)
	if err != nil {
		return summary, fmt.Errorf("scrape: %w", err)
	}
	zap.L().Info("scrape summary",
		zap.String("run_id", summary.RunID),
		zap.Int("extracted", summary.Extracted),
		zap.Int("rejected", summary.Rejected),
		zap.Int("staged", summary.Staged),
		zap.Int("batches", summary.Batches),
		zap.Strings("failed_terms", summary.FailedTerms),
	)
	return summary, nil
}

func merge(ctx context.Context, svc App, files ...string) error {
	report, err := svc.Merge(ctx, files...)
	if err != nil {
		return err
	}
	zap.L().Info("merge summary",
		zap.Int("files", report.Files),
		zap.Int("merged", report.Inserted),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("failed", report.Failed),
	)
	if report.Failed > 0 {
		return fmt.Errorf("%w: %d", ErrMergeFailures, report.Failed)
	}
	return nil
}
