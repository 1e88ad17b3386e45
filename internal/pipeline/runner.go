// Package pipeline runs the scrape stage: every search term is traversed in
// its own page driver session and its validated records are staged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tesis-crawler/internal/clock"
	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/extract"
	"github.com/JakeFAU/tesis-crawler/internal/id/uuid"
	"github.com/JakeFAU/tesis-crawler/internal/logging"
	"github.com/JakeFAU/tesis-crawler/internal/metrics"
	"github.com/JakeFAU/tesis-crawler/internal/offload"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
	"github.com/JakeFAU/tesis-crawler/internal/selector"
	"github.com/JakeFAU/tesis-crawler/internal/staging"
	"github.com/JakeFAU/tesis-crawler/internal/traversal"
)

// Deps are the collaborators of a Runner. Offload and Publisher are optional.
type Deps struct {
	Drivers   crawler.DriverFactory
	Table     *selector.Table
	Retry     *retry.Controller
	Extractor *extract.Extractor
	Offload   *offload.Uploader
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Options tunes a Runner.
type Options struct {
	StagingDir   string
	SaveInterval int
	// Topic receives a message per staged batch when Publisher is set.
	Topic       string
	Concurrency int
	Traversal   traversal.Options
}

// Runner executes scrape runs.
type Runner struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	summary crawler.RunSummary
}

// New validates deps and returns a Runner.
func New(deps Deps, opts Options, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Drivers == nil:
		return nil, errors.New("pipeline: driver factory is required")
	case deps.Table == nil:
		return nil, errors.New("pipeline: selector table is required")
	case deps.Retry == nil:
		return nil, errors.New("pipeline: retry controller is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("pipeline: staging directory is required")
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, opts: opts, logger: logger}, nil
}

// Run scrapes every term and returns the run summary. A staging fault
// stops the whole run; a term whose listing cannot be loaded is recorded in
// FailedTerms and the other terms carry on.
func (r *Runner) Run(ctx context.Context, terms []string) (crawler.RunSummary, error) {
	terms = normalizeTerms(terms)
	if len(terms) == 0 {
		return crawler.RunSummary{}, errors.New("no search terms given")
	}
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}

	r.mu.Lock()
	r.summary = crawler.RunSummary{RunID: runID, Terms: len(terms)}
	r.mu.Unlock()

	logger := logging.ForRun(r.logger, runID, "scrape")
	logger.Info("scrape started",
		zap.Strings("terms", terms),
		zap.Int("concurrency", r.opts.Concurrency),
	)

	seq := &staging.Sequencer{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, term := range terms {
		g.Go(func() error {
			return r.runTerm(gctx, runID, seq, term, logger)
		})
	}
	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	summary := r.Snapshot()
	logger.Info("scrape finished",
		zap.Int("pages", summary.Pages),
		zap.Int("extracted", summary.Extracted),
		zap.Int("rejected", summary.Rejected),
		zap.Int("staged", summary.Staged),
		zap.Int("batches", summary.Batches),
		zap.Int("detail_failures", summary.DetailFailures),
		zap.Int("offloaded", summary.Offloaded),
		zap.Strings("failed_terms", summary.FailedTerms),
		zap.Error(err),
	)
	return summary, err
}

// Snapshot returns the counters of the current or last run.
func (r *Runner) Snapshot() crawler.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.FailedTerms = append([]string(nil), r.summary.FailedTerms...)
	return s
}

func (r *Runner) update(fn func(*crawler.RunSummary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

func (r *Runner) runTerm(
	ctx context.Context,
	runID string,
	seq *staging.Sequencer,
	term string,
	logger *zap.Logger,
) error {
	metrics.IncActiveTerms()
	defer metrics.DecActiveTerms()
	logger = logger.With(zap.String("term", term))

	cp, err := staging.NewCheckpoint(staging.Options{
		Dir:          r.opts.StagingDir,
		RunID:        runID,
		Term:         term,
		SaveInterval: r.opts.SaveInterval,
		Sequencer:    seq,
		Publisher:    r.deps.Publisher,
		Topic:        r.opts.Topic,
		Clock:        r.deps.Clock,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	pd, err := r.deps.Drivers(ctx)
	if err != nil {
		logger.Error("open page driver", zap.Error(err))
		r.failTerm(term)
		return nil
	}
	defer func() {
		if cerr := pd.Close(); cerr != nil {
			logger.Warn("close page driver", zap.Error(cerr))
		}
	}()

	h := &termHandler{runner: r, checkpoint: cp, seen: map[string]struct{}{}, logger: logger}
	walker := traversal.New(r.deps.Table, r.deps.Retry, r.opts.Traversal, logger)
	report := walker.Run(ctx, pd, term, h.handle)

	// Stage whatever was extracted even when the run is being canceled.
	if n := cp.Pending(); n > 0 {
		logger.Debug("flushing pending records", zap.Int("pending", n))
	}
	_, flushErr := cp.FlushNow(context.WithoutCancel(ctx))

	r.update(func(s *crawler.RunSummary) {
		s.Pages += report.Pages
		s.DetailFailures += report.DetailFailures
		s.Staged += cp.Staged()
		s.Batches += cp.Batches()
	})
	logger.Info("term finished",
		zap.Int("pages", report.Pages),
		zap.Int("rows", report.Rows),
		zap.Int("detail_failures", report.DetailFailures),
		zap.Int("staged", cp.Staged()),
		zap.Bool("retries_exhausted", traversal.IsExhausted(report.Err)),
		zap.Error(report.Err),
	)

	if flushErr != nil {
		return flushErr
	}
	if report.Err == nil {
		return nil
	}
	var stagingErr *staging.StagingError
	if errors.As(report.Err, &stagingErr) {
		return report.Err
	}
	if ctx.Err() != nil {
		return nil
	}
	r.failTerm(term)
	return nil
}

func (r *Runner) failTerm(term string) {
	r.update(func(s *crawler.RunSummary) {
		s.FailedTerms = append(s.FailedTerms, term)
	})
}

// termHandler extracts, offloads and stages the hits of one term.
type termHandler struct {
	runner     *Runner
	checkpoint *staging.Checkpoint
	seen       map[string]struct{}
	logger     *zap.Logger
}

func (h *termHandler) handle(ctx context.Context, hit traversal.Hit) error {
	r := h.runner
	rec, err := r.deps.Extractor.ExtractDetail(hit.Detail, hit.SourceURL(), hit.Summary)
	if err != nil {
		var reject *extract.RejectError
		if !errors.As(err, &reject) {
			return err
		}
		metrics.ObserveRecord(metrics.OutcomeRejected, string(reject.Reason))
		r.update(func(s *crawler.RunSummary) { s.Rejected++ })
		h.logger.Info("record rejected",
			zap.String("external_id", hit.Summary.ExternalID),
			zap.String("url", hit.SourceURL()),
			zap.String("reason", string(reject.Reason)),
			zap.String("field", reject.Field),
		)
		return nil
	}
	if _, dup := h.seen[rec.ExternalID]; dup {
		h.logger.Debug("record already seen in this term", zap.String("external_id", rec.ExternalID))
		return nil
	}
	h.seen[rec.ExternalID] = struct{}{}
	metrics.ObserveRecord(metrics.OutcomeValidated, "")
	r.update(func(s *crawler.RunSummary) { s.Extracted++ })

	if hit.Detail != nil {
		h.offload(ctx, rec.ExternalID, hit.Detail.HTML)
	}

	if err := h.checkpoint.Append(rec); err != nil {
		return err
	}
	if _, err := h.checkpoint.FlushIfDue(ctx); err != nil {
		return err
	}
	return nil
}

func (h *termHandler) offload(ctx context.Context, externalID string, html []byte) {
	ref, ok, err := h.runner.deps.Offload.Offload(ctx, externalID, html)
	if err != nil {
		h.logger.Warn("offload failed", zap.String("external_id", externalID), zap.Error(err))
		return
	}
	if ok {
		h.runner.update(func(s *crawler.RunSummary) { s.Offloaded++ })
		h.logger.Debug("document offloaded", zap.String("external_id", externalID), zap.String("ref", ref))
	}
}

func normalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
