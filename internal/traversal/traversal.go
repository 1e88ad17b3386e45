// Package traversal walks the paginated result listing of a search term and
// fetches the detail page behind every result row.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/metrics"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
	"github.com/JakeFAU/tesis-crawler/internal/selector"
)

// State is a step of the per-term traversal.
type State int

// Traversal states.
const (
	StateSubmitQuery State = iota
	StateListPage
	StateDetailFetch
	StateNextPageOrDone
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSubmitQuery:
		return "submit_query"
	case StateListPage:
		return "list_page"
	case StateDetailFetch:
		return "detail_fetch"
	case StateNextPageOrDone:
		return "next_page_or_done"
	default:
		return "done"
	}
}

// Retry operation names, also used as metric labels.
const (
	OpSearch   = "search"
	OpPaginate = "paginate"
	OpDetail   = "detail"
)

// Hit is one result row handed to the Handler. Detail is nil when the row
// carried no detail link.
type Hit struct {
	Summary crawler.Summary
	ListURL string
	Detail  *crawler.Document
}

// SourceURL is the page the record is attributed to.
func (h Hit) SourceURL() string {
	if h.Detail != nil && h.Detail.URL != "" {
		return h.Detail.URL
	}
	if h.Summary.DetailURL != "" {
		return h.Summary.DetailURL
	}
	return h.ListURL
}

// Handler consumes hits. A returned error aborts the traversal.
type Handler func(ctx context.Context, hit Hit) error

// Options tunes a Driver.
type Options struct {
	// MaxPages caps the listing pages visited; 0 means unlimited.
	MaxPages int
	// RequestDelay is the minimum spacing between page fetches.
	RequestDelay time.Duration
}

// TermReport summarizes the traversal of one term.
type TermReport struct {
	Term           string
	Pages          int
	Rows           int
	DetailFailures int
	Err            error
}

// Driver runs the traversal state machine. A Driver paces its own fetches,
// so concurrent terms each need their own Driver.
type Driver struct {
	table   *selector.Table
	retry   *retry.Controller
	opts    Options
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New constructs a Driver.
func New(table *selector.Table, ctrl *retry.Controller, opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RequestDelay > 0 {
		limit = rate.Every(opts.RequestDelay)
	}
	return &Driver{
		table:   table,
		retry:   ctrl,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Run traverses term using pd, calling handle for every result row.
func (d *Driver) Run(ctx context.Context, pd crawler.PageDriver, term string, handle Handler) TermReport {
	report := TermReport{Term: term}
	logger := d.logger.With(zap.String("term", term))

	var (
		page      int
		listDoc   *crawler.Document
		summaries []crawler.Summary
		err       error
	)

	state := StateSubmitQuery
	for state != StateDone {
		switch state {
		case StateSubmitQuery:
			listDoc, err = d.fetch(ctx, OpSearch, func(ctx context.Context) (*crawler.Document, error) {
				return pd.SubmitSearch(ctx, term)
			})
			if err != nil {
				report.Err = fmt.Errorf("submit search %q: %w", term, err)
				state = StateDone
				continue
			}
			page = 1
			state = StateListPage

		case StateListPage:
			rows, pattern := selector.MatchRows(listDoc.Root(), d.table.Rows)
			if rows.Length() == 0 {
				logger.Info("no result rows, traversal finished", zap.Int("page", page))
				state = StateDone
				continue
			}
			report.Pages++
			summaries = d.summarize(listDoc, rows, term, page)
			report.Rows += len(summaries)
			logger.Debug("list page parsed",
				zap.Int("page", page),
				zap.Int("rows", len(summaries)),
				zap.Int("pattern", pattern),
			)
			state = StateDetailFetch

		case StateDetailFetch:
			for _, summary := range summaries {
				if ctx.Err() != nil {
					report.Err = ctx.Err()
					return report
				}
				hit := Hit{Summary: summary, ListURL: listDoc.URL}
				if summary.DetailURL != "" {
					detailURL := summary.DetailURL
					doc, err := d.fetch(ctx, OpDetail, func(ctx context.Context) (*crawler.Document, error) {
						return pd.Fetch(ctx, detailURL)
					})
					if err != nil {
						if ctx.Err() != nil {
							report.Err = ctx.Err()
							return report
						}
						report.DetailFailures++
						logger.Warn("detail fetch failed, skipping row",
							zap.String("url", detailURL),
							zap.String("external_id", summary.ExternalID),
							zap.Error(err),
						)
						continue
					}
					hit.Detail = doc
				}
				if err := handle(ctx, hit); err != nil {
					report.Err = err
					return report
				}
			}
			state = StateNextPageOrDone

		case StateNextPageOrDone:
			if d.opts.MaxPages > 0 && page >= d.opts.MaxPages {
				logger.Info("page ceiling reached", zap.Int("max_pages", d.opts.MaxPages))
				state = StateDone
				continue
			}
			next := page + 1
			listDoc, err = d.fetch(ctx, OpPaginate, func(ctx context.Context) (*crawler.Document, error) {
				return pd.Paginate(ctx, next)
			})
			if err != nil {
				report.Err = fmt.Errorf("paginate %q to page %d: %w", term, next, err)
				state = StateDone
				continue
			}
			page = next
			state = StateListPage
		}
	}
	return report
}

// fetch paces and retries a single page load.
func (d *Driver) fetch(
	ctx context.Context,
	op string,
	load func(context.Context) (*crawler.Document, error),
) (*crawler.Document, error) {
	doc, err := retry.Do(ctx, d.retry, op, func(ctx context.Context) (*crawler.Document, error) {
		if err := d.pace(ctx); err != nil {
			return nil, err
		}
		doc, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, crawler.ErrEmptyResponse
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObservePage(doc.URL, op, len(doc.HTML))
	return doc, nil
}

func (d *Driver) pace(ctx context.Context) error {
	start := time.Now()
	if err := d.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Wait fails early when the deadline would expire first.
		return retry.Permanent(err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRequestDelay(waited)
	}
	return nil
}

func (d *Driver) summarize(doc *crawler.Document, rows *goquery.Selection, term string, page int) []crawler.Summary {
	out := make([]crawler.Summary, 0, rows.Length())
	rows.Each(func(_ int, row *goquery.Selection) {
		fields := selector.ResolveAll(row, d.table.Summary)
		s := crawler.Summary{
			Term:       term,
			Page:       page,
			ExternalID: fields[selector.FieldExternalID],
			Title:      fields[selector.FieldTitle],
			Fields:     fields,
		}
		if href := fields[selector.FieldDetailURL]; href != "" {
			s.DetailURL = doc.ResolveURL(href)
			if norm, err := crawler.NormalizeURL(s.DetailURL); err == nil {
				s.DetailURL = norm
			}
		}
		out = append(out, s)
	})
	return out
}

// IsExhausted reports whether err came from running out of retries.
func IsExhausted(err error) bool {
	var exhausted *retry.ExhaustedError
	return errors.As(err, &exhausted)
}
