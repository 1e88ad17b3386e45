// Package headless implements crawler.PageDriver with headless Chrome via
// chromedp, for catalogs that only render results with JavaScript.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the browser and the search form interaction.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SearchURL is the page holding the search form.
	SearchURL string
	// InputSelector is the search text box.
	InputSelector string
	// SubmitSelector is clicked after typing the term.
	SubmitSelector string
	// ResultSelector must be ready before a result page is captured.
	ResultSelector string
	// NextSelector is clicked to advance when PageURL is empty.
	NextSelector string
	// PageURL is an optional {term}/{page} template for direct pagination.
	PageURL string
	// SettleDelay lets late scripts finish after the ready selector appears.
	SettleDelay time.Duration
}

// Browser owns the Chrome allocator and the slot limiter shared by every
// session.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowser validates cfg and prepares the allocator. Chrome starts lazily
// on the first action.
func NewBrowser(cfg Config) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.SearchURL == "" || cfg.InputSelector == "" || cfg.SubmitSelector == "" {
		return nil, fmt.Errorf("headless search url, input and submit selectors are required")
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = "body"
	}
	if cfg.PageURL == "" && cfg.NextSelector == "" {
		return nil, fmt.Errorf("headless pagination needs a page url template or a next selector")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Factory opens a new browser session per call.
func (b *Browser) Factory() crawler.DriverFactory {
	return func(context.Context) (crawler.PageDriver, error) {
		return b.NewDriver(), nil
	}
}

// Close shuts Chrome down.
func (b *Browser) Close() {
	b.allocCancel()
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}
