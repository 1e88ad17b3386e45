// Package collyfetcher implements crawler.PageDriver over plain HTTP using
// gocolly. Search and pagination are URL templates.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
)

// Config controls collector behavior and the catalog URL templates.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// SearchURL must contain {term}; {page} is filled with 1.
	SearchURL string
	// PageURL is used for pages after the first; defaults to SearchURL.
	PageURL string
	Headers http.Header
}

// Driver is a single-term HTTP session. It is not safe for concurrent use;
// open one per term.
type Driver struct {
	cfg           Config
	baseCollector *colly.Collector

	mu   sync.Mutex
	term string
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Driver.
func New(cfg Config) (*Driver, error) {
	if !strings.Contains(cfg.SearchURL, "{term}") {
		return nil, fmt.Errorf("%w: search url %q has no {term} placeholder", crawler.ErrInvalidURL, cfg.SearchURL)
	}
	if cfg.PageURL == "" {
		cfg.PageURL = cfg.SearchURL
	}
	if !strings.Contains(cfg.PageURL, "{page}") {
		return nil, fmt.Errorf("%w: page url %q has no {page} placeholder", crawler.ErrInvalidURL, cfg.PageURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	// Retries revisit the same URL.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Driver{cfg: cfg, baseCollector: c}, nil
}

// Factory adapts New to crawler.DriverFactory.
func Factory(cfg Config) crawler.DriverFactory {
	return func(context.Context) (crawler.PageDriver, error) {
		return New(cfg)
	}
}

// SubmitSearch loads the first result page for term.
func (d *Driver) SubmitSearch(ctx context.Context, term string) (*crawler.Document, error) {
	target, err := crawler.ExpandTemplate(d.cfg.SearchURL, term, 1)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.term = term
	d.mu.Unlock()
	return d.Fetch(ctx, target)
}

// Paginate loads result page n of the current search.
func (d *Driver) Paginate(ctx context.Context, page int) (*crawler.Document, error) {
	d.mu.Lock()
	term := d.term
	d.mu.Unlock()
	if term == "" {
		return nil, retry.Permanent(errors.New("paginate called before search"))
	}
	target, err := crawler.ExpandTemplate(d.cfg.PageURL, term, page)
	if err != nil {
		return nil, err
	}
	return d.Fetch(ctx, target)
}

// Fetch executes a single HTTP GET. Non-2xx statuses become
// *crawler.StatusError and an empty body becomes crawler.ErrEmptyResponse.
func (d *Driver) Fetch(ctx context.Context, url string) (*crawler.Document, error) {
	var (
		body     []byte
		finalURL string
		fetchErr error
	)
	collector := d.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = d.baseCollector.IgnoreRobotsTxt
	d.configureCollectorHooks(collector, url, &body, &finalURL, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return nil, err
	}
	return crawler.NewDocument(finalURL, body)
}

// Close releases nothing; HTTP connections are pooled by the transport.
func (d *Driver) Close() error { return nil }

func (d *Driver) configureCollectorHooks(
	hooks collectorHooks,
	url string,
	body *[]byte,
	finalURL *string,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range d.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
		*finalURL = r.Request.URL.String()
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 300 {
			*fetchErr = &crawler.StatusError{URL: url, StatusCode: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenURL) {
				return retry.Permanent(fmt.Errorf("colly visit failed: %w", err))
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
