package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/retry"
)

// Driver is one browser session: a list tab that keeps the search state and
// a detail tab so detail loads never navigate the result listing away.
type Driver struct {
	b *Browser

	listCtx      context.Context
	listCancel   context.CancelFunc
	detailCtx    context.Context
	detailCancel context.CancelFunc

	// list runs one step in the list tab.
	list func(ctx context.Context, step listStep) (*crawler.Document, error)

	mu   sync.Mutex
	term string
	page int
	// dirty is set when a list step failed part way, so the listing may sit
	// on any page.
	dirty bool
}

// listStep is one list tab operation: an optional navigation, an optional
// search submission, then a number of next-page clicks.
type listStep struct {
	url    string
	search string
	clicks int
}

// NewDriver opens the session tabs.
func (b *Browser) NewDriver() *Driver {
	listCtx, listCancel := chromedp.NewContext(b.allocator)
	detailCtx, detailCancel := chromedp.NewContext(listCtx)
	d := &Driver{
		b:            b,
		listCtx:      listCtx,
		listCancel:   listCancel,
		detailCtx:    detailCtx,
		detailCancel: detailCancel,
	}
	d.list = d.runListStep
	return d
}

// Fetch renders url in the detail tab.
func (d *Driver) Fetch(ctx context.Context, url string) (*crawler.Document, error) {
	return d.capture(ctx, d.detailCtx, url, "body",
		chromedp.Navigate(url),
	)
}

// SubmitSearch types term into the search form and captures the first
// result page.
func (d *Driver) SubmitSearch(ctx context.Context, term string) (*crawler.Document, error) {
	doc, err := d.list(ctx, listStep{url: d.b.cfg.SearchURL, search: term})
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.dirty = true
		return nil, err
	}
	d.term, d.page, d.dirty = term, 1, false
	return doc, nil
}

// Paginate moves the listing to page. Without a page template only the
// next page can be reached by a click; after a failed step the search is
// replayed and the pager clicked forward to page.
func (d *Driver) Paginate(ctx context.Context, page int) (*crawler.Document, error) {
	cfg := d.b.cfg
	d.mu.Lock()
	term, current, dirty := d.term, d.page, d.dirty
	d.mu.Unlock()
	if term == "" {
		return nil, retry.Permanent(errors.New("paginate called before search"))
	}

	var step listStep
	switch {
	case cfg.PageURL != "":
		target, err := crawler.ExpandTemplate(cfg.PageURL, term, page)
		if err != nil {
			return nil, err
		}
		step = listStep{url: target}
	case dirty:
		step = listStep{url: cfg.SearchURL, search: term, clicks: page - 1}
	case page != current+1:
		return nil, retry.Permanent(fmt.Errorf("cannot jump from page %d to %d by clicking next", current, page))
	default:
		step = listStep{clicks: 1}
	}

	doc, err := d.list(ctx, step)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.dirty = true
		return nil, err
	}
	d.page, d.dirty = page, false
	return doc, nil
}

// Close closes both tabs.
func (d *Driver) Close() error {
	d.detailCancel()
	d.listCancel()
	return nil
}

func (d *Driver) runListStep(ctx context.Context, step listStep) (*crawler.Document, error) {
	cfg := d.b.cfg
	var actions []chromedp.Action
	if step.url != "" {
		actions = append(actions, chromedp.Navigate(step.url))
	}
	if step.search != "" {
		actions = append(actions,
			chromedp.WaitVisible(cfg.InputSelector, chromedp.ByQuery),
			chromedp.SetValue(cfg.InputSelector, "", chromedp.ByQuery),
			chromedp.SendKeys(cfg.InputSelector, step.search, chromedp.ByQuery),
			chromedp.Click(cfg.SubmitSelector, chromedp.ByQuery),
		)
	}
	for i := 0; i < step.clicks; i++ {
		if i > 0 || step.search != "" {
			actions = append(actions,
				chromedp.WaitReady(cfg.ResultSelector, chromedp.ByQuery),
				chromedp.Sleep(cfg.SettleDelay),
			)
		}
		actions = append(actions,
			chromedp.WaitVisible(cfg.NextSelector, chromedp.ByQuery),
			chromedp.Click(cfg.NextSelector, chromedp.ByQuery),
		)
	}
	requestURL := step.url
	if requestURL == "" {
		requestURL = cfg.SearchURL
	}
	return d.capture(ctx, d.listCtx, requestURL, cfg.ResultSelector, actions...)
}

// capture runs actions in tab, waits for ready and returns the rendered DOM.
func (d *Driver) capture(
	ctx context.Context,
	tab context.Context,
	requestURL string,
	ready string,
	actions ...chromedp.Action,
) (*crawler.Document, error) {
	if err := d.b.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.b.release()

	runCtx, cancel := context.WithTimeout(tab, d.b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(runCtx, meta.captureEvent)

	var html, finalURL string
	all := append([]chromedp.Action{network.Enable()}, actions...)
	all = append(all,
		chromedp.WaitReady(ready, chromedp.ByQuery),
		chromedp.Sleep(d.b.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(runCtx, all...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	status, url := meta.snapshotWithFallbacks(requestURL, finalURL)
	if status >= http.StatusBadRequest {
		return nil, &crawler.StatusError{URL: url, StatusCode: status}
	}
	return crawler.NewDocument(url, []byte(html))
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks returns the document status and URL. Click-driven
// pages that load over XHR report no document response and count as 200.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
