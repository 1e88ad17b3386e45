package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is a rendered page returned by a PageDriver.
type Document struct {
	URL  string
	HTML []byte
	dom  *goquery.Document
}

// NewDocument parses rendered HTML. An empty body is reported as
// ErrEmptyResponse so the retry controller treats it as transient.
func NewDocument(pageURL string, html []byte) (*Document, error) {
	if len(bytes.TrimSpace(html)) == 0 {
		return nil, fmt.Errorf("%s: %w", pageURL, ErrEmptyResponse)
	}
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{URL: pageURL, HTML: html, dom: dom}, nil
}

// Root returns the document-wide selection.
func (d *Document) Root() *goquery.Selection {
	if d == nil || d.dom == nil {
		return &goquery.Selection{}
	}
	return d.dom.Selection
}

// ResolveURL turns an href found on the page into an absolute URL.
func (d *Document) ResolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || d == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	base, err := url.Parse(d.URL)
	if err != nil || base.Scheme == "" {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
