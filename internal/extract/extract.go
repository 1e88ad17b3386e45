// Package extract turns rendered tesis pages into validated candidate
// records using a compiled selector table.
package extract

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/selector"
)

// Reason classifies a per-record reject.
type Reason string

// Reject reasons.
const (
	ReasonMissingField Reason = "MISSING_FIELD"
	ReasonOutOfRange   Reason = "OUT_OF_RANGE"
)

// RejectError is returned when a page cannot produce a valid record. It is
// a per-record outcome; the run continues.
type RejectError struct {
	Reason Reason
	Field  string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("reject %s: %s", e.Reason, e.Field)
	}
	return fmt.Sprintf("reject %s: %s (%s)", e.Reason, e.Field, e.Detail)
}

// Limits bounds title and body lengths, measured in characters. A max of
// zero disables the upper bound.
type Limits struct {
	MinTitleLength int
	MaxTitleLength int
	MinTextLength  int
	MaxTextLength  int
}

// DefaultLimits returns the tunable defaults.
func DefaultLimits() Limits {
	return Limits{
		MinTitleLength: 10,
		MaxTitleLength: 2000,
		MinTextLength:  50,
		MaxTextLength:  100000,
	}
}

// role fields are mapped onto record columns instead of metadata.
var roleFields = map[string]struct{}{
	selector.FieldExternalID:  {},
	selector.FieldTitle:       {},
	selector.FieldRubro:       {},
	selector.FieldTexto:       {},
	selector.FieldDocumentURL: {},
	selector.FieldDetailURL:   {},
}

// Extractor builds candidate records from detail documents.
type Extractor struct {
	table  *selector.Table
	limits Limits
	clock  crawler.Clock
}

// New constructs an Extractor. The table must already be compiled.
func New(table *selector.Table, limits Limits, clock crawler.Clock) *Extractor {
	return &Extractor{table: table, limits: limits, clock: clock}
}

// Extract builds a record from a document with no list-page context.
func (e *Extractor) Extract(doc *crawler.Document, url string) (crawler.CandidateRecord, error) {
	return e.ExtractDetail(doc, url, crawler.Summary{})
}

// ExtractDetail builds a record from a detail document. Values found on the
// detail page win; the summary fills in external id, title and extra fields
// the detail page lacks.
// A rejected record comes back in the REJECTED state with a *RejectError.
func (e *Extractor) ExtractDetail(
	doc *crawler.Document,
	url string,
	summary crawler.Summary,
) (crawler.CandidateRecord, error) {
	fields := selector.ResolveAll(doc.Root(), e.table.Detail)

	rec := crawler.CandidateRecord{
		ExternalID:  firstNonEmpty(fields[selector.FieldExternalID], summary.ExternalID),
		Title:       firstNonEmpty(fields[selector.FieldRubro], fields[selector.FieldTitle], summary.Title),
		SourceURL:   url,
		BodyText:    fields[selector.FieldTexto],
		Metadata:    make(map[string]string),
		RetrievedAt: e.now(),
		State:       crawler.StateNew,
	}
	if href := fields[selector.FieldDocumentURL]; href != "" {
		rec.DocumentURL = doc.ResolveURL(href)
	}
	for name, value := range summary.Fields {
		if _, role := roleFields[name]; !role {
			rec.Metadata[name] = value
		}
	}
	for name, value := range fields {
		if _, role := roleFields[name]; !role {
			rec.Metadata[name] = value
		}
	}

	if err := e.validate(rec); err != nil {
		rec.State = crawler.StateRejected
		return rec, err
	}
	rec.State = crawler.StateValidated
	return rec, nil
}

func (e *Extractor) validate(rec crawler.CandidateRecord) error {
	if rec.ExternalID == "" {
		return &RejectError{Reason: ReasonMissingField, Field: selector.FieldExternalID}
	}
	if rec.Title == "" {
		return &RejectError{Reason: ReasonMissingField, Field: selector.FieldTitle}
	}
	if err := checkRange(selector.FieldTitle, rec.Title, e.limits.MinTitleLength, e.limits.MaxTitleLength); err != nil {
		return err
	}
	if rec.BodyText != "" {
		if err := checkRange("body_text", rec.BodyText, e.limits.MinTextLength, e.limits.MaxTextLength); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(field, value string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(value)
	if n < minLen || (maxLen > 0 && n > maxLen) {
		return &RejectError{
			Reason: ReasonOutOfRange,
			Field:  field,
			Detail: fmt.Sprintf("length %d outside [%d, %d]", n, minLen, maxLen),
		}
	}
	return nil
}

func (e *Extractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
