// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// ProcessingState represents the lifecycle state of a candidate record.
type ProcessingState string

// Candidate record states.
const (
	StateNew       ProcessingState = "NEW"
	StateValidated ProcessingState = "VALIDATED"
	StateRejected  ProcessingState = "REJECTED"
)

// CandidateRecord is a tesis extracted from the catalog, before integration.
type CandidateRecord struct {
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	SourceURL   string            `json:"source_url"`
	DocumentURL string            `json:"document_url,omitempty"`
	BodyText    string            `json:"body_text"`
	Metadata    map[string]string `json:"metadata"`
	RetrievedAt time.Time         `json:"retrieved_at"`
	State       ProcessingState   `json:"-"`
}

// StagedBatch is the unit written to the staging directory by one flush.
type StagedBatch struct {
	RunID     string            `json:"run_id"`
	Sequence  int               `json:"sequence"`
	Term      string            `json:"term,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Records   []CandidateRecord `json:"records"`
}

// PersistedRecord is the durable row held by the record store.
type PersistedRecord struct {
	ExternalID   string            `json:"external_id"`
	Title        string            `json:"title"`
	SourceURL    string            `json:"source_url"`
	DocumentURL  string            `json:"document_url,omitempty"`
	BodyText     string            `json:"body_text"`
	Metadata     map[string]string `json:"metadata"`
	RetrievedAt  time.Time         `json:"retrieved_at"`
	DownloadedAt time.Time         `json:"downloaded_at"`
	Processed    bool              `json:"processed"`
	Analyzed     bool              `json:"analyzed"`
}

// NewPersistedRecord converts a staged candidate into a store row marked as
// processed but not yet analyzed.
func NewPersistedRecord(rec CandidateRecord) PersistedRecord {
	meta := make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	return PersistedRecord{
		ExternalID:   rec.ExternalID,
		Title:        rec.Title,
		SourceURL:    rec.SourceURL,
		DocumentURL:  rec.DocumentURL,
		BodyText:     rec.BodyText,
		Metadata:     meta,
		RetrievedAt:  rec.RetrievedAt,
		DownloadedAt: rec.RetrievedAt,
		Processed:    true,
		Analyzed:     false,
	}
}

// MergeReport summarizes one integration pass.
type MergeReport struct {
	Files            int `json:"files"`
	FilesConsumed    int `json:"files_consumed"`
	Inserted         int `json:"inserted"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Failed           int `json:"failed"`
}

// Add accumulates another report into r.
func (r *MergeReport) Add(other MergeReport) {
	r.Files += other.Files
	r.FilesConsumed += other.FilesConsumed
	r.Inserted += other.Inserted
	r.SkippedDuplicate += other.SkippedDuplicate
	r.Failed += other.Failed
}

// RunSummary tracks per-outcome counts for a scrape run.
type RunSummary struct {
	RunID          string   `json:"run_id"`
	Terms          int      `json:"terms"`
	Pages          int      `json:"pages"`
	Extracted      int      `json:"extracted"`
	Rejected       int      `json:"rejected"`
	Staged         int      `json:"staged"`
	Batches        int      `json:"batches"`
	DetailFailures int      `json:"detail_failures"`
	Offloaded      int      `json:"offloaded"`
	FailedTerms    []string `json:"failed_terms,omitempty"`
}

// Summary is one result row found on a list page.
type Summary struct {
	Term       string            `json:"term"`
	Page       int               `json:"page"`
	ExternalID string            `json:"external_id"`
	Title      string            `json:"title"`
	DetailURL  string            `json:"detail_url"`
	Fields     map[string]string `json:"fields,omitempty"`
}
