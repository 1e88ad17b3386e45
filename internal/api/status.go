package api

import (
	"sync"
	"time"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

// Stages reported by Status.
const (
	StageIdle   = "idle"
	StageScrape = "scrape"
	StageMerge  = "merge"
	StageDone   = "done"
	StageFailed = "failed"
)

// Status tracks what the running command is doing.
type Status struct {
	mu        sync.RWMutex
	stage     string
	changedAt time.Time
	scrape    func() crawler.RunSummary
	merge     *crawler.MergeReport
}

// NewStatus returns an idle Status.
func NewStatus() *Status {
	return &Status{stage: StageIdle, changedAt: time.Now().UTC()}
}

// SetStage records a stage transition.
func (s *Status) SetStage(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
	s.changedAt = time.Now().UTC()
}

// TrackScrape registers the live scrape counters.
func (s *Status) TrackScrape(snapshot func() crawler.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrape = snapshot
}

// SetMerge stores the result of a merge pass.
func (s *Status) SetMerge(report crawler.MergeReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge = &report
}

// StatusView is the /v1/status payload.
type StatusView struct {
	Stage     string               `json:"stage"`
	ChangedAt time.Time            `json:"changed_at"`
	Scrape    *crawler.RunSummary  `json:"scrape,omitempty"`
	Merge     *crawler.MergeReport `json:"merge,omitempty"`
}

// View snapshots the status.
func (s *Status) View() StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := StatusView{Stage: s.stage, ChangedAt: s.changedAt}
	if s.scrape != nil {
		summary := s.scrape()
		v.Scrape = &summary
	}
	if s.merge != nil {
		m := *s.merge
		v.Merge = &m
	}
	return v
}
