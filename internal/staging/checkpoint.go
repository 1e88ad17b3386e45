// Package staging buffers validated records and writes them to the staging
// directory as immutable, atomically renamed batch files.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
	"github.com/JakeFAU/tesis-crawler/internal/metrics"
)

// ErrNotValidated is returned when a record that did not pass validation is
// appended.
var ErrNotValidated = errors.New("record is not validated")

// StagingError reports an I/O fault while writing or moving a batch. It is
// fatal to the run.
type StagingError struct {
	Op   string
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Sequencer hands out batch sequence numbers. Checkpoints of the same run
// share one so file names never collide.
type Sequencer struct {
	n atomic.Int64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() int {
	return int(s.n.Add(1))
}

// BatchStaged is the notification published after each flush.
type BatchStaged struct {
	RunID     string    `json:"run_id"`
	Sequence  int       `json:"sequence"`
	Term      string    `json:"term,omitempty"`
	Path      string    `json:"path"`
	Records   int       `json:"records"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures a Checkpoint.
type Options struct {
	Dir          string
	RunID        string
	Term         string
	SaveInterval int
	Sequencer    *Sequencer
	Publisher    crawler.Publisher
	Topic        string
	Clock        crawler.Clock
	Logger       *zap.Logger
}

// Checkpoint accumulates validated records and flushes them to disk.
type Checkpoint struct {
	mu      sync.Mutex
	opts    Options
	buf     []crawler.CandidateRecord
	batches int
	staged  int
	logger  *zap.Logger
}

// NewCheckpoint prepares the staging directory and returns a Checkpoint.
func NewCheckpoint(opts Options) (*Checkpoint, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, &StagingError{Op: "mkdir", Path: opts.Dir, Err: err}
	}
	if opts.Sequencer == nil {
		opts.Sequencer = &Sequencer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoint{
		opts:   opts,
		logger: logger.With(zap.String("run_id", opts.RunID), zap.String("term", opts.Term)),
	}, nil
}

// Append buffers a validated record.
func (c *Checkpoint) Append(rec crawler.CandidateRecord) error {
	if rec.State != crawler.StateValidated {
		return fmt.Errorf("append %q: %w", rec.ExternalID, ErrNotValidated)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, rec)
	return nil
}

// Pending returns the number of buffered records.
func (c *Checkpoint) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Batches returns the number of batch files written so far.
func (c *Checkpoint) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

// Staged returns the number of records written so far.
func (c *Checkpoint) Staged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged
}

// FlushIfDue flushes when the buffer holds at least SaveInterval records.
// It returns the written path, or "" when nothing was written.
func (c *Checkpoint) FlushIfDue(ctx context.Context) (string, error) {
	c.mu.Lock()
	due := c.opts.SaveInterval > 0 && len(c.buf) >= c.opts.SaveInterval
	c.mu.Unlock()
	if !due {
		return "", nil
	}
	return c.FlushNow(ctx)
}

// FlushNow writes every buffered record as one batch. An empty buffer is a
// no-op. The buffer is cleared only after the batch file is in place.
func (c *Checkpoint) FlushNow(ctx context.Context) (string, error) {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return "", nil
	}
	batch := crawler.StagedBatch{
		RunID:     c.opts.RunID,
		Sequence:  c.opts.Sequencer.Next(),
		Term:      c.opts.Term,
		CreatedAt: c.now(),
		Records:   append([]crawler.CandidateRecord(nil), c.buf...),
	}
	path := filepath.Join(c.opts.Dir, BatchName(batch.RunID, batch.Sequence))
	if err := writeAtomic(c.opts.Dir, path, batch); err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.buf = c.buf[:0]
	c.batches++
	c.staged += len(batch.Records)
	c.mu.Unlock()

	metrics.ObserveBatchStaged(len(batch.Records))
	c.logger.Info("batch staged",
		zap.String("path", path),
		zap.Int("sequence", batch.Sequence),
		zap.Int("records", len(batch.Records)),
	)
	c.notify(ctx, batch, path)
	return path, nil
}

func (c *Checkpoint) notify(ctx context.Context, batch crawler.StagedBatch, path string) {
	if c.opts.Publisher == nil {
		return
	}
	msg := BatchStaged{
		RunID:     batch.RunID,
		Sequence:  batch.Sequence,
		Term:      batch.Term,
		Path:      path,
		Records:   len(batch.Records),
		CreatedAt: batch.CreatedAt,
	}
	if _, err := c.opts.Publisher.Publish(ctx, c.opts.Topic, msg); err != nil {
		c.logger.Warn("batch notification failed", zap.String("path", path), zap.Error(err))
	}
}

func (c *Checkpoint) now() time.Time {
	if c.opts.Clock == nil {
		return time.Now().UTC()
	}
	return c.opts.Clock.Now()
}

// BatchName is the file name of a staged batch.
func BatchName(runID string, sequence int) string {
	return fmt.Sprintf("%s%s_%06d%s", batchPrefix, runID, sequence, batchSuffix)
}

func writeAtomic(dir, path string, batch crawler.StagedBatch) (err error) {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return &StagingError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err = enc.Encode(batch); err != nil {
		return &StagingError{Op: "encode", Path: tmpName, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		return &StagingError{Op: "fsync", Path: tmpName, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &StagingError{Op: "close", Path: tmpName, Err: err}
	}
	if err = os.Rename(tmpName, path); err != nil {
		return &StagingError{Op: "rename", Path: path, Err: err}
	}
	syncDir(dir)
	return nil
}

// syncDir persists the rename on filesystems that support directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
