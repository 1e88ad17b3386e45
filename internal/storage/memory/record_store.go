// Package memory provides in-memory stores for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

var errTxDone = errors.New("transaction already finished")

// RecordStore keeps persisted records in a map keyed by external id.
type RecordStore struct {
	mu         sync.RWMutex
	records    map[string]crawler.PersistedRecord
	insertErrs map[string]error
	commitErr  error
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records:    make(map[string]crawler.PersistedRecord),
		insertErrs: make(map[string]error),
	}
}

// FailInsert makes inserts of externalID return err.
func (s *RecordStore) FailInsert(externalID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.insertErrs, externalID)
		return
	}
	s.insertErrs[externalID] = err
}

// FailCommit makes every commit return err. Pass nil to recover.
func (s *RecordStore) FailCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// EnsureSchema is a no-op.
func (s *RecordStore) EnsureSchema(context.Context) error { return nil }

// Begin starts a transaction whose inserts become visible on Commit.
func (s *RecordStore) Begin(context.Context) (crawler.RecordTx, error) {
	return &recordTx{store: s, pending: make(map[string]crawler.PersistedRecord)}, nil
}

// Get returns a committed record.
func (s *RecordStore) Get(_ context.Context, externalID string) (crawler.PersistedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[externalID]
	if !ok {
		return crawler.PersistedRecord{}, crawler.ErrNotFound
	}
	return rec, nil
}

// Count returns the number of committed records.
func (s *RecordStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// Close is a no-op.
func (s *RecordStore) Close() error { return nil }

type recordTx struct {
	store   *RecordStore
	pending map[string]crawler.PersistedRecord
	order   []string
	done    bool
}

func (tx *recordTx) Exists(_ context.Context, externalID string) (bool, error) {
	if tx.done {
		return false, errTxDone
	}
	if _, ok := tx.pending[externalID]; ok {
		return true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.records[externalID]
	return ok, nil
}

func (tx *recordTx) Insert(ctx context.Context, rec crawler.PersistedRecord) (bool, error) {
	if tx.done {
		return false, errTxDone
	}
	tx.store.mu.RLock()
	injected := tx.store.insertErrs[rec.ExternalID]
	tx.store.mu.RUnlock()
	if injected != nil {
		return false, fmt.Errorf("insert %s: %w", rec.ExternalID, injected)
	}
	exists, err := tx.Exists(ctx, rec.ExternalID)
	if err != nil || exists {
		return false, err
	}
	tx.pending[rec.ExternalID] = rec
	tx.order = append(tx.order, rec.ExternalID)
	return true, nil
}

func (tx *recordTx) Commit(context.Context) error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.commitErr != nil {
		return fmt.Errorf("commit: %w", tx.store.commitErr)
	}
	for _, id := range tx.order {
		if _, ok := tx.store.records[id]; ok {
			continue
		}
		tx.store.records[id] = tx.pending[id]
	}
	return nil
}

func (tx *recordTx) Rollback(context.Context) error {
	tx.done = true
	tx.pending = nil
	tx.order = nil
	return nil
}
