package staging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/tesis-crawler/internal/crawler"
)

const (
	batchPrefix = "batch_"
	batchSuffix = ".json"
	tempPattern = ".batch-*.tmp"
)

// DefaultProcessedDir is where consumed batches go when no directory is
// configured.
func DefaultProcessedDir(stagingDir string) string {
	return filepath.Join(stagingDir, "processed")
}

// List returns the complete batch files in dir in name order, which is
// creation order. Temp files and subdirectories are skipped.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list staging dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, batchPrefix) || !strings.HasSuffix(name, batchSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Read decodes a staged batch file.
func Read(path string) (crawler.StagedBatch, error) {
	var batch crawler.StagedBatch
	data, err := os.ReadFile(path)
	if err != nil {
		return batch, fmt.Errorf("read batch %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return batch, fmt.Errorf("decode batch %s: %w", path, err)
	}
	for i := range batch.Records {
		batch.Records[i].State = crawler.StateValidated
	}
	return batch, nil
}

// MarkConsumed moves a merged batch into processedDir and returns its new
// path. Batches are never deleted.
func MarkConsumed(path, processedDir string) (string, error) {
	if processedDir == "" {
		processedDir = DefaultProcessedDir(filepath.Dir(path))
	}
	if err := os.MkdirAll(processedDir, 0o750); err != nil {
		return "", &StagingError{Op: "mkdir", Path: processedDir, Err: err}
	}
	dest := filepath.Join(processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return "", &StagingError{Op: "rename", Path: dest, Err: err}
	}
	return dest, nil
}
