package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// FileRunStore implements RunStore as a directory tree: one
// <root>/<run_id>/run.json per run. Writes go through a temp file and
// rename so readers never observe a half-written summary.
type FileRunStore struct {
	mu   sync.RWMutex
	root string
}

// NewFileRunStore creates a file store rooted at root, creating the
// directory if needed.
func NewFileRunStore(root string) (*FileRunStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileRunStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *FileRunStore) Root() string { return s.root }

func (s *FileRunStore) runPath(runID string) string {
	return filepath.Join(s.root, runID, "run.json")
}

// Upsert writes the summary to <root>/<run_id>/run.json, replacing any
// previous version.
func (s *FileRunStore) Upsert(ctx context.Context, summary *telemetry.RunSummary) error {
	if err := validateForStore(summary); err != nil {
		return err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", summary.RunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, summary.RunID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "run-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write run %s: %w", summary.RunID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.runPath(summary.RunID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit run %s: %w", summary.RunID, err)
	}
	return nil
}

// Get loads a run summary from disk.
func (s *FileRunStore) Get(ctx context.Context, runID string) (*telemetry.RunSummary, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.runPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var summary telemetry.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &summary, nil
}

// List walks the root directory and returns a header per readable run,
// newest first. Directories without a run.json are skipped.
func (s *FileRunStore) List(ctx context.Context) ([]telemetry.RunHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store root: %w", err)
	}

	headers := make([]telemetry.RunHeader, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(s.runPath(entry.Name()))
		if err != nil {
			continue
		}
		var summary telemetry.RunSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			continue
		}
		headers = append(headers, summary.Header())
	}
	sortHeaders(headers)
	return headers, nil
}

// Delete removes the run's directory. Unknown runs are a no-op.
func (s *FileRunStore) Delete(ctx context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, runID)); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

// Close is a no-op; files are committed on every Upsert.
func (s *FileRunStore) Close() error {
	return nil
}

var _ RunStore = (*FileRunStore)(nil)
