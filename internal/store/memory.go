package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// InMemoryRunStore implements RunStore for testing and development.
// Summaries are stored as serialized snapshots so callers never share
// memory with the store.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewInMemoryRunStore creates a new in-memory store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string][]byte)}
}

// Upsert stores a snapshot of the summary, replacing any previous one
// with the same run id.
func (s *InMemoryRunStore) Upsert(ctx context.Context, summary *telemetry.RunSummary) error {
	if err := validateForStore(summary); err != nil {
		return err
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", summary.RunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[summary.RunID] = data
	return nil
}

// Get returns a fresh copy of the stored summary.
func (s *InMemoryRunStore) Get(ctx context.Context, runID string) (*telemetry.RunSummary, error) {
	s.mu.RLock()
	data, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var summary telemetry.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &summary, nil
}

// List returns headers for all stored runs, newest first.
func (s *InMemoryRunStore) List(ctx context.Context) ([]telemetry.RunHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	headers := make([]telemetry.RunHeader, 0, len(s.runs))
	for id, data := range s.runs {
		var summary telemetry.RunSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
		}
		headers = append(headers, summary.Header())
	}
	sortHeaders(headers)
	return headers, nil
}

// Delete removes a run. Deleting an unknown run is a no-op.
func (s *InMemoryRunStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Close is a no-op for in-memory storage.
func (s *InMemoryRunStore) Close() error {
	return nil
}

var _ RunStore = (*InMemoryRunStore)(nil)
