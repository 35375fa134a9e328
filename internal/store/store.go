// Package store persists run summaries. Four backends implement the
// same RunStore interface: in-memory for tests, a per-run JSON file
// tree, SQLite for a single-file local database, and Postgres for
// shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// ErrRunNotFound is returned by Get for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// RunStore stores run summaries keyed by run id. Upsert is idempotent:
// writing the same run id replaces the stored summary, merging nothing.
type RunStore interface {
	Upsert(ctx context.Context, summary *telemetry.RunSummary) error
	Get(ctx context.Context, runID string) (*telemetry.RunSummary, error)
	List(ctx context.Context) ([]telemetry.RunHeader, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}

// validateForStore rejects summaries that cannot be stored safely.
func validateForStore(summary *telemetry.RunSummary) error {
	if summary == nil {
		return fmt.Errorf("nil summary")
	}
	if err := validateRunID(summary.RunID); err != nil {
		return err
	}
	return summary.Validate()
}

// validateRunID keeps run ids usable as directory names and keys.
func validateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("empty run id")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("run id %q contains path elements", id)
	}
	return nil
}

// sortHeaders orders listings newest first, ties by run id, so every
// backend lists identically.
func sortHeaders(headers []telemetry.RunHeader) {
	sort.Slice(headers, func(i, j int) bool {
		if !headers[i].CreatedAt.Equal(headers[j].CreatedAt) {
			return headers[i].CreatedAt.After(headers[j].CreatedAt)
		}
		return headers[i].RunID < headers[j].RunID
	})
}
