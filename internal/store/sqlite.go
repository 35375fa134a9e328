package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// SQLiteRunStore implements RunStore on a single-file SQLite database.
// Header fields are denormalized into columns so listing never decodes
// full payloads.
type SQLiteRunStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteRunStore opens or creates the database at dbPath.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	s := &SQLiteRunStore{db: db, dbPath: dbPath}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id             TEXT PRIMARY KEY,
			model_name         TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			created_at_ns      INTEGER NOT NULL,
			layer_count        INTEGER NOT NULL,
			has_residual_modes INTEGER NOT NULL,
			adapter_ids        TEXT NOT NULL,
			payload            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at_ns);
	`)
	return err
}

// Upsert inserts or replaces the run row in one statement.
func (s *SQLiteRunStore) Upsert(ctx context.Context, summary *telemetry.RunSummary) error {
	if err := validateForStore(summary); err != nil {
		return err
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", summary.RunID, err)
	}
	adapters, err := json.Marshal(summary.AdapterIDs)
	if err != nil {
		return fmt.Errorf("failed to encode adapter ids: %w", err)
	}
	header := summary.Header()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, model_name, description, created_at_ns, layer_count, has_residual_modes, adapter_ids, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			model_name = excluded.model_name,
			description = excluded.description,
			created_at_ns = excluded.created_at_ns,
			layer_count = excluded.layer_count,
			has_residual_modes = excluded.has_residual_modes,
			adapter_ids = excluded.adapter_ids,
			payload = excluded.payload
	`,
		summary.RunID,
		summary.ModelName,
		summary.Description,
		summary.CreatedAt.UTC().UnixNano(),
		header.LayerCount,
		boolToInt(header.HasResidualModes),
		string(adapters),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", summary.RunID, err)
	}
	return nil
}

// Get loads the full summary payload for a run.
func (s *SQLiteRunStore) Get(ctx context.Context, runID string) (*telemetry.RunSummary, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}

	var summary telemetry.RunSummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &summary, nil
}

// List returns run headers from the denormalized columns, newest first.
func (s *SQLiteRunStore) List(ctx context.Context) ([]telemetry.RunHeader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, model_name, description, created_at_ns, layer_count, has_residual_modes, adapter_ids
		FROM runs
		ORDER BY created_at_ns DESC, run_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var headers []telemetry.RunHeader
	for rows.Next() {
		var (
			h         telemetry.RunHeader
			createdNS int64
			hasModes  int
			adapters  string
		)
		if err := rows.Scan(&h.RunID, &h.ModelName, &h.Description, &createdNS, &h.LayerCount, &hasModes, &adapters); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		h.CreatedAt = time.Unix(0, createdNS).UTC()
		h.HasResidualModes = hasModes != 0
		if err := json.Unmarshal([]byte(adapters), &h.AdapterIDs); err != nil {
			return nil, fmt.Errorf("failed to decode adapter ids for %s: %w", h.RunID, err)
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return headers, nil
}

// Delete removes a run row. Unknown runs are a no-op.
func (s *SQLiteRunStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ RunStore = (*SQLiteRunStore)(nil)
