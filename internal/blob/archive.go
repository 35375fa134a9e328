package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// runKey places every artifact of a run under a common prefix so one
// List call finds them all.
func runKey(runID, name string) string {
	return path.Join("runs", runID, name)
}

// Archive writes the summary as runs/<run_id>/run.json, overwriting any
// previous archive of the same run.
func Archive(ctx context.Context, store Store, summary *telemetry.RunSummary) (Info, error) {
	if summary == nil {
		return Info{}, fmt.Errorf("cannot archive nil run summary")
	}
	if err := summary.Validate(); err != nil {
		return Info{}, fmt.Errorf("failed to archive run: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("failed to encode run %s: %w", summary.RunID, err)
	}
	info, err := store.Put(ctx, runKey(summary.RunID, "run.json"), bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("failed to archive run %s: %w", summary.RunID, err)
	}
	return info, nil
}

// LoadArchive reads an archived summary back.
func LoadArchive(ctx context.Context, store Store, runID string) (*telemetry.RunSummary, error) {
	rc, err := store.Get(ctx, runKey(runID, "run.json"))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var summary telemetry.RunSummary
	if err := json.NewDecoder(rc).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode archived run %s: %w", runID, err)
	}
	return &summary, nil
}

// ArchiveArtifact stores a supporting file, such as an activation export,
// next to the run's summary.
func ArchiveArtifact(ctx context.Context, store Store, runID, name string, r io.Reader) (Info, error) {
	if runID == "" || name == "" {
		return Info{}, fmt.Errorf("run id and artifact name required")
	}
	info, err := store.Put(ctx, runKey(runID, name), r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to archive artifact %s for run %s: %w", name, runID, err)
	}
	return info, nil
}
