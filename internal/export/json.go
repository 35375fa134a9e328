package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/glassbox-ml/glassbox/internal/sampling"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// WriteSummaryJSON writes the run summary as indented JSON.
func WriteSummaryJSON(w io.Writer, summary *telemetry.RunSummary) error {
	if summary == nil {
		return fmt.Errorf("cannot export nil run summary")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode run %s: %w", summary.RunID, err)
	}
	return nil
}

// WriteSamplesJSONL writes one JSON object per line for each retained
// sample, ordered by capture time.
func WriteSamplesJSONL(w io.Writer, buf *sampling.SampleBuffer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, s := range buf.Samples() {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode sample: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	return nil
}
