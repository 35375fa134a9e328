package simulation

import (
	"testing"
	"time"

	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// A corpus smaller than the requested mode count degrades the mode list
// instead of failing, and flags the layer.
func TestTinyCorpusDegradesModeCount(t *testing.T) {
	r := NewRunner(t)
	result := r.Run(Scenario{
		Name: "tiny-corpus",
		Model: model.Config{
			Name:      "synthetic-tiny-corpus",
			NumLayers: 2,
			HiddenDim: 16,
			NumHeads:  2,
			Seed:      97,
		},
		Dataset: DatasetSpec{Seed: 101, Sequences: 1, SequenceLength: 3, VocabSize: 32, BatchSize: 1},
		Layers:  []int{1},
		Modes:   8,
		Seed:    103,
		Runs:    []RunSpec{{ID: "sparse"}},
	})

	AssertWarning(t, result, 0, 1, telemetry.WarningInsufficientSamples)
	lt := layerOf(t, result, 0, 1)
	if lt.ResidualSampleCount != 3 {
		t.Errorf("samples = %d, want 3", lt.ResidualSampleCount)
	}
	// Three samples support at most two modes.
	if len(lt.ResidualModes) != 2 {
		t.Errorf("modes = %d, want 2", len(lt.ResidualModes))
	}
}

// An immediate deadline truncates the run before the first batch. The
// result is still a valid, storable summary with no layers.
func TestDeadlineTruncatesRun(t *testing.T) {
	r := NewRunner(t)
	result := r.Run(Scenario{
		Name: "deadline",
		Model: model.Config{
			Name:      "synthetic-deadline",
			NumLayers: 2,
			HiddenDim: 16,
			NumHeads:  2,
			Seed:      107,
		},
		Dataset:     DatasetSpec{Seed: 109, Sequences: 8, SequenceLength: 8, VocabSize: 64, BatchSize: 4},
		Layers:      []int{0},
		MaxDuration: time.Nanosecond,
		Seed:        113,
		Runs:        []RunSpec{{ID: "cut-short"}},
	})

	run := result.Run(0)
	if !run.Sampling.Truncated {
		t.Error("run not marked truncated")
	}
	if run.Sampling.Steps != 0 {
		t.Errorf("steps = %d, want 0", run.Sampling.Steps)
	}
	if len(run.Summary.Layers) != 0 {
		t.Errorf("layers = %d, want 0", len(run.Summary.Layers))
	}

	// The empty summary still persisted.
	got, err := result.Store.Get(t.Context(), "cut-short")
	if err != nil {
		t.Fatalf("Get(cut-short): %v", err)
	}
	if got.ModelName != "synthetic-deadline" {
		t.Errorf("ModelName = %q", got.ModelName)
	}
}
