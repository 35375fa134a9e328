package simulation

import (
	"strconv"
	"time"

	"github.com/glassbox-ml/glassbox/internal/hooks"
	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/perturb"
	"github.com/glassbox-ml/glassbox/internal/sampling"
	"github.com/glassbox-ml/glassbox/internal/store"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// Scenario defines a complete multi-run telemetry experiment. Every run
// shares the model, dataset, and capture configuration; runs differ only
// in the perturbations they apply.
type Scenario struct {
	Name string

	Model   model.Config
	Dataset DatasetSpec

	// Layers selects which layers every run captures.
	Layers    []int
	Component hooks.Component

	SamplingRate float64
	Capacity     int
	ByteBudget   int64
	Policy       sampling.CapacityPolicy
	MaxDuration  time.Duration

	MeasureDeltaLoss bool
	Seed             int64

	Modes     int
	SpanFloor float64

	Runs []RunSpec

	// BeforeRun, when non-nil, is called with the materialized sampling
	// spec before each run executes. Use this to vary limits between
	// runs (e.g., tightening the byte budget for an eviction scenario).
	BeforeRun func(runIndex int, spec *sampling.Spec)
}

// DatasetSpec shapes the deterministic token corpus each run streams.
// Zero fields fall back to a small default corpus.
type DatasetSpec struct {
	Seed           int64
	Sequences      int
	SequenceLength int
	VocabSize      int
	BatchSize      int
}

func (d DatasetSpec) withDefaults() DatasetSpec {
	if d.Sequences == 0 {
		d.Sequences = 8
	}
	if d.SequenceLength == 0 {
		d.SequenceLength = 8
	}
	if d.VocabSize == 0 {
		d.VocabSize = 128
	}
	if d.BatchSize == 0 {
		d.BatchSize = 4
	}
	return d
}

// RunSpec defines one run within a scenario.
type RunSpec struct {
	ID            string
	Description   string
	Perturbations []LayerPerturbation
}

// LayerPerturbation attaches one perturbation operator to a captured
// layer for the duration of a run.
type LayerPerturbation struct {
	Layer     int
	AdapterID string
	Op        perturb.Perturbation
}

// opFor returns the perturbation configured for the layer, or a no-op.
func (r RunSpec) opFor(layer int) (string, perturb.Perturbation) {
	for _, lp := range r.Perturbations {
		if lp.Layer == layer {
			return lp.AdapterID, lp.Op
		}
	}
	return "", perturb.NoOp()
}

// RunResult captures the outcome of a single run.
type RunResult struct {
	Index    int
	RunID    string
	Summary  *telemetry.RunSummary
	Sampling *sampling.Result
}

// SimulationResult captures all runs and the store they persisted to.
type SimulationResult struct {
	Runs  []RunResult
	Store store.RunStore
}

// Run returns the result at index, or nil when out of range.
func (r SimulationResult) Run(index int) *RunResult {
	if index < 0 || index >= len(r.Runs) {
		return nil
	}
	return &r.Runs[index]
}

// runID applies the default naming for runs without an explicit ID.
func runID(scenario Scenario, index int) string {
	if scenario.Runs[index].ID != "" {
		return scenario.Runs[index].ID
	}
	return scenario.Name + "-" + strconv.Itoa(index)
}
