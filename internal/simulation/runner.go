package simulation

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/glassbox-ml/glassbox/internal/alignment"
	"github.com/glassbox-ml/glassbox/internal/dataset"
	"github.com/glassbox-ml/glassbox/internal/geometry"
	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/sampling"
	"github.com/glassbox-ml/glassbox/internal/store"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// Runner orchestrates multi-run simulation experiments against a real
// synthetic model, sampling pipeline, and run store.
type Runner struct {
	t     *testing.T
	store *store.SQLiteRunStore
}

// NewRunner creates a simulation runner with an isolated SQLite store
// and sandboxed HOME directory.
func NewRunner(t *testing.T) *Runner {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	s, err := store.NewSQLiteRunStore(filepath.Join(tmpDir, "glassbox.db"))
	if err != nil {
		t.Fatalf("NewRunner: failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return &Runner{t: t, store: s}
}

// Run executes every run in the scenario and returns the collected
// results. Each run samples the shared model over a fresh copy of the
// corpus, reduces the captured buffers, and persists its summary.
func (r *Runner) Run(scenario Scenario) SimulationResult {
	r.t.Helper()
	ctx := context.Background()

	if len(scenario.Runs) == 0 {
		r.t.Fatalf("Run: scenario %q has no runs", scenario.Name)
	}
	if len(scenario.Layers) == 0 {
		r.t.Fatalf("Run: scenario %q selects no layers", scenario.Name)
	}

	// Phase 1: Build the shared model and reducer.
	m := model.NewSynthetic(scenario.Model)
	reducer := geometry.NewReducer(geometry.ReducerConfig{})
	ds := scenario.Dataset.withDefaults()

	// Phase 2: Execute runs.
	runs := make([]RunResult, len(scenario.Runs))
	for i := range scenario.Runs {
		runs[i] = r.runOne(ctx, scenario, i, m, reducer, ds)
	}

	return SimulationResult{
		Runs:  runs,
		Store: r.store,
	}
}

// runOne executes a single run of the scenario: sample, reduce, build,
// persist, snapshot.
func (r *Runner) runOne(ctx context.Context, scenario Scenario, index int,
	m *model.Synthetic, reducer *geometry.Reducer, ds DatasetSpec) RunResult {
	r.t.Helper()

	rs := scenario.Runs[index]
	id := runID(scenario, index)

	// Step 1: Materialize the sampling spec for this run.
	spec := sampling.Spec{
		Component:        scenario.Component,
		SamplingRate:     scenario.SamplingRate,
		PerLayerCapacity: scenario.Capacity,
		ByteBudget:       scenario.ByteBudget,
		CapacityPolicy:   scenario.Policy,
		MaxDuration:      scenario.MaxDuration,
		MeasureDeltaLoss: scenario.MeasureDeltaLoss,
		Seed:             scenario.Seed,
	}
	for _, layer := range scenario.Layers {
		adapterID, op := rs.opFor(layer)
		spec.Layers = append(spec.Layers, sampling.LayerSpec{
			Layer:        layer,
			AdapterID:    adapterID,
			Perturbation: op,
		})
	}
	if scenario.BeforeRun != nil {
		scenario.BeforeRun(index, &spec)
	}

	// Step 2: Sample a fresh copy of the corpus.
	data := dataset.SyntheticCorpus(ds.Seed, ds.Sequences, ds.SequenceLength, ds.VocabSize, ds.BatchSize)
	result, err := sampling.NewRunner(m, sampling.RunnerConfig{}).Run(ctx, spec, data)
	if err != nil {
		r.t.Fatalf("run %d (%s): sampling: %v", index, id, err)
	}

	// Step 3: Reduce every captured layer.
	builder := telemetry.NewBuilder(id, m.Name())
	builder.SetDescription(rs.Description)
	byLayer := make(map[int]sampling.LayerSpec, len(spec.Layers))
	for _, ls := range spec.Layers {
		byLayer[ls.Layer] = ls
		if ls.AdapterID != "" {
			builder.AddAdapter(ls.AdapterID)
		}
	}

	captured := make([]int, 0, len(result.Buffers))
	for layer := range result.Buffers {
		captured = append(captured, layer)
	}
	sort.Ints(captured)

	reduced := make([]telemetry.LayerTelemetry, 0, len(captured))
	for _, layer := range captured {
		lt := reducer.Reduce(result.Buffers[layer], scenario.Modes)
		if ls, ok := byLayer[layer]; ok {
			lt.AdapterID = ls.AdapterID
			lt.AdapterWeightNorm = ls.Perturbation.WeightNorm()
		}
		lt.DeltaLossEstimate = result.DeltaLoss[layer]
		reduced = append(reduced, lt)
	}
	geometry.ComputeModeSpans(reduced, scenario.SpanFloor)

	// Step 4: Assemble and persist the summary.
	for _, lt := range reduced {
		builder.PutLayer(lt)
		builder.AddTimelinePoint(telemetry.TimelinePoint{
			Step:              result.Steps,
			Timestamp:         time.Now().UTC(),
			LayerIndex:        lt.LayerIndex,
			AdapterID:         lt.AdapterID,
			AdapterWeightNorm: lt.AdapterWeightNorm,
			EffectiveRank:     lt.EffectiveRank,
			DeltaLossEstimate: lt.DeltaLossEstimate,
		})
	}
	summary, err := builder.Finish()
	if err != nil {
		r.t.Fatalf("run %d (%s): Finish: %v", index, id, err)
	}
	if err := r.store.Upsert(ctx, summary); err != nil {
		r.t.Fatalf("run %d (%s): Upsert: %v", index, id, err)
	}

	return RunResult{
		Index:    index,
		RunID:    id,
		Summary:  summary,
		Sampling: result,
	}
}

// AlignRuns aligns two runs from the result and returns the alignment.
func AlignRuns(t *testing.T, result SimulationResult, src, dst int, opts alignment.Options) *telemetry.AlignmentInfo {
	t.Helper()
	a, b := result.Run(src), result.Run(dst)
	if a == nil || b == nil {
		t.Fatalf("AlignRuns: run index out of range (%d, %d of %d)", src, dst, len(result.Runs))
	}
	info, err := alignment.NewEngine(opts).Align(a.Summary, b.Summary)
	if err != nil {
		t.Fatalf("AlignRuns: Align(%s, %s): %v", a.RunID, b.RunID, err)
	}
	return info
}

// FormatRunDebug returns a debug string for a run result.
func FormatRunDebug(rr RunResult) string {
	s := fmt.Sprintf("Run %d (%s): steps=%d tokens=%d/%d evictions=%d truncated=%v\n",
		rr.Index, rr.RunID, rr.Sampling.Steps, rr.Sampling.TokensKept, rr.Sampling.TokensSeen,
		rr.Sampling.Evictions, rr.Sampling.Truncated)
	for _, lt := range rr.Summary.Layers {
		s += fmt.Sprintf("  L%d: rank=%.4f modes=%d samples=%d warnings=%v\n",
			lt.LayerIndex, lt.EffectiveRank, len(lt.ResidualModes), lt.ResidualSampleCount, lt.Warnings)
	}
	return s
}
