package simulation

import (
	"math"
	"testing"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

// layerOf fetches a layer's telemetry from a run, failing the test when
// either the run or the layer is missing.
func layerOf(t *testing.T, result SimulationResult, run, layer int) *telemetry.LayerTelemetry {
	t.Helper()
	rr := result.Run(run)
	if rr == nil {
		t.Fatalf("run %d out of range (%d runs)", run, len(result.Runs))
	}
	lt := rr.Summary.Layer(layer)
	if lt == nil {
		t.Fatalf("run %d (%s): layer %d not in summary", run, rr.RunID, layer)
	}
	return lt
}

// AssertEffectiveRankAtMost asserts that a layer's effective rank does
// not exceed max.
func AssertEffectiveRankAtMost(t *testing.T, result SimulationResult, run, layer int, max float64) {
	t.Helper()
	lt := layerOf(t, result, run, layer)
	if lt.EffectiveRank > max {
		t.Errorf("AssertEffectiveRankAtMost: run %d layer %d: effective rank %.4f > %.4f", run, layer, lt.EffectiveRank, max)
	}
}

// AssertEffectiveRankAtLeast asserts that a layer's effective rank is
// at least min.
func AssertEffectiveRankAtLeast(t *testing.T, result SimulationResult, run, layer int, min float64) {
	t.Helper()
	lt := layerOf(t, result, run, layer)
	if lt.EffectiveRank < min {
		t.Errorf("AssertEffectiveRankAtLeast: run %d layer %d: effective rank %.4f < %.4f", run, layer, lt.EffectiveRank, min)
	}
}

// AssertEffectiveRankClose asserts that two runs agree on a layer's
// effective rank within tol.
func AssertEffectiveRankClose(t *testing.T, result SimulationResult, runA, runB, layer int, tol float64) {
	t.Helper()
	a := layerOf(t, result, runA, layer)
	b := layerOf(t, result, runB, layer)
	if diff := math.Abs(a.EffectiveRank - b.EffectiveRank); diff > tol {
		t.Errorf("AssertEffectiveRankClose: layer %d: ranks %.8f vs %.8f differ by %.2e (tol %.2e)",
			layer, a.EffectiveRank, b.EffectiveRank, diff, tol)
	}
}

// AssertWarning asserts that a layer carries the given provenance flag.
func AssertWarning(t *testing.T, result SimulationResult, run, layer int, w telemetry.Warning) {
	t.Helper()
	lt := layerOf(t, result, run, layer)
	if !lt.HasWarning(w) {
		t.Errorf("AssertWarning: run %d layer %d: warning %q not present (have %v)", run, layer, w, lt.Warnings)
	}
}

// AssertNoWarning asserts that a layer does not carry the given flag.
func AssertNoWarning(t *testing.T, result SimulationResult, run, layer int, w telemetry.Warning) {
	t.Helper()
	lt := layerOf(t, result, run, layer)
	if lt.HasWarning(w) {
		t.Errorf("AssertNoWarning: run %d layer %d: unexpected warning %q", run, layer, w)
	}
}

// AssertDeltaLossNegative asserts that a perturbed layer measured a
// strictly negative loss delta.
func AssertDeltaLossNegative(t *testing.T, result SimulationResult, run, layer int) {
	t.Helper()
	lt := layerOf(t, result, run, layer)
	if lt.DeltaLossEstimate >= 0 {
		t.Errorf("AssertDeltaLossNegative: run %d layer %d: delta loss %.6f >= 0", run, layer, lt.DeltaLossEstimate)
	}
}

// AssertChannelsSilent asserts that every mode direction of a layer has
// no energy on the given channels. Ablated channels contribute zero
// variance, so eigenvectors with nonzero eigenvalues vanish there.
func AssertChannelsSilent(t *testing.T, result SimulationResult, run, layer int, channels []int) {
	t.Helper()
	lt := layerOf(t, result, run, layer)
	for _, m := range lt.ResidualModes {
		if m.Eigenvalue < 1e-12 {
			continue
		}
		for _, c := range channels {
			if c >= len(m.Direction) {
				t.Fatalf("AssertChannelsSilent: channel %d outside direction of dim %d", c, len(m.Direction))
			}
			if math.Abs(m.Direction[c]) > 1e-6 {
				t.Errorf("AssertChannelsSilent: run %d layer %d mode %d: channel %d has weight %.2e",
					run, layer, m.ModeIndex, c, m.Direction[c])
			}
		}
	}
}

// AssertKeptWithinCapacity asserts that no layer buffer of a run holds
// more samples than the per-layer capacity.
func AssertKeptWithinCapacity(t *testing.T, result SimulationResult, run, capacity int) {
	t.Helper()
	rr := result.Run(run)
	if rr == nil {
		t.Fatalf("run %d out of range (%d runs)", run, len(result.Runs))
	}
	for layer, buf := range rr.Sampling.Buffers {
		if buf.Len() > capacity {
			t.Errorf("AssertKeptWithinCapacity: run %d layer %d: %d samples > capacity %d", run, layer, buf.Len(), capacity)
		}
	}
}

// AssertBytesWithinBudget asserts that the total retained bytes of a
// run's buffers do not exceed the budget.
func AssertBytesWithinBudget(t *testing.T, result SimulationResult, run int, budget int64) {
	t.Helper()
	rr := result.Run(run)
	if rr == nil {
		t.Fatalf("run %d out of range (%d runs)", run, len(result.Runs))
	}
	var total int64
	for _, buf := range rr.Sampling.Buffers {
		total += buf.ByteSize()
	}
	if total > budget {
		t.Errorf("AssertBytesWithinBudget: run %d: %d bytes retained > budget %d", run, total, budget)
	}
}

// AssertIdentityLayerMap asserts that the alignment pairs every given
// layer with itself.
func AssertIdentityLayerMap(t *testing.T, info *telemetry.AlignmentInfo, layers []int) {
	t.Helper()
	for _, l := range layers {
		dst, ok := info.LayerMap[l]
		if !ok {
			t.Errorf("AssertIdentityLayerMap: layer %d unmatched", l)
			continue
		}
		if dst != l {
			t.Errorf("AssertIdentityLayerMap: layer %d mapped to %d", l, dst)
		}
	}
}

// AssertAllModesMatched asserts that every scored mode found a
// counterpart, leaving no residual variety.
func AssertAllModesMatched(t *testing.T, info *telemetry.AlignmentInfo) {
	t.Helper()
	for key := range info.ModeScores {
		if _, ok := info.ModeMap[key]; !ok {
			t.Errorf("AssertAllModesMatched: mode %s scored but unmatched", key)
		}
	}
	if n := len(info.ResidualVarietyPoints); n != 0 {
		t.Errorf("AssertAllModesMatched: %d residual variety points, want 0", n)
	}
}

// AssertSummariesGeometryEqual asserts that two runs produced identical
// geometry: same layers, ranks, eigenvalues, and directions.
func AssertSummariesGeometryEqual(t *testing.T, result SimulationResult, runA, runB int) {
	t.Helper()
	a, b := result.Run(runA), result.Run(runB)
	if a == nil || b == nil {
		t.Fatalf("run index out of range (%d, %d of %d)", runA, runB, len(result.Runs))
	}
	if len(a.Summary.Layers) != len(b.Summary.Layers) {
		t.Fatalf("AssertSummariesGeometryEqual: layer counts differ: %d vs %d", len(a.Summary.Layers), len(b.Summary.Layers))
	}
	for i := range a.Summary.Layers {
		la, lb := a.Summary.Layers[i], b.Summary.Layers[i]
		if la.LayerIndex != lb.LayerIndex {
			t.Errorf("AssertSummariesGeometryEqual: layer order differs at %d: %d vs %d", i, la.LayerIndex, lb.LayerIndex)
			continue
		}
		if la.EffectiveRank != lb.EffectiveRank {
			t.Errorf("AssertSummariesGeometryEqual: layer %d: effective rank %.12f vs %.12f", la.LayerIndex, la.EffectiveRank, lb.EffectiveRank)
		}
		if len(la.ResidualModes) != len(lb.ResidualModes) {
			t.Errorf("AssertSummariesGeometryEqual: layer %d: mode counts %d vs %d", la.LayerIndex, len(la.ResidualModes), len(lb.ResidualModes))
			continue
		}
		for j := range la.ResidualModes {
			ma, mb := la.ResidualModes[j], lb.ResidualModes[j]
			if ma.Eigenvalue != mb.Eigenvalue {
				t.Errorf("AssertSummariesGeometryEqual: layer %d mode %d: eigenvalue %.12g vs %.12g", la.LayerIndex, j, ma.Eigenvalue, mb.Eigenvalue)
			}
			for k := range ma.Direction {
				if ma.Direction[k] != mb.Direction[k] {
					t.Errorf("AssertSummariesGeometryEqual: layer %d mode %d: direction[%d] differs", la.LayerIndex, j, k)
					break
				}
			}
		}
	}
}
