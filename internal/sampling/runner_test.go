package sampling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glassbox-ml/glassbox/internal/dataset"
	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/perturb"
)

func newTestModel() *model.Synthetic {
	return model.NewSynthetic(model.Config{
		Name:      "synthetic-test",
		NumLayers: 4,
		HiddenDim: 16,
		NumHeads:  4,
		Seed:      7,
	})
}

func newTestData(numSeqs, seqLen, batchSize int) *dataset.InMemory {
	return dataset.SyntheticCorpus(11, numSeqs, seqLen, 100, batchSize)
}

func TestRunnerInvalidLayer(t *testing.T) {
	m := newTestModel()
	r := NewRunner(m, RunnerConfig{})

	cases := []int{999, -1, 4}
	for _, layer := range cases {
		spec := Spec{Layers: []LayerSpec{{Layer: layer}}}
		_, err := r.Run(context.Background(), spec, newTestData(4, 5, 2))

		var invalid *InvalidLayerError
		if !errors.As(err, &invalid) {
			t.Fatalf("layer %d: error = %v, want *InvalidLayerError", layer, err)
		}
		if invalid.Layer != layer || invalid.NumLayers != 4 {
			t.Errorf("layer %d: error fields = %+v", layer, invalid)
		}
	}
	if m.ForwardCount() != 0 {
		t.Errorf("ForwardCount() = %d after invalid specs, want 0", m.ForwardCount())
	}
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	data := newTestData(2, 4, 2)

	cases := []struct {
		name string
		spec Spec
	}{
		{"rate above one", Spec{SamplingRate: 1.5, Layers: []LayerSpec{{Layer: 0}}}},
		{"negative rate", Spec{SamplingRate: -0.1, Layers: []LayerSpec{{Layer: 0}}}},
		{"unknown policy", Spec{CapacityPolicy: "lru", Layers: []LayerSpec{{Layer: 0}}}},
		{"unknown component", Spec{Component: "logits", Layers: []LayerSpec{{Layer: 0}}}},
		{"duplicate layer", Spec{Layers: []LayerSpec{{Layer: 1}, {Layer: 1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Run(context.Background(), tc.spec, data); err == nil {
				t.Error("Run() accepted an invalid spec")
			}
		})
	}
}

func TestRunnerEmptyDataset(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	spec := Spec{Layers: []LayerSpec{{Layer: 0}, {Layer: 2}}}

	res, err := r.Run(context.Background(), spec, dataset.NewInMemory(nil))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Buffers) != 0 {
		t.Errorf("Buffers has %d entries for empty dataset, want 0", len(res.Buffers))
	}
	if res.Steps != 0 || res.Truncated {
		t.Errorf("Steps = %d, Truncated = %v, want 0 and false", res.Steps, res.Truncated)
	}
}

func TestRunnerCollectsAllTokens(t *testing.T) {
	m := newTestModel()
	r := NewRunner(m, RunnerConfig{})
	spec := Spec{
		Layers: []LayerSpec{{Layer: 1}, {Layer: 3}},
		Seed:   5,
	}

	res, err := r.Run(context.Background(), spec, newTestData(4, 5, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantTokens := 4 * 5
	for _, layer := range []int{1, 3} {
		buf, ok := res.Buffers[layer]
		if !ok {
			t.Fatalf("no buffer for layer %d", layer)
		}
		if buf.Len() != wantTokens {
			t.Errorf("layer %d: Len() = %d, want %d", layer, buf.Len(), wantTokens)
		}
		samples := buf.Samples()
		for i := 1; i < len(samples); i++ {
			if before(samples[i], samples[i-1]) {
				t.Errorf("layer %d: samples out of capture order at %d", layer, i)
			}
		}
		for _, s := range samples {
			if len(s.Vector) != m.HiddenDim() {
				t.Errorf("layer %d: vector dim = %d, want %d", layer, len(s.Vector), m.HiddenDim())
			}
		}
	}
	if res.TokensSeen != 2*wantTokens {
		t.Errorf("TokensSeen = %d, want %d", res.TokensSeen, 2*wantTokens)
	}
	if res.TokensKept != 2*wantTokens {
		t.Errorf("TokensKept = %d, want %d", res.TokensKept, 2*wantTokens)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}
}

func TestRunnerSamplingRate(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	spec := Spec{
		Layers:       []LayerSpec{{Layer: 0}},
		SamplingRate: 0.5,
		Seed:         9,
	}

	res, err := r.Run(context.Background(), spec, newTestData(20, 10, 4))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	kept := res.Buffers[0].Len()
	if kept == 0 || kept == 200 {
		t.Errorf("kept %d of 200 tokens at rate 0.5, want a strict subset", kept)
	}
	if res.TokensKept != kept {
		t.Errorf("TokensKept = %d, buffer holds %d", res.TokensKept, kept)
	}
}

func TestRunnerDeterminism(t *testing.T) {
	spec := Spec{
		Layers:           []LayerSpec{{Layer: 0}, {Layer: 2}},
		SamplingRate:     0.6,
		PerLayerCapacity: 30,
		Seed:             13,
	}

	run := func() *Result {
		r := NewRunner(newTestModel(), RunnerConfig{})
		res, err := r.Run(context.Background(), spec, newTestData(12, 8, 3))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return res
	}

	a, b := run(), run()
	for _, layer := range []int{0, 2} {
		sa, sb := a.Buffers[layer].Samples(), b.Buffers[layer].Samples()
		if len(sa) != len(sb) {
			t.Fatalf("layer %d: run lengths differ, %d vs %d", layer, len(sa), len(sb))
		}
		for i := range sa {
			if sa[i].TokenID != sb[i].TokenID || sa[i].Sequence != sb[i].Sequence || sa[i].Position != sb[i].Position {
				t.Fatalf("layer %d sample %d: metadata differs between identical runs", layer, i)
			}
			for d := range sa[i].Vector {
				if sa[i].Vector[d] != sb[i].Vector[d] {
					t.Fatalf("layer %d sample %d dim %d: vectors differ between identical runs", layer, i, d)
				}
			}
		}
	}
}

func TestRunnerByteBudget(t *testing.T) {
	m := newTestModel()
	r := NewRunner(m, RunnerConfig{})

	perSample := sampleBytes(m.HiddenDim())
	spec := Spec{
		Layers:     []LayerSpec{{Layer: 0}, {Layer: 1}},
		ByteBudget: 10 * perSample,
		Seed:       3,
	}

	res, err := r.Run(context.Background(), spec, newTestData(8, 6, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var total int64
	for _, buf := range res.Buffers {
		total += buf.ByteSize()
	}
	if total > spec.ByteBudget {
		t.Errorf("combined ByteSize = %d over budget %d", total, spec.ByteBudget)
	}
	if res.Evictions == 0 {
		t.Error("expected byte-budget evictions, got none")
	}
}

func TestRunnerDropPolicy(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	spec := Spec{
		Layers:           []LayerSpec{{Layer: 0}},
		PerLayerCapacity: 5,
		CapacityPolicy:   PolicyDrop,
		Seed:             1,
	}

	res, err := r.Run(context.Background(), spec, newTestData(3, 10, 1))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	samples := res.Buffers[0].Samples()
	if len(samples) != 5 {
		t.Fatalf("Len() = %d, want 5", len(samples))
	}
	for i, s := range samples {
		if s.Sequence != 0 || s.Position != i {
			t.Errorf("sample %d = seq %d pos %d, want the first tokens in order", i, s.Sequence, s.Position)
		}
	}
}

func TestRunnerMaxSequences(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	spec := Spec{
		Layers:       []LayerSpec{{Layer: 0}},
		MaxSequences: 3,
		Seed:         1,
	}

	res, err := r.Run(context.Background(), spec, newTestData(10, 4, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Sequences != 3 {
		t.Errorf("Sequences = %d, want 3", res.Sequences)
	}
	if got := res.Buffers[0].Len(); got != 3*4 {
		t.Errorf("Len() = %d, want %d", got, 3*4)
	}
}

func TestRunnerMaxTokensPerSequence(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	spec := Spec{
		Layers:               []LayerSpec{{Layer: 0}},
		MaxTokensPerSequence: 2,
		Seed:                 1,
	}

	res, err := r.Run(context.Background(), spec, newTestData(4, 9, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, s := range res.Buffers[0].Samples() {
		if s.Position >= 2 {
			t.Errorf("sample at position %d past the per-sequence limit", s.Position)
		}
	}
	if got := res.Buffers[0].Len(); got != 4*2 {
		t.Errorf("Len() = %d, want %d", got, 4*2)
	}
}

func TestRunnerDeltaLoss(t *testing.T) {
	m := newTestModel()
	r := NewRunner(m, RunnerConfig{})
	spec := Spec{
		Layers: []LayerSpec{
			{Layer: 0},
			{Layer: 1, Perturbation: perturb.AblateIndices([]int{0}, m.HeadDim())},
		},
		MeasureDeltaLoss: true,
		Seed:             7,
	}

	res, err := r.Run(context.Background(), spec, newTestData(4, 6, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, ok := res.DeltaLoss[0]; ok {
		t.Error("DeltaLoss recorded for unperturbed layer 0")
	}
	delta, ok := res.DeltaLoss[1]
	if !ok {
		t.Fatal("no DeltaLoss entry for perturbed layer 1")
	}
	if delta == 0 {
		t.Error("DeltaLoss = 0 for an ablated head, want a nonzero shift")
	}

	// One perturbed layer: capture plus base pass per batch.
	if got := m.ForwardCount(); got != res.Steps*2 {
		t.Errorf("ForwardCount() = %d, want %d", got, res.Steps*2)
	}
}

func TestRunnerDeltaLossIsolationPasses(t *testing.T) {
	m := newTestModel()
	r := NewRunner(m, RunnerConfig{})
	spec := Spec{
		Layers: []LayerSpec{
			{Layer: 0, Perturbation: perturb.AblateIndices([]int{1}, m.HeadDim())},
			{Layer: 2, Perturbation: perturb.AblateIndices([]int{0}, m.HeadDim())},
		},
		MeasureDeltaLoss: true,
		Seed:             7,
	}

	res, err := r.Run(context.Background(), spec, newTestData(2, 4, 2))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, layer := range []int{0, 2} {
		if _, ok := res.DeltaLoss[layer]; !ok {
			t.Errorf("no DeltaLoss entry for perturbed layer %d", layer)
		}
	}
	// Two perturbed layers: capture, base, and one isolation pass each.
	if got := m.ForwardCount(); got != res.Steps*4 {
		t.Errorf("ForwardCount() = %d, want %d", got, res.Steps*4)
	}
}

func TestRunnerCancelledContext(t *testing.T) {
	m := newTestModel()
	r := NewRunner(m, RunnerConfig{})
	spec := Spec{Layers: []LayerSpec{{Layer: 0}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, spec, newTestData(4, 5, 2))
	if err != nil {
		t.Fatalf("Run() error = %v, cancellation should yield a partial result", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false after pre-cancelled context")
	}
	if res.Steps != 0 || len(res.Buffers) != 0 {
		t.Errorf("Steps = %d, Buffers = %d, want no work done", res.Steps, len(res.Buffers))
	}
}

func TestRunnerMaxDuration(t *testing.T) {
	r := NewRunner(newTestModel(), RunnerConfig{})
	spec := Spec{
		Layers:      []LayerSpec{{Layer: 0}},
		MaxDuration: time.Nanosecond,
		Seed:        1,
	}

	res, err := r.Run(context.Background(), spec, newTestData(50, 20, 1))
	if err != nil {
		t.Fatalf("Run() error = %v, deadline should yield a partial result", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false after deadline")
	}
}

func TestMeanDeltaLoss(t *testing.T) {
	cases := []struct {
		name            string
		base, perturbed []float64
		want            float64
	}{
		{"uniform shift", []float64{1, 1, 1}, []float64{2, 2, 2}, 1},
		{"mixed", []float64{1, 2}, []float64{2, 1}, 0},
		{"empty", nil, nil, 0},
		{"length mismatch", []float64{1, 1, 1}, []float64{3}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MeanDeltaLoss(tc.base, tc.perturbed); got != tc.want {
				t.Errorf("MeanDeltaLoss() = %v, want %v", got, tc.want)
			}
		})
	}
}
