package model

import (
	"context"
	"math"
	"testing"

	"github.com/glassbox-ml/glassbox/internal/hooks"
	"github.com/glassbox-ml/glassbox/internal/perturb"
)

func testConfig() Config {
	return Config{
		Name:      "synthetic-test",
		NumLayers: 4,
		HiddenDim: 16,
		NumHeads:  4,
		Seed:      7,
	}
}

func TestNewSynthetic_Defaults(t *testing.T) {
	m := NewSynthetic(Config{})

	def := DefaultConfig()
	if m.NumLayers() != def.NumLayers {
		t.Errorf("NumLayers() = %d, want %d", m.NumLayers(), def.NumLayers)
	}
	if m.HiddenDim() != def.HiddenDim {
		t.Errorf("HiddenDim() = %d, want %d", m.HiddenDim(), def.HiddenDim)
	}
	if m.Name() != def.Name {
		t.Errorf("Name() = %q, want %q", m.Name(), def.Name)
	}
}

func TestHookPoints(t *testing.T) {
	m := NewSynthetic(testConfig())

	points := m.HookPoints()
	if len(points) != 4*4 {
		t.Fatalf("HookPoints() returned %d points, want 16", len(points))
	}

	seen := map[hooks.HookPoint]bool{}
	for _, p := range points {
		if p.LayerIndex < 0 || p.LayerIndex >= 4 {
			t.Errorf("layer index %d out of range", p.LayerIndex)
		}
		if !p.Component.Valid() {
			t.Errorf("invalid component %q", p.Component)
		}
		if seen[p] {
			t.Errorf("duplicate hook point %v", p)
		}
		seen[p] = true
	}
}

func TestForward_Deterministic(t *testing.T) {
	batch := [][]int{{10, 11, 12}, {20, 21}}

	capture := func(m *Synthetic) [][]float64 {
		var vecs [][]float64
		reg := hooks.NewRegistry()
		point := hooks.HookPoint{LayerIndex: 2, Component: hooks.ComponentFeedForward}
		reg.Attach(point, func(_ hooks.HookPoint, act hooks.Activation) {
			v := make([]float64, len(act.Vector))
			copy(v, act.Vector)
			vecs = append(vecs, v)
		}, perturb.NoOp())
		defer reg.DetachAll()

		if _, err := m.Forward(context.Background(), batch, reg); err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		return vecs
	}

	a := capture(NewSynthetic(testConfig()))
	b := capture(NewSynthetic(testConfig()))

	if len(a) != 5 {
		t.Fatalf("captured %d activations, want 5 (one per token)", len(a))
	}
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("activation %d diverged at dim %d: %v vs %v", i, j, a[i][j], b[i][j])
			}
		}
	}
}

func TestForward_SeedChangesActivations(t *testing.T) {
	batch := [][]int{{1, 2, 3}}

	run := func(seed int64) []float64 {
		cfg := testConfig()
		cfg.Seed = seed
		m := NewSynthetic(cfg)
		var vec []float64
		reg := hooks.NewRegistry()
		reg.Attach(hooks.HookPoint{LayerIndex: 0, Component: hooks.ComponentAttention},
			func(_ hooks.HookPoint, act hooks.Activation) {
				if vec == nil {
					vec = make([]float64, len(act.Vector))
					copy(vec, act.Vector)
				}
			}, perturb.NoOp())
		defer reg.DetachAll()
		m.Forward(context.Background(), batch, reg)
		return vec
	}

	a := run(1)
	b := run(2)

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical activations")
	}
}

func TestForward_PerturbationShiftsLoss(t *testing.T) {
	m := NewSynthetic(testConfig())
	batch := [][]int{{5, 6, 7, 8}}
	ctx := context.Background()

	base, err := m.Forward(ctx, batch, hooks.NewRegistry())
	if err != nil {
		t.Fatalf("base Forward() error = %v", err)
	}

	reg := hooks.NewRegistry()
	// Zero the first attention head at layer 1.
	reg.Attach(hooks.HookPoint{LayerIndex: 1, Component: hooks.ComponentAttention},
		nil, perturb.AblateIndices([]int{0}, m.HeadDim()))
	defer reg.DetachAll()

	perturbed, err := m.Forward(ctx, batch, reg)
	if err != nil {
		t.Fatalf("perturbed Forward() error = %v", err)
	}

	if len(base.TokenLosses) != len(perturbed.TokenLosses) {
		t.Fatalf("loss count mismatch: %d vs %d", len(base.TokenLosses), len(perturbed.TokenLosses))
	}

	var diff float64
	for i := range base.TokenLosses {
		diff += math.Abs(base.TokenLosses[i] - perturbed.TokenLosses[i])
	}
	if diff == 0 {
		t.Error("ablation did not shift any token loss")
	}
}

func TestForward_CountsPasses(t *testing.T) {
	m := NewSynthetic(testConfig())
	ctx := context.Background()

	if m.ForwardCount() != 0 {
		t.Fatalf("ForwardCount() = %d before any pass", m.ForwardCount())
	}

	m.Forward(ctx, [][]int{{1}}, hooks.NewRegistry())
	m.Forward(ctx, [][]int{{2}}, hooks.NewRegistry())

	if m.ForwardCount() != 2 {
		t.Errorf("ForwardCount() = %d, want 2", m.ForwardCount())
	}
}

func TestForward_Cancelled(t *testing.T) {
	m := NewSynthetic(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Forward(ctx, [][]int{{1, 2}}, hooks.NewRegistry())
	if err == nil {
		t.Error("Forward() with cancelled context should return an error")
	}
}

func TestForward_TokenCount(t *testing.T) {
	m := NewSynthetic(testConfig())

	res, err := m.Forward(context.Background(), [][]int{{1, 2, 3}, {4}}, hooks.NewRegistry())
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.Tokens != 4 {
		t.Errorf("Tokens = %d, want 4", res.Tokens)
	}
	if len(res.TokenLosses) != 4 {
		t.Errorf("len(TokenLosses) = %d, want 4", len(res.TokenLosses))
	}
	for i, loss := range res.TokenLosses {
		if loss <= 0 {
			t.Errorf("TokenLosses[%d] = %v, want > 0", i, loss)
		}
	}
}

func TestOrthonormalBank(t *testing.T) {
	m := NewSynthetic(testConfig())

	for l, bank := range m.directions {
		for i := range bank {
			var norm float64
			for _, x := range bank[i] {
				norm += x * x
			}
			if math.Abs(norm-1) > 1e-9 {
				t.Errorf("layer %d direction %d: norm² = %v, want 1", l, i, norm)
			}
			for j := i + 1; j < len(bank); j++ {
				var dot float64
				for k := range bank[i] {
					dot += bank[i][k] * bank[j][k]
				}
				if math.Abs(dot) > 1e-9 {
					t.Errorf("layer %d directions %d,%d not orthogonal: dot = %v", l, i, j, dot)
				}
			}
		}
	}
}
