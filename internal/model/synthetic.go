package model

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/glassbox-ml/glassbox/internal/hooks"
)

// Config holds the synthetic model's shape parameters.
type Config struct {
	Name      string `json:"name" yaml:"name"`
	NumLayers int    `json:"num_layers" yaml:"num_layers"`
	HiddenDim int    `json:"hidden_dim" yaml:"hidden_dim"`
	NumHeads  int    `json:"num_heads" yaml:"num_heads"`
	Seed      int64  `json:"seed" yaml:"seed"`
}

// DefaultConfig returns a small 32-layer configuration.
func DefaultConfig() Config {
	return Config{
		Name:      "synthetic-32l",
		NumLayers: 32,
		HiddenDim: 64,
		NumHeads:  8,
		Seed:      1,
	}
}

// Synthetic is a deterministic stand-in for a hosted transformer. Each
// layer adds contributions drawn from a fixed per-layer direction bank
// with depth-dependent spectral decay: shallow layers spread variance
// across many directions, deep layers concentrate it in few. Construction
// is seeded, so identical configs produce identical activations, which
// makes reduction and alignment results reproducible in tests.
type Synthetic struct {
	cfg        Config
	directions [][][]float64 // [layer][mode][dim], orthonormal per layer
	magnitudes [][]float64   // [layer][mode], decaying
	forwards   atomic.Int64
}

// numDirections bounds the per-layer direction bank.
const numDirections = 8

// NewSynthetic builds the model from cfg. Zero or negative shape fields
// fall back to DefaultConfig values.
func NewSynthetic(cfg Config) *Synthetic {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.NumLayers <= 0 {
		cfg.NumLayers = def.NumLayers
	}
	if cfg.HiddenDim <= 0 {
		cfg.HiddenDim = def.HiddenDim
	}
	if cfg.NumHeads <= 0 {
		cfg.NumHeads = def.NumHeads
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	k := numDirections
	if cfg.HiddenDim < k {
		k = cfg.HiddenDim
	}

	m := &Synthetic{
		cfg:        cfg,
		directions: make([][][]float64, cfg.NumLayers),
		magnitudes: make([][]float64, cfg.NumLayers),
	}

	for l := 0; l < cfg.NumLayers; l++ {
		m.directions[l] = orthonormalBank(rng, k, cfg.HiddenDim)

		// Spectral decay per layer: near-flat at layer 0, steep at the
		// last layer.
		depth := 0.0
		if cfg.NumLayers > 1 {
			depth = float64(l) / float64(cfg.NumLayers-1)
		}
		decay := 0.95 - 0.45*depth
		mags := make([]float64, k)
		mag := 1.0
		for i := 0; i < k; i++ {
			mags[i] = mag
			mag *= decay
		}
		m.magnitudes[l] = mags
	}

	return m
}

// orthonormalBank draws k Gaussian vectors of dimension dim and
// orthonormalizes them with Gram-Schmidt.
func orthonormalBank(rng *rand.Rand, k, dim int) [][]float64 {
	bank := make([][]float64, k)
	for i := 0; i < k; i++ {
		v := make([]float64, dim)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		for _, prev := range bank[:i] {
			var dot float64
			for j := range v {
				dot += v[j] * prev[j]
			}
			for j := range v {
				v[j] -= dot * prev[j]
			}
		}
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			// Degenerate draw; fall back to a unit axis.
			v = make([]float64, dim)
			v[i%dim] = 1
		} else {
			for j := range v {
				v[j] /= norm
			}
		}
		bank[i] = v
	}
	return bank
}

func (m *Synthetic) Name() string   { return m.cfg.Name }
func (m *Synthetic) NumLayers() int { return m.cfg.NumLayers }
func (m *Synthetic) HiddenDim() int { return m.cfg.HiddenDim }

// HeadDim returns the per-head channel width for ablation group sizing.
func (m *Synthetic) HeadDim() int { return m.cfg.HiddenDim / m.cfg.NumHeads }

// ForwardCount reports how many forward passes have run. Used by tests
// asserting that validation failures occur before any pass.
func (m *Synthetic) ForwardCount() int { return int(m.forwards.Load()) }

// HookPoints enumerates every layer and component combination.
func (m *Synthetic) HookPoints() []hooks.HookPoint {
	components := []hooks.Component{
		hooks.ComponentAttention,
		hooks.ComponentFeedForward,
		hooks.ComponentPreNorm,
		hooks.ComponentPostNorm,
	}
	points := make([]hooks.HookPoint, 0, m.cfg.NumLayers*len(components))
	for l := 0; l < m.cfg.NumLayers; l++ {
		for _, c := range components {
			points = append(points, hooks.HookPoint{LayerIndex: l, Component: c})
		}
	}
	return points
}

// Forward runs the residual stream for each token position, firing hooks
// after each component. The vector returned by a hook replaces the stream
// in flight, so perturbations propagate to deeper layers and to the loss.
func (m *Synthetic) Forward(ctx context.Context, batch [][]int, reg *hooks.Registry) (ForwardResult, error) {
	m.forwards.Add(1)

	res := ForwardResult{}
	for si, seq := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for pos, tok := range seq {
			h := m.embed(tok, pos)

			for l := 0; l < m.cfg.NumLayers; l++ {
				h = reg.Fire(hooks.HookPoint{LayerIndex: l, Component: hooks.ComponentPreNorm},
					hooks.Activation{TokenID: tok, Position: pos, Sequence: si, Vector: h})

				m.addContribution(h, l, componentTagAttention, tok, pos)
				h = reg.Fire(hooks.HookPoint{LayerIndex: l, Component: hooks.ComponentAttention},
					hooks.Activation{TokenID: tok, Position: pos, Sequence: si, Vector: h})

				m.addContribution(h, l, componentTagFeedForward, tok, pos)
				h = reg.Fire(hooks.HookPoint{LayerIndex: l, Component: hooks.ComponentFeedForward},
					hooks.Activation{TokenID: tok, Position: pos, Sequence: si, Vector: h})

				h = reg.Fire(hooks.HookPoint{LayerIndex: l, Component: hooks.ComponentPostNorm},
					hooks.Activation{TokenID: tok, Position: pos, Sequence: si, Vector: h})
			}

			res.TokenLosses = append(res.TokenLosses, m.tokenLoss(h, tok, pos))
			res.Tokens++
		}
	}
	return res, nil
}

const (
	componentTagAttention   = 1
	componentTagFeedForward = 2
	componentTagEmbed       = 3
	componentTagLoss        = 4
)

// embed produces the initial residual vector for a token position: a
// small isotropic base the layer contributions accumulate onto.
func (m *Synthetic) embed(tok, pos int) []float64 {
	h := make([]float64, m.cfg.HiddenDim)
	for i := range h {
		h[i] = 0.05 * m.unit(componentTagEmbed, uint64(i), uint64(tok), uint64(pos))
	}
	return h
}

// addContribution accumulates the layer's spectral contribution onto h
// in place.
func (m *Synthetic) addContribution(h []float64, layer, tag, tok, pos int) {
	bank := m.directions[layer]
	mags := m.magnitudes[layer]
	for k := range bank {
		coeff := mags[k] * m.unit(uint64(tag), uint64(layer), uint64(k), uint64(tok), uint64(pos))
		dir := bank[k]
		for i := range h {
			h[i] += coeff * dir[i]
		}
	}
}

// tokenLoss derives a positive pseudo-loss from the final stream state.
// Ablating channels or adding deltas shifts the mean magnitude, so
// perturbed passes produce measurable loss deltas.
func (m *Synthetic) tokenLoss(h []float64, tok, pos int) float64 {
	var meanAbs float64
	for _, x := range h {
		meanAbs += math.Abs(x)
	}
	meanAbs /= float64(len(h))
	return 1.5 + 0.5*meanAbs + 0.1*m.unit(componentTagLoss, uint64(tok), uint64(pos))
}

// unit maps the tags to a deterministic value in [-1, 1) via splitmix64.
func (m *Synthetic) unit(tags ...uint64) float64 {
	h := uint64(m.cfg.Seed) ^ 0x9e3779b97f4a7c15
	for _, v := range tags {
		h ^= v + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2)
		h ^= h >> 30
		h *= 0xbf58476d1ce4e5b9
		h ^= h >> 27
		h *= 0x94d049bb133111eb
		h ^= h >> 31
	}
	return float64(int64(h)) / float64(math.MaxInt64)
}
