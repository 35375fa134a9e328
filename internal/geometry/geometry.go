// Package geometry reduces sampled activation buffers to per-layer
// residual-mode telemetry: principal directions of variance, explained
// variance ratios, and the effective rank of the layer's activation
// spectrum.
package geometry

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/glassbox-ml/glassbox/internal/logging"
	"github.com/glassbox-ml/glassbox/internal/metrics"
	"github.com/glassbox-ml/glassbox/internal/sampling"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
	"github.com/glassbox-ml/glassbox/internal/vecmath"
)

const (
	defaultTokenExamples = 8
	entropyEpsilon       = 1e-12
)

// ReducerConfig carries the reducer's collaborators. All fields are
// optional.
type ReducerConfig struct {
	Logger  *slog.Logger
	Events  *logging.RunLogger
	Metrics *metrics.RunMetrics

	// TokenExamples caps how many example tokens each mode records.
	TokenExamples int
}

// Reducer turns sample buffers into LayerTelemetry.
type Reducer struct {
	log           *slog.Logger
	events        *logging.RunLogger
	metrics       *metrics.RunMetrics
	tokenExamples int
}

// NewReducer creates a reducer.
func NewReducer(cfg ReducerConfig) *Reducer {
	r := &Reducer{
		log:           cfg.Logger,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		tokenExamples: cfg.TokenExamples,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.tokenExamples <= 0 {
		r.tokenExamples = defaultTokenExamples
	}
	return r
}

// Reduce decomposes the buffer's centered samples into principal modes
// and returns the layer's telemetry. requested caps the mode count; 0
// or negative means as many as the data supports. Degraded inputs
// never fail: non-finite samples are dropped with a numeric
// instability warning, and too few samples truncate the mode list with
// an insufficient samples warning. Two samples still yield one mode.
func (r *Reducer) Reduce(buf *sampling.SampleBuffer, requested int) telemetry.LayerTelemetry {
	start := time.Now()
	defer func() {
		r.metrics.ObserveReduceSeconds(time.Since(start).Seconds())
	}()

	lt := telemetry.LayerTelemetry{LayerIndex: buf.Layer(), EffectiveRank: 1}

	all := buf.Samples()
	clean := make([]sampling.Sample, 0, len(all))
	for _, s := range all {
		if vecmath.IsFinite(s.Vector) {
			clean = append(clean, s)
		}
	}
	if dropped := len(all) - len(clean); dropped > 0 {
		lt.AddWarning(telemetry.WarningNumericInstability)
		r.log.Warn("dropped non-finite samples before decomposition",
			"layer", buf.Layer(), "dropped", dropped)
		r.events.Log(map[string]any{
			"event":   "numeric_instability",
			"layer":   buf.Layer(),
			"dropped": dropped,
		})
	}

	n := len(clean)
	lt.ResidualSampleCount = n
	if n < 2 {
		lt.AddWarning(telemetry.WarningInsufficientSamples)
		r.log.Debug("not enough samples for decomposition", "layer", buf.Layer(), "samples", n)
		return lt
	}

	dim := len(clean[0].Vector)
	if requested <= 0 {
		requested = dim
	}
	keep := requested
	if keep > dim {
		keep = dim
	}
	if keep > n-1 {
		keep = n - 1
		lt.AddWarning(telemetry.WarningInsufficientSamples)
		r.events.Log(map[string]any{
			"event":     "insufficient_samples",
			"layer":     buf.Layer(),
			"samples":   n,
			"requested": requested,
			"delivered": keep,
		})
	}

	vectors := make([][]float64, n)
	for i := range clean {
		vectors[i] = clean[i].Vector
	}
	mean := vecmath.Mean(vectors)
	centered := make([][]float64, n)
	for i, v := range vectors {
		c := make([]float64, dim)
		for d := range c {
			c[d] = v[d] - mean[d]
		}
		centered[i] = c
	}

	values, dirs := symmetricEigen(covariance(centered))
	order := rankOrder(values)

	var total float64
	for _, v := range values {
		if v > 0 {
			total += v
		}
	}
	lt.EffectiveRank = effectiveRank(values, total, n)

	// Scores on the leading directions give every mode its place in the
	// shared projection plane.
	axes := keep
	if axes > 3 {
		axes = 3
	}
	axisScores := make([][]float64, axes)
	for a := 0; a < axes; a++ {
		dir := canonical(dirs[order[a]])
		axisScores[a] = make([]float64, n)
		for i, c := range centered {
			axisScores[a][i] = vecmath.Dot(c, dir)
		}
	}

	modes := make([]telemetry.ResidualMode, 0, keep)
	for j := 0; j < keep; j++ {
		idx := order[j]
		ev := values[idx]
		if ev < 0 {
			ev = 0
		}
		varRatio := 0.0
		if total > 0 {
			varRatio = ev / total
		}

		dir := canonical(dirs[idx])
		scores := make([]float64, n)
		for i, c := range centered {
			scores[i] = vecmath.Dot(c, dir)
		}
		examples := topByMagnitude(scores, r.tokenExamples)

		tokens := make([]int, len(examples))
		coords2 := make([][]float64, len(examples))
		coords3 := make([][]float64, len(examples))
		for e, si := range examples {
			tokens[e] = clean[si].TokenID
			coords2[e] = []float64{axisScore(axisScores, 0, si), axisScore(axisScores, 1, si)}
			coords3[e] = []float64{
				axisScore(axisScores, 0, si),
				axisScore(axisScores, 1, si),
				axisScore(axisScores, 2, si),
			}
		}

		modes = append(modes, telemetry.ResidualMode{
			ModeIndex:          j,
			Eigenvalue:         ev,
			VarianceExplained:  varRatio,
			Direction:          dir,
			ProjectionCoords2D: coords2,
			ProjectionCoords3D: coords3,
			TokenExamples:      tokens,
			SemanticRegion:     regionOf(coords2, tokens),
		})
	}
	lt.ResidualModes = modes

	r.log.Debug("layer reduced",
		"layer", buf.Layer(),
		"samples", n,
		"modes", len(modes),
		"effective_rank", lt.EffectiveRank)
	return lt
}

// effectiveRank is the exponential of the Shannon entropy of the
// normalized eigenvalue spectrum, clamped to [1, min(dim, samples)].
func effectiveRank(values []float64, total float64, n int) float64 {
	if total <= 0 {
		return 1
	}
	var entropy float64
	for _, v := range values {
		if v <= 0 {
			continue
		}
		p := v / total
		entropy -= p * math.Log(p+entropyEpsilon)
	}
	rank := math.Exp(entropy)
	if rank < 1 {
		rank = 1
	}
	if ceil := float64(min(len(values), n)); rank > ceil {
		rank = ceil
	}
	return rank
}

// covariance computes the sample covariance of pre-centered rows.
func covariance(centered [][]float64) [][]float64 {
	n := len(centered)
	dim := len(centered[0])
	cov := make([][]float64, dim)
	for a := range cov {
		cov[a] = make([]float64, dim)
	}
	for _, row := range centered {
		for a := 0; a < dim; a++ {
			ra := row[a]
			for b := a; b < dim; b++ {
				cov[a][b] += ra * row[b]
			}
		}
	}
	norm := 1 / float64(n-1)
	for a := 0; a < dim; a++ {
		for b := a; b < dim; b++ {
			cov[a][b] *= norm
			cov[b][a] = cov[a][b]
		}
	}
	return cov
}

// rankOrder returns eigenvalue indices sorted by value descending, ties
// by lower index.
func rankOrder(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		if values[order[x]] != values[order[y]] {
			return values[order[x]] > values[order[y]]
		}
		return order[x] < order[y]
	})
	return order
}

// canonical fixes the eigenvector's arbitrary sign: the entry with the
// largest magnitude is made positive. Returns a copy.
func canonical(dir []float64) []float64 {
	out := make([]float64, len(dir))
	copy(out, dir)
	maxAbs, sign := 0.0, 1.0
	for _, v := range out {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
			if v < 0 {
				sign = -1
			} else {
				sign = 1
			}
		}
	}
	if sign < 0 {
		for i := range out {
			out[i] = -out[i]
		}
	}
	return out
}

// topByMagnitude returns the indices of the k largest |scores|, ties by
// lower index.
func topByMagnitude(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		ax, ay := math.Abs(scores[idx[x]]), math.Abs(scores[idx[y]])
		if ax != ay {
			return ax > ay
		}
		return idx[x] < idx[y]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

func axisScore(axisScores [][]float64, axis, sample int) float64 {
	if axis >= len(axisScores) {
		return 0
	}
	return axisScores[axis][sample]
}

// regionOf summarizes the example tokens' footprint in the projection
// plane: centroid plus mean distance from it.
func regionOf(coords2 [][]float64, tokens []int) *telemetry.SemanticRegion {
	if len(coords2) == 0 {
		return nil
	}
	centroid := vecmath.Mean(coords2)
	var spread float64
	for _, p := range coords2 {
		dx := p[0] - centroid[0]
		dy := p[1] - centroid[1]
		spread += math.Sqrt(dx*dx + dy*dy)
	}
	spread /= float64(len(coords2))
	return &telemetry.SemanticRegion{
		Centroid: centroid,
		Spread:   spread,
		Tokens:   tokens,
	}
}
