// Package perturb implements the closed set of activation perturbations:
// identity passthrough, sub-channel ablation, and low-rank adapter deltas.
// Perturbations are deterministic, stateless across invocations, and sit
// on the hot path of every sampled token, so Apply avoids allocation
// wherever the caller permits in-place transformation.
package perturb

import (
	"fmt"
	"math"
	"sort"
)

// Kind is the perturbation variant tag. The set is closed; Apply matches
// it exhaustively.
type Kind uint8

const (
	KindNone Kind = iota
	KindAblate
	KindAdapt
)

// String returns the spec-file spelling of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAblate:
		return "ablate"
	case KindAdapt:
		return "adapt"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Perturbation transforms an in-flight activation vector at a hook point.
// The zero value is the identity passthrough.
type Perturbation struct {
	kind Kind

	// Ablate
	indices   []int // target indices, sorted, deduplicated
	groupSize int   // channels per index: head_dim for heads, 1 for neurons

	// Adapt
	delta []float64
	scale float64
}

// NoOp returns the identity perturbation, used when only capture is wanted.
func NoOp() Perturbation {
	return Perturbation{kind: KindNone}
}

// AblateIndices returns a perturbation that zeroes the sub-channels selected
// by indices. With groupSize > 1 each index selects a contiguous block of
// groupSize channels (an attention head); with groupSize <= 1 each index
// selects a single channel (a neuron).
func AblateIndices(indices []int, groupSize int) Perturbation {
	if groupSize < 1 {
		groupSize = 1
	}
	sorted := make([]int, 0, len(indices))
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if idx < 0 || seen[idx] {
			continue
		}
		seen[idx] = true
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)
	return Perturbation{kind: KindAblate, indices: sorted, groupSize: groupSize}
}

// AdaptDelta returns a perturbation that adds scale*delta to the activation.
// A delta shorter than the activation pads with zeros; a longer one is
// truncated.
func AdaptDelta(delta []float64, scale float64) Perturbation {
	d := make([]float64, len(delta))
	copy(d, delta)
	return Perturbation{kind: KindAdapt, delta: d, scale: scale}
}

// Kind returns the variant tag.
func (p Perturbation) Kind() Kind { return p.kind }

// TargetIndices returns the ablation targets, nil for other kinds.
func (p Perturbation) TargetIndices() []int { return p.indices }

// Apply transforms the activation and returns the resulting vector.
// When dst is nil the transform happens in place on act, which is
// returned with zero allocation; the vector is an in-flight tensor
// being replaced anyway. A non-nil dst receives a copy-then-transform,
// leaving act untouched.
func (p Perturbation) Apply(dst, act []float64) []float64 {
	switch p.kind {
	case KindNone:
		if dst == nil {
			return act
		}
		dst = resize(dst, len(act))
		copy(dst, act)
		return dst

	case KindAblate:
		out := act
		if dst != nil {
			dst = resize(dst, len(act))
			copy(dst, act)
			out = dst
		}
		for _, idx := range p.indices {
			start := idx * p.groupSize
			end := start + p.groupSize
			if start >= len(out) {
				continue
			}
			if end > len(out) {
				end = len(out)
			}
			for i := start; i < end; i++ {
				out[i] = 0
			}
		}
		return out

	case KindAdapt:
		out := act
		if dst != nil {
			dst = resize(dst, len(act))
			copy(dst, act)
			out = dst
		}
		n := len(p.delta)
		if len(out) < n {
			n = len(out)
		}
		for i := 0; i < n; i++ {
			out[i] += p.scale * p.delta[i]
		}
		return out
	}
	// Unreachable: Kind is closed.
	return act
}

// WeightNorm returns the L2 norm of the effective adapter delta
// (scale times delta), 0 for non-adapter perturbations.
func (p Perturbation) WeightNorm() float64 {
	if p.kind != KindAdapt {
		return 0
	}
	var sum float64
	for _, d := range p.delta {
		v := p.scale * d
		sum += v * v
	}
	return math.Sqrt(sum)
}

// String describes the perturbation for logs.
func (p Perturbation) String() string {
	switch p.kind {
	case KindAblate:
		return fmt.Sprintf("ablate(%d targets x%d)", len(p.indices), p.groupSize)
	case KindAdapt:
		return fmt.Sprintf("adapt(dim=%d scale=%g)", len(p.delta), p.scale)
	}
	return "none"
}

func resize(s []float64, n int) []float64 {
	if cap(s) >= n {
		return s[:n]
	}
	return make([]float64, n)
}
