// Package sampling drives hooked forward passes over a dataset and
// collects per-layer activation buffers under capacity and byte budgets.
package sampling

import (
	"fmt"
	"time"

	"github.com/glassbox-ml/glassbox/internal/hooks"
	"github.com/glassbox-ml/glassbox/internal/perturb"
)

// LayerSpec names one layer to sample and the perturbation to apply
// there during the run.
type LayerSpec struct {
	Layer        int
	AdapterID    string
	Perturbation perturb.Perturbation
}

// Spec configures one sampling run.
//
// Zero values pick defaults: Component defaults to post_norm,
// SamplingRate 0 means keep every token, CapacityPolicy defaults to
// reservoir, and PerLayerCapacity, ByteBudget, MaxSequences,
// MaxTokensPerSequence and MaxDuration are unlimited when zero.
type Spec struct {
	Component hooks.Component
	Layers    []LayerSpec

	SamplingRate     float64
	PerLayerCapacity int
	ByteBudget       int64
	CapacityPolicy   CapacityPolicy

	MaxSequences         int
	MaxTokensPerSequence int
	MaxDuration          time.Duration

	MeasureDeltaLoss bool
	Seed             int64
}

func (s Spec) withDefaults() Spec {
	if s.Component == "" {
		s.Component = hooks.ComponentPostNorm
	}
	if s.SamplingRate == 0 {
		s.SamplingRate = 1
	}
	if s.CapacityPolicy == "" {
		s.CapacityPolicy = PolicyReservoir
	}
	return s
}

// InvalidLayerError reports a requested layer index the model does not
// have. It is returned before any forward pass runs.
type InvalidLayerError struct {
	Layer     int
	NumLayers int
}

func (e *InvalidLayerError) Error() string {
	return fmt.Sprintf("layer %d out of range for model with %d layers", e.Layer, e.NumLayers)
}

// DeltaLossFunc folds the per-token losses of a base pass and a
// perturbed pass over the same batch into one scalar estimate.
type DeltaLossFunc func(base, perturbed []float64) float64

// MeanDeltaLoss is the default pairing strategy: the mean per-token
// loss difference, perturbed minus base.
func MeanDeltaLoss(base, perturbed []float64) float64 {
	n := len(base)
	if len(perturbed) < n {
		n = len(perturbed)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += perturbed[i] - base[i]
	}
	return sum / float64(n)
}
