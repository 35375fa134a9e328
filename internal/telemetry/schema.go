// Package telemetry defines the interchange types produced by a sampling
// run (layer summaries, residual modes, alignment data) and the builder
// that assembles them into an immutable RunSummary.
package telemetry

import (
	"fmt"
	"time"
)

// Warning flags degraded telemetry so consumers can distinguish it from
// absent telemetry. Attached to LayerTelemetry provenance.
type Warning string

const (
	// WarningInsufficientSamples marks a layer that saw fewer samples than
	// requested modes; the mode list is truncated, not erroneous.
	WarningInsufficientSamples Warning = "insufficient_samples"
	// WarningNumericInstability marks a layer where NaN/Inf samples were
	// dropped before decomposition.
	WarningNumericInstability Warning = "numeric_instability"
	// WarningAlignmentBelowFloor marks a mode left unmatched because its
	// best candidate similarity fell below the configured floor.
	WarningAlignmentBelowFloor Warning = "alignment_below_floor"
)

// ModeSpan records how strongly a residual mode expresses in a neighboring
// layer, relative to its home layer.
type ModeSpan struct {
	LayerIndex int     `json:"layer_index" yaml:"layer_index"`
	Strength   float64 `json:"strength" yaml:"strength"` // 0-1 clipped
}

// SemanticRegion is the footprint of a residual mode in token space.
type SemanticRegion struct {
	Label    string    `json:"label" yaml:"label"`
	Centroid []float64 `json:"centroid" yaml:"centroid"`
	Spread   float64   `json:"spread" yaml:"spread"`
	Tokens   []int     `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// ResidualMode is a principal direction of variance in a layer's captured
// activations, ranked by explained variance.
type ResidualMode struct {
	ModeIndex         int     `json:"mode_index" yaml:"mode_index"`
	Eigenvalue        float64 `json:"eigenvalue" yaml:"eigenvalue"`
	VarianceExplained float64 `json:"variance_explained" yaml:"variance_explained"`

	// Direction is the unit eigenvector in the original activation space.
	// Consumed by cross-run alignment; omitted when reconstruction from
	// stored data is not possible.
	Direction []float64 `json:"direction,omitempty" yaml:"direction,omitempty"`

	// ProjectionCoords2D/3D hold one low-dimensional point per token
	// example, projected onto the top modes. 3D pads with zeros when
	// fewer than three modes exist.
	ProjectionCoords2D [][]float64 `json:"projection_coords,omitempty" yaml:"projection_coords,omitempty"`
	ProjectionCoords3D [][]float64 `json:"projection_coords_3d,omitempty" yaml:"projection_coords_3d,omitempty"`

	// TokenExamples are token ids of the samples with the largest
	// absolute projection onto this mode.
	TokenExamples []int `json:"token_examples,omitempty" yaml:"token_examples,omitempty"`

	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	SemanticRegion   *SemanticRegion `json:"semantic_region,omitempty" yaml:"semantic_region,omitempty"`
	SpanAcrossLayers []ModeSpan      `json:"span_across_layers,omitempty" yaml:"span_across_layers,omitempty"`
}

// LayerTelemetry aggregates the geometric summary of one layer's residual
// stream for a single run.
type LayerTelemetry struct {
	LayerIndex int `json:"layer_index" yaml:"layer_index"`

	// AdapterID identifies the perturbation adapter applied at this layer,
	// empty when the layer ran unperturbed.
	AdapterID         string  `json:"adapter_id,omitempty" yaml:"adapter_id,omitempty"`
	AdapterWeightNorm float64 `json:"adapter_weight_norm" yaml:"adapter_weight_norm"`

	// EffectiveRank is the participation ratio of the eigenvalue spectrum,
	// in [1, min(hidden_dim, residual_sample_count)] when samples exist.
	EffectiveRank float64 `json:"effective_rank" yaml:"effective_rank"`

	// DeltaLossEstimate is the mean per-token loss difference between the
	// perturbed and base forward passes, 0 when no paired pass ran.
	DeltaLossEstimate float64 `json:"delta_loss_estimate" yaml:"delta_loss_estimate"`

	ResidualModes       []ResidualMode `json:"residual_modes,omitempty" yaml:"residual_modes,omitempty"`
	ResidualSampleCount int            `json:"residual_sample_count" yaml:"residual_sample_count"`

	// Warnings carry provenance flags for degraded telemetry.
	Warnings []Warning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// TimelinePoint is a scalar trace entry for a layer at a given step.
type TimelinePoint struct {
	Step              int       `json:"step" yaml:"step"`
	Timestamp         time.Time `json:"timestamp" yaml:"timestamp"`
	LayerIndex        int       `json:"layer_index" yaml:"layer_index"`
	AdapterID         string    `json:"adapter_id,omitempty" yaml:"adapter_id,omitempty"`
	AdapterWeightNorm float64   `json:"adapter_weight_norm" yaml:"adapter_weight_norm"`
	EffectiveRank     float64   `json:"effective_rank" yaml:"effective_rank"`
	DeltaLossEstimate float64   `json:"delta_loss_estimate" yaml:"delta_loss_estimate"`
}

// AlignmentInfo records layer and mode correspondences between two runs.
// Map keys for modes use the "layer:mode" form.
type AlignmentInfo struct {
	SourceRunID string `json:"source_run_id" yaml:"source_run_id"`
	TargetRunID string `json:"target_run_id" yaml:"target_run_id"`
	SourceModel string `json:"source_model" yaml:"source_model"`
	TargetModel string `json:"target_model" yaml:"target_model"`

	LayerMap    map[int]int     `json:"layer_map" yaml:"layer_map"`
	LayerScores map[int]float64 `json:"layer_scores" yaml:"layer_scores"`

	ModeMap    map[string]string  `json:"mode_map" yaml:"mode_map"`
	ModeScores map[string]float64 `json:"mode_scores" yaml:"mode_scores"`

	// ResidualVarietyPoints are projection coordinates of modes with no
	// counterpart above the similarity floor, from either run.
	ResidualVarietyPoints [][]float64 `json:"residual_variety_points" yaml:"residual_variety_points"`
	// ExplainedPoints are projection coordinates of matched modes.
	ExplainedPoints [][]float64 `json:"explained_points" yaml:"explained_points"`
}

// RunSummary is the complete telemetry capture for a single run. It is
// immutable once built, except for AlignmentInfo which may be attached
// later when a comparison run becomes available.
type RunSummary struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	ModelName   string    `json:"model_name" yaml:"model_name"`
	AdapterIDs  []string  `json:"adapter_ids" yaml:"adapter_ids"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`

	// Layers are ordered by ascending layer index. The sequence is
	// append-or-refine only: a layer is never removed after creation.
	Layers []LayerTelemetry `json:"layers" yaml:"layers"`

	Timeline []TimelinePoint `json:"timeline,omitempty" yaml:"timeline,omitempty"`

	Alignment *AlignmentInfo `json:"alignment_info,omitempty" yaml:"alignment_info,omitempty"`
}

// RunHeader is a lightweight listing entry for browsing stored runs.
type RunHeader struct {
	RunID            string    `json:"run_id" yaml:"run_id"`
	Description      string    `json:"description,omitempty" yaml:"description,omitempty"`
	ModelName        string    `json:"model_name" yaml:"model_name"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
	AdapterIDs       []string  `json:"adapter_ids,omitempty" yaml:"adapter_ids,omitempty"`
	LayerCount       int       `json:"layer_count" yaml:"layer_count"`
	HasResidualModes bool      `json:"has_residual_modes" yaml:"has_residual_modes"`
}

// Header derives the listing entry for this summary.
func (s *RunSummary) Header() RunHeader {
	h := RunHeader{
		RunID:       s.RunID,
		Description: s.Description,
		ModelName:   s.ModelName,
		CreatedAt:   s.CreatedAt,
		AdapterIDs:  s.AdapterIDs,
		LayerCount:  len(s.Layers),
	}
	for _, l := range s.Layers {
		if len(l.ResidualModes) > 0 {
			h.HasResidualModes = true
			break
		}
	}
	return h
}

// AttachAlignment sets the summary's alignment info and flags every
// layer that has a scored mode left out of the mode map, marking its
// telemetry as degraded by the similarity floor.
func (s *RunSummary) AttachAlignment(info *AlignmentInfo) {
	s.Alignment = info
	if info == nil {
		return
	}
	for i := range s.Layers {
		lt := &s.Layers[i]
		for _, m := range lt.ResidualModes {
			key := fmt.Sprintf("%d:%d", lt.LayerIndex, m.ModeIndex)
			if _, scored := info.ModeScores[key]; !scored {
				continue
			}
			if _, mapped := info.ModeMap[key]; !mapped {
				lt.AddWarning(WarningAlignmentBelowFloor)
				break
			}
		}
	}
}

// Layer returns the telemetry entry for the given layer index, or nil.
func (s *RunSummary) Layer(index int) *LayerTelemetry {
	for i := range s.Layers {
		if s.Layers[i].LayerIndex == index {
			return &s.Layers[i]
		}
	}
	return nil
}

// HasWarning reports whether the layer carries the given provenance flag.
func (lt *LayerTelemetry) HasWarning(w Warning) bool {
	for _, have := range lt.Warnings {
		if have == w {
			return true
		}
	}
	return false
}

// AddWarning attaches a provenance flag, deduplicated.
func (lt *LayerTelemetry) AddWarning(w Warning) {
	if !lt.HasWarning(w) {
		lt.Warnings = append(lt.Warnings, w)
	}
}

const varianceEpsilon = 1e-9

// Validate checks the within-run invariants: layers ordered and unique by
// index, variance_explained non-increasing and summing to at most one per
// layer, effective rank at least one when modes exist.
func (s *RunSummary) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run summary missing run_id")
	}
	prevLayer := -1
	for i := range s.Layers {
		lt := &s.Layers[i]
		if lt.LayerIndex <= prevLayer {
			return fmt.Errorf("layer %d: indices must be strictly ascending (previous %d)", lt.LayerIndex, prevLayer)
		}
		prevLayer = lt.LayerIndex

		var sum float64
		prevVar := 1.0
		for _, m := range lt.ResidualModes {
			if m.Eigenvalue < 0 {
				return fmt.Errorf("layer %d mode %d: negative eigenvalue %g", lt.LayerIndex, m.ModeIndex, m.Eigenvalue)
			}
			if m.VarianceExplained > prevVar+varianceEpsilon {
				return fmt.Errorf("layer %d mode %d: variance_explained not non-increasing", lt.LayerIndex, m.ModeIndex)
			}
			prevVar = m.VarianceExplained
			sum += m.VarianceExplained
		}
		if sum > 1+varianceEpsilon {
			return fmt.Errorf("layer %d: variance_explained sums to %g > 1", lt.LayerIndex, sum)
		}
		if len(lt.ResidualModes) > 0 && lt.EffectiveRank < 1 {
			return fmt.Errorf("layer %d: effective_rank %g < 1 with %d modes", lt.LayerIndex, lt.EffectiveRank, len(lt.ResidualModes))
		}
	}
	return nil
}
