// Package experiment defines the YAML experiment spec: which model to
// instrument, what data to push through it, which layers to capture and
// perturb, and how to reduce and align the result.
package experiment

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glassbox-ml/glassbox/internal/hooks"
)

// SpecError reports a single invalid field in an experiment spec.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid experiment spec: %s: %s", e.Field, e.Reason)
}

// ExperimentSpec is the full description of one run.
type ExperimentSpec struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Model   ModelSpec   `json:"model" yaml:"model"`
	Dataset DatasetSpec `json:"dataset" yaml:"dataset"`
	Capture CaptureSpec `json:"capture" yaml:"capture"`

	Perturbations []PerturbationSpec `json:"perturbations,omitempty" yaml:"perturbations,omitempty"`

	Geometry  GeometrySpec  `json:"geometry" yaml:"geometry"`
	Alignment AlignmentSpec `json:"alignment" yaml:"alignment"`
}

// ModelSpec configures the synthetic transformer under instrumentation.
type ModelSpec struct {
	Name      string `json:"name" yaml:"name"`
	NumLayers int    `json:"num_layers" yaml:"num_layers"`
	HiddenDim int    `json:"hidden_dim" yaml:"hidden_dim"`
	NumHeads  int    `json:"num_heads" yaml:"num_heads"`
	Seed      int64  `json:"seed" yaml:"seed"`
}

// DatasetSpec configures the deterministic token corpus.
type DatasetSpec struct {
	Seed           int64 `json:"seed" yaml:"seed"`
	Sequences      int   `json:"sequences" yaml:"sequences"`
	SequenceLength int   `json:"sequence_length" yaml:"sequence_length"`
	VocabSize      int   `json:"vocab_size" yaml:"vocab_size"`
	BatchSize      int   `json:"batch_size" yaml:"batch_size"`
}

// CaptureSpec configures what the sampling runner collects. Layers and
// LayerRange are mutually exclusive ways to select layers.
type CaptureSpec struct {
	Component  string `json:"component" yaml:"component"`
	Layers     []int  `json:"layers,omitempty" yaml:"layers,omitempty"`
	LayerRange []int  `json:"layer_range,omitempty" yaml:"layer_range,omitempty"`

	SamplingRate     float64 `json:"sampling_rate" yaml:"sampling_rate"`
	PerLayerCapacity int     `json:"per_layer_capacity" yaml:"per_layer_capacity"`
	ByteBudget       int64   `json:"byte_budget,omitempty" yaml:"byte_budget,omitempty"`
	CapacityPolicy   string  `json:"capacity_policy,omitempty" yaml:"capacity_policy,omitempty"`

	MaxSequences         int    `json:"max_sequences,omitempty" yaml:"max_sequences,omitempty"`
	MaxTokensPerSequence int    `json:"max_tokens_per_sequence,omitempty" yaml:"max_tokens_per_sequence,omitempty"`
	MaxDuration          string `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`

	MeasureDeltaLoss bool  `json:"measure_delta_loss,omitempty" yaml:"measure_delta_loss,omitempty"`
	Seed             int64 `json:"seed" yaml:"seed"`
}

// PerturbationSpec configures one perturbation, keyed by layer. Kind
// selects the variant: none, ablate, or adapt.
type PerturbationSpec struct {
	Layer     int    `json:"layer" yaml:"layer"`
	AdapterID string `json:"adapter_id,omitempty" yaml:"adapter_id,omitempty"`
	Kind      string `json:"kind" yaml:"kind"`

	// Ablate: which heads or neurons to zero.
	Granularity   string `json:"granularity,omitempty" yaml:"granularity,omitempty"` // head | neuron
	TargetIndices []int  `json:"target_indices,omitempty" yaml:"target_indices,omitempty"`

	// Adapt: a low-rank delta synthesized from the seed.
	Rank  int     `json:"rank,omitempty" yaml:"rank,omitempty"`
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Seed  int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// GeometrySpec configures the residual geometry reduction.
type GeometrySpec struct {
	Modes         int     `json:"modes" yaml:"modes"`
	TokenExamples int     `json:"token_examples,omitempty" yaml:"token_examples,omitempty"`
	SpanFloor     float64 `json:"span_floor,omitempty" yaml:"span_floor,omitempty"`
}

// AlignmentSpec configures cross-run alignment defaults for this run.
type AlignmentSpec struct {
	Floor    float64 `json:"floor" yaml:"floor"`
	TopModes int     `json:"top_modes,omitempty" yaml:"top_modes,omitempty"`
}

// Default returns an ExperimentSpec with working defaults for the
// synthetic model. Loading a file overlays onto this.
func Default() *ExperimentSpec {
	return &ExperimentSpec{
		Model: ModelSpec{
			Name:      "synthetic-small",
			NumLayers: 8,
			HiddenDim: 64,
			NumHeads:  8,
			Seed:      7,
		},
		Dataset: DatasetSpec{
			Seed:           11,
			Sequences:      64,
			SequenceLength: 32,
			VocabSize:      512,
			BatchSize:      8,
		},
		Capture: CaptureSpec{
			Component:        string(hooks.ComponentPostNorm),
			SamplingRate:     1.0,
			PerLayerCapacity: 4096,
			CapacityPolicy:   "reservoir",
			Seed:             42,
		},
		Geometry: GeometrySpec{
			Modes:         8,
			TokenExamples: 8,
			SpanFloor:     0.3,
		},
		Alignment: AlignmentSpec{
			Floor: 0.5,
		},
	}
}

// Load reads and validates an experiment spec file.
func Load(path string) (*ExperimentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading experiment spec: %w", err)
	}
	spec := Default()
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parsing experiment spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// ResolvedLayers returns the selected layer indices, sorted and
// deduplicated, from either the explicit list or the range form.
func (s *ExperimentSpec) ResolvedLayers() []int {
	if len(s.Capture.Layers) > 0 {
		seen := make(map[int]bool, len(s.Capture.Layers))
		var out []int
		for _, l := range s.Capture.Layers {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
		sort.Ints(out)
		return out
	}
	if len(s.Capture.LayerRange) == 2 {
		lo, hi := s.Capture.LayerRange[0], s.Capture.LayerRange[1]
		if lo > hi {
			return nil
		}
		out := make([]int, 0, hi-lo+1)
		for l := lo; l <= hi; l++ {
			out = append(out, l)
		}
		return out
	}
	return nil
}

// Validate checks every field the materialization step will consume.
func (s *ExperimentSpec) Validate() error {
	if s.ID == "" {
		return &SpecError{Field: "id", Reason: "required"}
	}

	if s.Model.NumLayers < 1 {
		return &SpecError{Field: "model.num_layers", Reason: "must be at least 1"}
	}
	if s.Model.HiddenDim < 1 {
		return &SpecError{Field: "model.hidden_dim", Reason: "must be at least 1"}
	}
	if s.Model.NumHeads < 1 {
		return &SpecError{Field: "model.num_heads", Reason: "must be at least 1"}
	}
	if s.Model.HiddenDim%s.Model.NumHeads != 0 {
		return &SpecError{Field: "model.hidden_dim", Reason: fmt.Sprintf("must be divisible by num_heads (%d %% %d != 0)", s.Model.HiddenDim, s.Model.NumHeads)}
	}

	if s.Dataset.Sequences < 0 {
		return &SpecError{Field: "dataset.sequences", Reason: "must be non-negative"}
	}
	if s.Dataset.Sequences > 0 && s.Dataset.SequenceLength < 1 {
		return &SpecError{Field: "dataset.sequence_length", Reason: "must be at least 1"}
	}
	if s.Dataset.VocabSize < 1 {
		return &SpecError{Field: "dataset.vocab_size", Reason: "must be at least 1"}
	}
	if s.Dataset.BatchSize < 1 {
		return &SpecError{Field: "dataset.batch_size", Reason: "must be at least 1"}
	}

	if _, err := hooks.ParseComponent(s.Capture.Component); err != nil {
		return &SpecError{Field: "capture.component", Reason: err.Error()}
	}
	if len(s.Capture.Layers) > 0 && len(s.Capture.LayerRange) > 0 {
		return &SpecError{Field: "capture.layers", Reason: "layers and layer_range are mutually exclusive"}
	}
	if len(s.Capture.LayerRange) > 0 && len(s.Capture.LayerRange) != 2 {
		return &SpecError{Field: "capture.layer_range", Reason: "must be [low, high]"}
	}
	layers := s.ResolvedLayers()
	if len(layers) == 0 {
		return &SpecError{Field: "capture.layers", Reason: "no layers selected"}
	}
	for _, l := range layers {
		if l < 0 || l >= s.Model.NumLayers {
			return &SpecError{Field: "capture.layers", Reason: fmt.Sprintf("layer %d out of range for %d-layer model", l, s.Model.NumLayers)}
		}
	}
	if s.Capture.SamplingRate <= 0 || s.Capture.SamplingRate > 1 {
		return &SpecError{Field: "capture.sampling_rate", Reason: fmt.Sprintf("must be in (0, 1], got %g", s.Capture.SamplingRate)}
	}
	validPolicies := map[string]bool{"": true, "reservoir": true, "drop": true}
	if !validPolicies[s.Capture.CapacityPolicy] {
		return &SpecError{Field: "capture.capacity_policy", Reason: fmt.Sprintf("unknown policy %q (valid: reservoir, drop)", s.Capture.CapacityPolicy)}
	}
	if s.Capture.MaxDuration != "" {
		if _, err := time.ParseDuration(s.Capture.MaxDuration); err != nil {
			return &SpecError{Field: "capture.max_duration", Reason: err.Error()}
		}
	}

	selected := make(map[int]bool, len(layers))
	for _, l := range layers {
		selected[l] = true
	}
	validKinds := map[string]bool{"none": true, "ablate": true, "adapt": true}
	validGranularity := map[string]bool{"": true, "head": true, "neuron": true}
	perturbed := make(map[int]bool, len(s.Perturbations))
	for i, p := range s.Perturbations {
		field := fmt.Sprintf("perturbations[%d]", i)
		if !validKinds[p.Kind] {
			return &SpecError{Field: field + ".kind", Reason: fmt.Sprintf("unknown kind %q (valid: none, ablate, adapt)", p.Kind)}
		}
		if !selected[p.Layer] {
			return &SpecError{Field: field + ".layer", Reason: fmt.Sprintf("layer %d is not in the capture set", p.Layer)}
		}
		if perturbed[p.Layer] {
			return &SpecError{Field: field + ".layer", Reason: fmt.Sprintf("layer %d has more than one perturbation", p.Layer)}
		}
		perturbed[p.Layer] = true

		switch p.Kind {
		case "ablate":
			if len(p.TargetIndices) == 0 {
				return &SpecError{Field: field + ".target_indices", Reason: "required for ablate"}
			}
			if !validGranularity[p.Granularity] {
				return &SpecError{Field: field + ".granularity", Reason: fmt.Sprintf("unknown granularity %q (valid: head, neuron)", p.Granularity)}
			}
		case "adapt":
			if p.Rank < 1 {
				return &SpecError{Field: field + ".rank", Reason: "must be at least 1 for adapt"}
			}
		}
	}

	if s.Geometry.Modes < 0 {
		return &SpecError{Field: "geometry.modes", Reason: "must be non-negative"}
	}
	if s.Geometry.SpanFloor < 0 || s.Geometry.SpanFloor > 1 {
		return &SpecError{Field: "geometry.span_floor", Reason: "must be in [0, 1]"}
	}
	if s.Alignment.Floor < 0 || s.Alignment.Floor > 1 {
		return &SpecError{Field: "alignment.floor", Reason: "must be in [0, 1]"}
	}
	return nil
}
