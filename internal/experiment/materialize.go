package experiment

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/glassbox-ml/glassbox/internal/dataset"
	"github.com/glassbox-ml/glassbox/internal/hooks"
	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/perturb"
	"github.com/glassbox-ml/glassbox/internal/sampling"
)

// ModelConfig maps the spec's model block onto the synthetic model config.
func (s *ExperimentSpec) ModelConfig() model.Config {
	return model.Config{
		Name:      s.Model.Name,
		NumLayers: s.Model.NumLayers,
		HiddenDim: s.Model.HiddenDim,
		NumHeads:  s.Model.NumHeads,
		Seed:      s.Model.Seed,
	}
}

// BuildDataset materializes the deterministic token corpus.
func (s *ExperimentSpec) BuildDataset() *dataset.InMemory {
	d := s.Dataset
	return dataset.SyntheticCorpus(d.Seed, d.Sequences, d.SequenceLength, d.VocabSize, d.BatchSize)
}

// SamplingSpec materializes the capture and perturbation blocks into the
// runner's spec. Call Validate first; this assumes a valid spec.
func (s *ExperimentSpec) SamplingSpec() (sampling.Spec, error) {
	comp, err := hooks.ParseComponent(s.Capture.Component)
	if err != nil {
		return sampling.Spec{}, &SpecError{Field: "capture.component", Reason: err.Error()}
	}

	byLayer := make(map[int]PerturbationSpec, len(s.Perturbations))
	for _, p := range s.Perturbations {
		byLayer[p.Layer] = p
	}

	headDim := s.Model.HiddenDim / s.Model.NumHeads
	var layers []sampling.LayerSpec
	for _, l := range s.ResolvedLayers() {
		ls := sampling.LayerSpec{Layer: l, Perturbation: perturb.NoOp()}
		if p, ok := byLayer[l]; ok {
			ls.AdapterID = p.AdapterID
			if ls.AdapterID == "" && p.Kind != "none" {
				ls.AdapterID = fmt.Sprintf("%s-l%d", p.Kind, l)
			}
			built, err := p.build(s.Model.HiddenDim, headDim)
			if err != nil {
				return sampling.Spec{}, err
			}
			ls.Perturbation = built
		}
		layers = append(layers, ls)
	}

	var maxDur time.Duration
	if s.Capture.MaxDuration != "" {
		maxDur, err = time.ParseDuration(s.Capture.MaxDuration)
		if err != nil {
			return sampling.Spec{}, &SpecError{Field: "capture.max_duration", Reason: err.Error()}
		}
	}

	return sampling.Spec{
		Component:            comp,
		Layers:               layers,
		SamplingRate:         s.Capture.SamplingRate,
		PerLayerCapacity:     s.Capture.PerLayerCapacity,
		ByteBudget:           s.Capture.ByteBudget,
		CapacityPolicy:       sampling.CapacityPolicy(s.Capture.CapacityPolicy),
		MaxSequences:         s.Capture.MaxSequences,
		MaxTokensPerSequence: s.Capture.MaxTokensPerSequence,
		MaxDuration:          maxDur,
		MeasureDeltaLoss:     s.Capture.MeasureDeltaLoss,
		Seed:                 s.Capture.Seed,
	}, nil
}

func (p PerturbationSpec) build(hiddenDim, headDim int) (perturb.Perturbation, error) {
	switch p.Kind {
	case "", "none":
		return perturb.NoOp(), nil
	case "ablate":
		groupSize := headDim
		if p.Granularity == "neuron" {
			groupSize = 1
		}
		return perturb.AblateIndices(p.TargetIndices, groupSize), nil
	case "adapt":
		return perturb.AdaptDelta(lowRankDelta(hiddenDim, p.Rank, p.Seed), p.Scale), nil
	}
	return perturb.Perturbation{}, &SpecError{Field: "perturbations.kind", Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
}

// lowRankDelta synthesizes a deterministic delta as the mean of rank
// random unit directions, so higher ranks spread the perturbation over
// more of the activation space.
func lowRankDelta(dim, rank int, seed int64) []float64 {
	if rank < 1 {
		rank = 1
	}
	rng := rand.New(rand.NewSource(seed))
	delta := make([]float64, dim)
	for k := 0; k < rank; k++ {
		dir := make([]float64, dim)
		var norm float64
		for i := range dir {
			dir[i] = rng.NormFloat64()
			norm += dir[i] * dir[i]
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}
		for i := range dir {
			delta[i] += dir[i] / norm
		}
	}
	for i := range delta {
		delta[i] /= float64(rank)
	}
	return delta
}
