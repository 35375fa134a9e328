package geometry

import (
	"math"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
	"github.com/glassbox-ml/glassbox/internal/vecmath"
)

// DefaultSpanFloor is the minimum absolute cosine for a mode to count
// as persisting into a neighboring layer.
const DefaultSpanFloor = 0.3

// ComputeModeSpans fills span_across_layers on every mode: for each
// adjacent layer in the slice, the strongest absolute cosine between
// the mode's direction and any of that layer's mode directions,
// recorded when it clears floor. Layers must be sorted by ascending
// layer index. floor <= 0 selects DefaultSpanFloor.
func ComputeModeSpans(layers []telemetry.LayerTelemetry, floor float64) {
	if floor <= 0 {
		floor = DefaultSpanFloor
	}
	for i := range layers {
		for m := range layers[i].ResidualModes {
			mode := &layers[i].ResidualModes[m]
			if len(mode.Direction) == 0 {
				continue
			}
			var spans []telemetry.ModeSpan
			for _, j := range []int{i - 1, i + 1} {
				if j < 0 || j >= len(layers) {
					continue
				}
				strength := bestAbsCosine(mode.Direction, layers[j].ResidualModes)
				if strength >= floor {
					spans = append(spans, telemetry.ModeSpan{
						LayerIndex: layers[j].LayerIndex,
						Strength:   clip01(strength),
					})
				}
			}
			mode.SpanAcrossLayers = spans
		}
	}
}

func bestAbsCosine(dir []float64, modes []telemetry.ResidualMode) float64 {
	var best float64
	for _, m := range modes {
		if len(m.Direction) == 0 {
			continue
		}
		if cos := math.Abs(vecmath.CosineSimilarity(dir, m.Direction)); cos > best {
			best = cos
		}
	}
	return best
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
