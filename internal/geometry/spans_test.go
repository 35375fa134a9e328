package geometry

import (
	"math"
	"testing"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
)

func layerWithDirections(index int, dirs ...[]float64) telemetry.LayerTelemetry {
	lt := telemetry.LayerTelemetry{LayerIndex: index}
	for i, d := range dirs {
		lt.ResidualModes = append(lt.ResidualModes, telemetry.ResidualMode{ModeIndex: i, Direction: d})
	}
	return lt
}

func TestComputeModeSpansSharedDirection(t *testing.T) {
	layers := []telemetry.LayerTelemetry{
		layerWithDirections(0, []float64{1, 0, 0}),
		layerWithDirections(1, []float64{1, 0, 0}, []float64{0, 1, 0}),
		layerWithDirections(2, []float64{0, 0, 1}),
	}

	ComputeModeSpans(layers, 0)

	spans := layers[0].ResidualModes[0].SpanAcrossLayers
	if len(spans) != 1 {
		t.Fatalf("layer 0 mode 0: got %d spans, want 1", len(spans))
	}
	if spans[0].LayerIndex != 1 {
		t.Errorf("span points at layer %d, want 1", spans[0].LayerIndex)
	}
	if math.Abs(spans[0].Strength-1) > 1e-9 {
		t.Errorf("span strength = %v, want 1", spans[0].Strength)
	}

	// Layer 1's first mode persists backward into layer 0, and its
	// second mode matches nothing on either side.
	first := layers[1].ResidualModes[0].SpanAcrossLayers
	if len(first) != 1 || first[0].LayerIndex != 0 {
		t.Errorf("layer 1 mode 0 spans = %+v, want one span into layer 0", first)
	}
	if second := layers[1].ResidualModes[1].SpanAcrossLayers; len(second) != 0 {
		t.Errorf("layer 1 mode 1 spans = %+v, want none for an orthogonal direction", second)
	}
}

func TestComputeModeSpansOppositeSignCounts(t *testing.T) {
	layers := []telemetry.LayerTelemetry{
		layerWithDirections(3, []float64{0, 1}),
		layerWithDirections(4, []float64{0, -1}),
	}

	ComputeModeSpans(layers, 0)

	spans := layers[0].ResidualModes[0].SpanAcrossLayers
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1; sign must not matter", len(spans))
	}
	if math.Abs(spans[0].Strength-1) > 1e-9 {
		t.Errorf("span strength = %v, want 1", spans[0].Strength)
	}
}

func TestComputeModeSpansRespectsFloor(t *testing.T) {
	nearly := []float64{math.Cos(0.2), math.Sin(0.2)}
	layers := []telemetry.LayerTelemetry{
		layerWithDirections(0, []float64{1, 0}),
		layerWithDirections(1, nearly),
	}

	ComputeModeSpans(layers, 0.999)
	if spans := layers[0].ResidualModes[0].SpanAcrossLayers; len(spans) != 0 {
		t.Errorf("got %d spans above floor 0.999, want 0", len(spans))
	}

	ComputeModeSpans(layers, 0.9)
	if spans := layers[0].ResidualModes[0].SpanAcrossLayers; len(spans) != 1 {
		t.Errorf("got %d spans above floor 0.9, want 1", len(spans))
	}
}
