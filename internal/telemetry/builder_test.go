package telemetry

import (
	"testing"
	"time"
)

func TestBuilderGeneratesRunID(t *testing.T) {
	a := NewBuilder("", "m")
	b := NewBuilder("", "m")

	if a.RunID() == "" {
		t.Fatal("empty run id not replaced")
	}
	if a.RunID() == b.RunID() {
		t.Error("two builders produced the same generated run id")
	}

	c := NewBuilder("fixed-id", "m")
	if c.RunID() != "fixed-id" {
		t.Errorf("RunID() = %q, want the caller's id kept", c.RunID())
	}
}

func TestBuilderPutLayerUpserts(t *testing.T) {
	b := NewBuilder("r1", "m")
	b.PutLayer(LayerTelemetry{LayerIndex: 3, EffectiveRank: 1, ResidualSampleCount: 10})
	b.PutLayer(LayerTelemetry{LayerIndex: 1, EffectiveRank: 1})
	b.PutLayer(LayerTelemetry{LayerIndex: 3, EffectiveRank: 2, ResidualSampleCount: 20})

	s, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if len(s.Layers) != 2 {
		t.Fatalf("got %d layers, want 2 after upsert", len(s.Layers))
	}
	if s.Layers[0].LayerIndex != 1 || s.Layers[1].LayerIndex != 3 {
		t.Errorf("layers not ordered by index: %d, %d", s.Layers[0].LayerIndex, s.Layers[1].LayerIndex)
	}
	if s.Layers[1].ResidualSampleCount != 20 {
		t.Errorf("ResidualSampleCount = %d, want the replayed value 20", s.Layers[1].ResidualSampleCount)
	}
}

func TestBuilderFinishIsRepeatable(t *testing.T) {
	b := NewBuilder("r1", "m")
	b.PutLayer(LayerTelemetry{LayerIndex: 0, EffectiveRank: 1})

	first, err := b.Finish()
	if err != nil {
		t.Fatalf("first Finish() error = %v", err)
	}

	b.PutLayer(LayerTelemetry{LayerIndex: 0, EffectiveRank: 3})
	second, err := b.Finish()
	if err != nil {
		t.Fatalf("second Finish() error = %v", err)
	}

	if first.Layers[0].EffectiveRank != 1 {
		t.Error("earlier Finish() result mutated by later upsert")
	}
	if second.Layers[0].EffectiveRank != 3 {
		t.Errorf("EffectiveRank = %v after re-upsert, want 3", second.Layers[0].EffectiveRank)
	}
}

func TestBuilderAdapterSet(t *testing.T) {
	b := NewBuilder("r1", "m")
	b.AddAdapter("zeta")
	b.AddAdapter("alpha")
	b.AddAdapter("zeta")
	b.AddAdapter("")

	s, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if len(s.AdapterIDs) != 2 {
		t.Fatalf("got %d adapter ids, want 2", len(s.AdapterIDs))
	}
	if s.AdapterIDs[0] != "alpha" || s.AdapterIDs[1] != "zeta" {
		t.Errorf("adapter ids = %v, want sorted [alpha zeta]", s.AdapterIDs)
	}
}

func TestBuilderValidatesOnFinish(t *testing.T) {
	b := NewBuilder("r1", "m")
	b.PutLayer(LayerTelemetry{
		LayerIndex:    0,
		EffectiveRank: 1,
		ResidualModes: []ResidualMode{{ModeIndex: 0, Eigenvalue: -1}},
	})

	if _, err := b.Finish(); err == nil {
		t.Error("Finish() accepted a negative eigenvalue")
	}
}

func TestBuilderSetAlignmentFlagsBelowFloor(t *testing.T) {
	b := NewBuilder("r1", "m")
	b.PutLayer(LayerTelemetry{
		LayerIndex:    0,
		EffectiveRank: 1,
		ResidualModes: []ResidualMode{{ModeIndex: 0, VarianceExplained: 0.5}, {ModeIndex: 1, VarianceExplained: 0.3}},
	})
	b.PutLayer(LayerTelemetry{
		LayerIndex:    2,
		EffectiveRank: 1,
		ResidualModes: []ResidualMode{{ModeIndex: 0, VarianceExplained: 0.9}},
	})

	b.SetAlignment(&AlignmentInfo{
		ModeScores: map[string]float64{"0:0": 0.9, "0:1": 0.2, "2:0": 0.95},
		ModeMap:    map[string]string{"0:0": "0:0", "2:0": "2:0"},
	})

	s, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if s.Alignment == nil {
		t.Fatal("alignment not attached")
	}
	if !s.Layers[0].HasWarning(WarningAlignmentBelowFloor) {
		t.Error("layer 0 missing below-floor warning for its unmapped mode")
	}
	if s.Layers[1].HasWarning(WarningAlignmentBelowFloor) {
		t.Error("layer 2 flagged although all its modes mapped")
	}
}

func TestBuilderTimelineOrdering(t *testing.T) {
	b := NewBuilder("r1", "m")
	now := time.Now().UTC()
	b.AddTimelinePoint(TimelinePoint{Step: 2, LayerIndex: 0, Timestamp: now})
	b.AddTimelinePoint(TimelinePoint{Step: 0, LayerIndex: 1, Timestamp: now})
	b.AddTimelinePoint(TimelinePoint{Step: 0, LayerIndex: 0, Timestamp: now})

	s, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	want := []struct{ step, layer int }{{0, 0}, {0, 1}, {2, 0}}
	for i, w := range want {
		if s.Timeline[i].Step != w.step || s.Timeline[i].LayerIndex != w.layer {
			t.Errorf("timeline[%d] = step %d layer %d, want step %d layer %d",
				i, s.Timeline[i].Step, s.Timeline[i].LayerIndex, w.step, w.layer)
		}
	}
}
