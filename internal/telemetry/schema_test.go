package telemetry

import (
	"encoding/json"
	"testing"
)

func TestRunSummaryValidate(t *testing.T) {
	valid := RunSummary{
		RunID: "r1",
		Layers: []LayerTelemetry{
			{LayerIndex: 0, EffectiveRank: 2.5, ResidualModes: []ResidualMode{
				{ModeIndex: 0, Eigenvalue: 3, VarianceExplained: 0.6},
				{ModeIndex: 1, Eigenvalue: 1, VarianceExplained: 0.4},
			}},
			{LayerIndex: 4, EffectiveRank: 1},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() = %v on a valid summary", err)
	}

	cases := []struct {
		name   string
		mutate func(*RunSummary)
	}{
		{"missing run id", func(s *RunSummary) { s.RunID = "" }},
		{"duplicate layer", func(s *RunSummary) { s.Layers[1].LayerIndex = 0 }},
		{"descending layers", func(s *RunSummary) { s.Layers[1].LayerIndex = -1 }},
		{"negative eigenvalue", func(s *RunSummary) { s.Layers[0].ResidualModes[0].Eigenvalue = -0.1 }},
		{"variance increases", func(s *RunSummary) { s.Layers[0].ResidualModes[1].VarianceExplained = 0.9 }},
		{"variance sum above one", func(s *RunSummary) {
			s.Layers[0].ResidualModes[0].VarianceExplained = 0.8
			s.Layers[0].ResidualModes[1].VarianceExplained = 0.7
		}},
		{"rank below one with modes", func(s *RunSummary) { s.Layers[0].EffectiveRank = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid
			s.Layers = make([]LayerTelemetry, len(valid.Layers))
			copy(s.Layers, valid.Layers)
			for i := range s.Layers {
				s.Layers[i].ResidualModes = append([]ResidualMode(nil), valid.Layers[i].ResidualModes...)
			}
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() accepted an invalid summary")
			}
		})
	}
}

func TestRunSummaryHeader(t *testing.T) {
	s := RunSummary{
		RunID:      "r1",
		ModelName:  "m",
		AdapterIDs: []string{"a"},
		Layers: []LayerTelemetry{
			{LayerIndex: 0},
			{LayerIndex: 1, ResidualModes: []ResidualMode{{ModeIndex: 0}}},
		},
	}

	h := s.Header()
	if h.RunID != "r1" || h.ModelName != "m" || h.LayerCount != 2 {
		t.Errorf("Header() = %+v", h)
	}
	if !h.HasResidualModes {
		t.Error("HasResidualModes = false with a mode present")
	}

	s.Layers[1].ResidualModes = nil
	if s.Header().HasResidualModes {
		t.Error("HasResidualModes = true with no modes")
	}
}

func TestRunSummaryLayerLookup(t *testing.T) {
	s := RunSummary{Layers: []LayerTelemetry{{LayerIndex: 2}, {LayerIndex: 5}}}

	if got := s.Layer(5); got == nil || got.LayerIndex != 5 {
		t.Errorf("Layer(5) = %v", got)
	}
	if got := s.Layer(3); got != nil {
		t.Errorf("Layer(3) = %v, want nil", got)
	}

	// The pointer aliases the summary so callers can refine in place.
	s.Layer(2).EffectiveRank = 7
	if s.Layers[0].EffectiveRank != 7 {
		t.Error("Layer() returned a copy instead of an alias")
	}
}

func TestLayerWarningDedupe(t *testing.T) {
	var lt LayerTelemetry
	lt.AddWarning(WarningInsufficientSamples)
	lt.AddWarning(WarningInsufficientSamples)
	lt.AddWarning(WarningNumericInstability)

	if len(lt.Warnings) != 2 {
		t.Errorf("got %d warnings, want 2", len(lt.Warnings))
	}
	if !lt.HasWarning(WarningInsufficientSamples) || !lt.HasWarning(WarningNumericInstability) {
		t.Error("warnings lost")
	}
	if lt.HasWarning(WarningAlignmentBelowFloor) {
		t.Error("HasWarning reports a flag that was never added")
	}
}

func TestRunSummaryJSONFieldNames(t *testing.T) {
	s := RunSummary{
		RunID:     "r1",
		ModelName: "m",
		Layers: []LayerTelemetry{{
			LayerIndex:    0,
			EffectiveRank: 1,
			ResidualModes: []ResidualMode{{ModeIndex: 0, VarianceExplained: 0.5}},
		}},
		Alignment: &AlignmentInfo{SourceModel: "m", TargetModel: "m"},
	}

	data, err := json.Marshal(&s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"run_id", "model_name", "layers", "alignment_info"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("serialized summary missing %q", key)
		}
	}
	layer := raw["layers"].([]any)[0].(map[string]any)
	for _, key := range []string{"layer_index", "effective_rank", "residual_modes", "residual_sample_count"} {
		if _, ok := layer[key]; !ok {
			t.Errorf("serialized layer missing %q", key)
		}
	}
}
