// Package simulation provides a multi-run test harness for validating
// end-to-end dynamics of the telemetry pipeline.
//
// The simulation exercises the real Synthetic model, sampling Runner,
// geometry Reducer, telemetry Builder, SQLiteRunStore, and alignment
// Engine, with no mocks. Scenarios are Go builders that describe a
// capture configuration and a list of runs to execute against it,
// capturing run summaries for property-based assertions.
//
// Each test gets an isolated SQLite database via t.TempDir() and a
// sandboxed HOME to prevent touching user data.
//
// Usage:
//
//	func TestAblationSilencesChannels(t *testing.T) {
//	    r := simulation.NewRunner(t)
//	    result := r.Run(simulation.Scenario{
//	        Name:   "head-ablation",
//	        Layers: []int{0, 3},
//	        Runs: []simulation.RunSpec{
//	            {ID: "baseline"},
//	            {ID: "ablated", Perturbations: []simulation.LayerPerturbation{...}},
//	        },
//	    })
//	    simulation.AssertEffectiveRankAtMost(t, result, 1, 3, 16)
//	}
package simulation
