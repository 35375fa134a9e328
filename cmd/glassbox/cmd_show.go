package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glassbox-ml/glassbox/internal/store"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the telemetry of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			maxModes, _ := cmd.Flags().GetInt("modes")
			runID := args[0]

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openRunStore(ctx, cfg, dataRoot(cmd))
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer st.Close()

			summary, err := st.Get(ctx, runID)
			if err != nil {
				if errors.Is(err, store.ErrRunNotFound) {
					if jsonOut {
						json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
							"error":  "run not found",
							"run_id": runID,
						})
						return nil
					}
					fmt.Printf("Run not found: %s\n", runID)
					return nil
				}
				return fmt.Errorf("failed to load run: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(summary)
			}

			printSummary(summary, maxModes)
			return nil
		},
	}

	cmd.Flags().Int("modes", 3, "Residual modes to print per layer (0 = all)")

	return cmd
}

func printSummary(s *telemetry.RunSummary, maxModes int) {
	fmt.Printf("Run: %s\n", s.RunID)
	fmt.Printf("Model: %s\n", s.ModelName)
	fmt.Printf("Created: %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.Description != "" {
		fmt.Printf("Description: %s\n", s.Description)
	}
	if len(s.AdapterIDs) > 0 {
		fmt.Printf("Adapters: %v\n", s.AdapterIDs)
	}
	fmt.Println()

	if len(s.Layers) == 0 {
		fmt.Println("No layer telemetry recorded.")
		return
	}

	fmt.Printf("Layers (%d):\n\n", len(s.Layers))
	for _, lt := range s.Layers {
		fmt.Printf("Layer %d:\n", lt.LayerIndex)
		fmt.Printf("  Effective rank: %.3f\n", lt.EffectiveRank)
		fmt.Printf("  Samples:        %d\n", lt.ResidualSampleCount)
		if lt.AdapterID != "" {
			fmt.Printf("  Adapter:        %s (weight norm %.4f)\n", lt.AdapterID, lt.AdapterWeightNorm)
			fmt.Printf("  Delta loss:     %+.4f\n", lt.DeltaLossEstimate)
		}
		if len(lt.Warnings) > 0 {
			fmt.Printf("  Warnings:       %v\n", lt.Warnings)
		}

		modes := lt.ResidualModes
		shown := len(modes)
		if maxModes > 0 && shown > maxModes {
			shown = maxModes
		}
		for _, m := range modes[:shown] {
			fmt.Printf("  Mode %d: eigenvalue %.4f, variance %.1f%%",
				m.ModeIndex, m.Eigenvalue, m.VarianceExplained*100)
			if len(m.SpanAcrossLayers) > 0 {
				fmt.Printf(", spans %d layers", len(m.SpanAcrossLayers))
			}
			fmt.Println()
		}
		if shown < len(modes) {
			fmt.Printf("  ... %d more modes\n", len(modes)-shown)
		}
		fmt.Println()
	}

	if s.Alignment != nil {
		a := s.Alignment
		fmt.Printf("Alignment against %s (%s):\n", a.TargetRunID, a.TargetModel)
		fmt.Printf("  Layers matched: %d\n", len(a.LayerMap))
		fmt.Printf("  Modes matched:  %d\n", len(a.ModeMap))
		fmt.Printf("  Variety points: %d\n", len(a.ResidualVarietyPoints))
	}
}
