package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/glassbox-ml/glassbox/internal/alignment"
	"github.com/glassbox-ml/glassbox/internal/logging"
	"github.com/glassbox-ml/glassbox/internal/store"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
	"github.com/spf13/cobra"
)

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <run-a> <run-b>",
		Short: "Align the layers and residual modes of two runs",
		Long: `Compare two stored runs by matching their layers and residual modes.

Runs of the same model pair layers by index; runs of different models
pair greedily by telemetry similarity. Modes with no counterpart above
the similarity floor are reported as residual variety rather than
dropped. With --save the alignment is attached to the first run and
stored.

Example:
  glassbox compare baseline-run ablated-run --save`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			floor, _ := cmd.Flags().GetFloat64("floor")
			topModes, _ := cmd.Flags().GetInt("top-modes")
			save, _ := cmd.Flags().GetBool("save")

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

			src, err := loadRun(ctx, st, args[0], jsonOut)
			if err != nil || src == nil {
				return err
			}
			dst, err := loadRun(ctx, st, args[1], jsonOut)
			if err != nil || dst == nil {
				return err
			}

			logger := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			engine := alignment.NewEngine(alignment.Options{
				SimilarityFloor: floor,
				TopModes:        topModes,
				Logger:          logger,
			})
			info, err := engine.Align(src, dst)
			if err != nil {
				return fmt.Errorf("failed to align runs: %w", err)
			}

			if save {
				src.AttachAlignment(info)
				if err := st.Upsert(ctx, src); err != nil {
					return fmt.Errorf("failed to store alignment: %w", err)
				}
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"source":    src.RunID,
					"target":    dst.RunID,
					"alignment": info,
					"saved":     save,
				})
			}

			printAlignment(src, dst, info)
			if save {
				fmt.Printf("\nAlignment attached to %s.\n", src.RunID)
			}
			return nil
		},
	}

	cmd.Flags().Float64("floor", alignment.DefaultSimilarityFloor, "Minimum mode similarity for a match")
	cmd.Flags().Int("top-modes", 0, "Leading modes per layer to match (0 = all)")
	cmd.Flags().Bool("save", false, "Attach the alignment to the first run and store it")

	return cmd
}

// loadRun fetches a summary, printing a friendly message for unknown
// run ids. Both return values nil means not found and already reported.
func loadRun(ctx context.Context, st store.RunStore, runID string, jsonOut bool) (*telemetry.RunSummary, error) {
	summary, err := st.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"error":  "run not found",
					"run_id": runID,
				})
			} else {
				fmt.Printf("Run not found: %s\n", runID)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return summary, nil
}

func printAlignment(src, dst *telemetry.RunSummary, info *telemetry.AlignmentInfo) {
	fmt.Printf("Comparing %s (%s) -> %s (%s)\n\n", src.RunID, src.ModelName, dst.RunID, dst.ModelName)

	if len(info.LayerMap) == 0 {
		fmt.Println("No layers matched.")
	} else {
		srcLayers := make([]int, 0, len(info.LayerMap))
		for l := range info.LayerMap {
			srcLayers = append(srcLayers, l)
		}
		sort.Ints(srcLayers)

		fmt.Printf("Layer map (%d):\n", len(info.LayerMap))
		for _, l := range srcLayers {
			fmt.Printf("  L%d -> L%d  (score %.3f)\n", l, info.LayerMap[l], info.LayerScores[l])
		}
	}

	matched := 0
	belowFloor := 0
	for i := range src.Layers {
		lt := &src.Layers[i]
		for _, m := range lt.ResidualModes {
			key := alignment.ModeKey(lt.LayerIndex, m.ModeIndex)
			if _, scored := info.ModeScores[key]; !scored {
				continue
			}
			if to, ok := info.ModeMap[key]; ok {
				if matched == 0 {
					fmt.Printf("\nMode map (%d):\n", len(info.ModeMap))
				}
				matched++
				fmt.Printf("  %s -> %s  (score %.3f)\n", key, to, info.ModeScores[key])
			} else {
				belowFloor++
			}
		}
	}

	fmt.Println()
	if belowFloor > 0 {
		fmt.Printf("Source modes below floor: %d\n", belowFloor)
	}
	fmt.Printf("Residual variety points: %d\n", len(info.ResidualVarietyPoints))
	fmt.Printf("Explained points:        %d\n", len(info.ExplainedPoints))
}
