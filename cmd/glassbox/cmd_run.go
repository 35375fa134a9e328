package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/glassbox-ml/glassbox/internal/blob"
	"github.com/glassbox-ml/glassbox/internal/config"
	"github.com/glassbox-ml/glassbox/internal/experiment"
	"github.com/glassbox-ml/glassbox/internal/export"
	"github.com/glassbox-ml/glassbox/internal/geometry"
	"github.com/glassbox-ml/glassbox/internal/logging"
	"github.com/glassbox-ml/glassbox/internal/metrics"
	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/sampling"
	"github.com/glassbox-ml/glassbox/internal/telemetry"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Execute an experiment spec and store its telemetry",
		Long: `Run a sampling experiment described by a YAML spec file.

The run builds the synthetic model and dataset the spec names, streams
batches through hooked forward passes, reduces each captured layer to
residual-mode geometry, and stores the resulting summary. Interrupting
the run keeps the partial results collected so far.

Example:
  glassbox run experiment.yaml --description "ablate head 0 at layer 2"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath := args[0]
			jsonOut, _ := cmd.Flags().GetBool("json")
			runID, _ := cmd.Flags().GetString("run-id")
			description, _ := cmd.Flags().GetString("description")
			archiveSamples, _ := cmd.Flags().GetBool("archive-samples")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			root := dataRoot(cmd)

			logger := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			events := logging.NewRunLogger(eventLogDir(cfg, root), cfg.Logging.Level)
			defer events.Close()
			runMetrics := metrics.New()

			exp, err := experiment.Load(specPath)
			if err != nil {
				return fmt.Errorf("failed to load experiment spec: %w", err)
			}
			spec, err := exp.SamplingSpec()
			if err != nil {
				return fmt.Errorf("failed to materialize sampling spec: %w", err)
			}
			if description == "" {
				description = exp.Description
			}

			m := model.NewSynthetic(exp.ModelConfig())
			data := exp.BuildDataset()

			builder := telemetry.NewBuilder(runID, m.Name())
			builder.SetDescription(description)

			logger.Info("starting experiment",
				"experiment", exp.ID,
				"run_id", builder.RunID(),
				"model", m.Name(),
				"layers", len(spec.Layers))

			// Interrupt cancels the sampling run but not persistence, so
			// a partial run still lands in the store.
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			notifySignals(sigCh)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-runCtx.Done():
				}
			}()

			start := time.Now()
			runner := sampling.NewRunner(m, sampling.RunnerConfig{
				Logger:  logger,
				Events:  events,
				Metrics: runMetrics,
			})
			result, err := runner.Run(runCtx, spec, data)
			if err != nil {
				return fmt.Errorf("sampling run failed: %w", err)
			}

			reducer := geometry.NewReducer(geometry.ReducerConfig{
				Logger:        logger,
				Events:        events,
				Metrics:       runMetrics,
				TokenExamples: exp.Geometry.TokenExamples,
			})

			byLayer := make(map[int]sampling.LayerSpec, len(spec.Layers))
			for _, ls := range spec.Layers {
				byLayer[ls.Layer] = ls
				builder.AddAdapter(ls.AdapterID)
			}

			layers := make([]int, 0, len(result.Buffers))
			for l := range result.Buffers {
				layers = append(layers, l)
			}
			sort.Ints(layers)

			reduced := make([]telemetry.LayerTelemetry, 0, len(layers))
			for _, l := range layers {
				lt := reducer.Reduce(result.Buffers[l], exp.Geometry.Modes)
				if ls, ok := byLayer[l]; ok {
					lt.AdapterID = ls.AdapterID
					lt.AdapterWeightNorm = ls.Perturbation.WeightNorm()
				}
				lt.DeltaLossEstimate = result.DeltaLoss[l]
				reduced = append(reduced, lt)
			}
			geometry.ComputeModeSpans(reduced, exp.Geometry.SpanFloor)

			now := time.Now().UTC()
			for _, lt := range reduced {
				builder.PutLayer(lt)
				builder.AddTimelinePoint(telemetry.TimelinePoint{
					Step:              result.Steps,
					Timestamp:         now,
					LayerIndex:        lt.LayerIndex,
					AdapterID:         lt.AdapterID,
					AdapterWeightNorm: lt.AdapterWeightNorm,
					EffectiveRank:     lt.EffectiveRank,
					DeltaLossEstimate: lt.DeltaLossEstimate,
				})
			}

			summary, err := builder.Finish()
			if err != nil {
				return fmt.Errorf("failed to assemble run summary: %w", err)
			}
			elapsed := time.Since(start)

			ctx := context.Background()
			st, err := openRunStore(ctx, cfg, root)
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer st.Close()
			if err := st.Upsert(ctx, summary); err != nil {
				return fmt.Errorf("failed to store run: %w", err)
			}

			archived, err := archiveRun(ctx, cfg, root, summary, result, archiveSamples)
			if err != nil {
				return err
			}

			if cfg.Metrics.File != "" {
				if err := writeMetricsFile(cfg.Metrics.File, runMetrics); err != nil {
					return err
				}
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"run_id":           summary.RunID,
					"model":            summary.ModelName,
					"layers":           len(summary.Layers),
					"steps":            result.Steps,
					"sequences":        result.Sequences,
					"tokens_seen":      result.TokensSeen,
					"tokens_kept":      result.TokensKept,
					"evictions":        result.Evictions,
					"truncated":        result.Truncated,
					"archived":         archived,
					"duration_seconds": elapsed.Seconds(),
				})
			}

			fmt.Printf("Run complete: %s\n", summary.RunID)
			fmt.Printf("  Model:     %s\n", summary.ModelName)
			fmt.Printf("  Steps:     %d (%d sequences)\n", result.Steps, result.Sequences)
			fmt.Printf("  Tokens:    %d seen, %d kept\n", result.TokensSeen, result.TokensKept)
			if result.Evictions > 0 {
				fmt.Printf("  Evictions: %d\n", result.Evictions)
			}
			fmt.Printf("  Duration:  %s\n", elapsed.Round(time.Millisecond))
			if result.Truncated {
				fmt.Println("  Note: run was interrupted; telemetry covers the partial run")
			}
			fmt.Println()

			if len(summary.Layers) == 0 {
				fmt.Println("No layers captured (empty dataset).")
				return nil
			}

			fmt.Printf("Layers (%d):\n", len(summary.Layers))
			for _, lt := range summary.Layers {
				line := fmt.Sprintf("  L%-3d rank %.2f  modes %d  samples %d",
					lt.LayerIndex, lt.EffectiveRank, len(lt.ResidualModes), lt.ResidualSampleCount)
				if lt.AdapterID != "" {
					line += fmt.Sprintf("  adapter %s  delta_loss %+.4f", lt.AdapterID, lt.DeltaLossEstimate)
				}
				if len(lt.Warnings) > 0 {
					line += fmt.Sprintf("  warnings %v", lt.Warnings)
				}
				fmt.Println(line)
			}
			if archived {
				fmt.Printf("\nArchived to %s blob store.\n", cfg.Blob.Driver)
			}

			return nil
		},
	}

	cmd.Flags().String("run-id", "", "Run id to store under (default: generated UUID)")
	cmd.Flags().String("description", "", "Run description (default: spec description)")
	cmd.Flags().Bool("archive-samples", false, "Archive per-layer sample buffers as Arrow IPC artifacts")

	return cmd
}

// archiveRun writes the run summary, and optionally the raw per-layer
// sample buffers, to the configured blob store. Reports whether
// anything was archived; a disabled blob driver archives nothing
// without error.
func archiveRun(ctx context.Context, cfg *config.Config, root string,
	summary *telemetry.RunSummary, result *sampling.Result, samples bool) (bool, error) {

	bs, err := openBlobStore(ctx, cfg, root)
	if err != nil {
		return false, fmt.Errorf("failed to open blob store: %w", err)
	}
	if bs == nil {
		return false, nil
	}

	if _, err := blob.Archive(ctx, bs, summary); err != nil {
		return false, fmt.Errorf("failed to archive run summary: %w", err)
	}
	if !samples {
		return true, nil
	}

	layers := make([]int, 0, len(result.Buffers))
	for l := range result.Buffers {
		layers = append(layers, l)
	}
	sort.Ints(layers)
	for _, l := range layers {
		buf := result.Buffers[l]
		if buf.Len() == 0 {
			continue
		}
		var ipc bytes.Buffer
		if err := export.WriteArrow(&ipc, summary.RunID, buf); err != nil {
			return false, fmt.Errorf("failed to encode layer %d samples: %w", l, err)
		}
		name := fmt.Sprintf("layer-%d.arrow", l)
		if _, err := blob.ArchiveArtifact(ctx, bs, summary.RunID, name, &ipc); err != nil {
			return false, fmt.Errorf("failed to archive layer %d samples: %w", l, err)
		}
	}
	return true, nil
}

// writeMetricsFile writes the Prometheus text exposition to path.
func writeMetricsFile(path string, m *metrics.RunMetrics) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer f.Close()
	if err := m.WriteText(f); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
