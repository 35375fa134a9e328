package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/glassbox-ml/glassbox/internal/blob"
	"github.com/glassbox-ml/glassbox/internal/config"
	"github.com/glassbox-ml/glassbox/internal/export"
	"github.com/glassbox-ml/glassbox/internal/store"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export a run as JSON or Arrow IPC",
		Long: `Export a stored run for offline analysis.

The json format writes the run summary (to stdout unless --output
names a file). The arrow format copies the per-layer sample artifacts
archived by 'glassbox run --archive-samples' out of the blob store
into a local directory.

Examples:
  glassbox export my-run > my-run.json
  glassbox export my-run --format arrow --output ./samples/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			runID := args[0]

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			root := dataRoot(cmd)
			ctx := context.Background()

			switch format {
			case "json":
				return exportJSON(ctx, cfg, root, runID, output, jsonOut)
			case "arrow":
				return exportArrow(ctx, cfg, root, runID, output, jsonOut)
			default:
				return fmt.Errorf("unknown export format: %s (valid: json, arrow)", format)
			}
		},
	}

	cmd.Flags().String("format", "json", "Export format: json or arrow")
	cmd.Flags().String("output", "", "Output file (json) or directory (arrow)")

	return cmd
}

func exportJSON(ctx context.Context, cfg *config.Config, root, runID, output string, jsonOut bool) error {
	st, err := openRunStore(ctx, cfg, root)
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

	if output == "" {
		return export.WriteSummaryJSON(os.Stdout, summary)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	if err := export.WriteSummaryJSON(f, summary); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"status": "exported",
			"run_id": runID,
			"format": "json",
			"path":   output,
		})
	}
	fmt.Printf("Exported %s to %s\n", runID, output)
	return nil
}

func exportArrow(ctx context.Context, cfg *config.Config, root, runID, output string, jsonOut bool) error {
	bs, err := openBlobStore(ctx, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	if bs == nil {
		return fmt.Errorf("no blob driver configured; arrow export copies artifacts archived by 'glassbox run --archive-samples'")
	}

	infos, err := bs.List(ctx, "runs/"+runID+"/")
	if err != nil {
		return fmt.Errorf("failed to list archived artifacts: %w", err)
	}

	if output == "" {
		output = "."
	}
	if err := os.MkdirAll(output, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var copied []string
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".arrow") {
			continue
		}
		dst := filepath.Join(output, path.Base(info.Key))
		if err := copyArtifact(ctx, bs, info.Key, dst); err != nil {
			return err
		}
		copied = append(copied, dst)
	}
	if len(copied) == 0 {
		return fmt.Errorf("no archived sample artifacts for run %s (run with --archive-samples)", runID)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"status": "exported",
			"run_id": runID,
			"format": "arrow",
			"files":  copied,
		})
	}
	fmt.Printf("Exported %d sample artifacts for %s:\n", len(copied), runID)
	for _, p := range copied {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func copyArtifact(ctx context.Context, bs blob.Store, key, dst string) error {
	rc, err := bs.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
