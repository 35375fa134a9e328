package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			modelFilter, _ := cmd.Flags().GetString("model")

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

			headers, err := st.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if modelFilter != "" {
				filtered := headers[:0]
				for _, h := range headers {
					if h.ModelName == modelFilter {
						filtered = append(filtered, h)
					}
				}
				headers = filtered
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"runs":  headers,
					"count": len(headers),
				})
			}

			if len(headers) == 0 {
				fmt.Println("No runs stored yet.")
				fmt.Println("\nUse 'glassbox run <spec.yaml>' to execute an experiment.")
				return nil
			}

			fmt.Printf("Stored runs (%d):\n\n", len(headers))
			for i, h := range headers {
				fmt.Printf("%d. %s\n", i+1, h.RunID)
				fmt.Printf("   Model:   %s\n", h.ModelName)
				fmt.Printf("   Created: %s\n", h.CreatedAt.Format(time.RFC3339))
				fmt.Printf("   Layers:  %d\n", h.LayerCount)
				if len(h.AdapterIDs) > 0 {
					fmt.Printf("   Adapters: %v\n", h.AdapterIDs)
				}
				if h.Description != "" {
					fmt.Printf("   %s\n", h.Description)
				}
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().String("model", "", "Only list runs of this model")

	return cmd
}
