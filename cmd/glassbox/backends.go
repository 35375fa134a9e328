package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/glassbox-ml/glassbox/internal/blob"
	"github.com/glassbox-ml/glassbox/internal/config"
	"github.com/glassbox-ml/glassbox/internal/store"
	"github.com/spf13/cobra"
)

// loadConfig loads the effective configuration: defaults, then the
// config file and environment, then command-line flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if backend, _ := cmd.Flags().GetString("store"); backend != "" {
		cfg.Store.Backend = backend
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dataRoot resolves the directory that holds runs, databases, blobs,
// and event logs: the --root flag when given, ~/.glassbox otherwise.
func dataRoot(cmd *cobra.Command) string {
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		return root
	}
	return config.DataDir()
}

// openRunStore opens the configured run summary backend. Paths left
// empty in the config resolve under root.
func openRunStore(ctx context.Context, cfg *config.Config, root string) (store.RunStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewInMemoryRunStore(), nil
	case "file":
		dir := cfg.Store.Root
		if dir == "" {
			dir = filepath.Join(root, "runs")
		}
		return store.NewFileRunStore(dir)
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(root, "glassbox.db")
		}
		return store.NewSQLiteRunStore(path)
	case "postgres":
		return store.NewPostgresRunStore(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

// openBlobStore opens the configured archive driver. An empty driver
// disables archival; the caller gets nil, nil and should skip it.
func openBlobStore(ctx context.Context, cfg *config.Config, root string) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "":
		return nil, nil
	case "fs":
		dir := cfg.Blob.Root
		if dir == "" {
			dir = filepath.Join(root, "blobs")
		}
		return blob.NewFilesystemStore(dir)
	case "memory":
		return blob.NewMemoryStore(), nil
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			Endpoint:  cfg.Blob.Endpoint,
			PathStyle: cfg.Blob.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver: %s", cfg.Blob.Driver)
	}
}

// eventLogDir resolves where run-event JSONL traces go.
func eventLogDir(cfg *config.Config, root string) string {
	if cfg.Logging.Dir != "" {
		return cfg.Logging.Dir
	}
	return root
}
