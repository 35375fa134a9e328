package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glassbox-ml/glassbox/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage glassbox configuration",
		Long: `View and modify glassbox configuration settings.

Configuration is stored in ~/.glassbox/config.yaml.

Examples:
  glassbox config list                       # Show all settings
  glassbox config get store.backend          # Get a specific setting
  glassbox config set store.backend sqlite   # Set a setting
  glassbox config set store.dsn $GLASSBOX_POSTGRES_DSN`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if jsonOut {
				// Redact the DSN before serialization.
				redacted := *cfg
				redacted.Store.DSN = cfg.Store.RedactedDSN()
				return json.NewEncoder(os.Stdout).Encode(redacted)
			}

			fmt.Println("Configuration (~/.glassbox/config.yaml):")
			fmt.Println()
			fmt.Println("Store Settings:")
			fmt.Printf("  store.backend:    %s\n", cfg.Store.Backend)
			fmt.Printf("  store.root:       %s\n", valueOrDefault(cfg.Store.Root, "(default)"))
			fmt.Printf("  store.path:       %s\n", valueOrDefault(cfg.Store.Path, "(default)"))
			fmt.Printf("  store.dsn:        %s\n", valueOrDefault(cfg.Store.RedactedDSN(), "(not set)"))
			fmt.Println()
			fmt.Println("Blob Settings:")
			fmt.Printf("  blob.driver:      %s\n", valueOrDefault(cfg.Blob.Driver, "(disabled)"))
			fmt.Printf("  blob.root:        %s\n", valueOrDefault(cfg.Blob.Root, "(default)"))
			fmt.Printf("  blob.bucket:      %s\n", valueOrDefault(cfg.Blob.Bucket, "(not set)"))
			fmt.Printf("  blob.region:      %s\n", valueOrDefault(cfg.Blob.Region, "(default)"))
			fmt.Printf("  blob.endpoint:    %s\n", valueOrDefault(cfg.Blob.Endpoint, "(default)"))
			fmt.Printf("  blob.path_style:  %v\n", cfg.Blob.PathStyle)
			fmt.Println()
			fmt.Println("Logging Settings:")
			fmt.Printf("  logging.level:    %s\n", cfg.Logging.Level)
			fmt.Printf("  logging.dir:      %s\n", valueOrDefault(cfg.Logging.Dir, "(default)"))
			fmt.Println()
			fmt.Println("Metrics Settings:")
			fmt.Printf("  metrics.file:     %s\n", valueOrDefault(cfg.Metrics.File, "(disabled)"))

			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			value, found := getConfigValue(cfg, key)
			if !found {
				if jsonOut {
					json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
						"error": "key not found",
						"key":   key,
					})
				} else {
					fmt.Printf("Unknown configuration key: %s\n", key)
				}
				return nil
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"key":   key,
					"value": value,
				})
			}
			fmt.Printf("%s = %v\n", key, value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]
			value := args[1]

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if err := setConfigValue(cfg, key, value); err != nil {
				if jsonOut {
					json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
						"error": err.Error(),
						"key":   key,
					})
				} else {
					fmt.Printf("Error: %v\n", err)
				}
				return nil
			}

			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"status": "updated",
					"key":    key,
				})
			}
			fmt.Printf("Set %s = %s\n", key, value)
			return nil
		},
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (interface{}, bool) {
	switch key {
	case "store.backend":
		return cfg.Store.Backend, true
	case "store.root":
		return cfg.Store.Root, true
	case "store.path":
		return cfg.Store.Path, true
	case "store.dsn":
		return cfg.Store.RedactedDSN(), true
	case "blob.driver":
		return cfg.Blob.Driver, true
	case "blob.root":
		return cfg.Blob.Root, true
	case "blob.bucket":
		return cfg.Blob.Bucket, true
	case "blob.region":
		return cfg.Blob.Region, true
	case "blob.endpoint":
		return cfg.Blob.Endpoint, true
	case "blob.path_style":
		return cfg.Blob.PathStyle, true
	case "logging.level":
		return cfg.Logging.Level, true
	case "logging.dir":
		return cfg.Logging.Dir, true
	case "metrics.file":
		return cfg.Metrics.File, true
	default:
		return nil, false
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch key {
	case "store.backend":
		validBackends := map[string]bool{"memory": true, "file": true, "sqlite": true, "postgres": true}
		if !validBackends[value] {
			return fmt.Errorf("invalid backend: %s (valid: memory, file, sqlite, postgres)", value)
		}
		cfg.Store.Backend = value
	case "store.root":
		cfg.Store.Root = value
	case "store.path":
		cfg.Store.Path = value
	case "store.dsn":
		cfg.Store.DSN = value
	case "blob.driver":
		validDrivers := map[string]bool{"": true, "fs": true, "memory": true, "s3": true}
		if !validDrivers[value] {
			return fmt.Errorf("invalid driver: %s (valid: fs, memory, s3, or empty)", value)
		}
		cfg.Blob.Driver = value
	case "blob.root":
		cfg.Blob.Root = value
	case "blob.bucket":
		cfg.Blob.Bucket = value
	case "blob.region":
		cfg.Blob.Region = value
	case "blob.endpoint":
		cfg.Blob.Endpoint = value
	case "blob.path_style":
		cfg.Blob.PathStyle = value == "true" || value == "1"
	case "logging.level":
		validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
		if !validLevels[value] {
			return fmt.Errorf("invalid level: %s (valid: info, debug, trace)", value)
		}
		cfg.Logging.Level = value
	case "logging.dir":
		cfg.Logging.Dir = value
	case "metrics.file":
		cfg.Metrics.File = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

// saveConfig writes the configuration to ~/.glassbox/config.yaml.
func saveConfig(cfg *config.Config) error {
	dir := config.DataDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// valueOrDefault returns the value if non-empty, otherwise the default.
func valueOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}
