// Package config provides unified configuration loading for glassbox.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config contains all glassbox configuration settings.
type Config struct {
	// Store selects where run summaries persist.
	Store StoreConfig `json:"store" yaml:"store"`

	// Blob selects where run archives and exports go. Empty driver
	// disables archival.
	Blob BlobConfig `json:"blob" yaml:"blob"`

	// Logging contains settings for operational and run event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics configures end-of-run metrics exposition.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// StoreConfig selects the run summary backend.
type StoreConfig struct {
	// Backend is one of "memory", "file", "sqlite", or "postgres".
	Backend string `json:"backend" yaml:"backend"`

	// Root is the directory for the file backend. Empty means
	// <data dir>/runs.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Path is the database file for the sqlite backend. Empty means
	// <data dir>/glassbox.db.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// DSN is the postgres connection string. Supports ${VAR} syntax for
	// environment variables.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// RedactedDSN returns the DSN with most characters masked.
// Shows first 4 and last 4 characters, e.g., "post...able".
// Returns "" for empty DSNs and "(set)" for DSNs shorter than 12 chars.
func (c StoreConfig) RedactedDSN() string {
	if c.DSN == "" {
		return ""
	}
	if len(c.DSN) < 12 {
		return "(set)"
	}
	return c.DSN[:4] + "..." + c.DSN[len(c.DSN)-4:]
}

// BlobConfig selects the archive driver.
type BlobConfig struct {
	// Driver is one of "", "fs", "memory", or "s3". Empty disables
	// archival.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`

	// Root is the directory for the fs driver. Empty means
	// <data dir>/blobs.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Bucket, Region, Endpoint, and PathStyle configure the s3 driver.
	// Endpoint and PathStyle support MinIO-style deployments.
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	PathStyle bool   `json:"path_style,omitempty" yaml:"path_style,omitempty"`
}

// LoggingConfig configures glassbox's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables run event logging to <data dir>/events.jsonl.
	// "trace" additionally includes per-sample detail.
	Level string `json:"level" yaml:"level"`

	// Dir overrides the run event log directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// MetricsConfig configures metrics output.
type MetricsConfig struct {
	// File receives the Prometheus text exposition at end of run. Empty
	// disables the write.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DataDir returns the glassbox data directory, ~/.glassbox when the home
// directory is resolvable and ".glassbox" otherwise.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".glassbox"
	}
	return filepath.Join(home, ".glassbox")
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.glassbox/config.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	configPath := filepath.Join(DataDir(), "config.yaml")
	if _, statErr := os.Stat(configPath); statErr == nil {
		fileConfig, loadErr := LoadFromFile(configPath)
		if loadErr != nil {
			return nil, fmt.Errorf("loading config file: %w", loadErr)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Expand environment variables in the postgres DSN
	config.Store.DSN = expandEnvVars(config.Store.DSN)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "postgres": true}
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("invalid store backend: %s (valid: memory, file, sqlite, postgres)", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store backend postgres requires a dsn")
	}

	validDrivers := map[string]bool{"": true, "fs": true, "memory": true, "s3": true}
	if !validDrivers[c.Blob.Driver] {
		return fmt.Errorf("invalid blob driver: %s (valid: fs, memory, s3, or empty to disable)", c.Blob.Driver)
	}
	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob driver s3 requires a bucket")
	}

	validLevels := map[string]bool{"": true, "info": true, "debug": true, "trace": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("GLASSBOX_STORE_BACKEND"); v != "" {
		config.Store.Backend = v
	}
	if v := os.Getenv("GLASSBOX_STORE_ROOT"); v != "" {
		config.Store.Root = v
	}
	if v := os.Getenv("GLASSBOX_SQLITE_PATH"); v != "" {
		config.Store.Path = v
	}
	if v := os.Getenv("GLASSBOX_POSTGRES_DSN"); v != "" {
		config.Store.DSN = v
	}

	if v := os.Getenv("GLASSBOX_BLOB_DRIVER"); v != "" {
		config.Blob.Driver = v
	}
	if v := os.Getenv("GLASSBOX_BLOB_ROOT"); v != "" {
		config.Blob.Root = v
	}
	if v := os.Getenv("GLASSBOX_BLOB_S3_BUCKET"); v != "" {
		config.Blob.Bucket = v
	}
	if v := os.Getenv("GLASSBOX_BLOB_S3_REGION"); v != "" {
		config.Blob.Region = v
	}
	if v := os.Getenv("GLASSBOX_BLOB_S3_ENDPOINT"); v != "" {
		config.Blob.Endpoint = v
	}
	if v := os.Getenv("GLASSBOX_BLOB_S3_PATH_STYLE"); v != "" {
		config.Blob.PathStyle = v == "true" || v == "1"
	}

	if v := os.Getenv("GLASSBOX_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("GLASSBOX_METRICS_FILE"); v != "" {
		config.Metrics.File = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
