package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	config := Default()

	if config.Store.Backend != "file" {
		t.Errorf("expected Store.Backend 'file', got '%s'", config.Store.Backend)
	}
	if config.Blob.Driver != "" {
		t.Errorf("expected empty Blob.Driver, got '%s'", config.Blob.Driver)
	}
	if config.Logging.Level != "info" {
		t.Errorf("expected Logging.Level 'info', got '%s'", config.Logging.Level)
	}
	if config.Metrics.File != "" {
		t.Errorf("expected empty Metrics.File, got '%s'", config.Metrics.File)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
store:
  backend: sqlite
  path: /tmp/glassbox-test.db

blob:
  driver: s3
  bucket: glassbox-runs
  region: eu-west-1
  endpoint: http://localhost:9000
  path_style: true

logging:
  level: debug

metrics:
  file: /tmp/metrics.prom
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Store.Backend != "sqlite" {
		t.Errorf("expected Backend 'sqlite', got '%s'", config.Store.Backend)
	}
	if config.Store.Path != "/tmp/glassbox-test.db" {
		t.Errorf("expected Path '/tmp/glassbox-test.db', got '%s'", config.Store.Path)
	}
	if config.Blob.Driver != "s3" {
		t.Errorf("expected Driver 's3', got '%s'", config.Blob.Driver)
	}
	if config.Blob.Bucket != "glassbox-runs" {
		t.Errorf("expected Bucket 'glassbox-runs', got '%s'", config.Blob.Bucket)
	}
	if !config.Blob.PathStyle {
		t.Error("expected PathStyle to be true")
	}
	if config.Logging.Level != "debug" {
		t.Errorf("expected Logging.Level 'debug', got '%s'", config.Logging.Level)
	}
	if config.Metrics.File != "/tmp/metrics.prom" {
		t.Errorf("expected Metrics.File '/tmp/metrics.prom', got '%s'", config.Metrics.File)
	}
}

func TestLoadFromFile_EnvExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
store:
  backend: postgres
  dsn: ${TEST_PG_DSN}
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	os.Setenv("TEST_PG_DSN", "postgres://localhost:5432/glassbox")
	defer os.Unsetenv("TEST_PG_DSN")

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.Store.DSN != "postgres://localhost:5432/glassbox" {
		t.Errorf("expected expanded DSN, got '%s'", config.Store.DSN)
	}
}

func TestEnvOverrides(t *testing.T) {
	origBackend := os.Getenv("GLASSBOX_STORE_BACKEND")
	origDriver := os.Getenv("GLASSBOX_BLOB_DRIVER")
	origBucket := os.Getenv("GLASSBOX_BLOB_S3_BUCKET")
	origPathStyle := os.Getenv("GLASSBOX_BLOB_S3_PATH_STYLE")
	defer func() {
		os.Setenv("GLASSBOX_STORE_BACKEND", origBackend)
		os.Setenv("GLASSBOX_BLOB_DRIVER", origDriver)
		os.Setenv("GLASSBOX_BLOB_S3_BUCKET", origBucket)
		os.Setenv("GLASSBOX_BLOB_S3_PATH_STYLE", origPathStyle)
	}()

	os.Setenv("GLASSBOX_STORE_BACKEND", "memory")
	os.Setenv("GLASSBOX_BLOB_DRIVER", "s3")
	os.Setenv("GLASSBOX_BLOB_S3_BUCKET", "from-env")
	os.Setenv("GLASSBOX_BLOB_S3_PATH_STYLE", "1")

	config := Default()
	applyEnvOverrides(config)

	if config.Store.Backend != "memory" {
		t.Errorf("expected Backend 'memory', got '%s'", config.Store.Backend)
	}
	if config.Blob.Driver != "s3" {
		t.Errorf("expected Driver 's3', got '%s'", config.Blob.Driver)
	}
	if config.Blob.Bucket != "from-env" {
		t.Errorf("expected Bucket 'from-env', got '%s'", config.Blob.Bucket)
	}
	if !config.Blob.PathStyle {
		t.Error("expected PathStyle to be true")
	}
}

func TestEnvOverrides_LogLevel(t *testing.T) {
	origLogLevel := os.Getenv("GLASSBOX_LOG_LEVEL")
	defer os.Setenv("GLASSBOX_LOG_LEVEL", origLogLevel)

	os.Setenv("GLASSBOX_LOG_LEVEL", "trace")

	config := Default()
	applyEnvOverrides(config)

	if config.Logging.Level != "trace" {
		t.Errorf("expected Logging.Level 'trace', got '%s'", config.Logging.Level)
	}
}

func TestValidate_Valid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_InvalidBackend(t *testing.T) {
	config := Default()
	config.Store.Backend = "redis"
	if err := config.Validate(); err == nil {
		t.Error("expected validation error for invalid backend")
	}
}

func TestValidate_ValidBackends(t *testing.T) {
	validBackends := []string{"", "memory", "file", "sqlite"}

	for _, backend := range validBackends {
		t.Run(backend, func(t *testing.T) {
			config := Default()
			config.Store.Backend = backend
			if err := config.Validate(); err != nil {
				t.Errorf("expected backend '%s' to be valid, got error: %v", backend, err)
			}
		})
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	config := Default()
	config.Store.Backend = "postgres"
	if err := config.Validate(); err == nil {
		t.Error("expected validation error for postgres without dsn")
	}

	config.Store.DSN = "postgres://localhost:5432/glassbox"
	if err := config.Validate(); err != nil {
		t.Errorf("expected valid config with dsn, got error: %v", err)
	}
}

func TestValidate_S3RequiresBucket(t *testing.T) {
	config := Default()
	config.Blob.Driver = "s3"
	if err := config.Validate(); err == nil {
		t.Error("expected validation error for s3 without bucket")
	}

	config.Blob.Bucket = "glassbox-runs"
	if err := config.Validate(); err != nil {
		t.Errorf("expected valid config with bucket, got error: %v", err)
	}
}

func TestValidate_InvalidBlobDriver(t *testing.T) {
	config := Default()
	config.Blob.Driver = "ftp"
	if err := config.Validate(); err == nil {
		t.Error("expected validation error for invalid blob driver")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	config := Default()
	config.Logging.Level = "verbose"
	if err := config.Validate(); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}

func TestValidate_ValidLogLevels(t *testing.T) {
	validLevels := []string{"", "info", "debug", "trace"}

	for _, level := range validLevels {
		t.Run(level, func(t *testing.T) {
			config := Default()
			config.Logging.Level = level
			if err := config.Validate(); err != nil {
				t.Errorf("expected log level '%s' to be valid, got error: %v", level, err)
			}
		})
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
store:
  backend: [invalid yaml
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}
