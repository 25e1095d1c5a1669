// Package config provides unified configuration for the stratum tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Diagnostics controls log verbosity.
type Diagnostics string

const (
	DiagnosticsQuiet   Diagnostics = "quiet"
	DiagnosticsVerbose Diagnostics = "verbose"
)

// Config holds the unified configuration for the stratum tools.
type Config struct {
	// DataDir is the database root directory
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Diagnostics selects log verbosity: quiet, verbose
	Diagnostics Diagnostics `json:"diagnostics" yaml:"diagnostics"`

	// WAL configuration
	WAL WALConfig `json:"wal" yaml:"wal"`

	// Mount configuration
	Mount MountConfig `json:"mount" yaml:"mount"`

	// Storage configuration for the optional segment archive
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// WALConfig holds write-ahead log configuration.
type WALConfig struct {
	// MaxSegmentBytes is the WAL segment rotation threshold
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`
}

// MountConfig holds filesystem mount configuration.
type MountConfig struct {
	// MaxWorkers bounds concurrent filesystem requests per session
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`

	// Debug enables FUSE protocol tracing
	Debug bool `json:"debug" yaml:"debug"`
}

// StorageConfig holds archive storage configuration.
type StorageConfig struct {
	// Enabled controls whether sealed segments are mirrored to an archive
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the archive type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is the object key prefix for archived segments
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "./data/stratum",
		Diagnostics: DiagnosticsQuiet,
		WAL: WALConfig{
			MaxSegmentBytes: 64 * 1024 * 1024,
		},
		Mount: MountConfig{
			MaxWorkers: 16,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/stratum"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "segments/"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Diagnostics {
	case DiagnosticsQuiet, DiagnosticsVerbose:
	default:
		return fmt.Errorf("invalid diagnostics level: %s (must be quiet or verbose)", c.Diagnostics)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Enabled && c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.WAL.MaxSegmentBytes < 0 {
		return fmt.Errorf("wal.max_segment_bytes must not be negative, got %d", c.WAL.MaxSegmentBytes)
	}
	if c.Mount.MaxWorkers < 0 {
		return fmt.Errorf("mount.max_workers must not be negative, got %d", c.Mount.MaxWorkers)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the STRATUM_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STRATUM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STRATUM_DIAGNOSTICS"); v != "" {
		cfg.Diagnostics = Diagnostics(v)
	}

	if v := os.Getenv("STRATUM_WAL_MAX_SEGMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.WAL.MaxSegmentBytes = n
		}
	}

	if v := os.Getenv("STRATUM_MOUNT_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Mount.MaxWorkers = n
		}
	}
	if v := os.Getenv("STRATUM_MOUNT_DEBUG"); v != "" {
		cfg.Mount.Debug = v == "true" || v == "1"
	}

	if v := os.Getenv("STRATUM_STORAGE_ENABLED"); v != "" {
		cfg.Storage.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("STRATUM_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STRATUM_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STRATUM_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STRATUM_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("STRATUM_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}
