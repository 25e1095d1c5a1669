package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, DiagnosticsQuiet, cfg.Diagnostics)
	assert.Equal(t, int64(64*1024*1024), cfg.WAL.MaxSegmentBytes)
	assert.Equal(t, 16, cfg.Mount.MaxWorkers)
	assert.Equal(t, "local", cfg.Storage.Type)
}

func TestResolve_DerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/srv/stratum"
	cfg.Resolve()

	assert.Equal(t, filepath.Join("/srv/stratum", "archive"), cfg.Storage.Path)
	assert.Equal(t, "segments/", cfg.Storage.Prefix)
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/stratum
diagnostics: verbose
wal:
  max_segment_bytes: 1048576
mount:
  max_workers: 4
  debug: true
storage:
  enabled: true
  type: s3
  s3:
    bucket: stratum-archive
    region: eu-west-1
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "/var/lib/stratum", cfg.DataDir)
	assert.Equal(t, DiagnosticsVerbose, cfg.Diagnostics)
	assert.Equal(t, int64(1048576), cfg.WAL.MaxSegmentBytes)
	assert.Equal(t, 4, cfg.Mount.MaxWorkers)
	assert.True(t, cfg.Mount.Debug)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "stratum-archive", cfg.Storage.S3.Bucket)

	cfg.Resolve()
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"data_dir": "/tmp/s", "mount": {"max_workers": 8}}`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/s", cfg.DataDir)
	assert.Equal(t, 8, cfg.Mount.MaxWorkers)
	// Untouched fields keep defaults.
	assert.Equal(t, DiagnosticsQuiet, cfg.Diagnostics)
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	assert.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("STRATUM_DATA_DIR", "/env/data")
	t.Setenv("STRATUM_DIAGNOSTICS", "verbose")
	t.Setenv("STRATUM_WAL_MAX_SEGMENT_BYTES", "2048")
	t.Setenv("STRATUM_MOUNT_MAX_WORKERS", "3")
	t.Setenv("STRATUM_MOUNT_DEBUG", "1")
	t.Setenv("STRATUM_STORAGE_TYPE", "s3")
	t.Setenv("STRATUM_S3_BUCKET", "env-bucket")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "/env/data", cfg.DataDir)
	assert.Equal(t, DiagnosticsVerbose, cfg.Diagnostics)
	assert.Equal(t, int64(2048), cfg.WAL.MaxSegmentBytes)
	assert.Equal(t, 3, cfg.Mount.MaxWorkers)
	assert.True(t, cfg.Mount.Debug)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "env-bucket", cfg.Storage.S3.Bucket)
}

func TestValidate_Rejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Diagnostics = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Type = "gcs"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Enabled = true
	cfg.Storage.Type = "s3"
	assert.Error(t, cfg.Validate(), "s3 without a bucket must be rejected")

	cfg = DefaultConfig()
	cfg.Mount.MaxWorkers = -1
	assert.Error(t, cfg.Validate())
}
