package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, "always", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, int64(32*1024*1024), cfg.Engine.WAL.MaxSegmentSizeBytes)
	assert.Equal(t, int64(64*1024*1024), cfg.Engine.Cache.CapacityBytes)
	assert.Equal(t, "snappy", cfg.Engine.ChunkCompression)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_OverridesMergeWithDefaults(t *testing.T) {
	yaml := `
engine:
  data_dir: /var/lib/sessionvault
  wal:
    sync_mode: interval
    max_segment_size_bytes: 1048576
  cache:
    capacity_bytes: 1024
  cas:
    compression: zstd
logging:
  level: debug
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sessionvault", cfg.Engine.DataDir)
	assert.Equal(t, "interval", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, int64(1048576), cfg.Engine.WAL.MaxSegmentSizeBytes)
	assert.Equal(t, int64(1024), cfg.Engine.Cache.CapacityBytes)
	assert.Equal(t, "zstd", cfg.Engine.CAS.Compression)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "250ms", cfg.Engine.Queue.FlushInterval)
	assert.Equal(t, "snappy", cfg.Engine.ChunkCompression)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad sync mode", "engine:\n  wal:\n    sync_mode: sometimes\n"},
		{"bad chunk compression", "engine:\n  chunk_compression: brotli\n"},
		{"bad cas compression", "engine:\n  cas:\n    compression: brotli\n"},
		{"bad segment size", "engine:\n  wal:\n    max_segment_size_bytes: -1\n"},
		{"bad cache capacity", "engine:\n  cache:\n    capacity_bytes: -5\n"},
		{"not yaml", "engine: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  data_dir: /tmp/sv\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/sv", cfg.Engine.DataDir)
}

func TestParseDuration(t *testing.T) {
	logger := slog.Default()
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("0", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("banana", time.Minute, logger))
}
