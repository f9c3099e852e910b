// Package config loads the engine configuration from YAML, applying
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/sessionvault/core"
)

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always", "interval", or "disabled"
	FlushInterval       string `yaml:"flush_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// CacheConfig holds record cache specific configurations.
type CacheConfig struct {
	CapacityBytes int64  `yaml:"capacity_bytes"`
	MaxIdle       string `yaml:"max_idle"`
	SweepInterval string `yaml:"sweep_interval"`
}

// QueueConfig holds persistence queue specific configurations.
type QueueConfig struct {
	FlushInterval string `yaml:"flush_interval"`
}

// CASConfig holds content-addressable store specific configurations.
type CASConfig struct {
	Compression     string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
	VacuumOnStartup bool   `yaml:"vacuum_on_startup"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir            string      `yaml:"data_dir"`
	CheckpointInterval string      `yaml:"checkpoint_interval"`
	ChunkCompression   string      `yaml:"chunk_compression"`
	WAL                WALConfig   `yaml:"wal"`
	Cache              CacheConfig `yaml:"cache"`
	Queue              QueueConfig `yaml:"queue"`
	CAS                CASConfig   `yaml:"cas"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file", "none"
	File   string `yaml:"file"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid. Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			DataDir:            "./data",
			CheckpointInterval: "30s",
			ChunkCompression:   "snappy",
			WAL: WALConfig{
				SyncMode:            "always",
				FlushInterval:       "1000ms",
				MaxSegmentSizeBytes: 32 * 1024 * 1024, // 32 MiB
			},
			Cache: CacheConfig{
				CapacityBytes: 64 * 1024 * 1024, // 64 MiB
				MaxIdle:       "10m",
				SweepInterval: "1m",
			},
			Queue: QueueConfig{
				FlushInterval: "250ms",
			},
			CAS: CASConfig{
				Compression:     "none",
				VacuumOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "sessionvault.log",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
	}

	if r != nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read config data: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config data: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the configuration file at path. A missing file yields the
// defaults without error.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) validate() error {
	switch c.Engine.WAL.SyncMode {
	case "always", "interval", "disabled":
	default:
		return fmt.Errorf("invalid wal sync_mode %q", c.Engine.WAL.SyncMode)
	}
	if _, ok := core.ParseCompressionType(c.Engine.ChunkCompression); !ok {
		return fmt.Errorf("invalid chunk_compression %q", c.Engine.ChunkCompression)
	}
	if _, ok := core.ParseCompressionType(c.Engine.CAS.Compression); !ok {
		return fmt.Errorf("invalid cas compression %q", c.Engine.CAS.Compression)
	}
	if c.Engine.WAL.MaxSegmentSizeBytes <= 0 {
		return fmt.Errorf("wal max_segment_size_bytes must be positive, got %d", c.Engine.WAL.MaxSegmentSizeBytes)
	}
	if c.Engine.Cache.CapacityBytes < 0 {
		return fmt.Errorf("cache capacity_bytes must not be negative, got %d", c.Engine.Cache.CapacityBytes)
	}
	return nil
}
