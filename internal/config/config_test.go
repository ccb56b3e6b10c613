package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temp config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, Validate(cfg))

	assert.Equal(t, 2*time.Minute, cfg.Cache.TTLFor("dashboard"))
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTLFor("roster"))
	assert.Equal(t, time.Duration(0), cfg.Cache.TTLFor("attendance"), "attendance never expires by age")
	assert.Equal(t, 5, cfg.Queue.MaxAttemptsFor("attendance"))
	assert.Equal(t, 100, cfg.Queue.BatchSize)

	base, limit, jitter := cfg.Queue.Backoff()
	assert.Equal(t, 2*time.Second, base)
	assert.Equal(t, 5*time.Minute, limit)
	assert.Equal(t, 500*time.Millisecond, jitter)
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
store_path = "/tmp/markbook.db"

[cache.ttl]
roster = "1h"

[queue]
max_attempts = 3

[queue.attempt_limits]
note = 8
`)

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "/tmp/markbook.db", cfg.StorePath)
		assert.Equal(t, time.Hour, cfg.Cache.TTLFor("roster"))
		assert.Equal(t, 3, cfg.Queue.MaxAttemptsFor("attendance"))
		assert.Equal(t, 8, cfg.Queue.MaxAttemptsFor("note"))
	})

	t.Run("unknown key is fatal", func(t *testing.T) {
		path := writeConfig(t, `
[queue]
max_atempts = 3
`)

		_, err := Load(path)
		assert.ErrorContains(t, err, "unknown keys")
	})

	t.Run("ttl map keys are exempt from unknown-key check", func(t *testing.T) {
		path := writeConfig(t, `
[cache.ttl]
timetable = "30m"
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, cfg.Cache.TTLFor("timetable"))
	})

	t.Run("invalid duration rejected", func(t *testing.T) {
		path := writeConfig(t, `
[sync]
drain_interval = "every minute"
`)

		_, err := Load(path)
		assert.ErrorContains(t, err, "drain_interval")
	})

	t.Run("invalid log level rejected", func(t *testing.T) {
		path := writeConfig(t, `
[logging]
level = "chatty"
`)

		_, err := Load(path)
		assert.ErrorContains(t, err, "logging.level")
	})
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("existing file is parsed", func(t *testing.T) {
		path := writeConfig(t, `store_path = "custom.db"`)

		cfg, err := LoadOrDefault(path)
		require.NoError(t, err)
		assert.Equal(t, "custom.db", cfg.StorePath)
	})
}

func TestParsedAccessors(t *testing.T) {
	t.Run("zero config falls back to defaults", func(t *testing.T) {
		var cfg Config

		assert.Equal(t, defaultCacheTTL, cfg.Cache.TTLFor("anything"))
		assert.Equal(t, defaultMaxAttempts, cfg.Queue.MaxAttemptsFor("anything"))
		assert.Equal(t, defaultDrainInterval, cfg.Sync.DrainEvery())
		assert.Equal(t, defaultLeaseTTL, cfg.Sync.LeaseDuration())
	})
}
