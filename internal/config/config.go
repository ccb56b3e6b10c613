// Package config loads and validates the engine configuration from a TOML
// file. Defaults are applied first so an absent file or unset key always
// yields a working configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure, decoded from TOML.
type Config struct {
	// StorePath is the SQLite database path. ":memory:" is valid for tests.
	StorePath string `toml:"store_path"`

	Logging LoggingConfig `toml:"logging"`
	Cache   CacheConfig   `toml:"cache"`
	Queue   QueueConfig   `toml:"queue"`
	Sync    SyncConfig    `toml:"sync"`
	Remote  RemoteConfig  `toml:"remote"`
}

// LoggingConfig controls the slog handler built by the CLI.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // auto, text, json
}

// CacheConfig holds TTL policy for the multi-layer cache. TTLs are
// per-entity-type, not global; "0" means indefinite (explicit invalidation
// only). Durations are TOML strings ("2m", "15m") parsed during Validate.
type CacheConfig struct {
	DefaultTTL    string            `toml:"default_ttl"`
	TTL           map[string]string `toml:"ttl"` // keyed by entity type
	SweepInterval string            `toml:"sweep_interval"`
}

// QueueConfig tunes retry scheduling and batching for the offline queue.
type QueueConfig struct {
	MaxAttempts   int            `toml:"max_attempts"`
	AttemptLimits map[string]int `toml:"attempt_limits"` // per-entity override
	BackoffBase   string         `toml:"backoff_base"`
	BackoffCap    string         `toml:"backoff_cap"`
	BackoffJitter string         `toml:"backoff_jitter"`
	BatchSize     int            `toml:"batch_size"`
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	DispatchTimeout string `toml:"dispatch_timeout"`
	DrainInterval   string `toml:"drain_interval"`
	LeaseTTL        string `toml:"lease_ttl"`
}

// RemoteConfig identifies the remote authority and its push channel.
type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	NotifyURL string `toml:"notify_url"` // websocket push endpoint; empty disables
}

// --- Parsed accessors ---
// All duration strings are checked during Validate, so these cannot fail on
// a validated Config; they fall back to defaults on a zero Config.

// TTLFor returns the cache TTL for an entity type. Zero means indefinite.
func (c *CacheConfig) TTLFor(entityType string) time.Duration {
	if raw, ok := c.TTL[entityType]; ok {
		return mustDuration(raw, defaultCacheTTL)
	}

	return mustDuration(c.DefaultTTL, defaultCacheTTL)
}

// SweepEvery returns the durable-store TTL sweep interval.
func (c *CacheConfig) SweepEvery() time.Duration {
	return mustDuration(c.SweepInterval, defaultSweepInterval)
}

// MaxAttemptsFor returns the retry budget for an entity type.
func (c *QueueConfig) MaxAttemptsFor(entityType string) int {
	if n, ok := c.AttemptLimits[entityType]; ok && n > 0 {
		return n
	}

	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}

	return defaultMaxAttempts
}

// Backoff returns the parsed backoff base, cap, and jitter.
func (c *QueueConfig) Backoff() (base, limit, jitter time.Duration) {
	return mustDuration(c.BackoffBase, defaultBackoffBase),
		mustDuration(c.BackoffCap, defaultBackoffCap),
		mustDuration(c.BackoffJitter, defaultBackoffJitter)
}

// Timeout returns the per-dispatch network timeout.
func (c *SyncConfig) Timeout() time.Duration {
	return mustDuration(c.DispatchTimeout, defaultDispatchTimeout)
}

// DrainEvery returns the periodic drain tick interval.
func (c *SyncConfig) DrainEvery() time.Duration {
	return mustDuration(c.DrainInterval, defaultDrainInterval)
}

// LeaseDuration returns how long a drain lease is held before expiry.
func (c *SyncConfig) LeaseDuration() time.Duration {
	return mustDuration(c.LeaseTTL, defaultLeaseTTL)
}

// mustDuration parses raw, falling back to def for empty or invalid input.
// Validate rejects invalid strings up front, so the fallback only fires for
// a Config constructed without Load (e.g., a zero value in tests).
func mustDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}

	return d
}

// Validate checks the configuration for coherence. Called by Load; callers
// constructing a Config by hand should call it themselves.
func Validate(cfg *Config) error {
	if cfg.StorePath == "" {
		return fmt.Errorf("config: store_path must not be empty")
	}

	if err := validateDurations(cfg); err != nil {
		return err
	}

	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: queue.max_attempts must be >= 1, got %d", cfg.Queue.MaxAttempts)
	}

	if cfg.Queue.BatchSize < 1 {
		return fmt.Errorf("config: queue.batch_size must be >= 1, got %d", cfg.Queue.BatchSize)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("config: logging.format %q invalid", cfg.Logging.Format)
	}

	return nil
}

// validateDurations parses every duration string so later accessors are
// guaranteed to succeed.
func validateDurations(cfg *Config) error {
	checks := []struct {
		name string
		raw  string
	}{
		{"cache.default_ttl", cfg.Cache.DefaultTTL},
		{"cache.sweep_interval", cfg.Cache.SweepInterval},
		{"queue.backoff_base", cfg.Queue.BackoffBase},
		{"queue.backoff_cap", cfg.Queue.BackoffCap},
		{"queue.backoff_jitter", cfg.Queue.BackoffJitter},
		{"sync.dispatch_timeout", cfg.Sync.DispatchTimeout},
		{"sync.drain_interval", cfg.Sync.DrainInterval},
		{"sync.lease_ttl", cfg.Sync.LeaseTTL},
	}

	for _, c := range checks {
		if c.raw == "" {
			continue
		}

		if _, err := time.ParseDuration(c.raw); err != nil {
			return fmt.Errorf("config: %s: %w", c.name, err)
		}
	}

	for entity, raw := range cfg.Cache.TTL {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config: cache.ttl.%s: %w", entity, err)
		}
	}

	return nil
}
