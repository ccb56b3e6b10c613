package config

import "time"

// Default values for configuration options. These are "layer 0" of the
// defaults → file chain and are chosen so the engine works with no config
// file at all.
const (
	defaultStorePath       = "markbook.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultCacheTTLStr     = "10m"
	defaultSweepIntStr     = "5m"
	defaultMaxAttempts     = 5
	defaultBackoffBaseStr  = "2s"
	defaultBackoffCapStr   = "5m"
	defaultBackoffJitStr   = "500ms"
	defaultBatchSize       = 100
	defaultDispatchTOStr   = "12s"
	defaultDrainIntStr     = "1m"
	defaultLeaseTTLStr     = "30s"
	defaultCacheTTL        = 10 * time.Minute
	defaultSweepInterval   = 5 * time.Minute
	defaultBackoffBase     = 2 * time.Second
	defaultBackoffCap      = 5 * time.Minute
	defaultBackoffJitter   = 500 * time.Millisecond
	defaultDispatchTimeout = 12 * time.Second
	defaultDrainInterval   = time.Minute
	defaultLeaseTTL        = 30 * time.Second
)

// DefaultConfig returns a Config populated with all default values. Used as
// the starting point for TOML decoding (unset keys retain defaults) and as
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		StorePath: defaultStorePath,
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Cache: CacheConfig{
			DefaultTTL: defaultCacheTTLStr,
			TTL: map[string]string{
				// Dashboards churn constantly; rosters barely move;
				// attendance history is immutable once synced.
				"dashboard":   "2m",
				"roster":      "15m",
				"attendance":  "0",
				"performance": "10m",
				"note":        "10m",
			},
			SweepInterval: defaultSweepIntStr,
		},
		Queue: QueueConfig{
			MaxAttempts:   defaultMaxAttempts,
			AttemptLimits: map[string]int{},
			BackoffBase:   defaultBackoffBaseStr,
			BackoffCap:    defaultBackoffCapStr,
			BackoffJitter: defaultBackoffJitStr,
			BatchSize:     defaultBatchSize,
		},
		Sync: SyncConfig{
			DispatchTimeout: defaultDispatchTOStr,
			DrainInterval:   defaultDrainIntStr,
			LeaseTTL:        defaultLeaseTTLStr,
		},
		Remote: RemoteConfig{},
	}
}
