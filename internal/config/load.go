package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal so a typo in a config file
// surfaces immediately instead of being silently ignored.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. Supports the zero-config
// first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// checkUnknownKeys rejects keys present in the file but absent from the
// Config struct. Map-valued sections (cache.ttl, queue.attempt_limits) take
// arbitrary entity-type keys and are exempt.
func checkUnknownKeys(md *toml.MetaData) error {
	var unknown []string

	for _, key := range md.Undecoded() {
		s := key.String()
		if strings.HasPrefix(s, "cache.ttl.") || strings.HasPrefix(s, "queue.attempt_limits.") {
			continue
		}

		unknown = append(unknown, s)
	}

	if len(unknown) > 0 {
		return fmt.Errorf("config: unknown keys: %s", strings.Join(unknown, ", "))
	}

	return nil
}
