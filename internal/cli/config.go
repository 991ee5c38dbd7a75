package cli

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/minipm/minipm/pkg/errors"
)

// configPath is the optional tool configuration file in the project root.
const configPath = ".minipm.toml"

// defaultCacheTTL is how long registry metadata responses stay fresh.
const defaultCacheTTL = 24 * time.Hour

// config holds tool-level settings. Everything has a working default;
// the file exists mostly to point the client at a registry mirror.
type config struct {
	Registry string   `toml:"registry"`  // registry base URL
	CacheTTL duration `toml:"cache_ttl"` // metadata cache TTL, e.g. "24h"
	Workers  int      `toml:"workers"`   // parallel sibling downloads
}

// duration wraps time.Duration so TOML values like "24h" decode directly.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// loadConfig reads .minipm.toml from the working directory. A missing
// file yields defaults; a present but invalid file is an error, since
// silently ignoring a broken config would mask a wrong registry URL.
func loadConfig() (config, error) {
	cfg := config{
		CacheTTL: duration{defaultCacheTTL},
		Workers:  1,
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidConfig, err, "cannot read %s", configPath)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(errors.ErrCodeInvalidConfig, err, "cannot parse %s", configPath)
	}
	return cfg, nil
}
