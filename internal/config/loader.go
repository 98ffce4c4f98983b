package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks for the config file when no --config flag
// is given.
const DefaultPath = "tollgate.yaml"

// Load builds the effective configuration: defaults, then the YAML file at
// path (if it exists), then environment overrides, then validation.
//
// A missing file is not an error when path is the default location; an
// explicitly configured path that does not exist is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
			// fall through to defaults
		case errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("config file %s does not exist", path)
		default:
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would degrade consistency or fail at
// runtime. Storage misconfiguration in particular must surface here, not as
// a silent fallback later.
func (c Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory:
		// single-instance only; nothing else to check
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required when storage.type is %q", StorageValkey)
		}
	default:
		return fmt.Errorf("unsupported storage.type %q (supported: %s, %s)", c.Storage.Type, StorageMemory, StorageValkey)
	}

	if c.Gateway.PublicURL == "" {
		return fmt.Errorf("gateway.publicURL is required")
	}
	u, err := url.Parse(c.Gateway.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway.publicURL %q is not a valid URL", c.Gateway.PublicURL)
	}

	if !strings.HasPrefix(c.Gateway.CallbackPath, "/") {
		return fmt.Errorf("gateway.callbackPath %q must start with /", c.Gateway.CallbackPath)
	}

	for name, d := range map[string]Duration{
		"timers.flowTTL":           c.Timers.FlowTTL,
		"timers.reconnectTimeout":  c.Timers.ReconnectTimeout,
		"timers.reconnectCooldown": c.Timers.ReconnectCooldown,
		"timers.lockTTL":           c.Timers.LockTTL,
		"timers.connectTimeout":    c.Timers.ConnectTimeout,
		"timers.idleTimeout":       c.Timers.IdleTimeout,
	} {
		if d.Std() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// RedirectURI computes the OAuth redirect URI from the public URL and
// callback path.
func (c Config) RedirectURI() string {
	return strings.TrimSuffix(c.Gateway.PublicURL, "/") + c.Gateway.CallbackPath
}
