package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend types. The backend is selected explicitly by configuration;
// there is no runtime probing or silent fallback, so a multi-replica
// deployment misconfigured with the in-process store fails at startup review
// rather than degrading consistency quietly.
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// Duration wraps time.Duration so values parse from both YAML ("90s", "10m")
// and environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, used by both the YAML
// decoder and the env parser.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler; yaml.v3 does not consult
// encoding.TextUnmarshaler on its own.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the gateway.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Storage StorageConfig `yaml:"storage"`
	Catalog CatalogConfig `yaml:"catalog"`
	Timers  TimerConfig   `yaml:"timers"`

	// EncryptionKey is a base64-encoded master key for secrets at rest.
	// When empty, secrets are stored unencrypted (development only).
	EncryptionKey string `yaml:"encryptionKey" env:"TOLLGATE_ENCRYPTION_KEY"`

	Debug bool `yaml:"debug" env:"TOLLGATE_DEBUG"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	// ListenAddr is the address the gateway binds to.
	ListenAddr string `yaml:"listenAddr" env:"TOLLGATE_LISTEN_ADDR"`

	// PublicURL is the externally reachable base URL, used to compute the
	// OAuth redirect URI. It must survive a round trip through third-party
	// authorization servers.
	PublicURL string `yaml:"publicURL" env:"TOLLGATE_PUBLIC_URL"`

	// CallbackPath is the path of the OAuth callback endpoint.
	CallbackPath string `yaml:"callbackPath" env:"TOLLGATE_CALLBACK_PATH"`
}

// StorageConfig selects and configures the key-value backend.
type StorageConfig struct {
	// Type is "memory" or "valkey". Required.
	Type string `yaml:"type" env:"TOLLGATE_STORAGE_TYPE"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address    string `yaml:"address" env:"TOLLGATE_VALKEY_ADDRESS"`
	Password   string `yaml:"password" env:"TOLLGATE_VALKEY_PASSWORD"`
	DB         int    `yaml:"db" env:"TOLLGATE_VALKEY_DB"`
	KeyPrefix  string `yaml:"keyPrefix" env:"TOLLGATE_VALKEY_KEY_PREFIX"`
	TLSEnabled bool   `yaml:"tlsEnabled" env:"TOLLGATE_VALKEY_TLS"`
}

// CatalogConfig locates the backend server catalog.
type CatalogConfig struct {
	// Path is the catalog YAML file listing remote servers.
	Path string `yaml:"path" env:"TOLLGATE_CATALOG_PATH"`

	// Watch enables hot reload of the catalog file.
	Watch bool `yaml:"watch" env:"TOLLGATE_CATALOG_WATCH"`
}

// TimerConfig holds the subsystem's independent timers. These four are
// deliberately separate values; collapsing them changes the reconnection
// semantics.
type TimerConfig struct {
	// FlowTTL is the maximum lifetime of an authorization flow.
	FlowTTL Duration `yaml:"flowTTL" env:"TOLLGATE_FLOW_TTL"`

	// ReconnectTimeout bounds how long a reconnection marker counts as
	// "still reconnecting".
	ReconnectTimeout Duration `yaml:"reconnectTimeout" env:"TOLLGATE_RECONNECT_TIMEOUT"`

	// ReconnectCooldown is the minimum time between reconnection attempts
	// for the same (user, server) pair.
	ReconnectCooldown Duration `yaml:"reconnectCooldown" env:"TOLLGATE_RECONNECT_COOLDOWN"`

	// LockTTL is the distributed lock expiry.
	LockTTL Duration `yaml:"lockTTL" env:"TOLLGATE_LOCK_TTL"`

	// ConnectTimeout bounds a single connection establishment.
	ConnectTimeout Duration `yaml:"connectTimeout" env:"TOLLGATE_CONNECT_TIMEOUT"`

	// IdleTimeout is the staleness threshold for established connections.
	IdleTimeout Duration `yaml:"idleTimeout" env:"TOLLGATE_IDLE_TIMEOUT"`
}
