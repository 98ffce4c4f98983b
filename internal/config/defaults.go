package config

import "time"

// Default returns the configuration defaults. A config file and environment
// overrides are applied on top of these.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			ListenAddr:   ":8420",
			PublicURL:    "http://localhost:8420",
			CallbackPath: "/oauth/callback",
		},
		Storage: StorageConfig{
			Type: StorageMemory,
			Valkey: ValkeyConfig{
				KeyPrefix: "tollgate:",
			},
		},
		Catalog: CatalogConfig{
			Path:  "servers.yaml",
			Watch: true,
		},
		Timers: TimerConfig{
			FlowTTL:           Duration(10 * time.Minute),
			ReconnectTimeout:  Duration(3 * time.Minute),
			ReconnectCooldown: Duration(time.Minute),
			LockTTL:           Duration(30 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			IdleTimeout:       Duration(30 * time.Minute),
		},
	}
}
