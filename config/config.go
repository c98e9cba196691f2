// Package config loads the exo configuration from exo.toml, environment
// variables, and defaults, in that precedence order.
package config

// Config represents the core exo configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
}

// DatabaseConfig configures the SQLite work registry
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the exo HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when no port is configured.
const DefaultServerPort = 8010

// ChainConfig configures manifest resolution against the chain gateway
type ChainConfig struct {
	GatewayURL     string `mapstructure:"gateway_url"`     // escrow lookup endpoint
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // per-request timeout (default: 30)
	CacheTTLMin    int    `mapstructure:"cache_ttl_min"`   // manifest cache TTL in minutes (default: 15)
}

// EngineConfig configures the annotation engine client
type EngineConfig struct {
	URL            string  `mapstructure:"url"`
	Token          string  `mapstructure:"token"` // bound to EXO_ENGINE_TOKEN
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"` // client-side request rate cap
}

// ExchangeConfig configures the assignment coordinator
type ExchangeConfig struct {
	// LockWaitSeconds bounds the wait for a project or worker lock.
	// A timed-out wait surfaces as a retryable error; it is never unbounded.
	LockWaitSeconds int `mapstructure:"lock_wait_seconds"`
}

// SweepConfig configures the background assignment expiry sweep
type SweepConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
}
