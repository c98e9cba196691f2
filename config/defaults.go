package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "exo.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Chain / manifest resolution defaults
	v.SetDefault("chain.timeout_seconds", 30)
	v.SetDefault("chain.cache_ttl_min", 15)

	// Annotation engine defaults
	v.SetDefault("engine.timeout_seconds", 30)
	v.SetDefault("engine.rate_per_second", 10.0)

	// Coordinator defaults
	v.SetDefault("exchange.lock_wait_seconds", 10)

	// Sweep defaults
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval_seconds", 60)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("engine.token", "EXO_ENGINE_TOKEN")
}
