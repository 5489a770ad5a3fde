package config

import "os"

// parseEnv overlays values from environment variables onto config.
//
// Supported variables:
//
//	CHRONICLE_DATABASE_DRIVER  storage backend ("postgres" or "sqlite")
//	CHRONICLE_DATABASE_DSN     connection string
//	CHRONICLE_LOG_LEVEL        log level
//	CHRONICLE_ENTITY_TYPES     comma-separated tracked entity types
func parseEnv(config *Config) {
	if v := os.Getenv("CHRONICLE_DATABASE_DRIVER"); v != "" {
		config.DatabaseDriver = v
	}
	if v := os.Getenv("CHRONICLE_DATABASE_DSN"); v != "" {
		config.DatabaseDSN = v
	}
	if v := os.Getenv("CHRONICLE_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("CHRONICLE_ENTITY_TYPES"); v != "" {
		config.TrackedEntityTypes = splitList(v)
	}
}
