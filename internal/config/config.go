// Package config handles runtime configuration for the versioning engine:
// defaults, an optional JSON file overlay, and environment variables, in
// that order.
package config

import "strings"

// Config holds runtime settings.
//
// Fields:
//   - DatabaseDriver: storage backend, "postgres" or "sqlite".
//   - DatabaseDSN: connection string for the chosen driver.
//   - LogLevel: "debug", "info", "warn" or "error".
//   - TrackedEntityTypes: entity types seeded into every fork.
type Config struct {
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	TrackedEntityTypes []string
}

// LoadDefaults populates Config with development defaults. The embedded
// SQLite backend works without any external service.
func (c *Config) LoadDefaults() {
	c.DatabaseDriver = "sqlite"
	c.DatabaseDSN = "file:chronicle.db"
	c.LogLevel = "info"
	c.TrackedEntityTypes = []string{"settlement", "character", "faction", "region", "event"}
}

// Load builds a Config by applying defaults, then overlaying values from
// an optional JSON file (empty path skips it), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJSON(cfg, path); err != nil {
		return nil, err
	}
	parseEnv(cfg)
	return cfg, nil
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
