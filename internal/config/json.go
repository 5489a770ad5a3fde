package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// jsonConfig is the DTO for reading JSON configuration files. Absent
// fields leave the corresponding Config value untouched.
type jsonConfig struct {
	DatabaseDriver     *string  `json:"database_driver"`
	DatabaseDSN        *string  `json:"database_dsn"`
	LogLevel           *string  `json:"log_level"`
	TrackedEntityTypes []string `json:"tracked_entity_types"`
}

// parseJSON overlays values from the JSON file at path onto config. An
// empty path loads nothing.
func parseJSON(config *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	c := &jsonConfig{}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if c.DatabaseDriver != nil {
		config.DatabaseDriver = *c.DatabaseDriver
	}
	if c.DatabaseDSN != nil {
		config.DatabaseDSN = *c.DatabaseDSN
	}
	if c.LogLevel != nil {
		config.LogLevel = *c.LogLevel
	}
	if c.TrackedEntityTypes != nil {
		config.TrackedEntityTypes = c.TrackedEntityTypes
	}
	return nil
}
