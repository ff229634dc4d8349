// Stagehand - Worker Process Supervision and IPC for Desktop Rendering
// Copyright 2026 A. Volente (avolente)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avolente/stagehand

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"stagehand.yaml",
	"stagehand.yml",
	"/etc/stagehand/config.yaml",
	"/etc/stagehand/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "STAGEHAND_CONFIG"

// envPrefix is the prefix for all Stagehand environment variables.
const envPrefix = "STAGEHAND_"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps STAGEHAND_* environment variables to config paths.
// Section and key are separated by a double underscore so keys may contain
// single underscores:
//
//	STAGEHAND_SUPERVISOR__HEARTBEAT_INTERVAL -> supervisor.heartbeat_interval
//	STAGEHAND_WORKERS__IMAGE__ENABLED        -> workers.image.enabled
//	STAGEHAND_LOGGING__LEVEL                 -> logging.level
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

// findConfigFile returns the first existing config file path, checking the
// environment override before the default locations.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
