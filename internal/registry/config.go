// Package registry maps package-manager names to the snapshot they are
// loaded from and the adapter that reads it.
//
// Built-in entries can be overridden per deployment with a YAML file:
//
//	sources:
//	  crates:
//	    url: https://mirror.internal/crates/db-dump.tar.gz
package registry

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xtgz/chai/internal/config"
)

// DefaultConfigPath is where the sources override file is looked up when
// CHAI_SOURCES_PATH is unset.
const DefaultConfigPath = ".chai.yaml"

// ConfigPathEnvVar names the environment variable holding the override path.
const ConfigPathEnvVar = "CHAI_SOURCES_PATH"

type (
	// Config is the sources override file.
	Config struct {
		Sources map[string]SourceConfig `yaml:"sources"`
	}

	// SourceConfig overrides one package manager.
	SourceConfig struct {
		// URL replaces the built-in snapshot location. http(s), file and s3
		// schemes are understood by the fetcher.
		URL string `yaml:"url"`
	}
)

// LoadConfig reads the override file at path.
//
// Overrides are optional: a missing, unreadable or invalid file yields an
// empty Config and a logged warning, never an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Sources: make(map[string]SourceConfig)}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Sources file not found, using built-in sources", slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read sources file, using built-in sources",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse sources file, using built-in sources",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{Sources: make(map[string]SourceConfig)}, nil
	}

	if cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the file named by CHAI_SOURCES_PATH, or
// DefaultConfigPath in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}
