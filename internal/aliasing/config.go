// Package aliasing provides domain label alias resolution for pattern
// classification.
//
// Different classifiers emit different labels for the same knowledge domain
// ("net/http-retry", "networking.http", "http_client"), which fragments
// domain-scoped pattern queries. This package loads alias rules from the
// substrate configuration file and rewrites raw classifier labels to
// canonical domain names before they are stored.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/onex-io/substrate/internal/config"
)

type (
	// AliasRule maps one raw label pattern to its canonical domain template.
	AliasRule struct {
		// Pattern matches raw classifier labels. {variable} captures any
		// characters except "/", {variable*} captures across "/".
		Pattern string `yaml:"pattern"`

		// Canonical is the domain template the label rewrites to. Variables
		// captured by Pattern may be substituted.
		Canonical string `yaml:"canonical"`
	}

	// Config holds domain alias rules loaded from the substrate config file.
	Config struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DomainAliases []AliasRule `yaml:"domain_aliases"`
	}
)

// DefaultConfigPath is the default location of the substrate configuration
// file. Alias rules share the file with the lifecycle threshold overrides.
const DefaultConfigPath = ".onex.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "SUBSTRATE_CONFIG_PATH"

// LoadConfig loads alias rules from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - aliases are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the daemon can start even without aliases
// configured, as domain aliasing is an optional feature.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - aliases are optional
			slog.Debug("Config file not found, continuing without domain aliases",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, continuing without domain aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just no aliases
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with empty config
		slog.Warn("Failed to parse config file, continuing without domain aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{}, nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in SUBSTRATE_CONFIG_PATH
// environment variable. Falls back to ".onex.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
