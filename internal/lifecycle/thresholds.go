// Package lifecycle owns the pattern lifecycle effects: the command handler
// for the pattern-store topic, the promotion/demotion evaluator, and the
// threshold configuration they share.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/onex-io/substrate/internal/config"
	"github.com/onex-io/substrate/internal/pattern"
)

// DefaultThresholdsFile is the optional project-local overrides file.
const DefaultThresholdsFile = ".onex.yaml"

// thresholdsFile is the on-disk shape of the overrides file. Pointer fields
// distinguish "absent" from "explicit zero".
type thresholdsFile struct {
	Lifecycle struct {
		PromoteMinInjections          *int     `yaml:"promote_min_injections"`           //nolint:tagliatelle
		PromoteMinSuccessRate         *float64 `yaml:"promote_min_success_rate"`         //nolint:tagliatelle
		PromoteMaxConsecutiveFailures *int     `yaml:"promote_max_consecutive_failures"` //nolint:tagliatelle
		DemoteSuccessRate             *float64 `yaml:"demote_success_rate"`              //nolint:tagliatelle
		DemoteMaxConsecutiveFailures  *int     `yaml:"demote_max_consecutive_failures"`  //nolint:tagliatelle
		WindowSize                    *int     `yaml:"window_size"`                      //nolint:tagliatelle
	} `yaml:"lifecycle"`
}

// LoadThresholds builds the gate thresholds in three layers: built-in
// defaults, then the optional overrides file, then environment variables.
// A missing file degrades gracefully to defaults; a malformed file is logged
// and skipped rather than failing startup.
func LoadThresholds(path string, logger *slog.Logger) pattern.Thresholds {
	if logger == nil {
		logger = slog.Default()
	}

	th := pattern.DefaultThresholds()

	if path == "" {
		path = DefaultThresholdsFile
	}

	if fileTh, err := loadThresholdsFile(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("ignoring malformed thresholds file",
				"path", path,
				"error", err)
		}
	} else {
		th = overlayFile(th, fileTh)

		logger.Info("loaded lifecycle threshold overrides", "path", path)
	}

	return pattern.Thresholds{
		PromoteMinInjections:          config.GetEnvInt("LIFECYCLE_PROMOTE_MIN_INJECTIONS", th.PromoteMinInjections),
		PromoteMinSuccessRate:         config.GetEnvFloat64("LIFECYCLE_PROMOTE_SUCCESS_RATE", th.PromoteMinSuccessRate),
		PromoteMaxConsecutiveFailures: config.GetEnvInt("LIFECYCLE_PROMOTE_MAX_CONSEC_FAILURES", th.PromoteMaxConsecutiveFailures),
		DemoteSuccessRate:             config.GetEnvFloat64("LIFECYCLE_DEMOTE_SUCCESS_RATE", th.DemoteSuccessRate),
		DemoteMaxConsecutiveFailures:  config.GetEnvInt("LIFECYCLE_DEMOTE_MAX_CONSEC_FAILURES", th.DemoteMaxConsecutiveFailures),
		WindowSize:                    config.GetEnvInt("LIFECYCLE_WINDOW_SIZE", th.WindowSize),
	}
}

func loadThresholdsFile(path string) (thresholdsFile, error) {
	var parsed thresholdsFile

	data, err := os.ReadFile(path)
	if err != nil {
		return parsed, fmt.Errorf("failed to read thresholds file: %w", err)
	}

	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return parsed, fmt.Errorf("failed to parse thresholds file: %w", err)
	}

	return parsed, nil
}

func overlayFile(th pattern.Thresholds, file thresholdsFile) pattern.Thresholds {
	overrides := file.Lifecycle

	if overrides.PromoteMinInjections != nil {
		th.PromoteMinInjections = *overrides.PromoteMinInjections
	}

	if overrides.PromoteMinSuccessRate != nil {
		th.PromoteMinSuccessRate = *overrides.PromoteMinSuccessRate
	}

	if overrides.PromoteMaxConsecutiveFailures != nil {
		th.PromoteMaxConsecutiveFailures = *overrides.PromoteMaxConsecutiveFailures
	}

	if overrides.DemoteSuccessRate != nil {
		th.DemoteSuccessRate = *overrides.DemoteSuccessRate
	}

	if overrides.DemoteMaxConsecutiveFailures != nil {
		th.DemoteMaxConsecutiveFailures = *overrides.DemoteMaxConsecutiveFailures
	}

	if overrides.WindowSize != nil {
		th.WindowSize = *overrides.WindowSize
	}

	return th
}
