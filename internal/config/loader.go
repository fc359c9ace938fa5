package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the adapter names shipped with voicebridge.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"deepgram", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious-but-workable values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	namesSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := namesSeen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
		}
		namesSeen[p.Name] = i

		if !slices.Contains(ValidProviderNames, p.Name) {
			slog.Warn("unknown provider name — may be a typo or third-party adapter",
				"name", p.Name,
				"known", ValidProviderNames,
			)
		}
		if p.APIKey == "" {
			slog.Warn("provider has no api_key configured; calls will fail to connect", "name", p.Name)
		}
	}

	if cfg.DefaultProvider != "" {
		if _, ok := cfg.Provider(cfg.DefaultProvider); !ok {
			errs = append(errs, fmt.Errorf("default_provider %q is not in the providers list", cfg.DefaultProvider))
		}
	} else if len(cfg.Providers) > 0 {
		slog.Warn("default_provider is not set; sessions must name a provider explicitly")
	}

	// Rate table
	for name := range cfg.Rates {
		if _, ok := namesSeen[name]; !ok {
			slog.Warn("rates configured for a provider that is not in the providers list", "name", name)
		}
	}
	for name := range namesSeen {
		if _, ok := cfg.Rates[name]; !ok {
			slog.Warn("provider has no rates configured; cost estimates will be zero", "name", name)
		}
	}

	// AMD tuning
	errs = append(errs, validateAMD(cfg.AMD)...)

	return errors.Join(errs...)
}

// validateAMD checks the detector tuning ranges. Zero values are allowed
// everywhere and mean "use the default".
func validateAMD(a AMDConfig) []error {
	var errs []error

	if a.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("amd.silence_threshold %.1f must not be negative", a.SilenceThreshold))
	}
	if a.BeepThresholdFactor != 0 && a.BeepThresholdFactor <= 1 {
		errs = append(errs, fmt.Errorf("amd.beep_threshold_factor %.2f must be greater than 1", a.BeepThresholdFactor))
	}
	if a.WindowMs < 0 || a.WindowMs > 1000 {
		errs = append(errs, fmt.Errorf("amd.window_ms %d is out of range [0, 1000]", a.WindowMs))
	}
	if a.BeepMinMs != 0 && a.BeepMaxMs != 0 && a.BeepMinMs >= a.BeepMaxMs {
		errs = append(errs, fmt.Errorf("amd.beep_min_ms %d must be below amd.beep_max_ms %d", a.BeepMinMs, a.BeepMaxMs))
	}
	if a.MinDecisionMs != 0 && a.MaxDetectionMs != 0 && a.MinDecisionMs > a.MaxDetectionMs {
		errs = append(errs, fmt.Errorf("amd.min_decision_ms %d must not exceed amd.max_detection_ms %d", a.MinDecisionMs, a.MaxDetectionMs))
	}
	for name, v := range map[string]int{
		"amd.sample_rate":                   a.SampleRate,
		"amd.beep_min_ms":                   a.BeepMinMs,
		"amd.beep_max_ms":                   a.BeepMaxMs,
		"amd.machine_greeting_ms":           a.MachineGreetingMs,
		"amd.human_greeting_ms":             a.HumanGreetingMs,
		"amd.min_silence_after_greeting_ms": a.MinSilenceAfterGreetingMs,
		"amd.min_decision_ms":               a.MinDecisionMs,
		"amd.max_detection_ms":              a.MaxDetectionMs,
		"amd.energy_history_len":            a.EnergyHistoryLen,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", name, v))
		}
	}

	return errs
}
