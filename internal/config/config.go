// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the voicebridge server.
package config

import (
	"time"

	"github.com/outdial/voicebridge/internal/cost"
	"github.com/outdial/voicebridge/pkg/amd"
)

// LogLevel controls log verbosity for the voicebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`

	// DefaultProvider selects which providers entry drives a call when the
	// host does not name one explicitly.
	DefaultProvider string `yaml:"default_provider"`

	// Providers lists the configured vendor backends. Each entry's Name is
	// looked up in the [Registry] when a session starts.
	Providers []ProviderEntry `yaml:"providers"`

	// AMD tunes the answering-machine detector. Zero-valued fields fall back
	// to the detector's defaults.
	AMD AMDConfig `yaml:"amd"`

	// Rates is the per-provider price table for the cost meter, keyed by
	// provider name. Loaded once and never mutated afterwards.
	Rates map[string]cost.Rates `yaml:"rates"`
}

// ServerConfig holds network and logging settings for the voicebridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface (health, metrics)
	// listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry is the common configuration block shared by all adapters.
// The Name field is used to look up the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered adapter implementation
	// (e.g., "deepgram", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the vendor's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor's default endpoint.
	// Leave empty to use the adapter's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the vendor
	// (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Options holds vendor-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// Provider returns the entry with the given name, or false when no such
// entry is configured.
func (c *Config) Provider(name string) (ProviderEntry, bool) {
	for _, e := range c.Providers {
		if e.Name == name {
			return e, true
		}
	}
	return ProviderEntry{}, false
}

// AMDConfig exposes the detector's tuning knobs in YAML. Durations are in
// milliseconds; zero means "use the default".
type AMDConfig struct {
	SampleRate          int     `yaml:"sample_rate"`
	WindowMs            int     `yaml:"window_ms"`
	SilenceThreshold    float64 `yaml:"silence_threshold"`
	BeepThresholdFactor float64 `yaml:"beep_threshold_factor"`

	BeepMinMs                 int `yaml:"beep_min_ms"`
	BeepMaxMs                 int `yaml:"beep_max_ms"`
	MachineGreetingMs         int `yaml:"machine_greeting_ms"`
	HumanGreetingMs           int `yaml:"human_greeting_ms"`
	MinSilenceAfterGreetingMs int `yaml:"min_silence_after_greeting_ms"`
	MinDecisionMs             int `yaml:"min_decision_ms"`
	MaxDetectionMs            int `yaml:"max_detection_ms"`

	EnergyHistoryLen int `yaml:"energy_history_len"`
}

// DetectorConfig converts the YAML tuning block into an amd.Config. Unset
// fields stay zero and are defaulted by amd.New.
func (a AMDConfig) DetectorConfig() amd.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return amd.Config{
		SampleRate:              a.SampleRate,
		WindowMs:                a.WindowMs,
		SilenceThreshold:        a.SilenceThreshold,
		BeepThresholdFactor:     a.BeepThresholdFactor,
		BeepMinDuration:         ms(a.BeepMinMs),
		BeepMaxDuration:         ms(a.BeepMaxMs),
		MachineGreeting:         ms(a.MachineGreetingMs),
		HumanGreeting:           ms(a.HumanGreetingMs),
		MinSilenceAfterGreeting: ms(a.MinSilenceAfterGreetingMs),
		MinDecisionTime:         ms(a.MinDecisionMs),
		MaxDetectionTime:        ms(a.MaxDetectionMs),
		EnergyHistoryLen:        a.EnergyHistoryLen,
	}
}
