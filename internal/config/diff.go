package config

import "reflect"

// ConfigDiff describes what changed between two configs and whether the
// change can be applied to a running server. Log level and AMD tuning are
// hot-applied; provider and rate changes only affect sessions started after
// a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AMDChanged means new sessions should build their detector from NewAMD.
	// In-flight calls keep the detector they started with.
	AMDChanged bool
	NewAMD     AMDConfig

	// ProviderChanges lists per-provider differences by name.
	ProviderChanges []ProviderDiff

	// RatesChanged means the price table differs; a restart is required
	// because the table is shared read-only across sessions.
	RatesChanged bool
}

// ProviderDiff describes what changed for a single provider entry.
type ProviderDiff struct {
	Name           string
	Added          bool
	Removed        bool
	EntryChanged   bool // api_key, base_url, model, or options differ
	BecameDefault  bool
	StoppedDefault bool
}

// RequiresRestart reports whether any of the recorded changes cannot be
// applied to the running process.
func (d ConfigDiff) RequiresRestart() bool {
	return d.RatesChanged || len(d.ProviderChanges) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.AMD != new.AMD {
		d.AMDChanged = true
		d.NewAMD = new.AMD
	}

	d.ProviderChanges = diffProviders(old, new)

	if len(old.Rates) != len(new.Rates) {
		d.RatesChanged = true
	} else {
		for name, r := range old.Rates {
			if nr, ok := new.Rates[name]; !ok || nr != r {
				d.RatesChanged = true
				break
			}
		}
	}

	return d
}

func diffProviders(old, new *Config) []ProviderDiff {
	oldByName := make(map[string]ProviderEntry, len(old.Providers))
	for _, p := range old.Providers {
		oldByName[p.Name] = p
	}
	newByName := make(map[string]ProviderEntry, len(new.Providers))
	for _, p := range new.Providers {
		newByName[p.Name] = p
	}

	var changes []ProviderDiff
	for _, p := range new.Providers {
		prev, existed := oldByName[p.Name]
		pd := ProviderDiff{Name: p.Name}
		switch {
		case !existed:
			pd.Added = true
		case !entryEqual(prev, p):
			pd.EntryChanged = true
		}
		pd.BecameDefault = new.DefaultProvider == p.Name && old.DefaultProvider != p.Name
		pd.StoppedDefault = old.DefaultProvider == p.Name && new.DefaultProvider != p.Name
		if pd.Added || pd.EntryChanged || pd.BecameDefault || pd.StoppedDefault {
			changes = append(changes, pd)
		}
	}
	for _, p := range old.Providers {
		if _, still := newByName[p.Name]; !still {
			changes = append(changes, ProviderDiff{Name: p.Name, Removed: true})
		}
	}
	return changes
}

// entryEqual compares two provider entries. Options can hold nested maps
// from YAML, so the comparison goes through reflect.DeepEqual.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
