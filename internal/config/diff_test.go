package config_test

import (
	"testing"

	"github.com/outdial/voicebridge/internal/config"
	"github.com/outdial/voicebridge/internal/cost"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:          config.ServerConfig{LogLevel: config.LogInfo},
		DefaultProvider: "deepgram",
		Providers: []config.ProviderEntry{
			{Name: "deepgram", APIKey: "k1"},
		},
		AMD:   config.AMDConfig{SilenceThreshold: 500},
		Rates: map[string]cost.Rates{"deepgram": {AudioInPerMinute: 0.006}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.AMDChanged || d.RatesChanged || len(d.ProviderChanges) != 0 {
		t.Errorf("diff of identical configs = %+v", d)
	}
	if d.RequiresRestart() {
		t.Error("RequiresRestart = true for identical configs")
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.RequiresRestart() {
		t.Error("log level change should not require restart")
	}
}

func TestDiff_AMDTuning(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.AMD.MaxDetectionMs = 4000

	d := config.Diff(baseConfig(), newCfg)
	if !d.AMDChanged {
		t.Fatal("AMDChanged = false")
	}
	if d.NewAMD.MaxDetectionMs != 4000 {
		t.Errorf("NewAMD = %+v", d.NewAMD)
	}
	if d.RequiresRestart() {
		t.Error("AMD tuning change should not require restart")
	}
}

func TestDiff_ProviderAddRemoveChange(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Providers = []config.ProviderEntry{
		{Name: "deepgram", APIKey: "rotated"},
		{Name: "openai-realtime", APIKey: "k2"},
	}

	d := config.Diff(baseConfig(), newCfg)
	if len(d.ProviderChanges) != 2 {
		t.Fatalf("ProviderChanges = %+v", d.ProviderChanges)
	}
	byName := map[string]config.ProviderDiff{}
	for _, pc := range d.ProviderChanges {
		byName[pc.Name] = pc
	}
	if !byName["deepgram"].EntryChanged {
		t.Errorf("deepgram diff = %+v, want EntryChanged", byName["deepgram"])
	}
	if !byName["openai-realtime"].Added {
		t.Errorf("openai-realtime diff = %+v, want Added", byName["openai-realtime"])
	}
	if !d.RequiresRestart() {
		t.Error("provider changes must require restart")
	}

	removed := config.Diff(newCfg, baseConfig())
	var sawRemoved bool
	for _, pc := range removed.ProviderChanges {
		if pc.Name == "openai-realtime" && pc.Removed {
			sawRemoved = true
		}
	}
	if !sawRemoved {
		t.Errorf("reverse diff = %+v, want openai-realtime Removed", removed.ProviderChanges)
	}
}

func TestDiff_Rates(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Rates = map[string]cost.Rates{"deepgram": {AudioInPerMinute: 0.009}}

	d := config.Diff(baseConfig(), newCfg)
	if !d.RatesChanged {
		t.Fatal("RatesChanged = false")
	}
	if !d.RequiresRestart() {
		t.Error("rate change must require restart")
	}
}
