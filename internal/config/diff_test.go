package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/segue/internal/config"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.MPD.Address = "/run/mpd/socket"
	cfg.Providers.LLM.Name = "openai"
	cfg.Providers.TTS.Name = "openai"
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)

	if d.LogLevelChanged || d.ParamsChanged {
		t.Errorf("no-op diff reported changes: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("no-op diff requires restart for %v", d.RestartRequired)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged: got false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Params(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Narrate.Params = map[string]string{"name": "Nova"}
	new.Narrate.Params = map[string]string{"name": "Vega"}

	d := config.Diff(old, new)
	if !d.ParamsChanged {
		t.Fatal("ParamsChanged: got false, want true")
	}
	if d.NewParams["name"] != "Vega" {
		t.Errorf("NewParams[name]: got %q, want %q", d.NewParams["name"], "Vega")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("params change should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.MPD.Address = "localhost:6600"
	new.Narrate.Always = true
	new.Providers.TTS.Name = "elevenlabs"
	new.History.Window = 10

	d := config.Diff(old, new)
	for _, section := range []string{"mpd", "narrate", "providers", "history"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired should contain %q, got %v", section, d.RestartRequired)
		}
	}
}
