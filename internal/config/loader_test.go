package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/segue/internal/config"
)

const minimalYAML = `
mpd:
  address: "/run/mpd/socket"
providers:
  llm:
    name: openai
  tts:
    name: openai
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.MPD.PollInterval.Std(); got != time.Second {
		t.Errorf("mpd.poll_interval: got %s, want 1s", got)
	}
	if cfg.Clips.Directory != "clips" {
		t.Errorf("clips.directory: got %q, want %q", cfg.Clips.Directory, "clips")
	}
	if got := cfg.Clips.MaxAge.Std(); got != 24*time.Hour {
		t.Errorf("clips.max_age: got %s, want 24h", got)
	}
	if got := cfg.Clips.SweepInterval.Std(); got != 10*time.Minute {
		t.Errorf("clips.sweep_interval: got %s, want 10m", got)
	}
	if got := cfg.Narrate.MinLead.Std(); got != 120*time.Second {
		t.Errorf("narrate.min_lead: got %s, want 2m", got)
	}
	if got := cfg.Narrate.Margin.Std(); got != 10*time.Second {
		t.Errorf("narrate.margin: got %s, want 10s", got)
	}
	if cfg.Narrate.CrossfadePad != -1 {
		t.Errorf("narrate.crossfade_pad: got %d, want -1", cfg.Narrate.CrossfadePad)
	}
	if cfg.Narrate.AudioFormat != "flac" {
		t.Errorf("narrate.audio_format: got %q, want %q", cfg.Narrate.AudioFormat, "flac")
	}
	if cfg.Narrate.MaxToolRounds != 4 {
		t.Errorf("narrate.max_tool_rounds: got %d, want 4", cfg.Narrate.MaxToolRounds)
	}
	if cfg.Narrate.Template != "default" {
		t.Errorf("narrate.template: got %q, want %q", cfg.Narrate.Template, "default")
	}
	if cfg.History.Window != 5 {
		t.Errorf("history.window: got %d, want 5", cfg.History.Window)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  metrics_addr: ":9090"
mpd:
  address: "music.local:6600"
  music_directory: /srv/music
  poll_interval: 2s
clips:
  directory: announcements
  max_age: 12h
  sweep_interval: 5m
narrate:
  always: true
  min_lead: 90s
  margin: 15s
  crossfade_pad: 0
  audio_format: mp3
  max_tool_rounds: 2
  template: default
  params:
    name: Nova
    station: Radio Mario
providers:
  llm:
    name: openai
    api_key: sk-test
    model: o4-mini
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      voice_id: abc123
tools:
  servers:
    - name: weather
      transport: stdio
      command: /usr/local/bin/mcp-weather
    - name: news
      transport: streamable-http
      url: https://mcp.example.com/news
history:
  postgres_dsn: "postgres://localhost/segue"
  window: 8
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if got := cfg.MPD.PollInterval.Std(); got != 2*time.Second {
		t.Errorf("mpd.poll_interval: got %s, want 2s", got)
	}
	if !cfg.Narrate.Always {
		t.Error("narrate.always: got false, want true")
	}
	if cfg.Narrate.CrossfadePad != 0 {
		t.Errorf("narrate.crossfade_pad: got %d, want 0", cfg.Narrate.CrossfadePad)
	}
	if cfg.Narrate.Params["station"] != "Radio Mario" {
		t.Errorf("narrate.params[station]: got %q, want %q", cfg.Narrate.Params["station"], "Radio Mario")
	}
	if cfg.Providers.TTS.Options["voice_id"] != "abc123" {
		t.Errorf("providers.tts.options[voice_id]: got %v, want %q", cfg.Providers.TTS.Options["voice_id"], "abc123")
	}
	if len(cfg.Tools.Servers) != 2 {
		t.Fatalf("tools.servers: got %d entries, want 2", len(cfg.Tools.Servers))
	}
	if cfg.Tools.Servers[1].Transport != config.TransportStreamableHTTP {
		t.Errorf("tools.servers[1].transport: got %q, want %q", cfg.Tools.Servers[1].Transport, config.TransportStreamableHTTP)
	}
	if cfg.History.Window != 8 {
		t.Errorf("history.window: got %d, want 8", cfg.History.Window)
	}
}

func TestValidate_MissingMPDAddress(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  tts:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing mpd.address, got nil")
	}
	if !strings.Contains(err.Error(), "mpd.address") {
		t.Errorf("error should mention mpd.address, got: %v", err)
	}
}

func TestValidate_TCPRequiresMusicDirectory(t *testing.T) {
	t.Parallel()
	yaml := `
mpd:
  address: "localhost:6600"
providers:
  llm:
    name: openai
  tts:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TCP address without music_directory, got nil")
	}
	if !strings.Contains(err.Error(), "mpd.music_directory") {
		t.Errorf("error should mention mpd.music_directory, got: %v", err)
	}
}

func TestValidate_UnixSocketDiscoversMusicDirectory(t *testing.T) {
	t.Parallel()
	// A UNIX socket address does not require music_directory; it is
	// discovered from MPD at startup.
	if _, err := config.LoadFromReader(strings.NewReader(minimalYAML)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MinLeadMustExceedMargin(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
narrate:
  min_lead: 10s
  margin: 10s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for min_lead <= margin, got nil")
	}
	if !strings.Contains(err.Error(), "narrate.min_lead") {
		t.Errorf("error should mention narrate.min_lead, got: %v", err)
	}
}

func TestValidate_AbsoluteClipsDirectory(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
clips:
  directory: /var/lib/segue/clips
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for absolute clips.directory, got nil")
	}
	if !strings.Contains(err.Error(), "relative to the music directory") {
		t.Errorf("error should mention the music directory, got: %v", err)
	}
}

func TestValidate_MissingProviders(t *testing.T) {
	t.Parallel()
	yaml := `
mpd:
  address: "/run/mpd/socket"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing providers, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
	if !strings.Contains(err.Error(), "providers.tts.name") {
		t.Errorf("error should mention providers.tts.name, got: %v", err)
	}
}

func TestValidate_DuplicateToolServerNames(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
tools:
  servers:
    - name: weather
      transport: stdio
      command: /usr/local/bin/mcp-weather
    - name: weather
      transport: stdio
      command: /usr/local/bin/mcp-weather2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate tool server names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_StdioRequiresCommand(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
tools:
  servers:
    - name: weather
      transport: stdio
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for stdio server without command, got nil")
	}
	if !strings.Contains(err.Error(), "command is required") {
		t.Errorf("error should mention command, got: %v", err)
	}
}

func TestValidate_InvalidTransport(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
tools:
  servers:
    - name: weather
      transport: carrier-pigeon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
	if !strings.Contains(err.Error(), "transport") {
		t.Errorf("error should mention transport, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
server:
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "server.log_level") {
		t.Errorf("error should mention server.log_level, got: %v", err)
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	yaml := `
mpd:
  address: "/run/mpd/socket"
  poll_interval: soon
providers:
  llm:
    name: openai
  tts:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "duration") {
		t.Errorf("error should mention duration, got: %v", err)
	}
}

func TestValidate_FallbackRequiresName(t *testing.T) {
	t.Parallel()
	yaml := `
mpd:
  address: "/run/mpd/socket"
providers:
  llm:
    name: openai
    fallbacks:
      - model: llama3
  tts:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without a name, got nil")
	}
	if !strings.Contains(err.Error(), "fallbacks[0].name") {
		t.Errorf("error should mention fallbacks[0].name, got: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
surprises: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}
