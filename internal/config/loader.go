package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs"},
}

// Default returns a Config populated with the built-in defaults. Loading
// decodes on top of it, so omitted fields keep these values.
func Default() *Config {
	return &Config{
		MPD: MPDConfig{
			PollInterval: Duration(time.Second),
		},
		Clips: ClipsConfig{
			Directory:     "clips",
			MaxAge:        Duration(24 * time.Hour),
			SweepInterval: Duration(10 * time.Minute),
		},
		Narrate: NarrateConfig{
			MinLead:       Duration(120 * time.Second),
			Margin:        Duration(10 * time.Second),
			CrossfadePad:  -1,
			AudioFormat:   "flac",
			MaxToolRounds: 4,
			Template:      "default",
		},
		History: HistoryConfig{
			Window: 5,
		},
	}
}

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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
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
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// MPD
	if cfg.MPD.Address == "" {
		errs = append(errs, errors.New("mpd.address is required"))
	} else if !strings.Contains(cfg.MPD.Address, "/") && cfg.MPD.MusicDirectory == "" {
		// The music directory can only be discovered over a UNIX socket.
		errs = append(errs, fmt.Errorf("mpd.music_directory is required when mpd.address %q is a TCP address", cfg.MPD.Address))
	}
	if cfg.MPD.PollInterval <= 0 {
		errs = append(errs, errors.New("mpd.poll_interval must be positive"))
	}

	// Clips
	if cfg.Clips.Directory == "" {
		errs = append(errs, errors.New("clips.directory is required"))
	} else if filepath.IsAbs(cfg.Clips.Directory) {
		errs = append(errs, fmt.Errorf("clips.directory %q must be relative to the music directory", cfg.Clips.Directory))
	}
	if cfg.Clips.SweepInterval <= 0 {
		errs = append(errs, errors.New("clips.sweep_interval must be positive"))
	}

	// Narrate
	if cfg.Narrate.Margin < 0 {
		errs = append(errs, errors.New("narrate.margin must not be negative"))
	}
	if cfg.Narrate.MinLead <= cfg.Narrate.Margin {
		errs = append(errs, fmt.Errorf("narrate.min_lead (%s) must exceed narrate.margin (%s)",
			cfg.Narrate.MinLead.Std(), cfg.Narrate.Margin.Std()))
	}
	if cfg.Narrate.AudioFormat == "" {
		errs = append(errs, errors.New("narrate.audio_format is required"))
	}
	if cfg.Narrate.MaxToolRounds < 0 {
		errs = append(errs, errors.New("narrate.max_tool_rounds must not be negative"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm.fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.TTS.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts.fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}

	// Tool servers
	serverNamesSeen := make(map[string]int, len(cfg.Tools.Servers))
	for i, srv := range cfg.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// History
	if cfg.History.Window < 0 {
		errs = append(errs, errors.New("history.window must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
