package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and the narration template parameters can be applied
// without a restart; every other change is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ParamsChanged bool
	NewParams     map[string]string

	// RestartRequired lists config sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !maps.Equal(old.Narrate.Params, new.Narrate.Params) {
		d.ParamsChanged = true
		d.NewParams = new.Narrate.Params
	}

	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.metrics_addr")
	}
	if old.MPD != new.MPD {
		d.RestartRequired = append(d.RestartRequired, "mpd")
	}
	if old.Clips != new.Clips {
		d.RestartRequired = append(d.RestartRequired, "clips")
	}
	if !reflect.DeepEqual(narrateFixed(old.Narrate), narrateFixed(new.Narrate)) {
		d.RestartRequired = append(d.RestartRequired, "narrate")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Tools, new.Tools) {
		d.RestartRequired = append(d.RestartRequired, "tools")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}

	return d
}

// narrateFixed strips the hot-reloadable Params field so the rest of the
// narrate section can be compared directly.
func narrateFixed(n NarrateConfig) NarrateConfig {
	n.Params = nil
	return n
}
