package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs. Voice, endpoint and
// log settings can be applied to a running server; provider, Discord, audio
// and server address changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceEnabledChanged bool
	VoiceEnabled        bool

	AutoJoinChanged bool
	AutoJoin        bool

	SilenceDurationChanged bool
	SilenceDuration        time.Duration

	// RestartRequired lists the sections whose changes are not hot-reloaded.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceEnabledChanged && !d.AutoJoinChanged &&
		!d.SilenceDurationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.IsEnabled() != new.Voice.IsEnabled() {
		d.VoiceEnabledChanged = true
		d.VoiceEnabled = new.Voice.IsEnabled()
	}
	if old.Voice.IsAutoJoin() != new.Voice.IsAutoJoin() {
		d.AutoJoinChanged = true
		d.AutoJoin = new.Voice.IsAutoJoin()
	}
	if old.Voice.SilenceDuration != new.Voice.SilenceDuration {
		d.SilenceDurationChanged = true
		d.SilenceDuration = new.Voice.SilenceDuration
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Voice.MinUtterance != new.Voice.MinUtterance ||
		old.Voice.MaxUtterance != new.Voice.MaxUtterance ||
		old.Voice.JitterWindow != new.Voice.JitterWindow {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Orchestrator != new.Orchestrator {
		d.RestartRequired = append(d.RestartRequired, "orchestrator")
	}

	return d
}
