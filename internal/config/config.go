// Package config provides the configuration schema, loader, and provider registry
// for the voxloop voice session server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the server.
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

// Slog maps l to the matching slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSilenceDuration = 1500 * time.Millisecond
	DefaultMinUtterance    = 300 * time.Millisecond
	DefaultMaxUtterance    = 60 * time.Second
	DefaultJitterWindow    = 60 * time.Millisecond
	DefaultSampleRate      = 48000
	DefaultChannels        = 2
	DefaultCallTimeout     = 10 * time.Second
	DefaultOverallTimeout  = 25 * time.Second
	DefaultRetryBackoff    = 250 * time.Millisecond
	DefaultHistoryTurns    = 10
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Discord      DiscordConfig      `yaml:"discord"`
	Voice        VoiceConfig        `yaml:"voice"`
	Audio        AudioConfig        `yaml:"audio"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DiscordConfig identifies the bot and the guild it serves.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`

	// AdminRoleID, when set, is required to run /togglevoice.
	AdminRoleID string `yaml:"admin_role_id"`
}

// VoiceConfig controls session behaviour. Enabled and AutoJoin are pointers
// so an omitted key can be told apart from an explicit false.
type VoiceConfig struct {
	Enabled  *bool `yaml:"enabled"`
	AutoJoin *bool `yaml:"auto_join"`

	// SilenceDuration closes an utterance after this much quiet.
	SilenceDuration time.Duration `yaml:"silence_duration"`

	// MinUtterance discards shorter voiced spans as noise.
	MinUtterance time.Duration `yaml:"min_utterance"`

	// MaxUtterance force-closes longer utterances.
	MaxUtterance time.Duration `yaml:"max_utterance"`

	// JitterWindow is how much audio is held back to reorder packets.
	JitterWindow time.Duration `yaml:"jitter_window"`
}

// IsEnabled reports whether voice handling is on. Unset means true.
func (v VoiceConfig) IsEnabled() bool { return v.Enabled == nil || *v.Enabled }

// IsAutoJoin reports whether auto-join is on. Unset means true.
func (v VoiceConfig) IsAutoJoin() bool { return v.AutoJoin == nil || *v.AutoJoin }

// AudioConfig is the PCM format the capture path decodes to.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the audio-native primary path.
	S2S ProviderEntry `yaml:"s2s"`

	// STT, LLM and TTS form the fallback path.
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// Fallbacks are tried in order when the corresponding provider fails.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`

	// VAD selects the voice activity engine. Empty selects energy detection.
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// OptString returns the string option key, or "" when absent or not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat returns the numeric option key, or 0.
func (e ProviderEntry) OptFloat(key string) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// OrchestratorConfig tunes reply generation.
type OrchestratorConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	OverallTimeout time.Duration `yaml:"overall_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`

	// SystemPrompt prefixes every fallback reply request.
	SystemPrompt string `yaml:"system_prompt"`

	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	HistoryTurns int     `yaml:"history_turns"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	v := &cfg.Voice
	if v.SilenceDuration == 0 {
		v.SilenceDuration = DefaultSilenceDuration
	}
	if v.MinUtterance == 0 {
		v.MinUtterance = DefaultMinUtterance
	}
	if v.MaxUtterance == 0 {
		v.MaxUtterance = DefaultMaxUtterance
	}
	if v.JitterWindow == 0 {
		v.JitterWindow = DefaultJitterWindow
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	o := &cfg.Orchestrator
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.OverallTimeout == 0 {
		o.OverallTimeout = DefaultOverallTimeout
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.HistoryTurns == 0 {
		o.HistoryTurns = DefaultHistoryTurns
	}
}

// HasResponsePath reports whether the configured providers can produce a
// reply: the audio-native provider, or the complete fallback pipeline.
func (c *Config) HasResponsePath() bool {
	p := c.Providers
	return p.S2S.Name != "" || (p.STT.Name != "" && p.LLM.Name != "" && p.TTS.Name != "")
}
