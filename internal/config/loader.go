package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"openai", "openai-realtime"},
	"stt": {"openai", "deepgram", "whisper", "whisper-native"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
	"vad": {"webrtc", "energy"},
}

// openAINames are the provider names that authenticate with OPENAI_KEY.
var openAINames = []string{"openai", "openai-realtime"}

// supportedSampleRates are the rates Opus can decode to.
var supportedSampleRates = []int{8000, 12000, 16000, 24000, 48000}

// LoadDotEnv loads variables from the given .env files (default ".env") into
// the process environment. Missing files are ignored; variables already set
// take precedence.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("config: no env file found", "path", f)
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result. An empty path configures
// the server from the environment alone.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := load(data, os.LookupEnv)
	if err != nil {
		if path == "" {
			return nil, err
		}
		return nil, fmt.Errorf("config: load %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables found through lookup
// (typically [os.LookupEnv]):
//
//	DISCORD_TOKEN, DISCORD_GUILD_ID   discord credentials
//	OPENAI_KEY                        API key of OpenAI-backed providers without one
//	VOICE_ENABLED, VOICE_AUTO_JOIN    booleans
//	VOICE_SILENCE_DURATION            seconds, fractional allowed
//	AUDIO_SAMPLE_RATE                 Hz
//	LOG_LEVEL                         debug, info, warn or error
//
// Malformed values are reported together.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get("DISCORD_TOKEN"); ok {
		cfg.Discord.Token = v
	}
	if v, ok := get("DISCORD_GUILD_ID"); ok {
		cfg.Discord.GuildID = v
	}
	if v, ok := get("OPENAI_KEY"); ok {
		applyOpenAIKey(&cfg.Providers, v)
	}
	if v, ok := get("VOICE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOICE_ENABLED %q: %w", v, err))
		} else {
			cfg.Voice.Enabled = &b
		}
	}
	if v, ok := get("VOICE_AUTO_JOIN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOICE_AUTO_JOIN %q: %w", v, err))
		} else {
			cfg.Voice.AutoJoin = &b
		}
	}
	if v, ok := get("VOICE_SILENCE_DURATION"); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("VOICE_SILENCE_DURATION %q: %w", v, err))
		} else {
			cfg.Voice.SilenceDuration = time.Duration(secs * float64(time.Second))
		}
	}
	if v, ok := get("AUDIO_SAMPLE_RATE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUDIO_SAMPLE_RATE %q: %w", v, err))
		} else {
			cfg.Audio.SampleRate = n
		}
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func applyOpenAIKey(p *ProvidersConfig, key string) {
	fill := func(e *ProviderEntry) {
		if e.APIKey == "" && slices.Contains(openAINames, e.Name) {
			e.APIKey = key
		}
	}
	fill(&p.S2S)
	fill(&p.STT)
	fill(&p.LLM)
	fill(&p.TTS)
	for _, list := range [][]ProviderEntry{p.STTFallbacks, p.LLMFallbacks, p.TTSFallbacks} {
		for i := range list {
			fill(&list[i])
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set DISCORD_TOKEN)"))
	}
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required (or set DISCORD_GUILD_ID)"))
	}

	// Voice
	v := cfg.Voice
	if v.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("voice.silence_duration %v must be positive", v.SilenceDuration))
	}
	if v.MinUtterance < 0 {
		errs = append(errs, fmt.Errorf("voice.min_utterance %v must not be negative", v.MinUtterance))
	}
	if v.JitterWindow < 0 {
		errs = append(errs, fmt.Errorf("voice.jitter_window %v must not be negative", v.JitterWindow))
	}
	if v.MaxUtterance < 0 || (v.MaxUtterance > 0 && v.MaxUtterance <= v.MinUtterance) {
		errs = append(errs, fmt.Errorf("voice.max_utterance %v must exceed min_utterance %v", v.MaxUtterance, v.MinUtterance))
	}

	// Audio
	if cfg.Audio.SampleRate != 0 && !slices.Contains(supportedSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %v", cfg.Audio.SampleRate, supportedSampleRates))
	}
	if c := cfg.Audio.Channels; c != 0 && c != 1 && c != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", c))
	}

	// Orchestrator
	o := cfg.Orchestrator
	if o.CallTimeout < 0 || o.OverallTimeout < 0 || o.RetryBackoff < 0 {
		errs = append(errs, errors.New("orchestrator timeouts must not be negative"))
	}
	if o.CallTimeout > 0 && o.OverallTimeout > 0 && o.CallTimeout > o.OverallTimeout {
		errs = append(errs, fmt.Errorf("orchestrator.call_timeout %v exceeds overall_timeout %v", o.CallTimeout, o.OverallTimeout))
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		errs = append(errs, fmt.Errorf("orchestrator.temperature %.2f is out of range [0, 2]", o.Temperature))
	}
	if o.MaxTokens < 0 || o.HistoryTurns < 0 {
		errs = append(errs, errors.New("orchestrator.max_tokens and history_turns must not be negative"))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("s2s", p.S2S.Name)
	validateProviderName("stt", p.STT.Name)
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("vad", p.VAD.Name)
	errs = append(errs, validateFallbacks("stt", p.STT, p.STTFallbacks)...)
	errs = append(errs, validateFallbacks("llm", p.LLM, p.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("tts", p.TTS, p.TTSFallbacks)...)

	if !cfg.HasResponsePath() {
		slog.Warn("config: no response path configured; set providers.s2s or all of providers.stt, providers.llm and providers.tts")
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks requires providers.%s", kind, kind))
	}
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
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
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
