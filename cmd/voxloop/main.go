// Command voxloop is the voice assistant server: it joins a Discord voice
// channel, listens to the people speaking there and answers them by voice.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxloop/internal/app"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/discord"
	"github.com/MrWong99/voxloop/internal/discord/commands"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	"github.com/MrWong99/voxloop/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/voxloop/pkg/provider/llm/openai"
	"github.com/MrWong99/voxloop/pkg/provider/s2s"
	oais2s "github.com/MrWong99/voxloop/pkg/provider/s2s/openai"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/voxloop/pkg/provider/stt/openai"
	"github.com/MrWong99/voxloop/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	"github.com/MrWong99/voxloop/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxloop/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/voxloop/pkg/provider/tts/openai"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
	"github.com/MrWong99/voxloop/pkg/provider/vad/energy"
	"github.com/MrWong99/voxloop/pkg/provider/vad/webrtc"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (empty: environment only)")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		return 1
	}

	// application is assigned below; the watcher only calls back from Run.
	var application *app.App
	var watcher *config.Watcher
	var cfg *config.Config
	var err error
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		})
		if err == nil {
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load("")
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxloop: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		}
		return 1
	}
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("voxloop starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxloop",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discord.New(ctx, discord.Config{
		Token:       cfg.Discord.Token,
		GuildID:     cfg.Discord.GuildID,
		AdminRoleID: cfg.Discord.AdminRoleID,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		_ = providers.Close()
		return 1
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}()
	slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers, bot.Platform(),
		app.WithLevelVar(level),
		app.WithGateway(bot.Open),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Close()
		return 1
	}

	commands.NewVoiceCommands(application.Manager(), bot.Gate(), bot.UserVoiceChannel,
		commands.WithReplyStats(application.ReplyStats()),
	).Register(bot.Router())

	application.Add("discord", bot)
	application.Add("notifier", discord.NewNotifier(bot.Session(), application.Manager()))
	if watcher != nil {
		application.Add("config", watcher)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Voice channels are left before the gateway closes.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMProviders share the same wiring: optional API key and base URL.
var anyLLMProviders = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────
	reg.RegisterS2S("openai", func(e config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if e.Model != "" {
			opts = append(opts, oais2s.WithModel(e.Model))
		}
		if v := e.OptString("voice"); v != "" {
			opts = append(opts, oais2s.WithVoice(v))
		}
		if v := e.OptString("instructions"); v != "" {
			opts = append(opts, oais2s.WithInstructions(v))
		}
		if e.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(e.BaseURL))
		}
		return oais2s.New(e.APIKey, opts...)
	})

	reg.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.RealtimeOption
		if e.Model != "" {
			opts = append(opts, oais2s.WithRealtimeModel(e.Model))
		}
		if v := e.OptString("voice"); v != "" {
			opts = append(opts, oais2s.WithRealtimeVoice(v))
		}
		if v := e.OptString("instructions"); v != "" {
			opts = append(opts, oais2s.WithRealtimeInstructions(v))
		}
		if e.BaseURL != "" {
			opts = append(opts, oais2s.WithRealtimeBaseURL(e.BaseURL))
		}
		return oais2s.NewRealtime(e.APIKey, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if e.Model != "" {
			opts = append(opts, oaistt.WithModel(e.Model))
		}
		if lang := e.OptString("language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(e.BaseURL))
		}
		return oaistt.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if kw := keywordBoosts(e.Options); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := e.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath := e.Model
		if modelPath == "" {
			modelPath = e.OptString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := e.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := int(e.OptFloat("concurrency")); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		if org := e.OptString("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})

	for _, name := range anyLLMProviders {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return anyllm.New("ollama", e.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if e.Model != "" {
			opts = append(opts, oaitts.WithModel(e.Model))
		}
		if v := e.OptString("voice"); v != "" {
			opts = append(opts, oaitts.WithVoice(v))
		}
		if s := e.OptFloat("speed"); s > 0 {
			opts = append(opts, oaitts.WithSpeed(s))
		}
		if e.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(e.BaseURL))
		}
		return oaitts.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.OptString("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		return elevenlabs.New(e.APIKey, e.OptString("voice_id"), opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := e.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if v := e.OptString("voice"); v != "" {
			opts = append(opts, coqui.WithVoice(v))
		}
		if mode := e.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("webrtc", func(e config.ProviderEntry) (vad.Engine, error) {
		var opts []webrtc.Option
		if m := e.Options["mode"]; m != nil {
			opts = append(opts, webrtc.WithMode(int(e.OptFloat("mode"))))
		}
		if t := e.OptFloat("rms_threshold"); t > 0 {
			opts = append(opts, webrtc.WithRMSThreshold(t))
		}
		return webrtc.New(opts...)
	})

	reg.RegisterVAD("energy", func(e config.ProviderEntry) (vad.Engine, error) {
		return energy.New(e.OptFloat("threshold")), nil
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// keywordBoosts reads the "keywords" option of a Deepgram entry, a map of
// term to boost.
func keywordBoosts(opts map[string]any) map[string]float64 {
	raw, ok := opts["keywords"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		}
	}
	return out
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxloop, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("S2S", cfg.Providers.S2S.Name, cfg.Providers.S2S.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  Voice enabled   : %-19t ║\n", cfg.Voice.IsEnabled())
	fmt.Printf("║  Auto join       : %-19t ║\n", cfg.Voice.IsAutoJoin())
	fmt.Printf("║  Silence         : %-19s ║\n", cfg.Voice.SilenceDuration)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
