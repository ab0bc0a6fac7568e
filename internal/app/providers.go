package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	"github.com/MrWong99/voxloop/pkg/provider/s2s"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. STT, LLM and TTS are wrapped in a fallback
// group when fallbacks are configured.
type Providers struct {
	S2S s2s.Provider
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// closers release providers holding local resources, such as a loaded
	// whisper model.
	closers []io.Closer
}

// Close releases providers that hold local resources.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Providers) track(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

// BuildProviders instantiates all providers named in cfg using reg. Every
// failure is reported; providers built before a failure are closed.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	pc := cfg.Providers
	var errs []error

	if pc.S2S.Name != "" {
		p, err := reg.CreateS2S(pc.S2S)
		if err != nil {
			errs = append(errs, err)
		} else {
			ps.S2S = p
			ps.track(p)
			slog.Info("app: provider created", "kind", "s2s", "name", pc.S2S.Name, "model", pc.S2S.Model)
		}
	}

	if pc.STT.Name != "" {
		p, err := buildSTT(ps, reg, pc.STT, pc.STTFallbacks)
		if err != nil {
			errs = append(errs, err)
		} else {
			ps.STT = p
		}
	}

	if pc.LLM.Name != "" {
		p, err := buildLLM(ps, reg, pc.LLM, pc.LLMFallbacks)
		if err != nil {
			errs = append(errs, err)
		} else {
			ps.LLM = p
		}
	}

	if pc.TTS.Name != "" {
		p, err := buildTTS(ps, reg, pc.TTS, pc.TTSFallbacks)
		if err != nil {
			errs = append(errs, err)
		} else {
			ps.TTS = p
		}
	}

	if pc.VAD.Name != "" {
		e, err := reg.CreateVAD(pc.VAD)
		if err != nil {
			errs = append(errs, err)
		} else {
			ps.VAD = e
			slog.Info("app: provider created", "kind", "vad", "name", pc.VAD.Name)
		}
	}

	if err := errors.Join(errs...); err != nil {
		if cerr := ps.Close(); cerr != nil {
			slog.Warn("app: close providers after build failure", "err", cerr)
		}
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	return ps, nil
}

// fallbackConfig names each breaker after its provider kind.
func fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("app: provider breaker state changed", "kind", kind, "name", name, "from", from, "to", to)
			},
		},
	}
}

func buildSTT(ps *Providers, reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry) (stt.Provider, error) {
	p, err := reg.CreateSTT(primary)
	if err != nil {
		return nil, err
	}
	ps.track(p)
	slog.Info("app: provider created", "kind", "stt", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewSTTFallback(p, primary.Name, fallbackConfig("stt"))
	for _, e := range fallbacks {
		fb, err := reg.CreateSTT(e)
		if err != nil {
			return nil, err
		}
		ps.track(fb)
		group.AddFallback(e.Name, fb)
		slog.Info("app: fallback provider created", "kind", "stt", "name", e.Name)
	}
	return group, nil
}

func buildLLM(ps *Providers, reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry) (llm.Provider, error) {
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, err
	}
	ps.track(p)
	slog.Info("app: provider created", "kind", "llm", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewLLMFallback(p, primary.Name, fallbackConfig("llm"))
	for _, e := range fallbacks {
		fb, err := reg.CreateLLM(e)
		if err != nil {
			return nil, err
		}
		ps.track(fb)
		group.AddFallback(e.Name, fb)
		slog.Info("app: fallback provider created", "kind", "llm", "name", e.Name)
	}
	return group, nil
}

func buildTTS(ps *Providers, reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry) (tts.Provider, error) {
	p, err := reg.CreateTTS(primary)
	if err != nil {
		return nil, err
	}
	ps.track(p)
	slog.Info("app: provider created", "kind", "tts", "name", primary.Name, "model", primary.Model)
	if len(fallbacks) == 0 {
		return p, nil
	}
	group := resilience.NewTTSFallback(p, primary.Name, fallbackConfig("tts"))
	for _, e := range fallbacks {
		fb, err := reg.CreateTTS(e)
		if err != nil {
			return nil, err
		}
		ps.track(fb)
		group.AddFallback(e.Name, fb)
		slog.Info("app: fallback provider created", "kind", "tts", "name", e.Name)
	}
	return group, nil
}
