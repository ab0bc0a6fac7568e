// Package app wires the voxloop subsystems into a running application.
//
// New builds the orchestrator, the session manager and the HTTP surface
// from a loaded config and the instantiated providers. Run executes the
// long-lived goroutines (HTTP server plus any attached runners such as the
// Discord bot and the config watcher) in one errgroup, and Shutdown tears
// everything down in order.
//
// For testing, pass a mock [audio.Platform] and leave the runners out.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/discord"
	"github.com/MrWong99/voxloop/internal/endpoint"
	"github.com/MrWong99/voxloop/internal/health"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/utterance"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// serverShutdownTimeout bounds draining the HTTP server on cancellation.
const serverShutdownTimeout = 5 * time.Second

// Runner is a long-lived component executed by [App.Run]. Run must return
// once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to [Runner].
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

type namedRunner struct {
	name string
	r    Runner
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	platform  audio.Platform
	metrics   *observe.Metrics
	level     *slog.LevelVar
	gateway   func() bool

	orch      *orchestrator.Orchestrator
	orchErr   error
	registry  *session.Registry
	mgr       *session.Manager
	stats     *discord.ReplyStats
	handler   http.Handler
	server    *http.Server
	responder session.Responder

	mu      sync.Mutex
	runners []namedRunner
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithGateway adds a readiness check reporting whether the chat gateway
// is connected.
func WithGateway(open func() bool) Option {
	return func(a *App) { a.gateway = open }
}

// New creates an App. platform provides the voice connections; providers
// come from [BuildProviders]. A config without a usable response path is
// not an error: sessions still run, every utterance yields a configuration
// failure and readiness reports the problem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, platform audio.Platform, opts ...Option) (*App, error) {
	if platform == nil {
		return nil, errors.New("app: voice platform is required")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		platform:  platform,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── Orchestrator ─────────────────────────────────────────────────────
	a.initOrchestrator()

	// ── Sessions ─────────────────────────────────────────────────────────
	a.stats = discord.NewReplyStats(100)
	a.registry = session.NewRegistry()
	a.mgr = session.NewManager(platform, a.registry, a.stats.Wrap(a.responder), sessionConfig(cfg, providers, a.metrics),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.mgr.Close, providers.Close)

	// ── HTTP surface ─────────────────────────────────────────────────────
	a.initHTTP()

	// Drop the conversation history of channels the bot left.
	a.Add("history", RunnerFunc(a.forgetOnLeave))

	slog.InfoContext(ctx, "app: initialised",
		"primary", a.orch != nil && a.orch.HasPrimary(),
		"fallback", a.orch != nil && a.orch.HasFallback(),
		"voice_enabled", cfg.Voice.IsEnabled(),
		"auto_join", cfg.Voice.IsAutoJoin(),
	)
	return a, nil
}

func (a *App) initOrchestrator() {
	oc := a.cfg.Orchestrator
	var opts []orchestrator.Option
	p := a.providers
	if p.S2S != nil {
		opts = append(opts, orchestrator.WithPrimary(a.cfg.Providers.S2S.Name, p.S2S))
	}
	if p.STT != nil {
		opts = append(opts, orchestrator.WithSTT(a.cfg.Providers.STT.Name, p.STT))
	}
	if p.LLM != nil {
		opts = append(opts, orchestrator.WithLLM(a.cfg.Providers.LLM.Name, p.LLM))
	}
	if p.TTS != nil {
		opts = append(opts, orchestrator.WithTTS(a.cfg.Providers.TTS.Name, p.TTS))
	}
	opts = append(opts, orchestrator.WithMetrics(a.metrics))

	orch, err := orchestrator.New(orchestrator.Config{
		CallTimeout:    oc.CallTimeout,
		RetryBackoff:   oc.RetryBackoff,
		OverallTimeout: oc.OverallTimeout,
		InputFormat:    audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels},
		SystemPrompt:   oc.SystemPrompt,
		MaxTokens:      oc.MaxTokens,
		Temperature:    oc.Temperature,
		HistoryTurns:   oc.HistoryTurns,
	}, opts...)
	if err != nil {
		slog.Error("app: no response path, every utterance will fail until providers are configured", "err", err)
		a.orchErr = err
		a.responder = session.ResponderFunc(func(context.Context, *utterance.Utterance) orchestrator.Response {
			return orchestrator.FailureResponse{Reason: orchestrator.ReasonConfiguration, Err: err}
		})
		return
	}
	a.orch = orch
	a.responder = orch
}

func (a *App) initHTTP() {
	checks := []health.Checker{
		health.ResponsePathCheck(func() bool { return a.orch != nil }),
	}
	if a.gateway != nil {
		checks = append(checks, health.GatewayCheck(a.gateway))
	}
	h := health.New(checks...).WithSessions(a.sessionInfo)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", observe.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// sessionInfo lists the sessions for /readyz.
func (a *App) sessionInfo() []health.SessionInfo {
	var out []health.SessionInfo
	for _, s := range a.registry.Snapshot() {
		st := s.Status()
		out = append(out, health.SessionInfo{
			ChannelID: st.ChannelID,
			State:     st.State.String(),
			Members:   len(st.Members),
		})
	}
	return out
}

// sessionConfig translates the loaded config into pipeline settings.
func sessionConfig(cfg *config.Config, p *Providers, m *observe.Metrics) session.Config {
	return session.Config{
		Endpoint: endpoint.Config{
			SilenceDuration: cfg.Voice.SilenceDuration,
			MinUtterance:    cfg.Voice.MinUtterance,
		},
		Buffer: utterance.Config{
			JitterWindow:  cfg.Voice.JitterWindow,
			MaxDuration:   cfg.Voice.MaxUtterance,
			FrameDuration: 20 * time.Millisecond,
		},
		VAD:          p.VAD,
		Playback:     []playback.Option{playback.WithMetrics(m)},
		VoiceEnabled: cfg.Voice.IsEnabled(),
		AutoJoin:     cfg.Voice.IsAutoJoin(),
	}
}

// Manager returns the session manager driven by the command layer.
func (a *App) Manager() *session.Manager { return a.mgr }

// ReplyStats returns the reply statistics shown by /voicestatus.
func (a *App) ReplyStats() *discord.ReplyStats { return a.stats }

// Handler returns the HTTP handler serving health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Add attaches a runner executed by [App.Run]. Runners added after Run
// started are ignored.
func (a *App) Add(name string, r Runner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runners = append(a.runners, namedRunner{name: name, r: r})
}

// AddCloser registers fn to be called by [App.Shutdown] after the session
// manager is closed.
func (a *App) AddCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Run serves HTTP and executes every attached runner until ctx is
// cancelled or one of them fails. It returns nil after a clean
// cancellation.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	runners := append([]namedRunner(nil), a.runners...)
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serve(gctx) })
	for _, nr := range runners {
		g.Go(func() error {
			if err := nr.r.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: %s: %w", nr.name, err)
			}
			return nil
		})
	}

	slog.Info("app: running", "listen_addr", a.cfg.Server.ListenAddr, "runners", len(runners))
	return g.Wait()
}

// serve runs the HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errc <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

// forgetOnLeave clears the orchestrator history of channels whose session
// went idle.
func (a *App) forgetOnLeave(ctx context.Context) error {
	if a.orch == nil {
		return nil
	}
	changes, unsubscribe := a.mgr.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.To == session.StateIdle {
				a.orch.Forget(c.ChannelID)
			}
		}
	}
}

// ApplyConfig applies the hot-reloadable part of a config change to the
// running app. It is the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SilenceDurationChanged {
		a.mgr.SetSilenceDuration(d.SilenceDuration)
		slog.Info("app: silence duration changed", "silence_duration", d.SilenceDuration)
	}
	if d.AutoJoinChanged {
		a.mgr.SetAutoJoin(d.AutoJoin)
	}
	if d.VoiceEnabledChanged {
		a.mgr.SetVoiceEnabled(d.VoiceEnabled)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown closes the session manager (leaving every channel) and runs the
// remaining closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		closers := append([]func() error(nil), a.closers...)
		a.mu.Unlock()

		slog.Info("app: shutting down", "closers", len(closers))
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
