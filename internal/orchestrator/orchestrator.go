// Package orchestrator turns a finalized utterance into a spoken reply.
//
// [Orchestrator.Handle] first tries the audio-native provider. When it is
// missing, its circuit breaker is open, or the call fails, the utterance goes
// through the fallback pipeline: transcribe, generate a reply from the
// transcript and recent channel history, then synthesize it. Every remote
// call runs under [resilience.Retry] and the whole attempt under an overall
// deadline. The outcome is a tagged [Response]; Handle never returns an
// error and never touches session state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/internal/utterance"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	"github.com/MrWong99/voxloop/pkg/provider/s2s"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// DefaultOverallTimeout bounds one Handle call.
const DefaultOverallTimeout = 25 * time.Second

// ErrNoResponsePath is returned by [New] when neither the audio-native
// provider nor the complete fallback pipeline is configured.
var ErrNoResponsePath = errors.New("orchestrator: no response path configured")

// DefaultInputFormat is the PCM format utterances are converted to before
// they are wrapped for the remote services.
var DefaultInputFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Config tunes an [Orchestrator]. Zero values select defaults.
type Config struct {
	// CallTimeout bounds each remote call attempt.
	CallTimeout time.Duration

	// RetryBackoff is the pause before retrying a transient failure.
	RetryBackoff time.Duration

	// OverallTimeout bounds primary and fallback together.
	OverallTimeout time.Duration

	// InputFormat is the PCM format sent to the services.
	InputFormat audio.Format

	// SystemPrompt prefixes every reply generation request.
	SystemPrompt string

	// MaxTokens and Temperature are passed to the LLM.
	MaxTokens   int
	Temperature float64

	// HistoryTurns is the number of exchanges remembered per channel.
	HistoryTurns int

	// PrimaryBreaker guards the audio-native provider.
	PrimaryBreaker resilience.CircuitBreakerConfig
}

func (c *Config) defaults() {
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
	if c.InputFormat.SampleRate <= 0 || c.InputFormat.Channels <= 0 {
		c.InputFormat = DefaultInputFormat
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.PrimaryBreaker.Name == "" {
		c.PrimaryBreaker.Name = "s2s"
	}
}

type named[T any] struct {
	name string
	p    T
}

// Option configures the providers of an [Orchestrator].
type Option func(*Orchestrator)

// WithPrimary sets the audio-native provider.
func WithPrimary(name string, p s2s.Provider) Option {
	return func(o *Orchestrator) { o.primary = &named[s2s.Provider]{name, p} }
}

// WithSTT sets the transcription provider of the fallback path.
func WithSTT(name string, p stt.Provider) Option {
	return func(o *Orchestrator) { o.stt = &named[stt.Provider]{name, p} }
}

// WithLLM sets the reply generation provider of the fallback path.
func WithLLM(name string, p llm.Provider) Option {
	return func(o *Orchestrator) { o.llm = &named[llm.Provider]{name, p} }
}

// WithTTS sets the synthesis provider of the fallback path.
func WithTTS(name string, p tts.Provider) Option {
	return func(o *Orchestrator) { o.tts = &named[tts.Provider]{name, p} }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator produces replies for finalized utterances. It is safe for
// concurrent use by many sessions.
type Orchestrator struct {
	cfg     Config
	retry   resilience.RetryConfig
	metrics *observe.Metrics

	primary *named[s2s.Provider]
	stt     *named[stt.Provider]
	llm     *named[llm.Provider]
	tts     *named[tts.Provider]
	breaker *resilience.CircuitBreaker

	mu        sync.Mutex
	histories map[string]*History
}

// New builds an Orchestrator. It fails with [ErrNoResponsePath] wrapped in a
// [provider.ConfigurationError] when no path can produce audio.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg.defaults()
	o := &Orchestrator{
		cfg: cfg,
		retry: resilience.RetryConfig{
			CallTimeout: cfg.CallTimeout,
			Backoff:     cfg.RetryBackoff,
		},
		histories: make(map[string]*History),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.primary == nil && !o.fallbackReady() {
		return nil, provider.Configuration("orchestrator", ErrNoResponsePath)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.breaker = resilience.NewCircuitBreaker(cfg.PrimaryBreaker)
	return o, nil
}

func (o *Orchestrator) fallbackReady() bool {
	return o.stt != nil && o.llm != nil && o.tts != nil
}

// HasPrimary reports whether an audio-native provider is configured.
func (o *Orchestrator) HasPrimary() bool { return o.primary != nil }

// HasFallback reports whether the full fallback pipeline is configured.
func (o *Orchestrator) HasFallback() bool { return o.fallbackReady() }

// PrimaryState returns the state of the audio-native circuit breaker.
func (o *Orchestrator) PrimaryState() resilience.State { return o.breaker.State() }

// Handle produces a reply for u. It blocks until a response is ready, the
// overall timeout expires or ctx is cancelled.
func (o *Orchestrator) Handle(ctx context.Context, u *utterance.Utterance) Response {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()

	ctx = observe.WithChannel(ctx, u.ChannelID)
	ctx, span := observe.StartSpan(ctx, "orchestrator.handle", trace.WithAttributes(
		attribute.String("utterance.id", u.ID),
		attribute.String("speaker.id", u.SpeakerID),
		attribute.Float64("utterance.seconds", u.Duration.Seconds()),
	))
	defer span.End()
	log := observe.Logger(ctx).With("utterance", u.ID, "speaker", u.SpeakerID)

	resp := o.handle(ctx, u)

	switch r := resp.(type) {
	case AudioResponse:
		r.Latency = time.Since(start)
		span.SetAttributes(attribute.String("path", r.Path.String()))
		o.metrics.OrchestratorDuration.Record(ctx, r.Latency.Seconds(), metricPath(r.Path.String()))
		log.Info("orchestrator: reply ready", "path", r.Path, "latency", r.Latency, "reply_bytes", len(r.Audio))
		return r
	case FailureResponse:
		r.Latency = time.Since(start)
		if r.Reason == ReasonTimeout && !provider.IsTimeout(r.Err) {
			r.Err = &provider.TimeoutError{Op: "orchestrator", After: o.cfg.OverallTimeout, Err: r.Err}
		}
		span.SetStatus(codes.Error, r.Reason.String())
		if r.Err != nil {
			span.RecordError(r.Err)
		}
		o.metrics.OrchestratorDuration.Record(ctx, r.Latency.Seconds(), metricPath("failed"))
		log.Warn("orchestrator: no reply", "reason", r.Reason, "latency", r.Latency, "err", r.Err)
		return r
	}
	return resp
}

func (o *Orchestrator) handle(ctx context.Context, u *utterance.Utterance) Response {
	wav, err := o.container(u)
	if err != nil {
		return FailureResponse{Reason: ReasonConfiguration, Err: err}
	}

	var primaryErr error
	if o.primary != nil {
		out, err := o.tryPrimary(ctx, wav)
		if err == nil {
			return AudioResponse{Audio: out, Path: PathPrimary}
		}
		primaryErr = err
		if ctx.Err() != nil {
			return o.failure(ctx, err)
		}
		if o.fallbackReady() {
			observe.Logger(ctx).Warn("orchestrator: primary path failed, falling back",
				"provider", o.primary.name, "class", errorClass(err), "err", err)
		}
	}

	if !o.fallbackReady() {
		return o.failure(ctx, primaryErr)
	}
	return o.fallback(ctx, u, wav)
}

// container converts the utterance to the input format and wraps it as WAV.
func (o *Orchestrator) container(u *utterance.Utterance) ([]byte, error) {
	conv := audio.FormatConverter{Target: o.cfg.InputFormat}
	pcm := conv.Convert(u.PCM(), u.Format())
	wav, err := codec.EncodeContainer(pcm, o.cfg.InputFormat, codec.ContainerWAV)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode utterance: %w", err)
	}
	return wav, nil
}

func (o *Orchestrator) tryPrimary(ctx context.Context, wav []byte) ([]byte, error) {
	var out []byte
	err := o.breaker.Execute(func() error {
		var err error
		out, err = call(ctx, o, o.primary.name, observe.KindS2S, func(ctx context.Context) ([]byte, error) {
			return o.primary.p.SubmitAudio(ctx, wav)
		})
		if err == nil {
			if _, _, derr := codec.DecodeWAV(out); derr != nil {
				err = provider.Configuration(o.primary.name, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, derr))
			}
		}
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		observe.Logger(ctx).Debug("orchestrator: primary circuit open, skipping", "provider", o.primary.name)
		return nil, &provider.ServiceError{Op: o.primary.name, Err: err}
	}
	if provider.IsConfiguration(err) {
		o.breaker.Trip()
	}
	return out, err
}

func (o *Orchestrator) fallback(ctx context.Context, u *utterance.Utterance, wav []byte) Response {
	transcript, err := call(ctx, o, o.stt.name, observe.KindSTT, func(ctx context.Context) (string, error) {
		return o.stt.p.Transcribe(ctx, wav)
	})
	if err != nil {
		return o.failure(ctx, err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return FailureResponse{Reason: ReasonEmptyTranscript}
	}

	reply, err := o.generateReply(ctx, u.ChannelID, u.SpeakerID, transcript)
	if err != nil {
		return o.failure(ctx, err)
	}

	out, err := call(ctx, o, o.tts.name, observe.KindTTS, func(ctx context.Context) ([]byte, error) {
		return o.tts.p.Synthesize(ctx, reply)
	})
	if err != nil {
		return o.failure(ctx, err)
	}

	o.History(u.ChannelID).Add(u.SpeakerID, transcript, reply)
	return AudioResponse{Audio: out, Path: PathFallback, Transcript: transcript, ReplyText: reply}
}

// generateReply asks the LLM for a reply to transcript given the channel's
// recent exchanges.
func (o *Orchestrator) generateReply(ctx context.Context, channelID, speakerID, transcript string) (string, error) {
	msgs := o.History(channelID).Messages()
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: transcript, Name: speakerID})
	req := llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: o.cfg.SystemPrompt,
		MaxTokens:    o.cfg.MaxTokens,
		Temperature:  o.cfg.Temperature,
	}
	resp, err := call(ctx, o, o.llm.name, observe.KindLLM, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return o.llm.p.Complete(ctx, req)
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", &provider.ServiceError{Op: o.llm.name, Err: errors.New("empty reply")}
	}
	reply := llm.Speakable(resp.Content)
	if reply == "" {
		return "", &provider.ServiceError{Op: o.llm.name, Err: errors.New("empty reply")}
	}
	if resp.Truncated() {
		observe.Logger(ctx).Warn("orchestrator: reply cut off by token limit", "provider", o.llm.name, "max_tokens", o.cfg.MaxTokens)
	}
	return reply, nil
}

// History returns the exchange history of channelID, creating it on first
// use.
func (o *Orchestrator) History(channelID string) *History {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.histories[channelID]
	if !ok {
		h = NewHistory(o.cfg.HistoryTurns)
		o.histories[channelID] = h
	}
	return h
}

// Forget drops the history of a channel the bot left.
func (o *Orchestrator) Forget(channelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.histories, channelID)
}

// failure turns err into a FailureResponse, preferring the overall deadline
// or cancellation when ctx has ended.
func (o *Orchestrator) failure(ctx context.Context, err error) FailureResponse {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil {
			err = ctxErr
		}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return FailureResponse{Reason: ReasonTimeout, Err: err}
		}
		return FailureResponse{Reason: ReasonCancelled, Err: err}
	}
	if err == nil {
		err = ErrNoResponsePath
		return FailureResponse{Reason: ReasonConfiguration, Err: err}
	}
	return FailureResponse{Reason: reasonFor(err), Err: err}
}

// call runs fn under the retry policy inside a child span and records
// provider metrics.
func call[T any](ctx context.Context, o *Orchestrator, name, kind string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := observe.StartSpan(ctx, kind+".call", trace.WithAttributes(attribute.String("provider", name)))
	defer span.End()

	start := time.Now()
	v, err := resilience.Retry(ctx, name, o.retry, fn)
	o.metrics.RecordProviderCall(ctx, name, kind, time.Since(start), errorClass(err))
	if err != nil {
		span.SetStatus(codes.Error, errorClass(err))
		span.RecordError(err)
	}
	return v, err
}

func metricPath(path string) metric.RecordOption {
	return metric.WithAttributes(attribute.String("path", path))
}
