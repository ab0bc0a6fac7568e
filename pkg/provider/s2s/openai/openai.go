// Package openai implements the s2s.Provider interface for OpenAI's audio
// capable models.
//
// Two transports are offered. [Provider] submits the utterance to the chat
// completions endpoint with audio input and output modalities, which is a
// single request and response. [Realtime] opens a Realtime API WebSocket per
// utterance, streams the audio in, and collects the audio deltas of one
// response. Both exchange WAV containers with the caller.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/internal/oaierr"
	"github.com/MrWong99/voxloop/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)

const (
	defaultModel = "gpt-audio-mini"
	defaultVoice = "shimmer"

	op = "openai s2s"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the chat model. It must accept audio input and output.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice of the spoken reply.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithInstructions adds a system message ahead of the user's audio.
func WithInstructions(text string) Option {
	return func(p *Provider) { p.instructions = text }
}

// WithBaseURL overrides the API base URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements s2s.Provider over chat completions.
type Provider struct {
	client       oai.Client
	model        string
	voice        string
	instructions string
	baseURL      string
	httpClient   *http.Client
}

// New creates a Provider. An empty apiKey is a [provider.ConfigurationError].
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.MissingCredential(op, "api_key")
	}
	p := &Provider{
		model: defaultModel,
		voice: defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(p.httpClient))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// SubmitAudio sends one WAV utterance and returns the spoken WAV reply.
func (p *Provider) SubmitAudio(ctx context.Context, audio []byte) ([]byte, error) {
	if len(audio) == 0 {
		return nil, &provider.ServiceError{Op: op, Err: errors.New("empty audio")}
	}
	start := time.Now()

	var messages []oai.ChatCompletionMessageParamUnion
	if p.instructions != "" {
		messages = append(messages, oai.SystemMessage(p.instructions))
	}
	messages = append(messages, oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
		oai.InputAudioContentPart(oai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   base64.StdEncoding.EncodeToString(audio),
			Format: "wav",
		}),
	}))

	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:      shared.ChatModel(p.model),
		Modalities: []string{"text", "audio"},
		Audio: oai.ChatCompletionAudioParam{
			Voice:  oai.ChatCompletionAudioParamVoice(p.voice),
			Format: oai.ChatCompletionAudioParamFormatWAV,
		},
		Messages: messages,
	})
	if err != nil {
		return nil, oaierr.Classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.ServiceError{Op: op, Err: errors.New("empty choices in response")}
	}
	msg := resp.Choices[0].Message
	if msg.Audio.Data == "" {
		return nil, &provider.ServiceError{Op: op, Err: errors.New("response carried no audio")}
	}

	out, err := base64.StdEncoding.DecodeString(msg.Audio.Data)
	if err != nil {
		return nil, &provider.ServiceError{Op: op, Err: fmt.Errorf("decode audio: %w", err)}
	}
	if _, _, err := codec.DecodeWAV(out); err != nil {
		return nil, provider.Configuration(op, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, err))
	}

	slog.Debug("openai s2s: reply received",
		"model", p.model,
		"in_bytes", len(audio),
		"out_bytes", len(out),
		"transcript", msg.Audio.Transcript,
		"elapsed", time.Since(start),
	)
	return out, nil
}
