// Package openai provides a TTS provider backed by the OpenAI speech
// endpoint. Audio is requested as raw 24 kHz PCM and wrapped in a WAV
// container.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/internal/oaierr"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultModel = "tts-1"
	defaultVoice = "shimmer"

	op = "openai tts"
)

// outputFormat is what the speech endpoint returns for response_format=pcm.
var outputFormat = audio.Format{SampleRate: 24000, Channels: 1}

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the speech model ("tts-1", "tts-1-hd", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice name.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithSpeed sets the playback speed in [0.25, 4.0]. Zero keeps the default.
func WithSpeed(speed float64) Option {
	return func(p *Provider) { p.speed = speed }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider using OpenAI speech synthesis.
type Provider struct {
	client     oai.Client
	model      string
	voice      string
	speed      float64
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider. An empty apiKey is a [provider.ConfigurationError].
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.MissingCredential(op, "api_key")
	}
	p := &Provider{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(p)
	}
	if p.speed != 0 && (p.speed < 0.25 || p.speed > 4) {
		return nil, provider.Configuration(op, fmt.Errorf("speed %.2f outside [0.25, 4]", p.speed))
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

// Synthesize renders text and returns a 24 kHz mono WAV container.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, provider.Configuration(op, errors.New("empty text"))
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, oaierr.Classify(op, err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Classify(op, fmt.Errorf("read body: %w", err))
	}
	if len(pcm) == 0 {
		return nil, &provider.ServiceError{Op: op, Err: errors.New("empty audio")}
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return codec.EncodeWAV(pcm, outputFormat), nil
}
