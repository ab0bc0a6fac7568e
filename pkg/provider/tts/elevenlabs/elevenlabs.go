// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface; the streamed PCM chunks of one reply are collected and returned
// as a single WAV container.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"

	op = "elevenlabs tts"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the PCM output format ("pcm_16000", "pcm_22050",
// "pcm_24000" or "pcm_44100").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the WebSocket base URL. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
	format       audio.Format
}

// New creates a new ElevenLabs Provider for voiceID. Both apiKey and voiceID
// must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.MissingCredential(op, "api_key")
	}
	if voiceID == "" {
		return nil, provider.Configuration(op, errors.New("voice ID must not be empty"))
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, provider.Configuration(op, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, err))
	}
	p.format = audio.Format{SampleRate: rate, Channels: 1}
	return p, nil
}

// pcmRate extracts the sample rate of a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("output format %q is not raw PCM", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("output format %q has no sample rate", format)
	}
	return n, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) streamURL() string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.baseURL, url.PathEscape(p.voiceID), q.Encode())
}

// Synthesize streams text to ElevenLabs and returns the collected audio as a
// mono WAV container at the configured output rate.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, provider.Configuration(op, errors.New("empty text"))
	}

	conn, resp, err := websocket.Dial(ctx, p.streamURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, provider.FromStatus(op, resp.StatusCode, err)
		}
		return nil, provider.Classify(op, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	msgs := []textMessage{
		// ElevenLabs requires a single space as the beginning-of-input text.
		{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}, XiAPIKey: p.apiKey},
		// A trailing space marks the end of a generation unit.
		{Text: text + " "},
		// Empty text flushes and ends the stream.
		{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, provider.Classify(op, fmt.Errorf("write: %w", err))
		}
	}

	pcm, err := p.collect(ctx, conn)
	if err != nil {
		return nil, err
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return codec.EncodeWAV(pcm, p.format), nil
}

func (p *Provider) collect(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				return pcm, nil
			}
			if code := websocket.CloseStatus(err); code == websocket.StatusPolicyViolation {
				return nil, provider.Configuration(op, err)
			}
			return nil, provider.Classify(op, err)
		}
		var r audioResponse
		if err := json.Unmarshal(msg, &r); err != nil {
			continue
		}
		if r.Error != "" {
			return nil, classifyMessage(r.Error, r.Message)
		}
		if r.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(r.Audio)
			if err == nil {
				pcm = append(pcm, chunk...)
			}
		}
		if r.IsFinal {
			if len(pcm) == 0 {
				return nil, &provider.ServiceError{Op: op, Err: errors.New("stream ended without audio")}
			}
			return pcm, nil
		}
	}
}

// classifyMessage maps an in-band ElevenLabs error to the taxonomy.
func classifyMessage(code, message string) error {
	err := fmt.Errorf("%s: %s", code, message)
	switch code {
	case "auth_error", "invalid_api_key", "quota_exceeded":
		return provider.Configuration(op, err)
	case "rate_limited", "too_many_concurrent_requests", "internal_error":
		return &provider.TransientNetworkError{Op: op, Err: err}
	default:
		return &provider.ServiceError{Op: op, Err: err}
	}
}
