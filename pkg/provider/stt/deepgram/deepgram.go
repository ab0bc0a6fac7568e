// Package deepgram provides a Deepgram-backed STT provider. It uses the live
// listen WebSocket API, streaming one utterance per connection and closing
// the stream once the audio is sent so Deepgram flushes its final results.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	op = "deepgram stt"

	// sendChunk is 100 ms of 48 kHz stereo PCM16.
	sendChunk = 19200
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywords boosts recognition of the given terms. Each entry is sent as
// a keywords parameter in Deepgram's "word:boost" form.
func WithKeywords(boosts map[string]float64) Option {
	return func(p *Provider) {
		p.keywords = boosts
	}
}

// WithEndpoint overrides the listen endpoint. Primarily used in tests.
func WithEndpoint(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	keywords map[string]float64
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, provider.MissingCredential(op, "api_key")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams the PCM of the WAV utterance to Deepgram and returns
// the concatenated final transcripts.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	pcm, format, err := codec.DecodeWAV(wav)
	if err != nil {
		return "", provider.Configuration(op, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, err))
	}

	wsURL, err := p.buildURL(format)
	if err != nil {
		return "", provider.Configuration(op, fmt.Errorf("build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return "", provider.FromStatus(op, resp.StatusCode, err)
		}
		return "", provider.Classify(op, err)
	}
	defer conn.CloseNow()

	sendErr := make(chan error, 1)
	go func() { sendErr <- send(ctx, conn, pcm) }()

	text, err := collect(ctx, conn)
	if err != nil {
		return "", err
	}
	if err := <-sendErr; err != nil {
		return "", provider.Classify(op, err)
	}
	conn.Close(websocket.StatusNormalClosure, "utterance done")
	return text, nil
}

// buildURL constructs the Deepgram listen URL for the given audio format.
func (p *Provider) buildURL(f audio.Format) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))
	if f.Channels > 1 {
		// Channels carry the same speaker; merge them into one transcript.
		q.Set("multichannel", "false")
	}
	for kw, boost := range p.keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw, boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// send writes pcm as binary messages followed by a CloseStream request.
func send(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for len(pcm) > 0 {
		n := min(len(pcm), sendChunk)
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		pcm = pcm[n:]
	}
	return conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results
// or Metadata event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// collect reads results until Deepgram sends its Metadata summary or closes
// the socket.
func collect(ctx context.Context, conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return strings.Join(parts, " "), nil
			}
			return "", provider.Classify(op, err)
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "Metadata":
			return strings.Join(parts, " "), nil
		case "Results":
			if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			if t := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript); t != "" {
				parts = append(parts, t)
			}
		}
	}
}
