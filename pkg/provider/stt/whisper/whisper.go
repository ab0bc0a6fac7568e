// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] talks to a running whisper-server binary, which exposes a REST
// API at POST /inference. [NativeProvider] links whisper.cpp through its Go
// bindings and runs inference in-process. Both take one finalized utterance
// per call; whisper.cpp is a batch engine, so there is no streaming mode.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := p.Transcribe(ctx, wav)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

const (
	defaultLanguage = "en"

	op = "whisper stt"
)

// inputFormat is what whisper.cpp models are trained on.
var inputFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, provider.MissingCredential(op, "server_url")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe resamples the WAV utterance to 16 kHz mono, posts it to the
// /inference endpoint as multipart/form-data and returns the text.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	pcm, err := toInputPCM(wav)
	if err != nil {
		return "", err
	}
	body, contentType, err := p.form(codec.EncodeWAV(pcm, inputFormat))
	if err != nil {
		return "", provider.Classify(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return "", provider.Configuration(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", provider.Classify(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Classify(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", provider.FromStatus(op, resp.StatusCode, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(data)})
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &provider.ServiceError{Op: op, Err: fmt.Errorf("parse JSON response: %w", err)}
	}
	return cleanText(result.Text), nil
}

func (p *Provider) form(wav []byte) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, "", err
	}
	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, "", fmt.Errorf("write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// toInputPCM unwraps a WAV container and converts it to 16 kHz mono.
func toInputPCM(wav []byte) ([]byte, error) {
	pcm, format, err := codec.DecodeWAV(wav)
	if err != nil {
		return nil, provider.Configuration(op, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, err))
	}
	conv := audio.FormatConverter{Target: inputFormat}
	return conv.Convert(pcm, format), nil
}

// cleanText trims whitespace and drops the markers whisper.cpp emits for
// non-speech audio.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "[blank_audio]", "[silence]", "(silence)", "[no speech]":
		return ""
	}
	return s
}
