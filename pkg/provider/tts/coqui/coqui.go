// Package coqui provides a local Coqui TTS-backed TTS provider that connects to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via its REST API.
// It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; voice catalogue is retrieved from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body; voice catalogue is retrieved from
//     GET /studio_speakers.
//
// Both servers synthesize one request at a time, so long replies are split
// into sentences that are rendered concurrently and joined in order.
//
// Typical usage (standard server):
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	wav, err := p.Synthesize(ctx, "Hello there.")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// sentenceLookahead caps concurrent synthesis requests for one reply.
	sentenceLookahead = 4

	op = "coqui tts"
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithVoice sets the speaker. In standard mode it is the speaker_id of a
// multi-speaker model; in XTTS mode it is the studio speaker or cloned
// speaker_wav name and is required.
func WithVoice(id string) Option {
	return func(p *Provider) {
		p.voice = id
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a locally-running Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	voice      string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, provider.MissingCredential(op, "server_url")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, provider.Configuration(op, fmt.Errorf("unknown API mode %q", p.apiMode))
	}
	if p.apiMode == APIModeXTTS && p.voice == "" {
		return nil, provider.Configuration(op, errors.New("a voice is required in XTTS mode"))
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize renders text and returns a single WAV container. Multi-sentence
// text is rendered with up to four requests in flight; all sentences are
// converted to the format of the first one.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, provider.Configuration(op, errors.New("empty text"))
	}

	type part struct {
		pcm    []byte
		format audio.Format
	}
	parts := make([]part, len(sentences))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sentenceLookahead)
	for i, s := range sentences {
		g.Go(func() error {
			wav, err := p.synthesize(gctx, s)
			if err != nil {
				return err
			}
			pcm, f, err := codec.DecodeWAV(wav)
			if err != nil {
				return provider.Configuration(op, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, err))
			}
			parts[i] = part{pcm: pcm, format: f}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	target := parts[0].format
	conv := audio.FormatConverter{Target: target}
	var pcm []byte
	for _, pt := range parts {
		pcm = append(pcm, conv.Convert(pt.pcm, pt.format)...)
	}
	return codec.EncodeWAV(pcm, target), nil
}

// synthesize dispatches one sentence to the configured API and returns the
// server's WAV response.
func (p *Provider) synthesize(ctx context.Context, sentence string) ([]byte, error) {
	var req *http.Request
	var err error
	if p.apiMode == APIModeStandard {
		params := url.Values{}
		params.Set("text", sentence)
		if p.voice != "" {
			params.Set("speaker_id", p.voice)
		}
		if p.language != "" {
			params.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	} else {
		var data []byte
		data, err = json.Marshal(ttsRequest{Text: sentence, SpeakerWav: p.voice, Language: p.language})
		if err == nil {
			req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
		}
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, provider.Configuration(op, fmt.Errorf("create tts request: %w", err))
	}
	req.Header.Set("Accept", "audio/wav")
	return p.do(req)
}

func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Classify(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(op, resp.StatusCode, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return body, nil
}

// ListVoices returns the speaker names the server offers. A single-speaker
// standard model yields its model name.
func (p *Provider) ListVoices(ctx context.Context) ([]string, error) {
	endpoint := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, provider.Configuration(op, fmt.Errorf("create list-voices request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var names []string
	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, &provider.ServiceError{Op: op, Err: fmt.Errorf("decode studio speakers: %w", err)}
		}
		for name := range raw {
			names = append(names, name)
		}
	} else {
		var details detailsResponse
		if err := json.Unmarshal(body, &details); err != nil {
			return nil, &provider.ServiceError{Op: op, Err: fmt.Errorf("decode details response: %w", err)}
		}
		names = append(names, details.Speakers...)
		if len(names) == 0 {
			name := details.ModelName
			if name == "" {
				name = "default"
			}
			names = []string{name}
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitSentences breaks text on '.', '!' or '?' followed by whitespace or
// the end of input. Abbreviations like "Dr.Who" and numbers like "3.14" are
// not split.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// findSentenceBoundary returns the index of the first sentence-ending character
// that is either at the end of s or immediately followed by whitespace, or -1.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
