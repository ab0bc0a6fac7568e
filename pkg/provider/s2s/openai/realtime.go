package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/s2s"
)

var _ s2s.Provider = (*Realtime)(nil)

const (
	defaultRealtimeModel   = "gpt-4o-realtime-preview"
	defaultRealtimeBaseURL = "wss://api.openai.com/v1/realtime"

	realtimeOp = "openai realtime"

	// appendChunkBytes bounds a single input_audio_buffer.append payload.
	appendChunkBytes = 32 * 1024
)

// realtimeFormat is the only PCM layout the Realtime API speaks.
var realtimeFormat = audio.Format{SampleRate: 24000, Channels: 1}

// RealtimeOption configures a [Realtime] provider.
type RealtimeOption func(*Realtime)

// WithRealtimeModel sets the Realtime model.
func WithRealtimeModel(model string) RealtimeOption {
	return func(r *Realtime) { r.model = model }
}

// WithRealtimeVoice sets the voice of the spoken reply.
func WithRealtimeVoice(voice string) RealtimeOption {
	return func(r *Realtime) { r.voice = voice }
}

// WithRealtimeInstructions sets the session instructions.
func WithRealtimeInstructions(text string) RealtimeOption {
	return func(r *Realtime) { r.instructions = text }
}

// WithRealtimeBaseURL overrides the base WebSocket URL. Primarily used in
// tests to point at a local mock server.
func WithRealtimeBaseURL(url string) RealtimeOption {
	return func(r *Realtime) { r.baseURL = url }
}

// Realtime implements s2s.Provider over the OpenAI Realtime API. Each call
// dials its own socket, so concurrent calls never share conversation state.
type Realtime struct {
	apiKey       string
	model        string
	voice        string
	instructions string
	baseURL      string
}

// NewRealtime creates a Realtime provider.
func NewRealtime(apiKey string, opts ...RealtimeOption) (*Realtime, error) {
	if apiKey == "" {
		return nil, provider.MissingCredential(realtimeOp, "api_key")
	}
	r := &Realtime{
		apiKey:  apiKey,
		model:   defaultRealtimeModel,
		voice:   defaultVoice,
		baseURL: defaultRealtimeBaseURL,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
	// TurnDetection is always sent as null: the caller has already
	// endpointed the utterance.
	TurnDetection *struct{} `json:"turn_detection"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`

	// response.done
	Response *struct {
		Status        string `json:"status"`
		StatusDetails *struct {
			Error *serverErrorDetail `json:"error,omitempty"`
		} `json:"status_details,omitempty"`
	} `json:"response,omitempty"`
}

// SubmitAudio streams one WAV utterance into a fresh Realtime session and
// returns the reply as a 24 kHz mono WAV container.
func (r *Realtime) SubmitAudio(ctx context.Context, wav []byte) ([]byte, error) {
	pcm, format, err := codec.DecodeWAV(wav)
	if err != nil {
		return nil, provider.Configuration(realtimeOp, fmt.Errorf("%w: %w", provider.ErrUnsupportedFormat, err))
	}
	if len(pcm) == 0 {
		return nil, &provider.ServiceError{Op: realtimeOp, Err: errors.New("empty audio")}
	}
	conv := audio.FormatConverter{Target: realtimeFormat}
	pcm = conv.Convert(pcm, format)

	wsURL := fmt.Sprintf("%s?model=%s", r.baseURL, r.model)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, provider.FromStatus(realtimeOp, resp.StatusCode, err)
		}
		return nil, provider.Classify(realtimeOp, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "utterance done")
	conn.SetReadLimit(16 << 20)

	if err := r.send(ctx, conn, pcm); err != nil {
		return nil, provider.Classify(realtimeOp, err)
	}

	out, err := receiveReply(ctx, conn)
	if err != nil {
		return nil, err
	}
	return codec.EncodeWAV(out, realtimeFormat), nil
}

func (r *Realtime) send(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             r.voice,
			Instructions:      r.instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
	if err := writeJSON(ctx, conn, update); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	for len(pcm) > 0 {
		n := min(len(pcm), appendChunkBytes)
		msg := appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(pcm[:n]),
		}
		if err := writeJSON(ctx, conn, msg); err != nil {
			return fmt.Errorf("append audio: %w", err)
		}
		pcm = pcm[n:]
	}
	if err := writeJSON(ctx, conn, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return writeJSON(ctx, conn, map[string]string{"type": "response.create"})
}

// receiveReply reads events until the response completes and returns the
// concatenated PCM16 audio deltas.
func receiveReply(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var out []byte
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, provider.Classify(realtimeOp, err)
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "response.audio.delta", "response.output_audio.delta":
			if evt.Delta == "" {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil {
				continue
			}
			out = append(out, chunk...)

		case "error":
			return nil, serverError(evt.Error)

		case "response.done":
			if evt.Response != nil && evt.Response.Status == "failed" {
				var detail *serverErrorDetail
				if evt.Response.StatusDetails != nil {
					detail = evt.Response.StatusDetails.Error
				}
				return nil, serverError(detail)
			}
			if len(out) == 0 {
				return nil, &provider.ServiceError{Op: realtimeOp, Err: errors.New("response carried no audio")}
			}
			return out, nil
		}
	}
}

// serverError classifies a Realtime error event.
func serverError(detail *serverErrorDetail) error {
	if detail == nil {
		return &provider.ServiceError{Op: realtimeOp, Err: errors.New("unknown error")}
	}
	err := fmt.Errorf("%s: %s", detail.Code, detail.Message)
	switch {
	case detail.Code == "rate_limit_exceeded", detail.Type == "server_error":
		return &provider.TransientNetworkError{Op: realtimeOp, Err: err}
	case detail.Code == "invalid_api_key", strings.Contains(detail.Code, "audio_format"):
		return provider.Configuration(realtimeOp, err)
	default:
		return &provider.ServiceError{Op: realtimeOp, Err: err}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
