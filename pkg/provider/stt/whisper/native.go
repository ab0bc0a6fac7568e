// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

var errNoModel = errors.New("model not loaded")

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all calls; every call gets its own context.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// sem bounds concurrent inferences; whisper.cpp is CPU bound.
	sem chan struct{}
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency caps the number of simultaneous inferences.
// Defaults to 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, provider.MissingCredential(op, "model_path")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, provider.Configuration(op, fmt.Errorf("load model %q: %w", modelPath, err))
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over the WAV utterance.
func (p *NativeProvider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if p.model == nil {
		return "", provider.Configuration(op, errNoModel)
	}
	pcm, err := toInputPCM(wav)
	if err != nil {
		return "", err
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return "", provider.Classify(op, ctx.Err())
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := p.infer(pcmToFloat32Mono(pcm, inputFormat.Channels))
		done <- result{text, err}
	}()

	// Inference cannot be interrupted; on cancellation the goroutine runs
	// to completion and its result is discarded.
	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", provider.Classify(op, ctx.Err())
	}
}

// infer runs whisper.cpp over samples using a fresh context and returns the
// concatenated text.
func (p *NativeProvider) infer(samples []float32) (string, error) {
	// A whisper context is not thread-safe, but the model can be shared.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", &provider.ServiceError{Op: op, Err: fmt.Errorf("create context: %w", err)}
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", &provider.ServiceError{Op: op, Err: fmt.Errorf("process audio: %w", err)}
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", &provider.ServiceError{Op: op, Err: fmt.Errorf("read segment: %w", err)}
		}
		if text := cleanText(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
