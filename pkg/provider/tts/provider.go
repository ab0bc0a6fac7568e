// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider turns the reply text of the fallback path into audio. The
// result is always a 16-bit PCM WAV container; providers whose service
// returns raw PCM wrap it before returning so the playback controller can
// read the sample rate from the header.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as a WAV container. Empty text is an error.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
