// Package s2s defines the Provider interface for audio-native (speech to
// speech) backends.
//
// An S2S provider takes a speaker's utterance as an audio container and
// answers with an audio container, skipping the transcribe, generate and
// synthesize steps of the fallback path. The request and response encoding on
// the wire is left to each implementation; callers only exchange containers.
//
// All implementations must be safe for concurrent use.
package s2s

import "context"

// Provider is the abstraction over any audio-native backend.
type Provider interface {
	// SubmitAudio sends one utterance and returns the spoken reply as a WAV
	// container. Implementations classify failures with the provider package
	// taxonomy; an unsupported response format is a ConfigurationError.
	SubmitAudio(ctx context.Context, audio []byte) ([]byte, error)
}
