// Package stt defines the Provider interface for speech-to-text backends.
//
// The fallback path of the orchestrator hands a finalized utterance to an
// STT provider as a single WAV container and waits for the transcript. The
// utterance is already bounded by silence detection, so providers see one
// complete request per utterance rather than a live stream.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text spoken in audio, a 16-bit PCM WAV
	// container. An utterance that contains no recognisable speech yields
	// an empty string and a nil error.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
