// Package vad defines the Engine interface for voice activity detection.
//
// The endpoint detector consults a VAD session for every frame that carries no
// platform-supplied activity flag. Engines live in sub-packages: webrtc wraps
// the WebRTC detector, energy classifies by RMS amplitude.
//
// ProcessFrame is synchronous and must not block; it runs on the capture path.
package vad

import "fmt"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the mono PCM passed to ProcessFrame. The WebRTC engine
	// accepts 8000, 16000, 32000 and 48000.
	SampleRate int

	// FrameSizeMs is the duration of each frame: 10, 20 or 30.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an open speech segment
	// is considered ended. Must not exceed SpeechThreshold.
	SilenceThreshold float64
}

// FrameBytes returns the byte length of one mono 16-bit frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate checks sample rate, frame size and thresholds.
func (c Config) Validate() error {
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: frame size must be 10, 20 or 30 ms, got %d", c.FrameSizeMs)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 || c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		return fmt.Errorf("vad: thresholds must satisfy 0 <= silence (%v) <= speech (%v) <= 1", c.SilenceThreshold, c.SpeechThreshold)
	}
	return nil
}

// SessionHandle is an active VAD session for one speaker's stream. A session
// is owned by a single goroutine.
type SessionHandle interface {
	// ProcessFrame classifies one mono 16-bit PCM frame of the configured size.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears speech-segment state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession returns a session for cfg, or an error if cfg is unsupported.
	NewSession(cfg Config) (SessionHandle, error)
}

// Tracker turns per-frame speech probabilities into start/continue/end
// events using the thresholds from [Config]. Engines embed it.
type Tracker struct {
	cfg      Config
	speaking bool
}

// NewTracker returns a Tracker using the thresholds of cfg.
func NewTracker(cfg Config) Tracker {
	return Tracker{cfg: cfg}
}

// Next classifies a frame with speech probability p.
func (t *Tracker) Next(p float64) VADEvent {
	switch {
	case !t.speaking && p >= t.cfg.SpeechThreshold:
		t.speaking = true
		return VADEvent{Type: VADSpeechStart, Probability: p}
	case t.speaking && p < t.cfg.SilenceThreshold:
		t.speaking = false
		return VADEvent{Type: VADSpeechEnd, Probability: p}
	case t.speaking:
		return VADEvent{Type: VADSpeechContinue, Probability: p}
	default:
		return VADEvent{Type: VADSilence, Probability: p}
	}
}

// Reset forgets any open speech segment.
func (t *Tracker) Reset() { t.speaking = false }
