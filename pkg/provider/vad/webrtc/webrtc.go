// Package webrtc implements [vad.Engine] with the WebRTC voice activity
// detector. Frames the detector rejects (unsupported rate or size) are
// classified by RMS energy instead.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

const (
	defaultMode         = 2
	defaultRMSThreshold = 500.0
)

// Option configures an [Engine].
type Option func(*Engine)

// WithMode sets the detector aggressiveness (0 to 3, 3 most aggressive).
func WithMode(mode int) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithRMSThreshold sets the RMS amplitude above which the energy fallback
// reports speech.
func WithRMSThreshold(threshold float64) Option {
	return func(e *Engine) { e.rmsThreshold = threshold }
}

// Engine creates WebRTC VAD sessions.
type Engine struct {
	mode         int
	rmsThreshold float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{mode: defaultMode, rmsThreshold: defaultRMSThreshold}
	for _, o := range opts {
		o(e)
	}
	if e.mode < 0 || e.mode > 3 {
		return nil, fmt.Errorf("webrtc vad: mode must be 0-3, got %d", e.mode)
	}
	return e, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", cfg.SampleRate)
	}
	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	// New validated mode, so the returned status carries no information.
	det.SetMode(e.mode)
	return &session{
		det:          det,
		cfg:          cfg,
		rmsThreshold: e.rmsThreshold,
		tracker:      vad.NewTracker(cfg),
	}, nil
}

type session struct {
	mu           sync.Mutex
	det          *webrtcvad.VAD
	cfg          vad.Config
	rmsThreshold float64
	tracker      vad.Tracker
	closed       bool
	warnOnce     sync.Once
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: session closed")
	}

	var p float64
	voiced, err := s.process(frame)
	switch {
	case err != nil:
		s.warnOnce.Do(func() {
			slog.Debug("webrtc vad: falling back to RMS", "bytes", len(frame), "err", err)
		})
		if audio.RMS(frame) > s.rmsThreshold {
			p = 1
		}
	case voiced:
		p = 1
	}
	return s.tracker.Next(p), nil
}

func (s *session) process(frame []byte) (bool, error) {
	if len(frame) != s.cfg.FrameBytes() {
		return false, fmt.Errorf("frame of %d bytes, want %d", len(frame), s.cfg.FrameBytes())
	}
	return s.det.Process(s.cfg.SampleRate, frame)
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Reset()
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.det = nil
	return nil
}
