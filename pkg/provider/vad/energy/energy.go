// Package energy implements [vad.Engine] by comparing the RMS amplitude of
// each frame against a fixed threshold. It has no native dependencies and
// accepts any sample rate.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// DefaultThreshold is the RMS amplitude treated as fully voiced.
const DefaultThreshold = 500.0

// Engine creates energy-based VAD sessions.
type Engine struct {
	threshold float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine. A non-positive threshold selects [DefaultThreshold].
func New(threshold float64) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{threshold: threshold}
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{threshold: e.threshold, tracker: vad.NewTracker(cfg)}, nil
}

type session struct {
	mu        sync.Mutex
	threshold float64
	tracker   vad.Tracker
	closed    bool
}

// ProcessFrame maps RMS to a probability where the threshold itself scores
// 0.5 and twice the threshold saturates at 1.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy vad: session closed")
	}
	p := min(audio.RMS(frame)/(2*s.threshold), 1)
	return s.tracker.Next(p), nil
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
	return nil
}
