// Package mock holds scriptable stand-ins for [vad.Engine] and
// [vad.SessionHandle].
package mock

import (
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// Engine hands out Session, or a fresh silent *Session when Session is nil.
// Every config it was asked for is kept in Configs.
type Engine struct {
	mu sync.Mutex

	Session vad.SessionHandle
	Err     error

	Configs []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session answers ProcessFrame from Script first and falls back to Event
// once the script runs dry.
type Session struct {
	mu sync.Mutex

	Event  vad.VADEvent
	Script []vad.VADEvent
	Err    error

	Frames int
	Resets int
	Closed bool
}

var _ vad.SessionHandle = (*Session)(nil)

// Pattern scripts one event per rune: 's' is speech, anything else silence.
func Pattern(p string) *Session {
	s := &Session{Event: vad.VADEvent{Type: vad.VADSilence}}
	for _, r := range p {
		if r == 's' {
			s.Script = append(s.Script, vad.VADEvent{Type: vad.VADSpeechContinue, Probability: 1})
			continue
		}
		s.Script = append(s.Script, vad.VADEvent{Type: vad.VADSilence})
	}
	return s
}

func (s *Session) ProcessFrame([]byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}
	if len(s.Script) == 0 {
		return s.Event, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.Resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// FrameCount is Frames read under the lock.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Frames
}
