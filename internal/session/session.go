// Package session runs the per-channel voice pipeline.
//
// A [Session] owns everything one voice channel needs: the Opus decoder, the
// endpoint detector, the utterance buffer and the playback controller. It
// moves through [StateIdle], [StateListening], [StateFinalizing] and
// [StateSpeaking]; the state is the single flag the capture path consults
// to decide whether a frame may enter the buffer.
//
// Sessions are created and destroyed by a [Manager], which also routes
// membership events, enforces one voice connection per guild and fans
// state changes out to subscribers. Sessions are looked up through an
// explicit [Registry].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/internal/endpoint"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/utterance"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// DefaultTickInterval is how often the endpoint detector is polled while
// nobody sends audio.
const DefaultTickInterval = 100 * time.Millisecond

var (
	// ErrNotListening is returned by [Session.HandleFrame] when the session
	// is finalizing, speaking or idle. The frame is dropped.
	ErrNotListening = errors.New("session: not listening")

	// ErrTransportClosed is attached to the transition to idle when the
	// voice connection drops on its own.
	ErrTransportClosed = errors.New("session: voice connection lost")

	errAlreadyStarted = errors.New("session: already started")
)

// Responder turns a finalized utterance into a reply. It is implemented by
// [orchestrator.Orchestrator].
type Responder interface {
	Handle(ctx context.Context, u *utterance.Utterance) orchestrator.Response
}

// ResponderFunc adapts a function to [Responder].
type ResponderFunc func(ctx context.Context, u *utterance.Utterance) orchestrator.Response

// Handle calls f.
func (f ResponderFunc) Handle(ctx context.Context, u *utterance.Utterance) orchestrator.Response {
	return f(ctx, u)
}

// Config holds the pipeline settings shared by every session of a
// [Manager].
type Config struct {
	Endpoint endpoint.Config
	Buffer   utterance.Config

	// VAD classifies frames that carry no platform activity flag. Nil
	// selects RMS energy.
	VAD vad.Engine

	// TickInterval drives the endpoint detector between frames. Zero
	// selects DefaultTickInterval.
	TickInterval time.Duration

	// Playback options are applied to each session's controller.
	Playback []playback.Option

	// VoiceEnabled and AutoJoin are the initial manager switches.
	VoiceEnabled bool
	AutoJoin     bool

	// JoinTimeout bounds a single connect attempt. Zero selects
	// DefaultJoinTimeout.
	JoinTimeout time.Duration

	// Reconnect tunes rejoining after the transport drops.
	Reconnect ReconnectConfig
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	c.Reconnect = c.Reconnect.withDefaults()
}

// Session is the voice pipeline of one channel. A Session is started once
// and, after it returns to idle, discarded.
type Session struct {
	channelID string
	cfg       Config
	responder Responder
	metrics   *observe.Metrics
	notify    func(StateChange)
	onLost    func(channelID string)

	// Capture state. Only the capture goroutine touches it while the session
	// runs; capMu makes membership updates and teardown safe.
	capMu    sync.Mutex
	decoder  *codec.Decoder
	detector *endpoint.Detector
	buffer   *utterance.Buffer

	mu       sync.Mutex
	state    State
	since    time.Time
	members  map[string]struct{}
	speaker  string
	lastErr  error
	ctx      context.Context
	cancel   context.CancelFunc
	conn     audio.Connection
	player   *playback.Controller
	loopDone chan struct{}

	replies sync.WaitGroup
}

func newSession(channelID string, cfg Config, r Responder, m *observe.Metrics, notify func(StateChange), onLost func(string)) *Session {
	return &Session{
		channelID: channelID,
		cfg:       cfg,
		responder: r,
		metrics:   m,
		notify:    notify,
		onLost:    onLost,
		decoder:   codec.NewDecoder(),
		detector:  endpoint.New(cfg.Endpoint, cfg.VAD),
		buffer:    utterance.NewBuffer(cfg.Buffer),
		since:     time.Now(),
		members:   make(map[string]struct{}),
		ctx:       context.Background(),
	}
}

// ChannelID returns the voice channel this session serves.
func (s *Session) ChannelID() string { return s.channelID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session. VoiceEnabled and AutoJoin are
// filled in by [Manager.Status].
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.members))
	for id := range s.members {
		members = append(members, id)
	}
	slices.Sort(members)
	return Status{
		ChannelID:     s.channelID,
		State:         s.state,
		Connected:     s.conn != nil,
		Listening:     s.state == StateListening,
		Recording:     s.speaker != "",
		Playing:       s.state == StateSpeaking && s.player != nil && s.player.Playing(),
		ActiveSpeaker: s.speaker,
		Members:       members,
		LastError:     s.lastErr,
		Since:         s.since,
	}
}

// HandleFrame runs one inbound frame through decoding, endpointing and
// buffering. Frames are only accepted while listening; otherwise
// [ErrNotListening] is returned. Codec, ordering and exclusivity failures
// drop the frame and are returned for inspection; none of them affect the
// session.
func (s *Session) HandleFrame(f audio.AudioFrame) error {
	s.capMu.Lock()
	defer s.capMu.Unlock()

	ctx, ok := s.listening()
	if !ok {
		s.metrics.RecordDroppedFrame(ctx, "not_listening")
		return ErrNotListening
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	pcm, err := s.decoder.Decode(f)
	if err != nil {
		s.metrics.RecordDroppedFrame(ctx, "codec")
		slog.Debug("session: dropping undecodable frame", "channel_id", s.channelID, "speaker", f.SpeakerID, "seq", f.Sequence, "err", err)
		return err
	}

	ev := s.detector.Observe(pcm)
	if ev == endpoint.EventClosed || ev == endpoint.EventDiscarded {
		s.finish(ctx, ev, false)
		if _, ok := s.listening(); !ok {
			s.metrics.RecordDroppedFrame(ctx, "not_listening")
			return ErrNotListening
		}
		ev = s.detector.Observe(pcm)
	}

	switch ev {
	case endpoint.EventOpened:
		if s.buffer.IsOpen() {
			s.buffer.Reset()
		}
		if err := s.buffer.Open(pcm.SpeakerID, s.channelID, pcm.CapturedAt); err != nil {
			return fmt.Errorf("session: open utterance: %w", err)
		}
		s.setSpeaker(pcm.SpeakerID)
		return s.push(ctx, pcm)
	case endpoint.EventAccepted, endpoint.EventPaused:
		return s.push(ctx, pcm)
	default:
		if s.buffer.IsOpen() && pcm.SpeakerID != s.buffer.ActiveSpeaker() {
			s.metrics.RecordDroppedFrame(ctx, "other_speaker")
			return utterance.ErrWrongSpeaker
		}
		return nil
	}
}

// Tick lets the endpoint detector close an utterance whose speaker went
// quiet without sending further packets.
func (s *Session) Tick(now time.Time) {
	s.capMu.Lock()
	defer s.capMu.Unlock()

	ctx, ok := s.listening()
	if !ok {
		return
	}
	if ev := s.detector.Tick(now); ev == endpoint.EventClosed || ev == endpoint.EventDiscarded {
		s.finish(ctx, ev, false)
	}
}

// SetSilenceDuration changes the endpoint silence threshold.
func (s *Session) SetSilenceDuration(d time.Duration) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.detector.SetSilenceDuration(d)
}

func (s *Session) push(ctx context.Context, f audio.AudioFrame) error {
	full, err := s.buffer.Push(f)
	if err != nil {
		reason := "buffer"
		switch {
		case errors.Is(err, utterance.ErrLateFrame):
			reason = "late"
		case errors.Is(err, utterance.ErrDuplicateFrame):
			reason = "duplicate"
		case errors.Is(err, utterance.ErrWrongSpeaker):
			reason = "other_speaker"
		}
		s.metrics.RecordDroppedFrame(ctx, reason)
		return err
	}
	if full {
		slog.Info("session: utterance reached maximum length", "channel_id", s.channelID, "speaker", f.SpeakerID, "duration", s.buffer.Duration())
		s.finish(ctx, s.detector.ForceClose(), true)
	}
	return nil
}

// finish handles a closed or discarded utterance. Called with capMu held.
func (s *Session) finish(ctx context.Context, ev endpoint.Event, force bool) {
	s.setSpeaker("")
	if ev != endpoint.EventClosed {
		s.buffer.Reset()
		s.metrics.RecordUtterance(ctx, "discarded")
		return
	}
	u, err := s.buffer.Close(force)
	if err != nil {
		slog.Debug("session: nothing to finalize", "channel_id", s.channelID, "err", err)
		return
	}

	s.replies.Add(1)
	if !s.transition(StateListening, StateFinalizing, reasonUtteranceClosed, nil) {
		s.replies.Done()
		return
	}
	s.metrics.RecordUtterance(ctx, "finalized")
	slog.Info("session: utterance finalized",
		"channel_id", s.channelID,
		"utterance_id", u.ID,
		"speaker", u.SpeakerID,
		"duration", u.Duration,
		"frames", len(u.Frames),
		"forced", u.ForceClosed,
	)
	go s.respond(ctx, u)
}

// respond waits for the reply and plays it. It runs outside the capture
// path so frames keep draining (and being dropped) meanwhile.
func (s *Session) respond(ctx context.Context, u *utterance.Utterance) {
	defer s.replies.Done()

	resp := s.responder.Handle(ctx, u)
	switch r := resp.(type) {
	case orchestrator.AudioResponse:
		player := s.currentPlayer()
		if player == nil || !s.transition(StateFinalizing, StateSpeaking, reasonReplyReady, nil) {
			return
		}
		s.metrics.RecordUtterance(ctx, "answered")
		slog.Info("session: playing reply", "channel_id", s.channelID, "utterance_id", u.ID, "path", r.Path, "latency", r.Latency)

		outcome, err := player.Play(ctx, r.Audio)
		reason := reasonPlaybackDone
		switch {
		case err != nil:
			reason = reasonPlaybackFailed
			s.setLastErr(err)
			slog.Warn("session: playback failed", "channel_id", s.channelID, "utterance_id", u.ID, "err", err)
		case outcome == playback.OutcomeInterrupted:
			reason = reasonPlaybackStopped
		}
		s.transition(StateSpeaking, StateListening, reason, err)

	case orchestrator.FailureResponse:
		switch r.Reason {
		case orchestrator.ReasonCancelled:
			s.transition(StateFinalizing, StateListening, reasonReplyFailed, nil)
		case orchestrator.ReasonEmptyTranscript:
			s.metrics.RecordUtterance(ctx, "empty")
			s.transition(StateFinalizing, StateListening, reasonNoSpeech, nil)
		default:
			s.metrics.RecordUtterance(ctx, "failed")
			s.setLastErr(r)
			slog.Warn("session: no reply", "channel_id", s.channelID, "utterance_id", u.ID, "reason", r.Reason, "err", r.Err)
			s.transition(StateFinalizing, StateListening, reasonReplyFailed, r)
		}
	}
}

// start connects the session to conn and begins capturing.
func (s *Session) start(ctx context.Context, conn audio.Connection) error {
	s.mu.Lock()
	if s.conn != nil || s.state != StateIdle {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	s.conn = conn
	s.player = playback.New(conn, s.cfg.Playback...)
	s.loopDone = make(chan struct{})
	done := s.loopDone
	members := len(s.members)
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(runCtx, 1)
	s.metrics.ActiveParticipants.Add(runCtx, int64(members))
	s.transition(StateIdle, StateListening, reasonJoined, nil)
	go s.run(runCtx, conn, done)
	return nil
}

// stop cancels in-flight work, disconnects and returns the session to
// idle. It is a no-op on a session that is not connected.
func (s *Session) stop(reason string, cause error) error {
	s.mu.Lock()
	conn, cancel, player, done := s.conn, s.cancel, s.player, s.loopDone
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateIdle
	s.since = time.Now()
	s.speaker = ""
	s.conn, s.cancel, s.player = nil, nil, nil
	members := len(s.members)
	if cause != nil {
		s.lastErr = cause
	}
	s.mu.Unlock()

	s.emit(StateChange{ChannelID: s.channelID, From: from, To: StateIdle, Reason: reason, Err: cause, At: time.Now()})

	cancel()
	player.Stop()
	<-done
	s.replies.Wait()

	s.capMu.Lock()
	s.buffer.Reset()
	s.detector.Close()
	s.capMu.Unlock()

	ctx := context.Background()
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.metrics.ActiveParticipants.Add(ctx, -int64(members))

	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("session: disconnect %s: %w", s.channelID, err)
	}
	return nil
}

func (s *Session) run(ctx context.Context, conn audio.Connection, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	frames := conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			s.lost(ctx)
			return
		case f, ok := <-frames:
			if !ok {
				s.lost(ctx)
				return
			}
			_ = s.HandleFrame(f)
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

func (s *Session) lost(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	slog.Warn("session: voice connection lost", "channel_id", s.channelID)
	if s.onLost != nil {
		go s.onLost(s.channelID)
	}
}

// transition moves from one state to another and reports whether the
// session was in from.
func (s *Session) transition(from, to State, reason string, cause error) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.since = time.Now()
	at := s.since
	s.mu.Unlock()

	s.emit(StateChange{ChannelID: s.channelID, From: from, To: to, Reason: reason, Err: cause, At: at})
	return true
}

func (s *Session) emit(c StateChange) {
	s.metrics.RecordTransition(context.Background(), c.From.String(), c.To.String())
	slog.Info("session: state changed", "channel_id", c.ChannelID, "from", c.From, "to", c.To, "reason", c.Reason)
	if s.notify != nil {
		s.notify(c)
	}
}

func (s *Session) listening() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx, s.state == StateListening
}

func (s *Session) currentPlayer() *playback.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

func (s *Session) setSpeaker(id string) {
	s.mu.Lock()
	s.speaker = id
	s.mu.Unlock()
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) setMembers(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.members[id] = struct{}{}
	}
}

// addMember records a join and reports whether the member was new.
func (s *Session) addMember(id string) bool {
	s.mu.Lock()
	_, known := s.members[id]
	s.members[id] = struct{}{}
	connected := s.conn != nil
	s.mu.Unlock()
	if !known && connected {
		s.metrics.ActiveParticipants.Add(context.Background(), 1)
	}
	return !known
}

// removeMember records a leave and releases the member's decoder and VAD
// state.
func (s *Session) removeMember(id string) {
	s.mu.Lock()
	_, known := s.members[id]
	delete(s.members, id)
	connected := s.conn != nil
	s.mu.Unlock()
	if known && connected {
		s.metrics.ActiveParticipants.Add(context.Background(), -1)
	}

	s.capMu.Lock()
	s.decoder.Forget(id)
	s.detector.Forget(id)
	s.capMu.Unlock()
}

func (s *Session) memberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}
