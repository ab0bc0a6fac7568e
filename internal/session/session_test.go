package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxloop/internal/endpoint"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/utterance"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	audiomock "github.com/MrWong99/voxloop/pkg/audio/mock"
	"github.com/MrWong99/voxloop/pkg/provider"
)

type passEncoder struct{}

func (passEncoder) EncodeFrame(pcm []byte) ([]byte, error) { return append([]byte(nil), pcm...), nil }

// recorder is a Responder that records utterances and replies with a fixed
// response, optionally after being released.
type recorder struct {
	mu      sync.Mutex
	got     []*utterance.Utterance
	reply   orchestrator.Response
	release chan struct{}
	called  chan struct{}
	forgot  []string
}

func newRecorder(reply orchestrator.Response) *recorder {
	return &recorder{reply: reply, called: make(chan struct{}, 16)}
}

func (r *recorder) Handle(ctx context.Context, u *utterance.Utterance) orchestrator.Response {
	r.mu.Lock()
	r.got = append(r.got, u)
	release := r.release
	r.mu.Unlock()
	r.called <- struct{}{}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return orchestrator.FailureResponse{Reason: orchestrator.ReasonCancelled, Err: ctx.Err()}
		}
	}
	return r.reply
}

func (r *recorder) Forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot = append(r.forgot, channelID)
}

func (r *recorder) utterances() []*utterance.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*utterance.Utterance(nil), r.got...)
}

type harness struct {
	platform *audiomock.Platform
	registry *Registry
	mgr      *Manager
	changes  <-chan StateChange
}

func newHarness(t *testing.T, r Responder, tweak ...func(*Config)) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Endpoint:     endpoint.Config{SilenceDuration: 1500 * time.Millisecond, MinUtterance: 300 * time.Millisecond},
		TickInterval: time.Hour,
		Playback: []playback.Option{
			playback.WithEncoderFactory(func() (playback.Encoder, error) { return passEncoder{}, nil }),
			playback.WithFrameDuration(time.Millisecond),
		},
		VoiceEnabled: true,
		AutoJoin:     true,
		Reconnect:    ReconnectConfig{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	h := &harness{platform: &audiomock.Platform{}, registry: NewRegistry()}
	h.mgr = NewManager(h.platform, h.registry, r, cfg, WithMetrics(metrics))
	h.changes, _ = h.mgr.Subscribe(256)
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) session(t *testing.T, channelID string) *Session {
	t.Helper()
	s, ok := h.registry.Get(channelID)
	if !ok {
		t.Fatalf("no session for %s", channelID)
	}
	return s
}

// join connects to channelID with the given members and consumes the join
// notification.
func (h *harness) join(t *testing.T, channelID string, members ...string) *Session {
	t.Helper()
	h.platform.SetMembers(channelID, members...)
	if err := h.mgr.JoinChannel(context.Background(), channelID); err != nil {
		t.Fatalf("JoinChannel(%s): %v", channelID, err)
	}
	h.nextChange(t, StateListening)
	return h.session(t, channelID)
}

// waitState polls until channelID reaches want.
func (h *harness) waitState(t *testing.T, channelID string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.mgr.Status(channelID).State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state of %s = %v, want %v", channelID, h.mgr.Status(channelID).State, want)
}

// nextChange waits for the next state change matching to.
func (h *harness) nextChange(t *testing.T, to State) StateChange {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c := <-h.changes:
			if c.To == to {
				return c
			}
		case <-timeout:
			t.Fatalf("no transition to %v", to)
		}
	}
}

func pcmFrame(speaker string, seq uint16, at time.Time, act audio.Activity) audio.AudioFrame {
	return audio.AudioFrame{
		Data:       make([]byte, codec.FrameBytes),
		Encoding:   audio.EncodingPCM,
		SampleRate: codec.SampleRate,
		Channels:   codec.Channels,
		Sequence:   seq,
		CapturedAt: at,
		SpeakerID:  speaker,
		Activity:   act,
	}
}

// speak returns n speech frames for speaker starting at base, 20 ms apart.
func speak(speaker string, first uint16, base time.Time, n int) []audio.AudioFrame {
	out := make([]audio.AudioFrame, n)
	for i := range out {
		out[i] = pcmFrame(speaker, first+uint16(i), base.Add(time.Duration(i)*20*time.Millisecond), audio.ActivitySpeech)
	}
	return out
}

func wav(d time.Duration) []byte {
	f := audio.Format{SampleRate: 24000, Channels: 1}
	return codec.EncodeWAV(make([]byte, f.Bytes(d)), f)
}

func TestScenario_JoinSpeakReplyLeave(t *testing.T) {
	t.Parallel()
	r := newRecorder(orchestrator.AudioResponse{Audio: wav(100 * time.Millisecond), Path: orchestrator.PathPrimary})
	h := newHarness(t, r)

	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c1", UserID: "userA"})
	if got := h.nextChange(t, StateListening); got.From != StateIdle || got.Reason != reasonJoined {
		t.Errorf("join change = %+v", got)
	}
	conns := h.platform.Connections()
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
	conn := conns[0]

	base := time.Now().Add(-10 * time.Second)
	for _, f := range speak("userA", 1, base, 100) {
		conn.Feed(f)
	}
	conn.Feed(pcmFrame("userA", 101, base.Add(3600*time.Millisecond), audio.ActivitySilence))

	if got := h.nextChange(t, StateFinalizing); got.Reason != reasonUtteranceClosed {
		t.Errorf("finalize reason = %q", got.Reason)
	}
	h.nextChange(t, StateSpeaking)
	if got := h.nextChange(t, StateListening); got.Reason != reasonPlaybackDone {
		t.Errorf("after playback reason = %q, want %q", got.Reason, reasonPlaybackDone)
	}

	us := r.utterances()
	if len(us) != 1 {
		t.Fatalf("utterances = %d, want 1", len(us))
	}
	if us[0].Duration != 2*time.Second || us[0].SpeakerID != "userA" {
		t.Errorf("utterance = %v from %q, want 2s from userA", us[0].Duration, us[0].SpeakerID)
	}
	if len(conn.Output()) == 0 {
		t.Error("no frames played")
	}

	h.platform.Emit(audio.Event{Type: audio.EventLeave, ChannelID: "c1", UserID: "userA"})
	if got := h.nextChange(t, StateIdle); got.Reason != reasonChannelEmpty {
		t.Errorf("leave reason = %q, want %q", got.Reason, reasonChannelEmpty)
	}
	if conn.Disconnects() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.Disconnects())
	}
	if h.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", h.registry.Len())
	}
}

func TestSession_ShortUtteranceDiscarded(t *testing.T) {
	t.Parallel()
	r := newRecorder(orchestrator.AudioResponse{Audio: wav(10 * time.Millisecond)})
	h := newHarness(t, r)
	s := h.join(t, "c1", "u1")

	base := time.Now().Add(-10 * time.Second)
	for _, f := range speak("u1", 1, base, 5) {
		if err := s.HandleFrame(f); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}
	s.Tick(base.Add(2 * time.Second))

	if st := s.Status(); st.State != StateListening || st.Recording {
		t.Errorf("status = %v recording=%v, want listening and not recording", st.State, st.Recording)
	}
	if n := len(r.utterances()); n != 0 {
		t.Errorf("responder called %d times, want 0", n)
	}
}

func TestSession_TickClosesUtterance(t *testing.T) {
	t.Parallel()
	r := newRecorder(orchestrator.FailureResponse{Reason: orchestrator.ReasonEmptyTranscript})
	h := newHarness(t, r)
	s := h.join(t, "c1", "u1")

	base := time.Now().Add(-10 * time.Second)
	for _, f := range speak("u1", 1, base, 25) {
		_ = s.HandleFrame(f)
	}
	if st := s.Status(); !st.Recording || st.ActiveSpeaker != "u1" {
		t.Fatalf("status = %+v, want recording u1", st)
	}

	s.Tick(base.Add(time.Second))
	if got := s.State(); got != StateListening {
		t.Fatalf("state before threshold = %v, want listening", got)
	}
	s.Tick(base.Add(500*time.Millisecond + 1500*time.Millisecond))

	<-r.called
	got := h.nextChange(t, StateListening)
	if got.From != StateFinalizing || got.Reason != reasonNoSpeech || got.Err != nil {
		t.Errorf("change = %+v, want finalizing->listening no_speech without error", got)
	}
	if us := r.utterances(); len(us) != 1 || us[0].Duration != 500*time.Millisecond {
		t.Errorf("utterances = %v", us)
	}
}

func TestSession_ExclusiveSpeaker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newRecorder(orchestrator.AudioResponse{Audio: wav(10 * time.Millisecond)}))
	s := h.join(t, "c1", "a", "b")

	now := time.Now()
	if err := s.HandleFrame(pcmFrame("a", 1, now, audio.ActivitySpeech)); err != nil {
		t.Fatalf("first speaker: %v", err)
	}
	err := s.HandleFrame(pcmFrame("b", 1, now.Add(20*time.Millisecond), audio.ActivitySpeech))
	if !errors.Is(err, utterance.ErrWrongSpeaker) {
		t.Errorf("second speaker err = %v, want ErrWrongSpeaker", err)
	}
	if got := s.Status().ActiveSpeaker; got != "a" {
		t.Errorf("ActiveSpeaker = %q, want a", got)
	}
}

func TestSession_DropsFramesWhileBusy(t *testing.T) {
	t.Parallel()
	r := newRecorder(orchestrator.AudioResponse{Audio: wav(3 * time.Second)})
	r.release = make(chan struct{})
	h := newHarness(t, r, func(c *Config) {
		c.Playback = []playback.Option{
			playback.WithEncoderFactory(func() (playback.Encoder, error) { return passEncoder{}, nil }),
			playback.WithFrameDuration(20 * time.Millisecond),
		}
	})
	s := h.join(t, "c1", "a", "b")

	base := time.Now().Add(-10 * time.Second)
	for _, f := range speak("a", 1, base, 25) {
		_ = s.HandleFrame(f)
	}
	s.Tick(base.Add(3 * time.Second))
	<-r.called

	// Finalizing: nobody's frames are accepted.
	for _, speaker := range []string{"a", "b"} {
		if err := s.HandleFrame(pcmFrame(speaker, 500, time.Now(), audio.ActivitySpeech)); !errors.Is(err, ErrNotListening) {
			t.Errorf("finalizing: %s err = %v, want ErrNotListening", speaker, err)
		}
	}
	if s.Status().Recording {
		t.Error("utterance opened while finalizing")
	}

	close(r.release)
	h.waitState(t, "c1", StateSpeaking)
	for _, speaker := range []string{"a", "b"} {
		if err := s.HandleFrame(pcmFrame(speaker, 600, time.Now(), audio.ActivitySpeech)); !errors.Is(err, ErrNotListening) {
			t.Errorf("speaking: %s err = %v, want ErrNotListening", speaker, err)
		}
	}
	if s.Status().Recording {
		t.Error("utterance opened while speaking")
	}

	// A manual leave interrupts playback.
	start := time.Now()
	if err := h.mgr.LeaveChannel("c1"); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("leave took %v, want prompt interruption", elapsed)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state after leave = %v, want idle", got)
	}
}

func TestSession_FailureReturnsToListeningWithNotice(t *testing.T) {
	t.Parallel()
	cause := &provider.ServiceError{Op: "tts", Err: errors.New("boom")}
	r := newRecorder(orchestrator.FailureResponse{Reason: orchestrator.ReasonService, Err: cause})
	h := newHarness(t, r)
	s := h.join(t, "c1", "u1")

	base := time.Now().Add(-10 * time.Second)
	for _, f := range speak("u1", 1, base, 25) {
		_ = s.HandleFrame(f)
	}
	s.Tick(base.Add(3 * time.Second))

	h.nextChange(t, StateFinalizing)
	got := h.nextChange(t, StateListening)
	if got.From != StateFinalizing || got.Reason != reasonReplyFailed {
		t.Errorf("change = %+v, want finalizing->listening reply_failed", got)
	}
	if !provider.IsService(got.Err) {
		t.Errorf("change Err = %v, want service error", got.Err)
	}
	if st := s.Status(); !provider.IsService(st.LastError) {
		t.Errorf("LastError = %v", st.LastError)
	}
	conn := h.platform.Connections()[0]
	if len(conn.Speaking()) != 0 || len(conn.Output()) != 0 {
		t.Error("failure must not play anything")
	}
}

func TestSession_MaxDurationForcesClose(t *testing.T) {
	t.Parallel()
	r := newRecorder(orchestrator.FailureResponse{Reason: orchestrator.ReasonEmptyTranscript})
	h := newHarness(t, r, func(c *Config) {
		c.Buffer = utterance.Config{MaxDuration: 400 * time.Millisecond}
	})
	s := h.join(t, "c1", "u1")

	base := time.Now()
	for _, f := range speak("u1", 1, base, 30) {
		_ = s.HandleFrame(f)
	}
	<-r.called
	us := r.utterances()
	if len(us) != 1 || !us[0].ForceClosed {
		t.Fatalf("utterances = %v, want one force-closed", us)
	}
	if us[0].Duration > 400*time.Millisecond {
		t.Errorf("Duration = %v, want <= 400ms", us[0].Duration)
	}
}

func TestSession_CodecErrorIsLocal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newRecorder(orchestrator.FailureResponse{}))
	s := h.join(t, "c1", "u1")

	err := s.HandleFrame(audio.AudioFrame{Encoding: audio.EncodingOpus, SpeakerID: "u1", CapturedAt: time.Now()})
	if !codec.IsCodecError(err) {
		t.Fatalf("err = %v, want codec error", err)
	}
	if got := s.State(); got != StateListening {
		t.Errorf("state = %v, want listening", got)
	}
	if err := s.HandleFrame(pcmFrame("u1", 1, time.Now(), audio.ActivitySpeech)); err != nil {
		t.Errorf("next frame: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateListening, "listening"},
		{StateFinalizing, "finalizing"},
		{StateSpeaking, "speaking"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
