package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/pkg/audio"
	audiomock "github.com/MrWong99/voxloop/pkg/audio/mock"
)

func silentReply() *recorder {
	return newRecorder(orchestrator.FailureResponse{Reason: orchestrator.ReasonEmptyTranscript})
}

func TestManager_JoinRefusedWhenVoiceDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply(), func(c *Config) { c.VoiceEnabled = false })

	err := h.mgr.JoinChannel(context.Background(), "c1")
	if !errors.Is(err, ErrVoiceDisabled) {
		t.Fatalf("JoinChannel err = %v, want ErrVoiceDisabled", err)
	}
	if n := len(h.platform.Calls()); n != 0 {
		t.Errorf("Connect calls = %d, want 0", n)
	}
}

func TestManager_JoinIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.join(t, "c1", "u1")

	if err := h.mgr.JoinChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("second JoinChannel: %v", err)
	}
	if n := len(h.platform.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
	st := h.mgr.Status("c1")
	if !st.Connected || st.State != StateListening || !st.Listening || !st.VoiceEnabled || !st.AutoJoin {
		t.Errorf("status = %+v", st)
	}
	if !slices.Equal(st.Members, []string{"u1"}) {
		t.Errorf("Members = %v, want [u1]", st.Members)
	}
}

func TestManager_JoinMovesBetweenChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.join(t, "c1", "u1")
	h.join(t, "c2", "u2")

	conns := h.platform.Connections()
	if len(conns) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns))
	}
	if conns[0].Disconnects() != 1 {
		t.Errorf("first connection Disconnect calls = %d, want 1", conns[0].Disconnects())
	}
	if _, ok := h.registry.Get("c1"); ok {
		t.Error("c1 still registered")
	}
	cur, ok := h.mgr.Current()
	if !ok || cur.ChannelID != "c2" {
		t.Errorf("Current = %+v, %v, want c2", cur, ok)
	}
}

func TestManager_LeaveIsIdempotent(t *testing.T) {
	t.Parallel()
	r := silentReply()
	h := newHarness(t, r)
	h.join(t, "c1", "u1")
	conn := h.platform.Connections()[0]

	for i := range 3 {
		if err := h.mgr.LeaveChannel("c1"); err != nil {
			t.Fatalf("LeaveChannel #%d: %v", i+1, err)
		}
	}
	if err := h.mgr.LeaveChannel("never-joined"); err != nil {
		t.Errorf("LeaveChannel(unknown) = %v, want nil", err)
	}
	if conn.Disconnects() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.Disconnects())
	}
	if st := h.mgr.Status("c1"); st.State != StateIdle || st.Connected {
		t.Errorf("status after leave = %+v", st)
	}
	r.mu.Lock()
	forgot := slices.Clone(r.forgot)
	r.mu.Unlock()
	if !slices.Equal(forgot, []string{"c1"}) {
		t.Errorf("Forget calls = %v, want [c1]", forgot)
	}
	if _, ok := h.mgr.Current(); ok {
		t.Error("Current reports a session after leave")
	}
}

func TestManager_ConnectError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.platform.ConnectError = errors.New("gateway unavailable")

	err := h.mgr.JoinChannel(context.Background(), "c1")
	if err == nil || !errors.Is(err, h.platform.ConnectError) {
		t.Fatalf("JoinChannel err = %v", err)
	}
	if h.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", h.registry.Len())
	}
}

func TestManager_AutoJoinSwitch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply(), func(c *Config) { c.AutoJoin = false })

	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c1", UserID: "u1"})
	if n := len(h.platform.Calls()); n != 0 {
		t.Fatalf("Connect calls with auto-join off = %d, want 0", n)
	}

	h.mgr.SetAutoJoin(true)
	if st := h.mgr.Status("c1"); st.State != StateListening {
		t.Errorf("state after enabling auto-join = %v, want listening", st.State)
	}
}

func TestManager_VoiceToggle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.join(t, "c1", "u1")

	h.mgr.SetVoiceEnabled(false)
	if st := h.mgr.Status("c1"); st.State != StateListening || st.VoiceEnabled {
		t.Errorf("status after disable = %+v, want running session with voice off", st)
	}
	if err := h.mgr.JoinChannel(context.Background(), "c2"); !errors.Is(err, ErrVoiceDisabled) {
		t.Errorf("JoinChannel while disabled = %v, want ErrVoiceDisabled", err)
	}

	// Nobody is connected once c1 is left; re-enabling rejoins it.
	if err := h.mgr.LeaveChannel("c1"); err != nil {
		t.Fatal(err)
	}
	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c1", UserID: "u2"})
	if st := h.mgr.Status("c1"); st.State != StateIdle {
		t.Fatalf("auto-joined while voice disabled: %v", st.State)
	}
	h.mgr.SetVoiceEnabled(true)
	if st := h.mgr.Status("c1"); st.State != StateListening {
		t.Errorf("state after re-enable = %v, want listening", st.State)
	}
}

func TestManager_AutoLeaveJoinsNextPopulatedChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())

	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c1", UserID: "a"})
	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c2", UserID: "b"})
	if n := len(h.platform.Calls()); n != 1 {
		t.Fatalf("Connect calls = %d, want 1 (one connection per guild)", n)
	}
	if st := h.mgr.Status("c2"); st.State != StateIdle || !slices.Equal(st.Members, []string{"b"}) {
		t.Errorf("c2 status = %+v, want idle with member b", st)
	}

	h.platform.Emit(audio.Event{Type: audio.EventLeave, ChannelID: "c1", UserID: "a"})
	if st := h.mgr.Status("c1"); st.State != StateIdle {
		t.Errorf("c1 state = %v, want idle", st.State)
	}
	if st := h.mgr.Status("c2"); st.State != StateListening {
		t.Errorf("c2 state = %v, want listening", st.State)
	}
}

func TestManager_MembershipTracking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c1", UserID: "a"})
	h.platform.Emit(audio.Event{Type: audio.EventJoin, ChannelID: "c1", UserID: "b"})
	h.platform.Emit(audio.Event{Type: audio.EventLeave, ChannelID: "c1", UserID: "a"})

	st := h.mgr.Status("c1")
	if st.State != StateListening {
		t.Fatalf("state = %v, want listening while b remains", st.State)
	}
	if !slices.Equal(st.Members, []string{"b"}) {
		t.Errorf("Members = %v, want [b]", st.Members)
	}
}

func TestManager_TransportLossReconnects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.join(t, "c1", "u1")
	first := h.platform.Connections()[0]

	first.Close()
	lost := h.nextChange(t, StateIdle)
	if lost.Reason != reasonTransportClosed || !errors.Is(lost.Err, ErrTransportClosed) {
		t.Errorf("loss change = %+v", lost)
	}
	back := h.nextChange(t, StateListening)
	if back.From != StateIdle {
		t.Errorf("rejoin change = %+v", back)
	}
	conns := h.platform.Connections()
	if len(conns) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns))
	}
	if st := h.mgr.Status("c1"); st.State != StateListening || st.LastError != nil {
		t.Errorf("status after rejoin = %+v", st)
	}
}

func TestManager_TransportLossWithoutMembersStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	h.join(t, "c1", "u1")
	conn := h.platform.Connections()[0]

	h.platform.SetMembers("c1")
	conn.Close()
	h.nextChange(t, StateIdle)
	time.Sleep(20 * time.Millisecond)
	if n := len(h.platform.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
}

func TestManager_SubscribeAndClose(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	mgr := NewManager(platform, NewRegistry(), silentReply(), Config{VoiceEnabled: true, AutoJoin: true})

	ch, cancel := mgr.Subscribe(8)
	other, _ := mgr.Subscribe(8)
	cancel()
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel still open")
	}
	cancel()

	platform.SetMembers("c1", "u1")
	if err := mgr.JoinChannel(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if c := <-other; c.To != StateListening || c.ChannelID != "c1" {
		t.Errorf("change = %+v", c)
	}

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c := <-other; c.To != StateIdle || c.Reason != reasonShutdown {
		t.Errorf("shutdown change = %+v", c)
	}
	if _, ok := <-other; ok {
		t.Error("subscription still open after Close")
	}
	if platform.Connections()[0].Disconnects() != 1 {
		t.Error("Close did not disconnect")
	}
	if err := mgr.JoinChannel(context.Background(), "c1"); !errors.Is(err, ErrClosed) {
		t.Errorf("JoinChannel after Close = %v, want ErrClosed", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	late, _ := mgr.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}

func TestManager_SetSilenceDuration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply())
	s := h.join(t, "c1", "u1")

	h.mgr.SetSilenceDuration(300 * time.Millisecond)
	s.capMu.Lock()
	got := s.detector.SilenceDuration()
	s.capMu.Unlock()
	if got != 300*time.Millisecond {
		t.Errorf("SilenceDuration = %v, want 300ms", got)
	}

	h.join(t, "c2", "u2")
	s2 := h.session(t, "c2")
	s2.capMu.Lock()
	got = s2.detector.SilenceDuration()
	s2.capMu.Unlock()
	if got != 300*time.Millisecond {
		t.Errorf("new session SilenceDuration = %v, want 300ms", got)
	}
}

func TestManager_StatusUnknownChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silentReply(), func(c *Config) { c.AutoJoin = false })
	h.platform.SetMembers("c9", "z", "a")

	st := h.mgr.Status("c9")
	if st.State != StateIdle || st.Connected || st.AutoJoin || !st.VoiceEnabled {
		t.Errorf("status = %+v", st)
	}
	if !slices.Equal(st.Members, []string{"a", "z"}) {
		t.Errorf("Members = %v, want [a z]", st.Members)
	}
}
