package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// DefaultJoinTimeout bounds a single voice connect attempt.
const DefaultJoinTimeout = 15 * time.Second

var (
	// ErrVoiceDisabled is returned by [Manager.JoinChannel] while voice is
	// switched off.
	ErrVoiceDisabled = errors.New("session: voice is disabled")

	// ErrNotConnected is returned when a command needs a connected session
	// and there is none.
	ErrNotConnected = errors.New("session: not connected to a voice channel")

	// ErrClosed is returned after [Manager.Close].
	ErrClosed = errors.New("session: manager closed")
)

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Manager owns the sessions of one guild. It implements the command API
// (join, leave, status, voice toggle), reacts to membership events with
// auto-join and auto-leave, and publishes every state change.
//
// Discord allows one voice connection per guild, so at most one session is
// connected at a time. Joining another channel leaves the current one.
//
// All methods are safe for concurrent use.
type Manager struct {
	platform  audio.Platform
	registry  *Registry
	responder Responder
	metrics   *observe.Metrics

	voiceEnabled atomic.Bool
	autoJoin     atomic.Bool

	base   context.Context
	cancel context.CancelFunc

	// mu serializes join, leave and membership handling.
	mu       sync.Mutex
	cfg      Config
	channels map[string]struct{}
	closed   bool

	subMu   sync.Mutex
	subs    map[int]chan StateChange
	nextSub int

	wg sync.WaitGroup
}

// NewManager returns a Manager and registers it for membership events on
// platform. registry is shared with anything that needs read access to the
// sessions.
func NewManager(platform audio.Platform, registry *Registry, r Responder, cfg Config, opts ...Option) *Manager {
	cfg.defaults()
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		platform:  platform,
		registry:  registry,
		responder: r,
		cfg:       cfg,
		base:      base,
		cancel:    cancel,
		channels:  make(map[string]struct{}),
		subs:      make(map[int]chan StateChange),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.voiceEnabled.Store(cfg.VoiceEnabled)
	m.autoJoin.Store(cfg.AutoJoin)
	platform.OnParticipantChange(m.HandleMembership)
	return m
}

// JoinChannel connects to channelID. If another channel is connected it is
// left first. Joining the channel that is already connected is a no-op.
func (m *Manager) JoinChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return errors.New("session: join: empty channel ID")
	}
	if !m.voiceEnabled.Load() {
		return ErrVoiceDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.join(ctx, channelID)
}

// LeaveChannel disconnects from channelID. Leaving a channel that has no
// session is a no-op.
func (m *Manager) LeaveChannel(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leave(channelID, reasonLeft)
}

// Status reports the session of channelID. Channels without a session are
// reported idle with their current members.
func (m *Manager) Status(channelID string) Status {
	var st Status
	if s, ok := m.registry.Get(channelID); ok {
		st = s.Status()
	} else {
		members := m.platform.Members(channelID)
		slices.Sort(members)
		st = Status{ChannelID: channelID, State: StateIdle, Members: members}
	}
	st.VoiceEnabled = m.voiceEnabled.Load()
	st.AutoJoin = m.autoJoin.Load()
	return st
}

// Current returns the status of the connected session, if any.
func (m *Manager) Current() (Status, bool) {
	for _, s := range m.registry.Snapshot() {
		if s.State() != StateIdle {
			return m.Status(s.ChannelID()), true
		}
	}
	return Status{}, false
}

// VoiceEnabled reports whether voice is switched on.
func (m *Manager) VoiceEnabled() bool { return m.voiceEnabled.Load() }

// AutoJoin reports whether auto-join is switched on.
func (m *Manager) AutoJoin() bool { return m.autoJoin.Load() }

// SetVoiceEnabled switches voice on or off. Switching off refuses further
// joins but leaves connected sessions running. Switching on auto-joins a
// populated channel when auto-join is enabled.
func (m *Manager) SetVoiceEnabled(enabled bool) {
	if m.voiceEnabled.Swap(enabled) == enabled {
		return
	}
	slog.Info("session: voice toggled", "enabled", enabled)
	if enabled {
		m.mu.Lock()
		m.autoJoinAny()
		m.mu.Unlock()
	}
}

// SetAutoJoin switches auto-join on or off. Switching on joins a populated
// channel right away.
func (m *Manager) SetAutoJoin(enabled bool) {
	if m.autoJoin.Swap(enabled) == enabled {
		return
	}
	slog.Info("session: auto-join toggled", "enabled", enabled)
	if enabled {
		m.mu.Lock()
		m.autoJoinAny()
		m.mu.Unlock()
	}
}

// SetSilenceDuration changes the endpoint silence threshold of running and
// future sessions.
func (m *Manager) SetSilenceDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.Endpoint.SilenceDuration = d
	m.mu.Unlock()
	for _, s := range m.registry.Snapshot() {
		s.SetSilenceDuration(d)
	}
}

// HandleMembership reacts to a participant joining or leaving a voice
// channel. A join into a populated channel triggers auto-join; the last
// participant leaving a connected channel triggers auto-leave, after which
// another populated channel is joined if one is known.
func (m *Manager) HandleMembership(ev audio.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || ev.ChannelID == "" {
		return
	}
	m.channels[ev.ChannelID] = struct{}{}

	s, ok := m.registry.Get(ev.ChannelID)
	switch ev.Type {
	case audio.EventJoin:
		slog.Debug("session: participant joined", "channel_id", ev.ChannelID, "user_id", ev.UserID, "username", ev.Username)
		if ok {
			s.addMember(ev.UserID)
		}
		m.autoJoinChannel(ev.ChannelID)

	case audio.EventLeave:
		slog.Debug("session: participant left", "channel_id", ev.ChannelID, "user_id", ev.UserID, "username", ev.Username)
		if !ok {
			return
		}
		s.removeMember(ev.UserID)
		if len(m.platform.Members(ev.ChannelID)) > 0 {
			return
		}
		if err := m.leave(ev.ChannelID, reasonChannelEmpty); err != nil {
			slog.Warn("session: auto-leave failed", "channel_id", ev.ChannelID, "err", err)
		}
		m.autoJoinAny()
	}
}

// Subscribe returns a channel receiving every state change and a function
// that unsubscribes and closes it. Changes are dropped for subscribers whose
// buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateChange, buffer)

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Close leaves every channel, stops pending reconnects and closes all
// subscriptions. The Manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var errs []error
	for _, s := range m.registry.Snapshot() {
		if err := m.leave(s.ChannelID(), reasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.subMu.Lock()
	for id, c := range m.subs {
		delete(m.subs, id)
		close(c)
	}
	m.subs = nil
	m.subMu.Unlock()

	return errors.Join(errs...)
}

// join connects to channelID. Called with mu held.
func (m *Manager) join(ctx context.Context, channelID string) error {
	if s, ok := m.registry.Get(channelID); ok && s.State() != StateIdle {
		return nil
	}
	for _, other := range m.registry.Snapshot() {
		if other.ChannelID() == channelID {
			continue
		}
		if err := m.leave(other.ChannelID(), reasonMoved); err != nil {
			slog.Warn("session: leaving previous channel failed", "channel_id", other.ChannelID(), "err", err)
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	conn, err := m.platform.Connect(joinCtx, channelID)
	if err != nil {
		return fmt.Errorf("session: join %s: %w", channelID, err)
	}

	s, _ := m.registry.GetOrCreate(channelID, func() *Session {
		return newSession(channelID, m.cfg, m.responder, m.metrics, m.publish, m.handleLost)
	})
	s.setMembers(m.platform.Members(channelID))
	if err := s.start(m.base, conn); err != nil {
		m.registry.Remove(channelID)
		_ = conn.Disconnect()
		return fmt.Errorf("session: join %s: %w", channelID, err)
	}
	m.channels[channelID] = struct{}{}
	slog.Info("session: joined voice channel", "channel_id", channelID, "members", s.memberCount())
	return nil
}

// leave tears down the session of channelID. Called with mu held.
func (m *Manager) leave(channelID, reason string) error {
	return m.teardown(channelID, reason, nil)
}

func (m *Manager) teardown(channelID, reason string, cause error) error {
	s, ok := m.registry.Remove(channelID)
	if !ok {
		return nil
	}
	err := s.stop(reason, cause)
	if f, ok := m.responder.(interface{ Forget(channelID string) }); ok {
		f.Forget(channelID)
	}
	slog.Info("session: left voice channel", "channel_id", channelID, "reason", reason)
	return err
}

// autoJoinChannel joins channelID if auto-join applies. Called with mu held.
func (m *Manager) autoJoinChannel(channelID string) bool {
	if !m.voiceEnabled.Load() || !m.autoJoin.Load() || m.connected() {
		return false
	}
	if len(m.platform.Members(channelID)) == 0 {
		return false
	}
	if err := m.join(m.base, channelID); err != nil {
		slog.Warn("session: auto-join failed", "channel_id", channelID, "err", err)
		return false
	}
	return true
}

// autoJoinAny joins the first known populated channel. Called with mu held.
func (m *Manager) autoJoinAny() {
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if m.autoJoinChannel(id) {
			return
		}
	}
}

func (m *Manager) connected() bool {
	for _, s := range m.registry.Snapshot() {
		if s.State() != StateIdle {
			return true
		}
	}
	return false
}

// handleLost runs when a session's transport drops on its own. The session
// is torn down and, if people are still in the channel, rejoined in the
// background.
func (m *Manager) handleLost(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.registry.Get(channelID); !ok {
		return
	}
	if err := m.teardown(channelID, reasonTransportClosed, ErrTransportClosed); err != nil {
		slog.Debug("session: disconnect after transport loss", "channel_id", channelID, "err", err)
	}
	if !m.voiceEnabled.Load() || !m.autoJoin.Load() || len(m.platform.Members(channelID)) == 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = reconnect(m.base, m.cfg.Reconnect, channelID, func(ctx context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.closed || m.connected() || !m.voiceEnabled.Load() || !m.autoJoin.Load() ||
				len(m.platform.Members(channelID)) == 0 {
				return errStopReconnect
			}
			return m.join(ctx, channelID)
		})
	}()
}

func (m *Manager) publish(c StateChange) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
		default:
			slog.Warn("session: subscriber lagging, dropping state change", "channel_id", c.ChannelID, "to", c.To)
		}
	}
}
