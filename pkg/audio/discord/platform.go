// Package discord provides an [audio.Platform] backed by Discord voice
// channels via the bwmarrin/discordgo library.
//
// The platform needs an open *discordgo.Session (owned by the bot layer)
// and a guild ID. It tracks the voice state of every non-bot member of the
// guild so membership events and [Platform.Members] work for channels the
// bot has not joined. Each [Platform.Connect] joins a voice channel and
// returns a [Connection] carrying raw Opus packets tagged with the speaking
// user.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxloop/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] for one guild.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string

	// join is ChannelVoiceJoin, replaced in tests.
	join func(guildID, channelID string) (*discordgo.VoiceConnection, error)

	mu     sync.Mutex
	cb     func(audio.Event)
	voice  map[string]string // non-bot user ID -> voice channel ID
	names  map[string]string // user ID -> username
	conns  map[string]*Connection
	remove []func()
}

// New creates a Platform for guildID and registers its gateway handlers on
// session. Call [Platform.Close] to unregister them.
func New(session *discordgo.Session, guildID string) *Platform {
	p := newPlatform(session, guildID)
	p.join = func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
		return session.ChannelVoiceJoin(guildID, channelID, false, false)
	}
	p.remove = append(p.remove,
		session.AddHandler(p.onGuildCreate),
		session.AddHandler(p.onVoiceStateUpdate),
	)
	return p
}

func newPlatform(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
		voice:   make(map[string]string),
		names:   make(map[string]string),
		conns:   make(map[string]*Connection),
	}
}

// Connect joins channelID and returns an active [audio.Connection]. ctx
// governs the join handshake only; if it ends first, the late connection
// is torn down in the background.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := p.join(p.guildID, channelID)
		ch <- result{vc, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
	if r.err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, r.err)
	}

	conn := newConnection(r.vc, channelID)
	// Discord only reports SSRC ownership to clients that have announced a
	// speaking state once.
	if err := conn.SetSpeaking(false); err != nil {
		slog.Debug("discord: initial speaking state failed", "channel_id", channelID, "err", err)
	}

	p.mu.Lock()
	if old, ok := p.conns[channelID]; ok && old != conn {
		old.lost()
	}
	p.conns[channelID] = conn
	p.mu.Unlock()

	slog.Info("discord: joined voice channel", "guild_id", p.guildID, "channel_id", channelID)
	return conn, nil
}

// OnParticipantChange registers cb for membership events. Later calls
// replace the callback.
func (p *Platform) OnParticipantChange(cb func(audio.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// Members returns the non-bot users currently in channelID, sorted.
func (p *Platform) Members(channelID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for user, ch := range p.voice {
		if ch == channelID {
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

// Close unregisters the gateway handlers.
func (p *Platform) Close() {
	p.mu.Lock()
	remove := p.remove
	p.remove = nil
	p.mu.Unlock()
	for _, fn := range remove {
		fn()
	}
}

func (p *Platform) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.ID != p.guildID {
		return
	}
	bots := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		if m != nil && m.User != nil {
			bots[m.User.ID] = m.User.Bot
			p.setName(m.User.ID, m.User.Username)
		}
	}
	for _, vs := range g.VoiceStates {
		if vs == nil {
			continue
		}
		bot := bots[vs.UserID] || p.isSelf(vs.UserID)
		if vs.Member != nil && vs.Member.User != nil {
			bot = bot || vs.Member.User.Bot
		}
		p.applyVoiceState(vs.UserID, vs.ChannelID, bot)
	}
}

func (p *Platform) onVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != p.guildID {
		return
	}
	if p.isSelf(vsu.UserID) {
		p.selfMoved(vsu.ChannelID)
		return
	}
	bot := false
	if vsu.Member != nil && vsu.Member.User != nil {
		bot = vsu.Member.User.Bot
		p.setName(vsu.UserID, vsu.Member.User.Username)
	} else if p.session != nil && p.session.State != nil {
		if m, err := p.session.State.Member(p.guildID, vsu.UserID); err == nil && m.User != nil {
			bot = m.User.Bot
		}
	}
	p.applyVoiceState(vsu.UserID, vsu.ChannelID, bot)
}

// applyVoiceState records that userID is now in channelID ("" for none) and
// emits the resulting leave and join events. Mute and deafen updates leave
// the channel unchanged and emit nothing.
func (p *Platform) applyVoiceState(userID, channelID string, bot bool) {
	if bot || userID == "" {
		return
	}
	p.mu.Lock()
	prev := p.voice[userID]
	if channelID == "" {
		delete(p.voice, userID)
	} else {
		p.voice[userID] = channelID
	}
	cb := p.cb
	name := p.names[userID]
	p.mu.Unlock()

	if prev == channelID || cb == nil {
		return
	}
	if prev != "" {
		cb(audio.Event{Type: audio.EventLeave, ChannelID: prev, UserID: userID, Username: name})
	}
	if channelID != "" {
		cb(audio.Event{Type: audio.EventJoin, ChannelID: channelID, UserID: userID, Username: name})
	}
}

// selfMoved handles a voice state change of the bot itself. Being moved or
// disconnected by someone else ends the affected connection.
func (p *Platform) selfMoved(channelID string) {
	p.mu.Lock()
	var lost []*Connection
	for id, c := range p.conns {
		if id != channelID {
			lost = append(lost, c)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()
	for _, c := range lost {
		if !c.closed() {
			slog.Warn("discord: removed from voice channel", "guild_id", p.guildID, "channel_id", c.ChannelID())
		}
		c.lost()
	}
}

func (p *Platform) isSelf(userID string) bool {
	return p.session != nil && p.session.State != nil && p.session.State.User != nil &&
		p.session.State.User.ID == userID
}

func (p *Platform) setName(userID, name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	p.names[userID] = name
	p.mu.Unlock()
}
