package discord

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxloop/pkg/audio"
)

type eventLog struct {
	mu  sync.Mutex
	evs []audio.Event
}

func (l *eventLog) add(ev audio.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
}

func (l *eventLog) all() []audio.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.evs)
}

func newTestPlatform(t *testing.T) (*Platform, *eventLog) {
	t.Helper()
	s := &discordgo.Session{State: discordgo.NewState()}
	s.State.User = &discordgo.User{ID: "self"}
	p := newPlatform(s, "guild-1")
	log := &eventLog{}
	p.OnParticipantChange(log.add)
	return p, log
}

func voiceUpdate(userID, channelID string, bot bool) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		GuildID:   "guild-1",
		UserID:    userID,
		ChannelID: channelID,
		Member:    &discordgo.Member{User: &discordgo.User{ID: userID, Username: "name-" + userID, Bot: bot}},
	}}
}

func TestPlatform_VoiceStateEvents(t *testing.T) {
	t.Parallel()
	p, log := newTestPlatform(t)

	p.onVoiceStateUpdate(nil, voiceUpdate("alice", "c1", false))
	p.onVoiceStateUpdate(nil, voiceUpdate("alice", "c1", false)) // mute toggle
	p.onVoiceStateUpdate(nil, voiceUpdate("robot", "c1", true))
	p.onVoiceStateUpdate(nil, voiceUpdate("alice", "c2", false))
	p.onVoiceStateUpdate(nil, voiceUpdate("alice", "", false))

	want := []audio.Event{
		{Type: audio.EventJoin, ChannelID: "c1", UserID: "alice", Username: "name-alice"},
		{Type: audio.EventLeave, ChannelID: "c1", UserID: "alice", Username: "name-alice"},
		{Type: audio.EventJoin, ChannelID: "c2", UserID: "alice", Username: "name-alice"},
		{Type: audio.EventLeave, ChannelID: "c2", UserID: "alice", Username: "name-alice"},
	}
	if got := log.all(); !slices.Equal(got, want) {
		t.Errorf("events = %+v\nwant %+v", got, want)
	}
}

func TestPlatform_IgnoresOtherGuilds(t *testing.T) {
	t.Parallel()
	p, log := newTestPlatform(t)
	ev := voiceUpdate("alice", "c1", false)
	ev.GuildID = "guild-2"
	p.onVoiceStateUpdate(nil, ev)
	if n := len(log.all()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestPlatform_Members(t *testing.T) {
	t.Parallel()
	p, _ := newTestPlatform(t)
	p.onVoiceStateUpdate(nil, voiceUpdate("zed", "c1", false))
	p.onVoiceStateUpdate(nil, voiceUpdate("amy", "c1", false))
	p.onVoiceStateUpdate(nil, voiceUpdate("bob", "c2", false))
	p.onVoiceStateUpdate(nil, voiceUpdate("bot", "c1", true))

	if got := p.Members("c1"); !slices.Equal(got, []string{"amy", "zed"}) {
		t.Errorf("Members(c1) = %v, want [amy zed]", got)
	}
	if got := p.Members("empty"); len(got) != 0 {
		t.Errorf("Members(empty) = %v, want none", got)
	}
}

func TestPlatform_GuildCreateSeedsMembership(t *testing.T) {
	t.Parallel()
	p, log := newTestPlatform(t)
	p.onGuildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{
		ID: "guild-1",
		Members: []*discordgo.Member{
			{User: &discordgo.User{ID: "alice", Username: "Alice"}},
			{User: &discordgo.User{ID: "helper", Bot: true}},
		},
		VoiceStates: []*discordgo.VoiceState{
			{UserID: "alice", ChannelID: "c1"},
			{UserID: "helper", ChannelID: "c1"},
			{UserID: "self", ChannelID: "c1"},
		},
	}})

	want := []audio.Event{{Type: audio.EventJoin, ChannelID: "c1", UserID: "alice", Username: "Alice"}}
	if got := log.all(); !slices.Equal(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
}

func TestPlatform_SelfMoveEndsConnection(t *testing.T) {
	t.Parallel()
	p, log := newTestPlatform(t)
	c, _ := newTestConnection(t)
	p.conns["voice-1"] = c

	p.onVoiceStateUpdate(nil, voiceUpdate("self", "voice-1", false))
	if c.closed() {
		t.Fatal("connection ended while still in its channel")
	}
	p.onVoiceStateUpdate(nil, voiceUpdate("self", "", false))
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not ended after the bot was removed")
	}
	if n := len(log.all()); n != 0 {
		t.Errorf("bot's own moves produced %d events, want 0", n)
	}
}

func TestPlatform_ConnectErrors(t *testing.T) {
	t.Parallel()

	t.Run("join failure", func(t *testing.T) {
		t.Parallel()
		p, _ := newTestPlatform(t)
		boom := errors.New("no permission")
		p.join = func(string, string) (*discordgo.VoiceConnection, error) { return nil, boom }
		if _, err := p.Connect(context.Background(), "c1"); !errors.Is(err, boom) {
			t.Errorf("Connect err = %v, want %v", err, boom)
		}
	})

	t.Run("context ends first", func(t *testing.T) {
		t.Parallel()
		p, _ := newTestPlatform(t)
		release := make(chan struct{})
		p.join = func(string, string) (*discordgo.VoiceConnection, error) {
			<-release
			return nil, errors.New("late")
		}
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := p.Connect(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Connect err = %v, want deadline exceeded", err)
		}
	})
}
