package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxloop/internal/discord"
	"github.com/MrWong99/voxloop/internal/discord/mock"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
)

// fakeManager is a scripted VoiceManager.
type fakeManager struct {
	mu sync.Mutex

	current   *session.Status
	enabled   bool
	autoJoin  bool
	JoinErr   error
	LeaveErr  error
	Joined    []string
	Left      []string
	Toggled   []bool
	JoinedCtx context.Context
}

func (f *fakeManager) JoinChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Joined = append(f.Joined, channelID)
	f.JoinedCtx = ctx
	if f.JoinErr != nil {
		return f.JoinErr
	}
	f.current = &session.Status{ChannelID: channelID, State: session.StateListening, Connected: true}
	return nil
}

func (f *fakeManager) LeaveChannel(channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Left = append(f.Left, channelID)
	if f.LeaveErr != nil {
		return f.LeaveErr
	}
	f.current = nil
	return nil
}

func (f *fakeManager) Current() (session.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return session.Status{}, false
	}
	st := *f.current
	st.VoiceEnabled = f.enabled
	st.AutoJoin = f.autoJoin
	return st, true
}

func (f *fakeManager) VoiceEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeManager) AutoJoin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoJoin
}

func (f *fakeManager) SetVoiceEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
	f.Toggled = append(f.Toggled, enabled)
}

func interaction(name string, roles []string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
		Data: discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
		Member: &discordgo.Member{
			User:  &discordgo.User{ID: "user-1"},
			Roles: roles,
		},
	}}
}

func channelOpt(id string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "channel",
		Type:  discordgo.ApplicationCommandOptionChannel,
		Value: id,
	}
}

// setup registers the voice commands on a fresh router.
func setup(mgr *fakeManager, adminRole string, locate ChannelLocator, opts ...Option) *discord.CommandRouter {
	router := discord.NewCommandRouter()
	NewVoiceCommands(mgr, discord.NewAdminGate(adminRole), locate, opts...).Register(router)
	return router
}

func inVoice(channelID string) ChannelLocator {
	return func(userID string) string {
		if userID == "user-1" {
			return channelID
		}
		return ""
	}
}

func TestVoiceCommands_Definitions(t *testing.T) {
	t.Parallel()

	router := setup(&fakeManager{}, "", nil)
	cmds := router.ApplicationCommands()
	var names []string
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	if got, want := strings.Join(names, ","), "join,leave,togglevoice,voicestatus"; got != want {
		t.Errorf("commands = %s, want %s", got, want)
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		mgr          *fakeManager
		locate       ChannelLocator
		opts         []*discordgo.ApplicationCommandInteractionDataOption
		wantJoined   string
		wantReply    string
		wantDeferred bool
	}{
		{
			name:         "caller's channel",
			mgr:          &fakeManager{enabled: true},
			locate:       inVoice("vc-1"),
			wantJoined:   "vc-1",
			wantReply:    "Joined <#vc-1>",
			wantDeferred: true,
		},
		{
			name:         "explicit channel wins",
			mgr:          &fakeManager{enabled: true},
			locate:       inVoice("vc-1"),
			opts:         []*discordgo.ApplicationCommandInteractionDataOption{channelOpt("vc-2")},
			wantJoined:   "vc-2",
			wantReply:    "Joined <#vc-2>",
			wantDeferred: true,
		},
		{
			name:      "caller not in voice",
			mgr:       &fakeManager{enabled: true},
			locate:    inVoice(""),
			wantReply: "You need to be in a voice channel first!",
		},
		{
			name:      "voice disabled",
			mgr:       &fakeManager{},
			locate:    inVoice("vc-1"),
			wantReply: "Voice features are disabled",
		},
		{
			name: "already connected",
			mgr: &fakeManager{
				enabled: true,
				current: &session.Status{ChannelID: "vc-1", Connected: true},
			},
			locate:    inVoice("vc-1"),
			wantReply: "Already connected to <#vc-1>",
		},
		{
			name:         "join fails",
			mgr:          &fakeManager{enabled: true, JoinErr: errors.New("handshake timeout")},
			locate:       inVoice("vc-1"),
			wantJoined:   "vc-1",
			wantReply:    "Failed to join voice channel: handshake timeout",
			wantDeferred: true,
		},
		{
			name:         "disabled during join",
			mgr:          &fakeManager{enabled: true, JoinErr: session.ErrVoiceDisabled},
			locate:       inVoice("vc-1"),
			wantJoined:   "vc-1",
			wantReply:    "disabled in the meantime",
			wantDeferred: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := &mock.InteractionResponder{}
			setup(tt.mgr, "", tt.locate).Handle(resp, interaction("join", nil, tt.opts...))

			joined := ""
			if len(tt.mgr.Joined) > 0 {
				joined = tt.mgr.Joined[0]
			}
			if joined != tt.wantJoined {
				t.Errorf("joined = %q, want %q", joined, tt.wantJoined)
			}

			var reply string
			if tt.wantDeferred {
				if last := resp.LastResponse(); last == nil || last.Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
					t.Fatalf("first response = %+v, want deferred", last)
				}
				if fu := resp.LastFollowUp(); fu != nil {
					reply = fu.Content
				}
			} else if last := resp.LastResponse(); last != nil {
				reply = last.Data.Content
				if last.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
					t.Error("expected ephemeral refusal")
				}
			}
			if !strings.Contains(reply, tt.wantReply) {
				t.Errorf("reply = %q, want it to contain %q", reply, tt.wantReply)
			}
		})
	}
}

func TestJoin_Deadline(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{enabled: true}
	setup(mgr, "", inVoice("vc-1")).Handle(&mock.InteractionResponder{}, interaction("join", nil))

	deadline, ok := mgr.JoinedCtx.Deadline()
	if !ok {
		t.Fatal("join context has no deadline")
	}
	if until := time.Until(deadline); until <= 0 || until > joinTimeout {
		t.Errorf("deadline in %v, want within %v", until, joinTimeout)
	}
}

func TestLeave(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mgr       *fakeManager
		wantLeft  bool
		wantReply string
	}{
		{
			name:      "connected",
			mgr:       &fakeManager{current: &session.Status{ChannelID: "vc-1", Connected: true}},
			wantLeft:  true,
			wantReply: "Left <#vc-1>.",
		},
		{
			name:      "not connected",
			mgr:       &fakeManager{},
			wantReply: "Not connected to any voice channel!",
		},
		{
			name: "leave error",
			mgr: &fakeManager{
				current:  &session.Status{ChannelID: "vc-1", Connected: true},
				LeaveErr: errors.New("gateway down"),
			},
			wantLeft:  true,
			wantReply: "Error: leave voice channel: gateway down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := &mock.InteractionResponder{}
			setup(tt.mgr, "", nil).Handle(resp, interaction("leave", nil))

			if left := len(tt.mgr.Left) > 0; left != tt.wantLeft {
				t.Errorf("left = %v, want %v", left, tt.wantLeft)
			}
			if got := resp.LastResponse().Data.Content; got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
		})
	}
}

func TestToggleVoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		enabled     bool
		adminRole   string
		roles       []string
		wantToggled []bool
		wantReply   string
	}{
		{"disable", true, "", nil, []bool{false}, "Voice features are now **disabled**!"},
		{"enable", false, "", nil, []bool{true}, "Voice features are now **enabled**!"},
		{"admin role present", true, "admin", []string{"admin"}, []bool{false}, "Voice features are now **disabled**!"},
		{"admin role missing", true, "admin", []string{"member"}, nil, "You need the admin role to toggle voice features."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mgr := &fakeManager{enabled: tt.enabled}
			resp := &mock.InteractionResponder{}
			setup(mgr, tt.adminRole, nil).Handle(resp, interaction("togglevoice", tt.roles))

			if len(mgr.Toggled) != len(tt.wantToggled) || (len(mgr.Toggled) == 1 && mgr.Toggled[0] != tt.wantToggled[0]) {
				t.Errorf("toggled = %v, want %v", mgr.Toggled, tt.wantToggled)
			}
			if got := resp.LastResponse().Data.Content; got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
		})
	}
}

func fieldValues(e *discordgo.MessageEmbed) map[string]string {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Name] = f.Value
	}
	return out
}

func TestVoiceStatus_Disconnected(t *testing.T) {
	t.Parallel()

	resp := &mock.InteractionResponder{}
	setup(&fakeManager{enabled: true, autoJoin: false}, "", nil).Handle(resp, interaction("voicestatus", nil))

	last := resp.LastResponse()
	if last.Data.Flags&discordgo.MessageFlagsEphemeral != 0 {
		t.Error("status embed should be public")
	}
	embed := last.Data.Embeds[0]
	if embed.Color != colorDisconnected {
		t.Errorf("color = %#x, want %#x", embed.Color, colorDisconnected)
	}
	fields := fieldValues(embed)
	want := map[string]string{"Enabled": "Yes", "Auto Join": "No", "Connected": "No"}
	if len(fields) != len(want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %q = %q, want %q", k, fields[k], v)
		}
	}
}

func TestVoiceStatus_Connected(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{
		enabled:  true,
		autoJoin: true,
		current: &session.Status{
			ChannelID: "vc-1",
			State:     session.StateSpeaking,
			Connected: true,
			Playing:   true,
			Members:   []string{"alice", "bob"},
			LastError: errors.New("tts: 503"),
		},
	}
	stats := discord.NewReplyStats(10)
	stats.Record(orchestrator.AudioResponse{Path: orchestrator.PathPrimary, Latency: 1200 * time.Millisecond})
	stats.Record(orchestrator.FailureResponse{Reason: orchestrator.ReasonTimeout})

	resp := &mock.InteractionResponder{}
	setup(mgr, "", nil, WithReplyStats(stats)).Handle(resp, interaction("voicestatus", nil))

	embed := resp.LastResponse().Data.Embeds[0]
	if embed.Color != colorConnected {
		t.Errorf("color = %#x, want %#x", embed.Color, colorConnected)
	}
	fields := fieldValues(embed)
	want := map[string]string{
		"Connected": "Yes",
		"Channel":   "<#vc-1>",
		"State":     "speaking",
		"Recording": "No",
		"Playing":   "Yes",
		"Listening": "No (speaking)",
		"Members":   "2: <@alice> <@bob>",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %q = %q, want %q", k, fields[k], v)
		}
	}
	if !strings.HasPrefix(fields["Replies"], "1 answered, 1 failed") || !strings.Contains(fields["Replies"], "Primary: p50 1.2s") {
		t.Errorf("Replies = %q", fields["Replies"])
	}
	if embed.Footer == nil || !strings.Contains(embed.Footer.Text, "tts: 503") {
		t.Errorf("footer = %+v, want last error", embed.Footer)
	}
}
