// Package commands implements the voxloop slash command handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxloop/internal/discord"
	"github.com/MrWong99/voxloop/internal/session"
)

// joinTimeout bounds /join, which waits for the voice handshake.
const joinTimeout = 30 * time.Second

const (
	colorConnected    = 0x2ECC71
	colorDisconnected = 0xE74C3C
)

// VoiceManager is the session API the commands drive. Implemented by
// [session.Manager].
type VoiceManager interface {
	JoinChannel(ctx context.Context, channelID string) error
	LeaveChannel(channelID string) error
	Current() (session.Status, bool)
	VoiceEnabled() bool
	AutoJoin() bool
	SetVoiceEnabled(enabled bool)
}

var _ VoiceManager = (*session.Manager)(nil)

// ChannelLocator returns the voice channel a user is in, or "".
type ChannelLocator func(userID string) string

// VoiceCommands holds the dependencies for /join, /leave, /voicestatus and
// /togglevoice.
type VoiceCommands struct {
	mgr    VoiceManager
	gate   *discord.AdminGate
	locate ChannelLocator
	stats  *discord.ReplyStats
}

// Option configures [VoiceCommands].
type Option func(*VoiceCommands)

// WithReplyStats adds reply latency and outcome counts to /voicestatus.
func WithReplyStats(rs *discord.ReplyStats) Option {
	return func(vc *VoiceCommands) { vc.stats = rs }
}

// NewVoiceCommands creates a VoiceCommands. locate finds the caller's voice
// channel for /join without a channel option.
func NewVoiceCommands(mgr VoiceManager, gate *discord.AdminGate, locate ChannelLocator, opts ...Option) *VoiceCommands {
	vc := &VoiceCommands{mgr: mgr, gate: gate, locate: locate}
	for _, o := range opts {
		o(vc)
	}
	return vc
}

// Register registers the voice commands with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	for _, def := range vc.Definitions() {
		var h discord.HandlerFunc
		switch def.Name {
		case "join":
			h = vc.handleJoin
		case "leave":
			h = vc.handleLeave
		case "voicestatus":
			h = vc.handleStatus
		case "togglevoice":
			h = vc.handleToggle
		}
		router.RegisterCommand(def.Name, def, h)
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (vc *VoiceCommands) Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "join",
			Description: "Join your voice channel and start listening",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "channel",
					Description:  "Voice channel to join instead of yours",
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildVoice},
				},
			},
		},
		{
			Name:        "leave",
			Description: "Leave the voice channel",
		},
		{
			Name:        "voicestatus",
			Description: "Show voice connection status",
		},
		{
			Name:        "togglevoice",
			Description: "Toggle voice features on/off",
		},
	}
}

func (vc *VoiceCommands) handleJoin(r discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.mgr.VoiceEnabled() {
		discord.RespondEphemeral(r, i, "Voice features are disabled. Use `/togglevoice` to turn them on.")
		return
	}

	channelID := channelOption(i)
	if channelID == "" && vc.locate != nil {
		channelID = vc.locate(discord.InteractionUserID(i))
	}
	if channelID == "" {
		discord.RespondEphemeral(r, i, "You need to be in a voice channel first!")
		return
	}

	if st, ok := vc.mgr.Current(); ok && st.ChannelID == channelID {
		discord.RespondEphemeral(r, i, fmt.Sprintf("Already connected to <#%s>.", channelID))
		return
	}

	// Connecting can take several seconds.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	if err := vc.mgr.JoinChannel(ctx, channelID); err != nil {
		if errors.Is(err, session.ErrVoiceDisabled) {
			discord.FollowUp(r, i, "Voice features were disabled in the meantime.")
			return
		}
		discord.FollowUp(r, i, fmt.Sprintf("Failed to join voice channel: %v", err))
		return
	}
	discord.FollowUp(r, i, fmt.Sprintf("Joined <#%s>! I'm now listening for voice input.", channelID))
}

func (vc *VoiceCommands) handleLeave(r discord.Responder, i *discordgo.InteractionCreate) {
	st, ok := vc.mgr.Current()
	if !ok {
		discord.RespondEphemeral(r, i, "Not connected to any voice channel!")
		return
	}
	if err := vc.mgr.LeaveChannel(st.ChannelID); err != nil {
		discord.RespondError(r, i, fmt.Errorf("leave voice channel: %w", err))
		return
	}
	discord.RespondMessage(r, i, fmt.Sprintf("Left <#%s>.", st.ChannelID))
}

func (vc *VoiceCommands) handleStatus(r discord.Responder, i *discordgo.InteractionCreate) {
	st, ok := vc.mgr.Current()
	if !ok {
		st = session.Status{
			VoiceEnabled: vc.mgr.VoiceEnabled(),
			AutoJoin:     vc.mgr.AutoJoin(),
		}
	}
	embed := StatusEmbed(st)
	if vc.stats != nil {
		embed.Fields = append(embed.Fields, statsField(vc.stats.Snapshot()))
	}
	discord.RespondEmbed(r, i, embed, false)
}

func (vc *VoiceCommands) handleToggle(r discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.gate.Allows(i) {
		discord.RespondEphemeral(r, i, "You need the admin role to toggle voice features.")
		return
	}
	enabled := !vc.mgr.VoiceEnabled()
	vc.mgr.SetVoiceEnabled(enabled)

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	discord.RespondMessage(r, i, fmt.Sprintf("Voice features are now **%s**!", state))
}

// StatusEmbed renders a session status for /voicestatus.
func StatusEmbed(st session.Status) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Voice Status",
		Color: colorDisconnected,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Enabled", Value: yesNo(st.VoiceEnabled), Inline: true},
			{Name: "Auto Join", Value: yesNo(st.AutoJoin), Inline: true},
			{Name: "Connected", Value: yesNo(st.Connected), Inline: true},
		},
	}
	if !st.Connected {
		return embed
	}

	embed.Color = colorConnected
	listening := yesNo(st.Listening)
	if !st.Listening && st.State == session.StateSpeaking {
		listening = "No (speaking)"
	}
	embed.Fields = append(embed.Fields,
		&discordgo.MessageEmbedField{Name: "Channel", Value: "<#" + st.ChannelID + ">"},
		&discordgo.MessageEmbedField{Name: "State", Value: st.State.String(), Inline: true},
		&discordgo.MessageEmbedField{Name: "Recording", Value: yesNo(st.Recording), Inline: true},
		&discordgo.MessageEmbedField{Name: "Playing", Value: yesNo(st.Playing), Inline: true},
		&discordgo.MessageEmbedField{Name: "Listening", Value: listening, Inline: true},
		&discordgo.MessageEmbedField{Name: "Members", Value: members(st.Members), Inline: true},
	)
	if st.LastError != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Last error: " + st.LastError.Error()}
	}
	return embed
}

// statsField summarizes reply statistics in one embed field.
func statsField(s discord.ReplySnapshot) *discordgo.MessageEmbedField {
	var b strings.Builder
	fmt.Fprintf(&b, "%d answered, %d failed", s.Answered, s.Failed)
	if s.Primary.P50 > 0 {
		fmt.Fprintf(&b, "\nPrimary: p50 %s, p95 %s", round(s.Primary.P50), round(s.Primary.P95))
	}
	if s.Fallback.P50 > 0 {
		fmt.Fprintf(&b, "\nFallback: p50 %s, p95 %s", round(s.Fallback.P50), round(s.Fallback.P95))
	}
	return &discordgo.MessageEmbedField{Name: "Replies", Value: b.String()}
}

func round(d time.Duration) time.Duration { return d.Round(10 * time.Millisecond) }

func channelOption(i *discordgo.InteractionCreate) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "channel" {
			if id, ok := opt.Value.(string); ok {
				return id
			}
		}
	}
	return ""
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func members(ids []string) string {
	if len(ids) == 0 {
		return "0"
	}
	mentions := make([]string, len(ids))
	for k, id := range ids {
		mentions[k] = "<@" + id + ">"
	}
	return strconv.Itoa(len(ids)) + ": " + strings.Join(mentions, " ")
}
