// Package discord provides the Discord bot layer for voxloop. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, gates admin commands and posts session notices to
// voice channel text chats.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxloop/internal/resilience"
	discordaudio "github.com/MrWong99/voxloop/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild the bot serves.
	GuildID string

	// AdminRoleID is the role allowed to run privileged commands. Empty
	// allows everyone.
	AdminRoleID string
}

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates

// registerRetry covers a flaky Discord API during startup.
var registerRetry = resilience.RetryConfig{
	CallTimeout: 15 * time.Second,
	Backoff:     2 * time.Second,
	Attempts:    3,
}

// Bot owns the gateway connection of one guild.
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	router   *CommandRouter
	gate     *AdminGate
	guildID  string

	// ready flips on READY/RESUMED and off on DISCONNECT.
	ready atomic.Bool

	closeOnce sync.Once
}

// New connects to the gateway. The voice platform attaches its handlers
// before the connection opens so that it sees the initial GUILD_CREATE and
// can seed channel membership from it.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = intents

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		router:   NewCommandRouter(),
		gate:     NewAdminGate(cfg.AdminRoleID),
		guildID:  cfg.GuildID,
	}

	session.AddHandler(b.onInteraction)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.ready.Store(true)
		slog.Info("discord: gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	session.AddHandler(func(*discordgo.Session, *discordgo.Resumed) {
		b.ready.Store(true)
		slog.Info("discord: gateway resumed")
	})
	session.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) {
		b.ready.Store(false)
		slog.Warn("discord: gateway disconnected, discordgo will reconnect")
	})

	if err := session.Open(); err != nil {
		b.platform.Close()
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID != "" && i.GuildID != b.guildID {
		slog.Debug("discord: ignoring interaction from other guild", "guild_id", i.GuildID)
		return
	}
	b.router.Handle(s, i)
}

// Platform returns the voice platform for the configured guild.
func (b *Bot) Platform() *discordaudio.Platform { return b.platform }

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session { return b.session }

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter { return b.router }

// Gate returns the admin gate built from Config.AdminRoleID.
func (b *Bot) Gate() *AdminGate { return b.gate }

// Open reports whether the gateway is connected. It backs the readiness
// probe.
func (b *Bot) Open() bool { return b.ready.Load() }

// UserVoiceChannel returns the voice channel userID is connected to in the
// bot's guild, or "" when the user is not in voice.
func (b *Bot) UserVoiceChannel(userID string) string {
	vs, err := b.session.State.VoiceState(b.guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// Run publishes the router's slash commands to the guild, blocks until ctx
// ends and then withdraws them again.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) == 0 {
		<-ctx.Done()
		return nil
	}
	appID := b.session.State.User.ID

	registered, err := resilience.Retry(ctx, "discord register commands", registerRetry,
		func(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
			return b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds, discordgo.WithContext(ctx))
		})
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	slog.Info("discord: commands registered", "count", len(registered))

	<-ctx.Done()

	for _, cmd := range registered {
		if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
			slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
		}
	}
	return nil
}

// Close detaches the voice platform and disconnects from the gateway. It
// is safe to call more than once.
func (b *Bot) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.ready.Store(false)
		b.platform.Close()
		if cerr := b.session.Close(); cerr != nil {
			err = fmt.Errorf("discord: close session: %w", cerr)
		}
		slog.Info("discord: bot closed")
	})
	return err
}
