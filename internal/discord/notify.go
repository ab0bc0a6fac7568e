package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
)

// DefaultNoticeCooldown is the minimum gap between two notices posted to
// the same channel.
const DefaultNoticeCooldown = 10 * time.Second

// Subscriber publishes session state changes. Implemented by
// [session.Manager].
type Subscriber interface {
	Subscribe(buffer int) (<-chan session.StateChange, func())
}

// Notifier posts a short text notice to a voice channel's chat whenever a
// session transition carries an error, such as a reply that could not be
// produced.
type Notifier struct {
	sender   MessageSender
	sub      Subscriber
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NotifierOption configures a [Notifier].
type NotifierOption func(*Notifier)

// WithNoticeCooldown overrides [DefaultNoticeCooldown]. Zero disables
// rate limiting.
func WithNoticeCooldown(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.cooldown = d }
}

// NewNotifier creates a Notifier posting through sender.
func NewNotifier(sender MessageSender, sub Subscriber, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		sender:   sender,
		sub:      sub,
		cooldown: DefaultNoticeCooldown,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Run consumes state changes until ctx is cancelled or the subscription is
// closed. It always returns nil.
func (n *Notifier) Run(ctx context.Context) error {
	changes, unsubscribe := n.sub.Subscribe(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			n.handle(c)
		}
	}
}

func (n *Notifier) handle(c session.StateChange) {
	if c.Err == nil || c.ChannelID == "" {
		return
	}
	text, ok := NoticeText(c.Err)
	if !ok || !n.allow(c.ChannelID) {
		return
	}
	if _, err := n.sender.ChannelMessageSend(c.ChannelID, text); err != nil {
		slog.Warn("discord: failed to post notice", "channel_id", c.ChannelID, "err", err)
		return
	}
	slog.Debug("discord: notice posted", "channel_id", c.ChannelID, "reason", c.Reason)
}

func (n *Notifier) allow(channelID string) bool {
	if n.cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[channelID]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.last[channelID] = now
	return true
}

// NoticeText returns the user-facing apology for a session error. It
// returns false for errors that warrant no notice, such as a cancelled
// reply.
func NoticeText(err error) (string, bool) {
	if errors.Is(err, session.ErrTransportClosed) {
		return "I lost the voice connection. I'll rejoin if anyone is still here.", true
	}
	var fail orchestrator.FailureResponse
	if errors.As(err, &fail) {
		switch fail.Reason {
		case orchestrator.ReasonCancelled, orchestrator.ReasonEmptyTranscript:
			return "", false
		case orchestrator.ReasonTimeout:
			return "Sorry, that took too long to answer. Please try again.", true
		case orchestrator.ReasonConfiguration:
			return "Sorry, I can't answer by voice right now. No reply service is configured.", true
		default:
			return "Sorry, I couldn't come up with a reply. Please try again.", true
		}
	}
	return "Sorry, I couldn't play my reply.", true
}
