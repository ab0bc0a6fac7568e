package discord

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/discord/mock"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
)

// fakeSubscriber hands out one channel controlled by the test.
type fakeSubscriber struct {
	ch           chan session.StateChange
	unsubscribed chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		ch:           make(chan session.StateChange, 8),
		unsubscribed: make(chan struct{}),
	}
}

func (f *fakeSubscriber) Subscribe(int) (<-chan session.StateChange, func()) {
	return f.ch, func() { close(f.unsubscribed) }
}

func TestNoticeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		notice bool
	}{
		{"service failure", orchestrator.FailureResponse{Reason: orchestrator.ReasonService, Err: errors.New("503")}, true},
		{"timeout", orchestrator.FailureResponse{Reason: orchestrator.ReasonTimeout}, true},
		{"configuration", orchestrator.FailureResponse{Reason: orchestrator.ReasonConfiguration}, true},
		{"cancelled", orchestrator.FailureResponse{Reason: orchestrator.ReasonCancelled}, false},
		{"empty transcript", orchestrator.FailureResponse{Reason: orchestrator.ReasonEmptyTranscript}, false},
		{"transport lost", session.ErrTransportClosed, true},
		{"wrapped failure", fmt.Errorf("x: %w", orchestrator.FailureResponse{Reason: orchestrator.ReasonTimeout}), true},
		{"playback", errors.New("sink closed"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text, ok := NoticeText(tt.err)
			if ok != tt.notice {
				t.Errorf("NoticeText() ok = %v, want %v", ok, tt.notice)
			}
			if ok && text == "" {
				t.Error("NoticeText() returned empty text")
			}
		})
	}
}

func TestNotifier_PostsFailures(t *testing.T) {
	t.Parallel()

	sender := &mock.InteractionResponder{}
	sub := newFakeSubscriber()
	n := NewNotifier(sender, sub, WithNoticeCooldown(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	sub.ch <- session.StateChange{ChannelID: "vc-1", From: session.StateFinalizing, To: session.StateListening}
	sub.ch <- session.StateChange{ChannelID: "vc-1", Err: orchestrator.FailureResponse{Reason: orchestrator.ReasonCancelled}}
	sub.ch <- session.StateChange{ChannelID: "vc-1", Err: orchestrator.FailureResponse{Reason: orchestrator.ReasonService}}
	sub.ch <- session.StateChange{ChannelID: "vc-2", Err: session.ErrTransportClosed}

	deadline := time.After(2 * time.Second)
	for len(sender.SentMessages()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("messages = %d, want 2", len(sender.SentMessages()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	<-sub.unsubscribed

	msgs := sender.SentMessages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ChannelID != "vc-1" || msgs[1].ChannelID != "vc-2" {
		t.Errorf("channels = [%s %s], want [vc-1 vc-2]", msgs[0].ChannelID, msgs[1].ChannelID)
	}
}

func TestNotifier_Cooldown(t *testing.T) {
	t.Parallel()

	sender := &mock.InteractionResponder{}
	n := NewNotifier(sender, newFakeSubscriber(), WithNoticeCooldown(10*time.Second))
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }

	fail := session.StateChange{ChannelID: "vc-1", Err: orchestrator.FailureResponse{Reason: orchestrator.ReasonService}}
	n.handle(fail)
	now = now.Add(5 * time.Second)
	n.handle(fail)
	n.handle(session.StateChange{ChannelID: "vc-2", Err: fail.Err})
	now = now.Add(6 * time.Second)
	n.handle(fail)

	if got := len(sender.SentMessages()); got != 3 {
		t.Errorf("messages = %d, want 3", got)
	}
}

func TestNotifier_ClosedSubscription(t *testing.T) {
	t.Parallel()

	sub := newFakeSubscriber()
	close(sub.ch)
	n := NewNotifier(&mock.InteractionResponder{}, sub)
	if err := n.Run(context.Background()); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestNotifier_SendError(t *testing.T) {
	t.Parallel()

	sender := &mock.InteractionResponder{Err: errors.New("forbidden")}
	n := NewNotifier(sender, newFakeSubscriber())
	n.handle(session.StateChange{ChannelID: "vc-1", Err: session.ErrTransportClosed})

	if got := len(sender.SentMessages()); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}
