package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastReconnect = ReconnectConfig{MaxRetries: 4, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestReconnect(t *testing.T) {
	t.Parallel()

	errDown := errors.New("gateway down")
	tests := []struct {
		name      string
		failures  int
		stopAfter int
		wantErr   error
		wantCalls int
	}{
		{name: "first attempt succeeds", wantCalls: 1},
		{name: "succeeds after failures", failures: 2, wantCalls: 3},
		{name: "gives up after max retries", failures: 10, wantErr: errDown, wantCalls: 4},
		{name: "stop is honoured", failures: 10, stopAfter: 2, wantErr: errStopReconnect, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := reconnect(context.Background(), fastReconnect, "c1", func(context.Context) error {
				calls++
				if tt.stopAfter > 0 && calls == tt.stopAfter {
					return errStopReconnect
				}
				if calls <= tt.failures {
					return errDown
				}
				return nil
			})
			if tt.wantErr == nil && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := reconnect(ctx, ReconnectConfig{Backoff: time.Hour}, "c1", func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestReconnectConfig_Defaults(t *testing.T) {
	t.Parallel()
	got := ReconnectConfig{}.withDefaults()
	want := ReconnectConfig{MaxRetries: defaultMaxRetries, Backoff: defaultBackoff, MaxBackoff: defaultMaxBackoff}
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}
