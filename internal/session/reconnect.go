package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// errStopReconnect tells [reconnect] that rejoining is no longer wanted,
// for example because the channel emptied in the meantime.
var errStopReconnect = errors.New("session: reconnect no longer wanted")

// ReconnectConfig tunes rejoining a channel after its voice connection
// dropped.
type ReconnectConfig struct {
	// MaxRetries is the number of attempts before giving up. Zero selects 5.
	MaxRetries int

	// Backoff is the pause before the first attempt. It doubles after each
	// failure up to MaxBackoff. Zero selects 1s.
	Backoff time.Duration

	// MaxBackoff caps the pause. Zero selects 30s.
	MaxBackoff time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// reconnect calls connect with exponential backoff until it succeeds,
// returns errStopReconnect, the attempts run out, or ctx ends. Each attempt
// is preceded by the current backoff.
func reconnect(ctx context.Context, cfg ReconnectConfig, channelID string, connect func(context.Context) error) error {
	cfg = cfg.withDefaults()
	backoff := cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		slog.Info("session: attempting reconnection",
			"channel_id", channelID,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"backoff", backoff,
		)

		err := connect(ctx)
		switch {
		case err == nil:
			slog.Info("session: reconnection successful", "channel_id", channelID, "attempt", attempt)
			return nil
		case errors.Is(err, errStopReconnect):
			slog.Debug("session: reconnection abandoned", "channel_id", channelID, "attempt", attempt)
			return err
		}

		lastErr = err
		slog.Warn("session: reconnection attempt failed", "channel_id", channelID, "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	slog.Error("session: reconnection failed after max retries", "channel_id", channelID, "max_retries", cfg.MaxRetries)
	return fmt.Errorf("session: reconnect %s: %w", channelID, lastErr)
}
