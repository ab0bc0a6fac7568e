// Package playback streams reply audio into a voice connection at real-time
// pace.
//
// A [Controller] decodes the reply container, converts it to the transport
// format, encodes it frame by frame and writes one frame per frame duration
// to the connection's output stream. [Controller.Stop] interrupts the reply;
// frames not yet written are discarded.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
)

// Outcome tells how a [Controller.Play] call ended.
type Outcome int

const (
	// OutcomeDone means every frame was written.
	OutcomeDone Outcome = iota

	// OutcomeInterrupted means Stop was called or ctx ended first.
	OutcomeInterrupted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ErrBusy is returned by Play while another reply is playing.
var ErrBusy = errors.New("playback: already playing")

// Sink is the part of [audio.Connection] the controller writes to.
type Sink interface {
	OutputStream() chan<- audio.AudioFrame
	SetSpeaking(speaking bool) error
}

// Encoder compresses one frame of transport-format PCM.
type Encoder interface {
	EncodeFrame(pcm []byte) ([]byte, error)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithEncoderFactory replaces the Opus encoder, mainly for tests.
func WithEncoderFactory(fn func() (Encoder, error)) Option {
	return func(c *Controller) { c.newEncoder = fn }
}

// WithFrameDuration sets the pacing interval. Default: 20 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller plays replies into one connection. It is safe for concurrent
// use; only one Play runs at a time.
type Controller struct {
	sink       Sink
	newEncoder func() (Encoder, error)
	frameDur   time.Duration
	format     audio.Format
	metrics    *observe.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	playing bool
}

// New returns a Controller writing Opus frames to sink.
func New(sink Sink, opts ...Option) *Controller {
	c := &Controller{
		sink:     sink,
		frameDur: 20 * time.Millisecond,
		format:   codec.Format,
		newEncoder: func() (Encoder, error) {
			return codec.NewEncoder()
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Playing reports whether a reply is being played.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Stop interrupts the current reply, if any. It does not wait for Play to
// return.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Play streams the WAV container to the sink and blocks until it has been
// written, Stop is called or ctx ends. The speaking indicator is on for the
// duration of the call. A container that cannot be decoded returns a
// *codec.Error and plays nothing.
func (c *Controller) Play(ctx context.Context, container []byte) (Outcome, error) {
	pcm, src, err := codec.DecodeWAV(container)
	if err != nil {
		return OutcomeInterrupted, err
	}
	enc, err := c.newEncoder()
	if err != nil {
		return OutcomeInterrupted, err
	}
	conv := audio.FormatConverter{Target: c.format}
	pcm = conv.Convert(pcm, src)

	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return OutcomeInterrupted, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.playing = true
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.playing = false
		c.mu.Unlock()
	}()

	if err := c.sink.SetSpeaking(true); err != nil {
		slog.Warn("playback: failed to set speaking", "err", err)
	}
	defer func() {
		if err := c.sink.SetSpeaking(false); err != nil {
			slog.Debug("playback: failed to clear speaking", "err", err)
		}
	}()

	start := time.Now()
	outcome := c.stream(ctx, enc, pcm)
	if c.metrics != nil {
		c.metrics.PlaybackDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Debug("playback: finished", "outcome", outcome, "audio", c.format.Duration(len(pcm)), "elapsed", time.Since(start))
	return outcome, nil
}

func (c *Controller) stream(ctx context.Context, enc Encoder, pcm []byte) Outcome {
	frameBytes := c.format.Bytes(c.frameDur)
	out := c.sink.OutputStream()

	ticker := time.NewTicker(c.frameDur)
	defer ticker.Stop()

	var seq uint16
	for off := 0; off < len(pcm); off += frameBytes {
		if off > 0 {
			select {
			case <-ctx.Done():
				return OutcomeInterrupted
			case <-ticker.C:
			}
		}

		end := min(off+frameBytes, len(pcm))
		pkt, err := enc.EncodeFrame(pcm[off:end])
		if err != nil {
			slog.Warn("playback: dropping frame", "offset", off, "err", err)
			continue
		}
		frame := audio.AudioFrame{
			Data:       pkt,
			Encoding:   audio.EncodingOpus,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Sequence:   seq,
			Timestamp:  c.format.Duration(off),
		}
		seq++

		select {
		case <-ctx.Done():
			return OutcomeInterrupted
		case out <- frame:
		}
	}
	return OutcomeDone
}
