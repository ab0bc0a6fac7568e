package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/audio/mock"
)

// passEncoder returns the PCM unchanged so tests can inspect frame sizes.
type passEncoder struct{}

func (passEncoder) EncodeFrame(pcm []byte) ([]byte, error) { return append([]byte(nil), pcm...), nil }

func newTestController(sink Sink) *Controller {
	return New(sink,
		WithEncoderFactory(func() (Encoder, error) { return passEncoder{}, nil }),
		WithFrameDuration(2*time.Millisecond),
	)
}

// wav returns d of silence at 24 kHz mono.
func wav(d time.Duration) []byte {
	f := audio.Format{SampleRate: 24000, Channels: 1}
	return codec.EncodeWAV(make([]byte, f.Bytes(d)), f)
}

func TestPlay_Done(t *testing.T) {
	t.Parallel()
	conn := mock.NewConnection("c1")
	c := New(conn,
		WithEncoderFactory(func() (Encoder, error) { return passEncoder{}, nil }),
		WithFrameDuration(20*time.Millisecond),
	)

	start := time.Now()
	outcome, err := c.Play(context.Background(), wav(200*time.Millisecond))
	elapsed := time.Since(start)
	if err != nil || outcome != OutcomeDone {
		t.Fatalf("Play = %v, %v", outcome, err)
	}
	if elapsed < 160*time.Millisecond {
		t.Errorf("Play returned after %v, want real-time pacing (~180ms)", elapsed)
	}

	n := len(conn.Output())
	if n != 10 {
		t.Errorf("frames written = %d, want 10", n)
	}
	first := <-conn.Output()
	if len(first.Data) != codec.FrameBytes || first.Encoding != audio.EncodingOpus {
		t.Errorf("first frame = %d bytes %v, want %d bytes opus", len(first.Data), first.Encoding, codec.FrameBytes)
	}
	if got := conn.Speaking(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("SetSpeaking calls = %v, want [true false]", got)
	}
	if c.Playing() {
		t.Error("Playing() true after Play returned")
	}
}

func TestPlay_Stop(t *testing.T) {
	t.Parallel()
	conn := mock.NewConnection("c1")
	c := newTestController(conn)

	var (
		wg      sync.WaitGroup
		outcome Outcome
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outcome, _ = c.Play(context.Background(), wav(10*time.Second))
	}()

	deadline := time.Now().Add(time.Second)
	for !c.Playing() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Stop()
	wg.Wait()

	if outcome != OutcomeInterrupted {
		t.Errorf("outcome = %v, want interrupted", outcome)
	}
	if n := len(conn.Output()); n >= 500 {
		t.Errorf("frames written = %d, want far fewer than the full reply", n)
	}
	if c.Playing() {
		t.Error("Playing() true after Stop")
	}
}

func TestPlay_ContextCancel(t *testing.T) {
	t.Parallel()
	conn := mock.NewConnection("c1")
	c := newTestController(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	outcome, err := c.Play(ctx, wav(10*time.Second))
	if err != nil || outcome != OutcomeInterrupted {
		t.Errorf("Play = %v, %v, want interrupted", outcome, err)
	}
}

func TestPlay_Busy(t *testing.T) {
	t.Parallel()
	conn := mock.NewConnection("c1")
	c := newTestController(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Play(context.Background(), wav(5*time.Second))
	}()
	for !c.Playing() {
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Play(context.Background(), wav(time.Second)); !errors.Is(err, ErrBusy) {
		t.Errorf("second Play err = %v, want ErrBusy", err)
	}
	c.Stop()
	<-done
}

func TestPlay_InvalidContainer(t *testing.T) {
	t.Parallel()
	conn := mock.NewConnection("c1")
	c := newTestController(conn)

	_, err := c.Play(context.Background(), []byte("not a wav"))
	if !codec.IsCodecError(err) {
		t.Errorf("err = %v, want codec error", err)
	}
	if len(conn.Speaking()) != 0 {
		t.Error("speaking indicator toggled for an undecodable reply")
	}
}

func TestPlay_ResamplesToTransport(t *testing.T) {
	t.Parallel()
	conn := mock.NewConnection("c1")
	c := newTestController(conn)

	if _, err := c.Play(context.Background(), wav(100*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	total := 0
	for len(conn.Output()) > 0 {
		total += len((<-conn.Output()).Data)
	}
	want := codec.Format.Bytes(100 * time.Millisecond)
	if total != want {
		t.Errorf("PCM bytes = %d, want %d (48 kHz stereo)", total, want)
	}
}
