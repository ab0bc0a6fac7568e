// Package utterance accumulates the active speaker's frames into a finalized
// [Utterance].
//
// Frames are reordered by transport sequence number inside a small jitter
// window. A frame that arrives after its slot has already been released is
// late and dropped. The buffer never holds more than one speaker's audio.
package utterance

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxloop/pkg/audio"
)

var (
	// ErrNotOpen is returned when pushing to or closing a buffer with no open
	// utterance.
	ErrNotOpen = errors.New("utterance: no open utterance")

	// ErrAlreadyOpen is returned by Open while another utterance is buffered.
	ErrAlreadyOpen = errors.New("utterance: utterance already open")

	// ErrWrongSpeaker is returned for frames of a speaker other than the
	// active one. The frame is dropped.
	ErrWrongSpeaker = errors.New("utterance: frame from non-active speaker")

	// ErrLateFrame is returned for frames whose sequence number was already
	// passed when the jitter window released later frames.
	ErrLateFrame = errors.New("utterance: frame arrived after jitter window")

	// ErrDuplicateFrame is returned for a sequence number already buffered.
	ErrDuplicateFrame = errors.New("utterance: duplicate frame")

	// ErrEmpty is returned by Close when no frames were buffered.
	ErrEmpty = errors.New("utterance: no frames buffered")
)

// Default limits.
const (
	DefaultJitterWindow  = 60 * time.Millisecond
	DefaultMaxDuration   = 60 * time.Second
	DefaultFrameDuration = 20 * time.Millisecond
)

// Utterance is a finalized, read-only span of one speaker's audio.
type Utterance struct {
	ID        string
	ChannelID string
	SpeakerID string

	// Frames are decoded PCM frames in sequence order.
	Frames []audio.AudioFrame

	SampleRate int
	Channels   int

	// StartedAt is the capture time of the first frame.
	StartedAt time.Time

	// Duration is the playback length of Frames.
	Duration time.Duration

	// ForceClosed is set when the maximum duration ended the utterance.
	ForceClosed bool
}

// Format returns the PCM format of the utterance.
func (u *Utterance) Format() audio.Format {
	return audio.Format{SampleRate: u.SampleRate, Channels: u.Channels}
}

// PCM returns the concatenated frame data.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// Config bounds a [Buffer].
type Config struct {
	// JitterWindow is how much audio is held back for reordering.
	JitterWindow time.Duration

	// MaxDuration is the longest utterance accepted before Push reports full.
	MaxDuration time.Duration

	// FrameDuration is the nominal frame length used to size the jitter
	// window.
	FrameDuration time.Duration
}

// Buffer collects frames for the active speaker. A Buffer is owned by one
// goroutine.
type Buffer struct {
	cfg    Config
	window int

	open      bool
	speaker   string
	channel   string
	startedAt time.Time

	pending  frameHeap
	released []audio.AudioFrame
	lastSeq  uint16
	haveLast bool
	duration time.Duration
}

// NewBuffer returns an empty Buffer.
func NewBuffer(cfg Config) *Buffer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.JitterWindow < 0 {
		cfg.JitterWindow = 0
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	return &Buffer{cfg: cfg, window: int(cfg.JitterWindow / cfg.FrameDuration)}
}

// Open starts buffering for speakerID.
func (b *Buffer) Open(speakerID, channelID string, at time.Time) error {
	if b.open {
		return fmt.Errorf("%w: speaker %s", ErrAlreadyOpen, b.speaker)
	}
	b.open = true
	b.speaker = speakerID
	b.channel = channelID
	b.startedAt = at
	return nil
}

// ActiveSpeaker returns the speaker being buffered, or "".
func (b *Buffer) ActiveSpeaker() string {
	if !b.open {
		return ""
	}
	return b.speaker
}

// IsOpen reports whether an utterance is being buffered.
func (b *Buffer) IsOpen() bool { return b.open }

// Duration returns the amount of audio buffered so far.
func (b *Buffer) Duration() time.Duration { return b.duration }

// Push adds a PCM frame. full reports that the maximum duration has been
// reached and the caller must close the utterance. Rejected frames leave the
// buffer unchanged.
func (b *Buffer) Push(f audio.AudioFrame) (full bool, err error) {
	if !b.open {
		return false, ErrNotOpen
	}
	if f.SpeakerID != b.speaker {
		return false, ErrWrongSpeaker
	}
	if b.duration >= b.cfg.MaxDuration {
		return true, nil
	}
	if b.haveLast && !audio.SeqLess(b.lastSeq, f.Sequence) {
		return false, ErrLateFrame
	}
	if b.pending.contains(f.Sequence) {
		return false, ErrDuplicateFrame
	}

	heap.Push(&b.pending, f)
	b.duration += frameDuration(f, b.cfg.FrameDuration)
	for b.pending.Len() > b.window {
		b.release()
	}
	return b.duration >= b.cfg.MaxDuration, nil
}

// Close finalizes the utterance and resets the buffer. Trailing frames marked
// silent are trimmed. force marks the result as closed by the size limit.
func (b *Buffer) Close(force bool) (*Utterance, error) {
	if !b.open {
		return nil, ErrNotOpen
	}
	for b.pending.Len() > 0 {
		b.release()
	}
	frames := b.released
	end := len(frames)
	for end > 0 && frames[end-1].Activity == audio.ActivitySilence {
		end--
	}
	if end > 0 {
		frames = frames[:end]
	}

	u := &Utterance{
		ID:          uuid.NewString(),
		ChannelID:   b.channel,
		SpeakerID:   b.speaker,
		Frames:      frames,
		StartedAt:   b.startedAt,
		ForceClosed: force,
	}
	b.clear()
	if len(frames) == 0 {
		return nil, ErrEmpty
	}
	u.SampleRate = frames[0].SampleRate
	u.Channels = frames[0].Channels
	u.StartedAt = frames[0].CapturedAt
	for _, f := range frames {
		u.Duration += frameDuration(f, 0)
	}
	return u, nil
}

// Reset discards buffered frames without producing an utterance.
func (b *Buffer) Reset() {
	b.clear()
}

func (b *Buffer) clear() {
	b.open = false
	b.speaker = ""
	b.channel = ""
	b.startedAt = time.Time{}
	b.pending = b.pending[:0]
	b.released = nil
	b.haveLast = false
	b.duration = 0
}

func (b *Buffer) release() {
	f := heap.Pop(&b.pending).(audio.AudioFrame)
	b.released = append(b.released, f)
	b.lastSeq = f.Sequence
	b.haveLast = true
}

func frameDuration(f audio.AudioFrame, fallback time.Duration) time.Duration {
	if d := f.Duration(); d > 0 {
		return d
	}
	return fallback
}

// frameHeap orders frames by wrap-aware sequence number.
type frameHeap []audio.AudioFrame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return audio.SeqLess(h[i].Sequence, h[j].Sequence) }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) { *h = append(*h, x.(audio.AudioFrame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	*h = old[:n-1]
	return f
}

func (h frameHeap) contains(seq uint16) bool {
	for _, f := range h {
		if f.Sequence == seq {
			return true
		}
	}
	return false
}
