package audio

import "time"

// Encoding identifies how the bytes of an [AudioFrame] are represented.
type Encoding int

const (
	// EncodingPCM is 16-bit signed little-endian interleaved PCM.
	EncodingPCM Encoding = iota

	// EncodingOpus is a single compressed Opus packet as delivered by the
	// voice transport.
	EncodingOpus
)

// String returns the human-readable name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM:
		return "pcm"
	case EncodingOpus:
		return "opus"
	default:
		return "unknown"
	}
}

// Activity is the voice-activity flag attached to a frame.
type Activity int

const (
	// ActivityUnknown means no classification is available; consumers must
	// run their own detector.
	ActivityUnknown Activity = iota

	// ActivitySpeech marks a frame that contains voice.
	ActivitySpeech

	// ActivitySilence marks a frame that contains no voice (for example an
	// Opus comfort-noise packet).
	ActivitySilence
)

// String returns the human-readable name of the activity flag.
func (a Activity) String() string {
	switch a {
	case ActivitySpeech:
		return "speech"
	case ActivitySilence:
		return "silence"
	default:
		return "unknown"
	}
}

// AudioFrame is a timestamped chunk of audio belonging to one participant.
// Frames are passed by value and never mutated after they are produced;
// transformations such as decoding return a new frame.
type AudioFrame struct {
	// Data holds the frame payload. Its layout depends on Encoding.
	Data []byte

	// Encoding tells whether Data is compressed or PCM.
	Encoding Encoding

	// SampleRate in Hz (48000 for Discord Opus).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Sequence is the transport sequence number. It wraps at 65535; use
	// [SeqLess] to compare.
	Sequence uint16

	// Timestamp is the media time of the first sample, relative to the start
	// of the speaker's stream.
	Timestamp time.Duration

	// CapturedAt is the wall-clock time the frame was received.
	CapturedAt time.Time

	// SpeakerID is the platform user ID of the participant who produced the frame.
	SpeakerID string

	// ChannelID is the voice channel the frame was captured on.
	ChannelID string

	// Activity is the platform-supplied voice-activity flag, if any.
	Activity Activity
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate for 16-bit samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how much audio n bytes of 16-bit PCM represent in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of 16-bit PCM bytes covering d in format f,
// rounded down to a whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	frame := f.Channels * 2
	if frame <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Format returns the PCM format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback duration of a PCM frame. It returns zero for
// compressed frames.
func (f AudioFrame) Duration() time.Duration {
	if f.Encoding != EncodingPCM {
		return 0
	}
	return f.Format().Duration(len(f.Data))
}

// SeqLess reports whether sequence a precedes b, accounting for uint16
// wrap-around.
func SeqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
