// Package endpoint decides where a speaker's utterance ends.
//
// A [Detector] watches decoded PCM frames and remembers when the open
// utterance's speaker was last heard. Once silence has lasted for the
// configured duration it reports the utterance closed, or discarded when the
// voiced span was too short to be worth answering.
//
// Discord stops sending packets while a user is silent, so the detector is
// driven both by frames ([Detector.Observe]) and by a clock
// ([Detector.Tick]). A Detector is owned by one goroutine.
package endpoint

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// Event is the outcome of feeding a frame or a clock tick to the detector.
type Event int

const (
	// EventNone means the input did not affect any utterance.
	EventNone Event = iota

	// EventOpened means a voiced frame opened a new utterance. The frame
	// belongs to it.
	EventOpened

	// EventAccepted means a voiced frame extended the open utterance.
	EventAccepted

	// EventPaused means an unvoiced frame arrived inside the open utterance.
	// It is kept as an intra-utterance pause.
	EventPaused

	// EventClosed means silence reached the threshold and the utterance is
	// final. The frame that triggered the close, if any, is not part of it.
	EventClosed

	// EventDiscarded means silence reached the threshold but the voiced span
	// was shorter than the minimum utterance.
	EventDiscarded
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventOpened:
		return "opened"
	case EventAccepted:
		return "accepted"
	case EventPaused:
		return "paused"
	case EventClosed:
		return "closed"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Default endpointing parameters.
const (
	DefaultSilenceDuration = 1500 * time.Millisecond
	DefaultMinUtterance    = 300 * time.Millisecond
	DefaultEnergyThreshold = 500.0
)

// Config tunes a [Detector].
type Config struct {
	// SilenceDuration is how long the speaker must stay quiet before the
	// utterance closes.
	SilenceDuration time.Duration

	// MinUtterance is the shortest voiced span that is forwarded.
	MinUtterance time.Duration

	// EnergyThreshold is the RMS amplitude treated as voice when neither the
	// platform nor a VAD engine classifies the frame.
	EnergyThreshold float64

	// VAD is the session configuration handed to the engine. Frames are
	// converted to VAD.SampleRate mono before classification.
	VAD vad.Config
}

func (c *Config) defaults() {
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MinUtterance < 0 {
		c.MinUtterance = 0
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = 48000
	}
	if c.VAD.FrameSizeMs == 0 {
		c.VAD.FrameSizeMs = 20
	}
	if c.VAD.SpeechThreshold == 0 && c.VAD.SilenceThreshold == 0 {
		c.VAD.SpeechThreshold = 0.5
		c.VAD.SilenceThreshold = 0.5
	}
}

// Detector tracks voice activity for the open utterance.
type Detector struct {
	cfg    Config
	engine vad.Engine
	vads   map[string]vad.SessionHandle
	conv   audio.FormatConverter

	open       bool
	speaker    string
	firstVoice time.Time
	lastVoice  time.Time
	lastLen    time.Duration
}

// New returns a Detector. engine may be nil, in which case frames without a
// platform activity flag are classified by RMS energy.
func New(cfg Config, engine vad.Engine) *Detector {
	cfg.defaults()
	return &Detector{
		cfg:    cfg,
		engine: engine,
		vads:   make(map[string]vad.SessionHandle),
		conv:   audio.FormatConverter{Target: audio.Format{SampleRate: cfg.VAD.SampleRate, Channels: 1}},
	}
}

// SetSilenceDuration changes the close threshold. It applies to the open
// utterance as well.
func (d *Detector) SetSilenceDuration(v time.Duration) {
	if v > 0 {
		d.cfg.SilenceDuration = v
	}
}

// SilenceDuration returns the current close threshold.
func (d *Detector) SilenceDuration() time.Duration { return d.cfg.SilenceDuration }

// Open reports whether an utterance is open.
func (d *Detector) Open() bool { return d.open }

// Speaker returns the speaker of the open utterance, or "".
func (d *Detector) Speaker() string {
	if !d.open {
		return ""
	}
	return d.speaker
}

// Observe classifies a decoded PCM frame. The gap is measured on
// frame.CapturedAt. Frames from speakers other than the open utterance's
// return EventNone.
func (d *Detector) Observe(f audio.AudioFrame) Event {
	if d.open {
		if ev := d.check(f.CapturedAt); ev != EventNone {
			return ev
		}
		if f.SpeakerID != d.speaker {
			return EventNone
		}
	}

	voiced := d.voiced(f)
	switch {
	case !d.open && !voiced:
		return EventNone
	case !d.open:
		d.open = true
		d.speaker = f.SpeakerID
		d.firstVoice = f.CapturedAt
		d.lastVoice = f.CapturedAt
		d.lastLen = f.Duration()
		return EventOpened
	case voiced:
		d.lastVoice = f.CapturedAt
		d.lastLen = f.Duration()
		return EventAccepted
	default:
		return EventPaused
	}
}

// Tick closes the open utterance if the speaker has been silent for the
// configured duration as of now.
func (d *Detector) Tick(now time.Time) Event {
	if !d.open {
		return EventNone
	}
	return d.check(now)
}

// ForceClose ends the open utterance immediately, bypassing the silence
// threshold but not the minimum duration. It is used when the buffer hits
// its size limit.
func (d *Detector) ForceClose() Event {
	if !d.open {
		return EventNone
	}
	return d.finish()
}

// Reset abandons any open utterance and clears per-speaker VAD state.
func (d *Detector) Reset() {
	d.open = false
	d.speaker = ""
	for _, s := range d.vads {
		s.Reset()
	}
}

// Forget drops the VAD session of a speaker who left the channel.
func (d *Detector) Forget(speakerID string) {
	if s, ok := d.vads[speakerID]; ok {
		_ = s.Close()
		delete(d.vads, speakerID)
	}
}

// Close releases all VAD sessions.
func (d *Detector) Close() {
	for id := range d.vads {
		d.Forget(id)
	}
	d.Reset()
}

func (d *Detector) check(now time.Time) Event {
	if now.Sub(d.lastVoice) < d.cfg.SilenceDuration {
		return EventNone
	}
	return d.finish()
}

func (d *Detector) finish() Event {
	span := d.lastVoice.Sub(d.firstVoice) + d.lastLen
	speaker := d.speaker
	d.open = false
	d.speaker = ""
	if s, ok := d.vads[speaker]; ok {
		s.Reset()
	}
	if span < d.cfg.MinUtterance {
		slog.Debug("endpoint: utterance too short, discarding", "speaker", speaker, "span", span, "min", d.cfg.MinUtterance)
		return EventDiscarded
	}
	return EventClosed
}

func (d *Detector) voiced(f audio.AudioFrame) bool {
	switch f.Activity {
	case audio.ActivitySpeech:
		return true
	case audio.ActivitySilence:
		return false
	}
	if f.Encoding != audio.EncodingPCM || len(f.Data) == 0 {
		return false
	}
	if d.engine == nil {
		return audio.RMS(f.Data) > d.cfg.EnergyThreshold
	}

	sess, err := d.sessionFor(f.SpeakerID)
	if err != nil {
		slog.Warn("endpoint: VAD session unavailable, using energy", "speaker", f.SpeakerID, "err", err)
		return audio.RMS(f.Data) > d.cfg.EnergyThreshold
	}

	pcm := d.conv.Convert(f.Data, f.Format())
	size := d.cfg.VAD.FrameBytes()
	if len(pcm) < size {
		size = len(pcm)
	}
	voiced := false
	for off := 0; off+size <= len(pcm) && size > 0; off += size {
		ev, err := sess.ProcessFrame(pcm[off : off+size])
		if err != nil {
			slog.Debug("endpoint: VAD failed", "speaker", f.SpeakerID, "err", err)
			return audio.RMS(f.Data) > d.cfg.EnergyThreshold
		}
		if ev.Speech() {
			voiced = true
		}
	}
	return voiced
}

func (d *Detector) sessionFor(speakerID string) (vad.SessionHandle, error) {
	if s, ok := d.vads[speakerID]; ok {
		return s, nil
	}
	s, err := d.engine.NewSession(d.cfg.VAD)
	if err != nil {
		return nil, err
	}
	d.vads[speakerID] = s
	return s, nil
}
