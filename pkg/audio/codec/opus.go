// Package codec converts between Discord's Opus frames, linear PCM and the
// container formats accepted by remote speech services.
//
// Inbound Opus packets are decoded with one decoder per speaker so that a
// lost or malformed packet only affects its own frame. Outbound PCM is cut
// into 20 ms frames and Opus-encoded for playback. [EncodeContainer] and
// [DecodeWAV] handle the WAV and raw PCM containers exchanged with providers.
package codec

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameSize is the number of samples per channel in one 20 ms frame.
	FrameSize = SampleRate / 50 // 960

	// FrameBytes is the byte length of one 20 ms PCM frame.
	FrameBytes = FrameSize * Channels * 2 // 3840

	// maxPacketBytes bounds a single encoded Opus packet.
	maxPacketBytes = 4000
)

// Format is the PCM format produced by [Decoder] and consumed by [Encoder].
var Format = audio.Format{SampleRate: SampleRate, Channels: Channels}

// comfortNoise is the 3-byte silence packet Discord sends when a speaker
// stops transmitting.
var comfortNoise = [3]byte{0xF8, 0xFF, 0xFE}

// IsComfortNoise reports whether pkt is an Opus silence packet.
func IsComfortNoise(pkt []byte) bool {
	return len(pkt) == 3 && pkt[0] == comfortNoise[0] && pkt[1] == comfortNoise[1] && pkt[2] == comfortNoise[2]
}

// Decoder decodes Opus frames into 48 kHz stereo PCM. It keeps one Opus
// decoder per speaker. Safe for concurrent use.
type Decoder struct {
	mu       sync.Mutex
	decoders map[string]*gopus.Decoder
}

// NewDecoder returns a Decoder with no speaker state.
func NewDecoder() *Decoder {
	return &Decoder{decoders: make(map[string]*gopus.Decoder)}
}

// Decode converts an Opus frame into a PCM frame carrying the same metadata.
// PCM frames pass through unchanged. Comfort-noise packets decode to 20 ms of
// silence flagged [audio.ActivitySilence].
//
// A malformed packet yields an [*Error]; the speaker's decoder is discarded
// so the next frame starts from a clean state.
func (d *Decoder) Decode(f audio.AudioFrame) (audio.AudioFrame, error) {
	if f.Encoding == audio.EncodingPCM {
		return f, nil
	}
	if len(f.Data) == 0 {
		return audio.AudioFrame{}, &Error{Op: "decode", SpeakerID: f.SpeakerID, Sequence: f.Sequence, Err: ErrEmptyFrame}
	}

	out := f
	out.Encoding = audio.EncodingPCM
	out.SampleRate = SampleRate
	out.Channels = Channels

	if IsComfortNoise(f.Data) {
		out.Data = make([]byte, FrameBytes)
		out.Activity = audio.ActivitySilence
		return out, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dec, err := d.decoderFor(f.SpeakerID)
	if err != nil {
		return audio.AudioFrame{}, &Error{Op: "decode", SpeakerID: f.SpeakerID, Sequence: f.Sequence, Err: err}
	}
	pcm, err := dec.Decode(f.Data, FrameSize, false)
	if err != nil {
		delete(d.decoders, f.SpeakerID)
		return audio.AudioFrame{}, &Error{Op: "decode", SpeakerID: f.SpeakerID, Sequence: f.Sequence, Err: err}
	}
	out.Data = audio.Int16sToBytes(pcm)
	return out, nil
}

// Forget releases the decoder state of speakerID.
func (d *Decoder) Forget(speakerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.decoders, speakerID)
}

// Speakers returns how many speakers currently have decoder state.
func (d *Decoder) Speakers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.decoders)
}

func (d *Decoder) decoderFor(speakerID string) (*gopus.Decoder, error) {
	if dec, ok := d.decoders[speakerID]; ok {
		return dec, nil
	}
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	d.decoders[speakerID] = dec
	return dec, nil
}

// Encoder encodes 48 kHz stereo PCM into 20 ms Opus packets. An Encoder is
// not safe for concurrent use; create one per playback stream.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an Opus encoder configured for Discord audio.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// EncodeFrame encodes exactly one 20 ms frame of PCM. Shorter input is padded
// with silence; longer input is an error.
func (e *Encoder) EncodeFrame(pcm []byte) ([]byte, error) {
	if len(pcm) > FrameBytes {
		return nil, &Error{Op: "encode", Err: fmt.Errorf("frame of %d bytes exceeds %d", len(pcm), FrameBytes)}
	}
	if len(pcm) < FrameBytes {
		padded := make([]byte, FrameBytes)
		copy(padded, pcm)
		pcm = padded
	}
	pkt, err := e.enc.Encode(audio.BytesToInt16s(pcm), FrameSize, maxPacketBytes)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	return pkt, nil
}

// Encode splits pcm into 20 ms frames and returns one Opus packet per frame.
// The final partial frame is padded with silence.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	packets := make([][]byte, 0, (len(pcm)+FrameBytes-1)/FrameBytes)
	for off := 0; off < len(pcm); off += FrameBytes {
		end := min(off+FrameBytes, len(pcm))
		pkt, err := e.EncodeFrame(pcm[off:end])
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
