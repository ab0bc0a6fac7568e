package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Container selects the byte layout produced by [EncodeContainer].
type Container int

const (
	// ContainerWAV is a RIFF/WAVE file with a 44-byte header.
	ContainerWAV Container = iota

	// ContainerRaw is headerless 16-bit little-endian interleaved PCM.
	ContainerRaw
)

// String returns the container name as used in configuration.
func (c Container) String() string {
	switch c {
	case ContainerWAV:
		return "wav"
	case ContainerRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseContainer maps a configuration value to a Container. The empty string
// selects WAV.
func ParseContainer(s string) (Container, error) {
	switch s {
	case "", "wav":
		return ContainerWAV, nil
	case "raw", "pcm":
		return ContainerRaw, nil
	default:
		return 0, fmt.Errorf("codec: unknown container %q", s)
	}
}

const (
	wavHeaderSize  = 44
	bitsPerSample  = 16
	wavFormatPCM   = 1
	wavFormatExtns = 0xFFFE
)

// EncodeContainer wraps 16-bit PCM in format f into container c.
func EncodeContainer(pcm []byte, f audio.Format, c Container) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, &Error{Op: "encode", Err: fmt.Errorf("invalid format %s", f)}
	}
	if len(pcm)%(2*f.Channels) != 0 {
		return nil, &Error{Op: "encode", Err: fmt.Errorf("%d bytes is not a whole number of %d-channel samples", len(pcm), f.Channels)}
	}
	switch c {
	case ContainerRaw:
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	case ContainerWAV:
		return EncodeWAV(pcm, f), nil
	default:
		return nil, &Error{Op: "encode", Err: fmt.Errorf("%w: container %d", ErrUnsupportedFormat, c)}
	}
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, f audio.Format) []byte {
	byteRate := f.SampleRate * f.Channels * bitsPerSample / 8
	blockAlign := f.Channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// DecodeWAV extracts the PCM payload and format of a 16-bit WAV file. Chunks
// other than "fmt " and "data" are skipped. A data chunk whose declared size
// runs past the end of the input (as produced by streaming encoders) is
// truncated to the available bytes.
func DecodeWAV(b []byte) ([]byte, audio.Format, error) {
	if len(b) < 12 {
		return nil, audio.Format{}, &Error{Op: "wav", Err: errors.New("too short to be a RIFF file")}
	}
	if string(b[0:4]) != "RIFF" {
		return nil, audio.Format{}, &Error{Op: "wav", Err: errors.New("missing RIFF header")}
	}
	if string(b[8:12]) != "WAVE" {
		return nil, audio.Format{}, &Error{Op: "wav", Err: errors.New("missing WAVE identifier")}
	}

	var (
		f        audio.Format
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(b) {
		id := string(b[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(b[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return nil, audio.Format{}, &Error{Op: "wav", Err: errors.New("truncated fmt chunk")}
			}
			tag := binary.LittleEndian.Uint16(b[body : body+2])
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if (tag != wavFormatPCM && tag != wavFormatExtns) || bits != bitsPerSample {
				return nil, audio.Format{}, &Error{Op: "wav", Err: fmt.Errorf("%w: tag %d, %d bits", ErrUnsupportedFormat, tag, bits)}
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			if f.Channels <= 0 || f.SampleRate <= 0 {
				return nil, audio.Format{}, &Error{Op: "wav", Err: fmt.Errorf("invalid format %s", f)}
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, audio.Format{}, &Error{Op: "wav", Err: errors.New("data chunk before fmt chunk")}
			}
			end := body + size
			if size < 0 || end > len(b) || end < body {
				end = len(b)
			}
			frame := 2 * f.Channels
			n := end - body
			n -= n % frame
			pcm := make([]byte, n)
			copy(pcm, b[body:body+n])
			return pcm, f, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
		if offset < body {
			break
		}
	}
	return nil, audio.Format{}, &Error{Op: "wav", Err: errors.New("missing data chunk")}
}

// DecodeContainer returns the PCM and format of b. WAV input is detected by
// its RIFF header; anything else is treated as raw PCM in format raw.
func DecodeContainer(b []byte, raw audio.Format) ([]byte, audio.Format, error) {
	if len(b) >= 4 && string(b[0:4]) == "RIFF" {
		return DecodeWAV(b)
	}
	frame := 2 * raw.Channels
	if frame <= 0 || raw.SampleRate <= 0 {
		return nil, audio.Format{}, &Error{Op: "wav", Err: fmt.Errorf("%w: unknown raw format", ErrUnsupportedFormat)}
	}
	n := len(b) - len(b)%frame
	return b[:n], raw, nil
}
