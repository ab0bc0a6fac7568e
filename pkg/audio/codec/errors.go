package codec

import (
	"errors"
	"fmt"
)

// ErrEmptyFrame is returned when a frame carries no payload.
var ErrEmptyFrame = errors.New("codec: empty frame")

// ErrUnsupportedFormat is returned when a container uses an encoding the codec
// does not handle (anything other than 16-bit integer PCM).
var ErrUnsupportedFormat = errors.New("codec: unsupported audio format")

// Error reports a malformed or undecodable frame or container. The frame is
// dropped and processing continues; an Error never ends a session.
type Error struct {
	// Op is the codec operation that failed ("decode", "encode", "wav").
	Op string

	// SpeakerID identifies the stream the frame belonged to, if known.
	SpeakerID string

	// Sequence is the transport sequence of the offending frame.
	Sequence uint16

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.SpeakerID != "" {
		return fmt.Sprintf("codec: %s speaker %s seq %d: %v", e.Op, e.SpeakerID, e.Sequence, e.Err)
	}
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCodecError reports whether err is or wraps an [*Error].
func IsCodecError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
