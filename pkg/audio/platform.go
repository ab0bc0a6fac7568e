// Package audio defines the voice transport abstractions used by the voxloop
// session pipeline.
//
// The two primary abstractions are:
//
//   - [Platform]: joins voice channels and reports membership changes for
//     every channel it can see, whether or not it is connected to it.
//   - [Connection]: one joined voice channel. It delivers inbound compressed
//     frames tagged with speaker identity and accepts outbound compressed
//     frames for playback.
//
// Implementations live in adapter packages such as audio/discord. The
// interfaces are kept narrow so that the session state machine stays
// independent of any SDK.
package audio

import (
	"context"
)

// EventType classifies membership events emitted by a [Platform].
type EventType int

const (
	// EventJoin is emitted when a participant enters a voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves a voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a membership change on a voice channel. A participant
// moving between channels produces a leave for the old channel followed by a
// join for the new one.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// ChannelID is the voice channel the event applies to.
	ChannelID string

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name of the participant.
	Username string
}

// Connection is an active session on one voice channel.
//
// A Connection is obtained from [Platform.Connect] and stays valid until
// [Connection.Disconnect] is called or the transport drops, which closes the
// channel returned by [Connection.Done].
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel this connection is joined to.
	ChannelID() string

	// Frames returns the inbound stream of compressed frames from all
	// speakers. Each frame carries SpeakerID, ChannelID, Sequence and
	// CapturedAt. The channel is closed when the connection terminates.
	// Frames are dropped rather than blocking the transport when the
	// consumer falls behind.
	Frames() <-chan AudioFrame

	// OutputStream returns the channel for outbound Opus frames. The caller
	// paces writes; the connection forwards frames as they arrive. Frames
	// written after Disconnect are discarded.
	OutputStream() chan<- AudioFrame

	// SetSpeaking toggles the platform speaking indicator.
	SetSpeaking(speaking bool) error

	// Done is closed when the connection terminates for any reason.
	Done() <-chan struct{}

	// Disconnect leaves the channel and releases all resources. It is safe to
	// call more than once; subsequent calls return nil.
	Disconnect() error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID and returns an active [Connection]. ctx governs
	// the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)

	// OnParticipantChange registers cb for membership events on any voice
	// channel. Only one callback may be registered; later calls replace it.
	// Bot accounts, including the platform's own user, are never reported.
	OnParticipantChange(cb func(Event))

	// Members returns the IDs of the non-bot participants currently present
	// in channelID.
	Members(channelID string) []string
}
