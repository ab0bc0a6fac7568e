package session

import (
	"time"
)

// State is the phase of a voice session.
type State int

const (
	// StateIdle means no voice connection. It is the initial state and the
	// state every session returns to on leave or transport loss.
	StateIdle State = iota

	// StateListening means connected with capture active and no utterance
	// awaiting a reply.
	StateListening

	// StateFinalizing means an utterance was closed and handed to the
	// responder. Inbound frames are dropped.
	StateFinalizing

	// StateSpeaking means a reply is being played. Inbound frames are
	// dropped so the bot never hears itself.
	StateSpeaking
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// StateChange is published to [Manager] subscribers on every transition.
type StateChange struct {
	ChannelID string
	From      State
	To        State

	// Reason is a short machine-friendly cause such as "utterance_closed" or
	// "channel_empty".
	Reason string

	// Err is set when the transition surfaces a failure the user should be
	// told about, for example a reply that could not be produced.
	Err error

	At time.Time
}

// Status is a point-in-time view of one channel's session.
type Status struct {
	ChannelID    string
	State        State
	Connected    bool
	VoiceEnabled bool
	AutoJoin     bool

	// Listening reports whether capture currently accepts frames.
	Listening bool

	// Recording reports whether an utterance is open.
	Recording bool

	Playing       bool
	ActiveSpeaker string
	Members       []string

	// LastError is the most recent failure seen by the session, if any.
	LastError error

	// Since is when the session entered State.
	Since time.Time
}

// Transition reasons.
const (
	reasonJoined          = "joined"
	reasonLeft            = "left"
	reasonChannelEmpty    = "channel_empty"
	reasonMoved           = "moved"
	reasonTransportClosed = "transport_closed"
	reasonShutdown        = "shutdown"
	reasonUtteranceClosed = "utterance_closed"
	reasonReplyReady      = "reply_ready"
	reasonReplyFailed     = "reply_failed"
	reasonNoSpeech        = "no_speech"
	reasonPlaybackDone    = "playback_done"
	reasonPlaybackStopped = "playback_interrupted"
	reasonPlaybackFailed  = "playback_failed"
)
