package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider"
)

// Path tells which pipeline produced an [AudioResponse].
type Path int

const (
	// PathPrimary is the audio-native path.
	PathPrimary Path = iota

	// PathFallback is transcribe, generate and synthesize.
	PathFallback
)

// String returns the path name used in logs and metrics.
func (p Path) String() string {
	switch p {
	case PathPrimary:
		return "primary"
	case PathFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Reason classifies a [FailureResponse].
type Reason int

const (
	// ReasonService means a remote call failed for good.
	ReasonService Reason = iota

	// ReasonTimeout means the overall or a per-call deadline expired.
	ReasonTimeout

	// ReasonConfiguration means a credential or format problem left no
	// usable path.
	ReasonConfiguration

	// ReasonCancelled means the caller gave up, for example on leave.
	ReasonCancelled

	// ReasonEmptyTranscript means the fallback path heard no words.
	ReasonEmptyTranscript
)

// String returns the reason name used in logs and metrics.
func (r Reason) String() string {
	switch r {
	case ReasonService:
		return "service"
	case ReasonTimeout:
		return "timeout"
	case ReasonConfiguration:
		return "configuration"
	case ReasonCancelled:
		return "cancelled"
	case ReasonEmptyTranscript:
		return "empty_transcript"
	default:
		return "unknown"
	}
}

// Response is the result of [Orchestrator.Handle]: either an [AudioResponse]
// or a [FailureResponse]. Callers switch on the concrete type.
type Response interface {
	response()
}

// AudioResponse carries a playable reply.
type AudioResponse struct {
	// Audio is a 16-bit PCM WAV container.
	Audio []byte

	Path Path

	// Transcript and ReplyText are only set on the fallback path.
	Transcript string
	ReplyText  string

	// Latency is the time from Handle being called to the reply being ready.
	Latency time.Duration
}

// FailureResponse reports that no reply could be produced.
type FailureResponse struct {
	Reason  Reason
	Err     error
	Latency time.Duration
}

func (AudioResponse) response()   {}
func (FailureResponse) response() {}

// Error implements error so a failure can be logged or wrapped directly.
func (f FailureResponse) Error() string {
	if f.Err == nil {
		return "orchestrator: " + f.Reason.String()
	}
	return "orchestrator: " + f.Reason.String() + ": " + f.Err.Error()
}

// Unwrap returns the underlying error.
func (f FailureResponse) Unwrap() error { return f.Err }

// reasonFor maps a classified error to a failure reason.
func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case provider.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case provider.IsConfiguration(err):
		return ReasonConfiguration
	default:
		return ReasonService
	}
}

// errorClass names the taxonomy class of err for metrics.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case provider.IsTimeout(err):
		return "timeout"
	case provider.IsConfiguration(err):
		return "configuration"
	case provider.IsTransient(err):
		return "transient"
	default:
		return "service"
	}
}
