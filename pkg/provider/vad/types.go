package vad

// VADEventType is the per-frame verdict of a VAD session.
type VADEventType int

const (
	// VADSpeechStart opens a speech segment.
	VADSpeechStart VADEventType = iota
	VADSpeechContinue
	// VADSpeechEnd closes the segment opened by the last VADSpeechStart.
	VADSpeechEnd
	VADSilence
)

var eventNames = [...]string{"speech_start", "speech_continue", "speech_end", "silence"}

// String returns the snake_case name used in logs.
func (t VADEventType) String() string {
	if t < 0 || int(t) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[t]
}

// VADEvent is the result of classifying one frame.
type VADEvent struct {
	Type VADEventType

	// Probability of speech in [0, 1]. Energy-based engines report a scaled
	// RMS ratio.
	Probability float64
}

// Speech reports whether the frame counts towards an utterance.
func (e VADEvent) Speech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}
