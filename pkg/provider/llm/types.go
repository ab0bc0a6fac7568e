package llm

import "strings"

// Message is one turn of a channel conversation.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role    string
	Content string

	// Name identifies the speaker of a user turn. Several people share a
	// voice channel, so user turns carry the speaker's ID.
	Name string
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons reported in [CompletionResponse.FinishReason].
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// maxNameLen is the longest participant name chat APIs accept.
const maxNameLen = 64

// ParticipantName maps a speaker ID to the restricted participant name
// alphabet of chat APIs ([A-Za-z0-9_-], at most 64 characters). Other
// characters become '_'. An empty id stays empty.
func ParticipantName(id string) string {
	if id == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range id {
		if b.Len() == maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
