package orchestrator

import (
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

// DefaultHistoryTurns is the number of exchanges kept per channel.
const DefaultHistoryTurns = 10

// History is a bounded ring of recent exchanges on one channel. It is safe
// for concurrent use.
type History struct {
	mu    sync.Mutex
	max   int
	turns []turn
}

type turn struct {
	user      llm.Message
	assistant llm.Message
}

// NewHistory returns a History keeping at most maxTurns exchanges. A
// non-positive maxTurns selects [DefaultHistoryTurns].
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	return &History{max: maxTurns}
}

// Add records one exchange, evicting the oldest when full.
func (h *History) Add(speakerID, userText, replyText string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn{
		user:      llm.Message{Role: llm.RoleUser, Content: userText, Name: speakerID},
		assistant: llm.Message{Role: llm.RoleAssistant, Content: replyText},
	})
	if over := len(h.turns) - h.max; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

// Messages returns the exchanges oldest first as alternating user and
// assistant messages.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, 2*len(h.turns))
	for _, t := range h.turns {
		out = append(out, t.user, t.assistant)
	}
	return out
}

// Len returns the number of stored exchanges.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
