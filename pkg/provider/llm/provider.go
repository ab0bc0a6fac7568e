// Package llm defines the Provider interface for text generation backends.
//
// In the voice pipeline an LLM is only consulted on the fallback path: the
// transcript of the speaker's utterance plus recent conversation turns go in,
// the reply text that will be synthesized comes out.
//
// Implementations must be safe for concurrent use and return promptly when
// ctx is cancelled. Errors should be classified with the provider package
// taxonomy so the orchestrator can decide whether to retry.
package llm

import "context"

// CompletionRequest carries everything the LLM needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user turn that drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int

	// SystemPrompt is injected before the history. Providers without a native
	// system field prepend it as a "system" message.
	SystemPrompt string
}

// CompletionResponse is the full reply of a completion.
type CompletionResponse struct {
	// Content is the text of the assistant's reply.
	Content string

	// FinishReason is why generation stopped, normalised to [FinishStop] or
	// [FinishLength] where the backend reports one.
	FinishReason string

	Usage Usage
}

// Truncated reports whether the reply was cut off by the token limit.
func (r *CompletionResponse) Truncated() bool { return r.FinishReason == FinishLength }

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
