// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: wav}
//	out, err := p.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize on success.
	Audio []byte

	// Err, if non-nil, is returned by every call once Errs is exhausted.
	Err error

	// Errs supplies the error of successive calls before Err applies. A nil
	// entry means success.
	Errs []error

	// Block makes Synthesize wait for ctx to be done and return ctx.Err().
	Block bool

	// Texts records the text passed to each call.
	Texts []string
}

// Synthesize records the call and returns Audio or the scripted error.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	block := p.Block
	err := p.Err
	if len(p.Errs) > 0 {
		err = p.Errs[0]
		p.Errs = p.Errs[1:]
	}
	out := p.Audio
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Calls returns the number of Synthesize invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
