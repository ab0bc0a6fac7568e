// Package mock provides a test double for the s2s.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Reply: wav}
//	out, err := p.SubmitAudio(ctx, in)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/s2s"
)

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is returned by SubmitAudio on success.
	Reply []byte

	// Err, if non-nil, is returned by every call once Errs is exhausted.
	Err error

	// Errs supplies the error of successive calls before Err applies. A nil
	// entry means success.
	Errs []error

	// Block makes SubmitAudio wait for ctx to be done and return ctx.Err().
	Block bool

	// Inputs records the audio passed to each call.
	Inputs [][]byte
}

// SubmitAudio records the call and returns Reply or the scripted error.
func (p *Provider) SubmitAudio(ctx context.Context, audio []byte) ([]byte, error) {
	p.mu.Lock()
	p.Inputs = append(p.Inputs, audio)
	block := p.Block
	err := p.Err
	if len(p.Errs) > 0 {
		err = p.Errs[0]
		p.Errs = p.Errs[1:]
	}
	out := p.Reply
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

// Calls returns the number of SubmitAudio invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Inputs)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)
