// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Text: "hello there"}
//	text, err := p.Transcribe(ctx, wav)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe on success.
	Text string

	// Err, if non-nil, is returned by every call once Errs is exhausted.
	Err error

	// Errs supplies the error of successive calls before Err applies. A nil
	// entry means success.
	Errs []error

	// Block makes Transcribe wait for ctx to be done and return ctx.Err().
	Block bool

	// Inputs records the audio passed to each call.
	Inputs [][]byte
}

// Transcribe records the call and returns Text or the scripted error.
func (p *Provider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	p.mu.Lock()
	p.Inputs = append(p.Inputs, audio)
	block := p.Block
	err := p.Err
	if len(p.Errs) > 0 {
		err = p.Errs[0]
		p.Errs = p.Errs[1:]
	}
	text := p.Text
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Calls returns the number of Transcribe invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Inputs)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
