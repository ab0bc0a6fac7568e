// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so tests can
// assert on call counts and arguments, and they expose exported fields that
// control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection("chan-1")
//	platform := &mock.Platform{ConnectResult: conn}
//	conn.Feed(audio.AudioFrame{SpeakerID: "u1", Data: pkt})
//	conn.Close() // simulates a transport drop
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	channelID string
	frames    chan audio.AudioFrame
	out       chan audio.AudioFrame
	done      chan struct{}
	closeOnce sync.Once

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// SetSpeakingError is returned by [Connection.SetSpeaking].
	SetSpeakingError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// SpeakingCalls records every SetSpeaking argument in order.
	SpeakingCalls []bool
}

var _ audio.Connection = (*Connection)(nil)

// NewConnection returns a connection for channelID with buffered inbound and
// outbound channels.
func NewConnection(channelID string) *Connection {
	return &Connection{
		channelID: channelID,
		frames:    make(chan audio.AudioFrame, 256),
		out:       make(chan audio.AudioFrame, 4096),
		done:      make(chan struct{}),
	}
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.channelID }

// Frames implements [audio.Connection].
func (c *Connection) Frames() <-chan audio.AudioFrame { return c.frames }

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.out }

// Output returns the receive side of the output stream so tests can inspect
// played frames.
func (c *Connection) Output() <-chan audio.AudioFrame { return c.out }

// SetSpeaking implements [audio.Connection].
func (c *Connection) SetSpeaking(speaking bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SpeakingCalls = append(c.SpeakingCalls, speaking)
	return c.SetSpeakingError
}

// Done implements [audio.Connection].
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disconnect implements [audio.Connection]. It closes the connection and
// returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.CallCountDisconnect++
	err := c.DisconnectError
	c.mu.Unlock()
	c.Close()
	return err
}

// Feed delivers f on the inbound stream. Frames fed after Close are dropped.
func (c *Connection) Feed(f audio.AudioFrame) {
	if f.ChannelID == "" {
		f.ChannelID = c.channelID
	}
	select {
	case <-c.done:
	case c.frames <- f:
	}
}

// Close simulates a transport drop without a Disconnect call.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Disconnects returns the Disconnect call count.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// Speaking returns a copy of the recorded SetSpeaking calls.
func (c *Connection) Speaking() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.SpeakingCalls...)
}

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect. When nil, ConnectFunc is consulted
	// and, failing that, a fresh [Connection] is created per call.
	ConnectResult audio.Connection

	// ConnectFunc, when set and ConnectResult is nil, builds the connection.
	ConnectFunc func(channelID string) (audio.Connection, error)

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// MembersResult maps channel IDs to the members reported by Members.
	MembersResult map[string][]string

	callback func(audio.Event)
	conns    []*Connection
}

var _ audio.Platform = (*Platform)(nil)

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	if p.ConnectResult != nil {
		return p.ConnectResult, nil
	}
	if p.ConnectFunc != nil {
		return p.ConnectFunc(channelID)
	}
	c := NewConnection(channelID)
	p.conns = append(p.conns, c)
	return c, nil
}

// OnParticipantChange implements [audio.Platform].
func (p *Platform) OnParticipantChange(cb func(audio.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = cb
}

// Members implements [audio.Platform].
func (p *Platform) Members(channelID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.MembersResult[channelID]...)
}

// SetMembers replaces the membership of channelID.
func (p *Platform) SetMembers(channelID string, ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MembersResult == nil {
		p.MembersResult = make(map[string][]string)
	}
	p.MembersResult[channelID] = ids
}

// Emit updates membership to reflect ev and invokes the registered callback
// synchronously.
func (p *Platform) Emit(ev audio.Event) {
	p.mu.Lock()
	if p.MembersResult == nil {
		p.MembersResult = make(map[string][]string)
	}
	members := p.MembersResult[ev.ChannelID]
	switch ev.Type {
	case audio.EventJoin:
		members = append(members, ev.UserID)
	case audio.EventLeave:
		kept := members[:0:0]
		for _, m := range members {
			if m != ev.UserID {
				kept = append(kept, m)
			}
		}
		members = kept
	}
	p.MembersResult[ev.ChannelID] = members
	cb := p.callback
	p.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Connections returns the connections created by Connect when neither
// ConnectResult nor ConnectFunc was set.
func (p *Platform) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Connection(nil), p.conns...)
}

// Calls returns a copy of ConnectCalls.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}
