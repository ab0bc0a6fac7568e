package session

import (
	"slices"
	"strings"
	"sync"
)

// Registry maps voice channel IDs to their [Session]. A session is added on
// join and removed when it leaves or loses its connection.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for channelID.
func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// GetOrCreate returns the session for channelID, calling create to build it
// when none exists. created reports whether create was called.
func (r *Registry) GetOrCreate(channelID string, create func() *Session) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channelID]; ok {
		return s, false
	}
	s = create()
	r.sessions[channelID] = s
	return s, true
}

// Remove deletes and returns the session for channelID.
func (r *Registry) Remove(channelID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if ok {
		delete(r.sessions, channelID)
	}
	return s, ok
}

// Snapshot returns all sessions ordered by channel ID.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.channelID, b.channelID) })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
