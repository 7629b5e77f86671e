package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/route-beacon/mission-relay/internal/mint"
)

// maxCodeAttempts bounds the collision-retry loop when minting session codes.
const maxCodeAttempts = 32

// Registry is the process-global code → session mapping. Creations and
// deletions are atomic; lookups are case-sensitive on the canonical uppercase
// code (callers normalize inbound codes first).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create mints a fresh code, retrying on collision with a live session, and
// inserts the new record in one atomic step.
func (r *Registry) Create(codeLength, intervalMs int, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := mint.SessionCode(codeLength)
		if err != nil {
			return nil, fmt.Errorf("minting session code: %w", err)
		}
		if _, taken := r.sessions[code]; taken {
			continue
		}
		token, err := mint.ResumeToken()
		if err != nil {
			return nil, fmt.Errorf("minting resume token: %w", err)
		}
		s := NewSession(code, intervalMs, token, now)
		r.sessions[code] = s
		return s, nil
	}
	return nil, fmt.Errorf("exhausted %d attempts minting a unique session code", maxCodeAttempts)
}

// Get returns the session for a canonical code, or nil.
func (r *Registry) Get(code string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[code]
}

// Delete removes a session by code. Returns whether it existed.
func (r *Registry) Delete(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[code]
	delete(r.sessions, code)
	return ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions for iteration outside the registry
// lock (the expiry sweep locks each session individually).
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
