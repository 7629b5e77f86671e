// Package session holds the relay's data model: the session record, its host
// and client peers, and the process-global registry.
package session

import (
	"sync"
	"time"

	"github.com/route-beacon/mission-relay/internal/mint"
	"github.com/route-beacon/mission-relay/internal/sanitize"
)

// Location cadence bounds. Every interval value is clamped into this range.
const (
	MinIntervalMs = 5000
	MaxIntervalMs = 120000
)

// Transport is the connection binding of a peer. Sends are best effort: a
// closed transport makes Send a no-op returning false. The relay's websocket
// connection implements this; tests substitute an in-memory fake.
type Transport interface {
	Send(frameType string, payload any) bool
	Close(code int, reason string)
}

// Peer is one participant of a session, host or client.
type Peer struct {
	ID             string
	Label          string
	Color          string
	Transport      Transport // nil while detached
	LastLocationAt time.Time
	LastLocation   *sanitize.Location

	// Client-only: current sanitized routes and their dedup hash.
	Routes     []sanitize.Route
	RoutesHash string
}

// Session is one host-and-clients relay group. All mutation happens under Mu,
// taken by the dispatcher and the supervisor loops alike.
type Session struct {
	Mu sync.Mutex

	Code    string
	Host    *Peer
	Clients map[string]*Peer

	StateVersion int
	StateBlob    string
	StateHash    string
	StateSize    int

	IntervalMs   int
	ResumeToken  string
	ColorCursor  int
	LastActivity time.Time

	// Non-nil exactly while the host slot has no bound transport.
	HostDetachedAt *time.Time
}

// ClampInterval forces a cadence into [MinIntervalMs, MaxIntervalMs].
func ClampInterval(ms int) int {
	if ms < MinIntervalMs {
		return MinIntervalMs
	}
	if ms > MaxIntervalMs {
		return MaxIntervalMs
	}
	return ms
}

// NewSession creates a session record with no peers attached yet.
func NewSession(code string, intervalMs int, resumeToken string, now time.Time) *Session {
	return &Session{
		Code:         code,
		Clients:      make(map[string]*Peer),
		IntervalMs:   ClampInterval(intervalMs),
		ResumeToken:  resumeToken,
		LastActivity: now,
	}
}

// Touch records activity. LastActivity never moves backwards.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// AttachHost binds a transport to the host slot, creating the host peer on
// first attach and clearing any detach timestamp.
func (s *Session) AttachHost(id string, t Transport, now time.Time) *Peer {
	if s.Host == nil {
		s.Host = &Peer{ID: id, Label: mint.HostLabel, Color: mint.HostColor}
	}
	s.Host.Transport = t
	s.HostDetachedAt = nil
	s.Touch(now)
	return s.Host
}

// DetachHost unbinds the host transport and stamps the detach time. The
// session stays alive for resumption until the grace expires.
func (s *Session) DetachHost(now time.Time) {
	if s.Host == nil {
		return
	}
	s.Host.Transport = nil
	detached := now
	s.HostDetachedAt = &detached
	s.Touch(now)
}

// NextColor draws the next client color from the palette cyclically.
func (s *Session) NextColor() string {
	c := mint.Palette[s.ColorCursor%len(mint.Palette)]
	s.ColorCursor++
	return c
}

// AddClient inserts a client peer.
func (s *Session) AddClient(p *Peer, now time.Time) {
	s.Clients[p.ID] = p
	s.Touch(now)
}

// RemoveClient deletes a client peer by id.
func (s *Session) RemoveClient(id string, now time.Time) {
	delete(s.Clients, id)
	s.Touch(now)
}

// ReplaceState swaps in a new cached snapshot and bumps the version. The
// caller has already verified the blob and compared hashes.
func (s *Session) ReplaceState(blob, hash string, now time.Time) int {
	s.StateBlob = blob
	s.StateHash = hash
	s.StateSize = len(blob)
	s.StateVersion++
	s.Touch(now)
	return s.StateVersion
}

// PeerByID resolves a participant id to its peer, host included.
func (s *Session) PeerByID(id string) *Peer {
	if s.Host != nil && s.Host.ID == id {
		return s.Host
	}
	return s.Clients[id]
}

// HostConnected reports whether the host slot has a bound transport.
func (s *Session) HostConnected() bool {
	return s.Host != nil && s.Host.Transport != nil
}
