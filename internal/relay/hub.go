// Package relay implements the session relay core: the command dispatcher,
// connection lifecycle, directed broadcasts and the supervisor loops.
package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/route-beacon/mission-relay/internal/config"
	"github.com/route-beacon/mission-relay/internal/metrics"
	"github.com/route-beacon/mission-relay/internal/protocol"
	"github.com/route-beacon/mission-relay/internal/session"
	"github.com/route-beacon/mission-relay/internal/traffic"
	"go.uber.org/zap"
)

// Close codes used when the relay terminates a session: service-restart for
// clients, going-away for the host transport.
const (
	clientCloseCode = websocket.CloseServiceRestart // 1012
	hostCloseCode   = websocket.CloseGoingAway      // 1001
)

// Termination reasons carried in session:ended frames.
const (
	ReasonHostEnded      = "host-ended"
	ReasonHostTimeout    = "host-timeout"
	ReasonSessionExpired = "session-expired"
	ReasonServerShutdown = "server-shutdown"
)

// Hub multiplexes every session over the connected transports.
type Hub struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *session.Registry
	meter    *traffic.Meter
	now      func() time.Time

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(cfg *config.Config, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		registry: session.NewRegistry(),
		meter:    traffic.NewMeter(cfg.Traffic.WindowSeconds),
		now:      time.Now,
		clients:  make(map[*Client]struct{}),
	}
}

// SessionCount reports live sessions, for the health endpoint.
func (h *Hub) SessionCount() int {
	return h.registry.Len()
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) clientSnapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// outFrame is one directed send decided under the session lock and delivered
// after it is released.
type outFrame struct {
	to        session.Transport
	frameType string
	payload   any
}

func deliver(frames []outFrame) {
	for _, f := range frames {
		if f.to != nil {
			f.to.Send(f.frameType, f.payload)
		}
	}
}

// collectToHost appends a host-directed frame when the host is reachable.
// Caller holds the session lock.
func collectToHost(s *session.Session, frameType string, payload any, frames []outFrame) []outFrame {
	if s.HostConnected() {
		frames = append(frames, outFrame{to: s.Host.Transport, frameType: frameType, payload: payload})
	}
	return frames
}

// collectToClients appends one frame per connected client, optionally
// excluding a participant. Caller holds the session lock.
func collectToClients(s *session.Session, exclude string, frameType string, payload any, frames []outFrame) []outFrame {
	for id, p := range s.Clients {
		if id == exclude || p.Transport == nil {
			continue
		}
		frames = append(frames, outFrame{to: p.Transport, frameType: frameType, payload: payload})
	}
	return frames
}

// collectToAll fans out to the host and every client, optionally excluding a
// participant. Caller holds the session lock.
func collectToAll(s *session.Session, exclude string, frameType string, payload any, frames []outFrame) []outFrame {
	if s.Host == nil || s.Host.ID != exclude {
		frames = collectToHost(s, frameType, payload, frames)
	}
	return collectToClients(s, exclude, frameType, payload, frames)
}

func (h *Hub) sendError(c *Client, kind, message string) {
	metrics.ProtocolErrorsTotal.WithLabelValues(kind).Inc()
	c.Send(protocol.TypeError, protocol.Error{Message: message})
}

// terminate ends a session: removes it from the registry, tells everyone,
// then closes each transport with the protocol-level close code.
func (h *Hub) terminate(s *session.Session, reason string) {
	if !h.registry.Delete(s.Code) {
		return // already terminated by a concurrent path
	}

	s.Mu.Lock()
	var hostTransport session.Transport
	if s.HostConnected() {
		hostTransport = s.Host.Transport
		s.Host.Transport = nil
	}
	clientTransports := make([]session.Transport, 0, len(s.Clients))
	for _, p := range s.Clients {
		if p.Transport != nil {
			clientTransports = append(clientTransports, p.Transport)
			p.Transport = nil
		}
	}
	s.Mu.Unlock()

	ended := protocol.Ended{Reason: reason}
	for _, t := range clientTransports {
		t.Send(protocol.TypeEnded, ended)
		t.Close(clientCloseCode, reason)
	}
	if hostTransport != nil {
		hostTransport.Send(protocol.TypeEnded, ended)
		hostTransport.Close(hostCloseCode, reason)
	}

	metrics.SessionsEndedTotal.WithLabelValues(reason).Inc()
	metrics.SessionsActive.Set(float64(h.registry.Len()))
	h.logger.Info("session terminated",
		zap.String("session", s.Code),
		zap.String("reason", reason),
		zap.Int("clients", len(clientTransports)),
	)
}

// Shutdown terminates every live session and is called once on process exit.
func (h *Hub) Shutdown() {
	for _, s := range h.registry.Snapshot() {
		h.terminate(s, ReasonServerShutdown)
	}
	for _, c := range h.clientSnapshot() {
		c.Close(hostCloseCode, ReasonServerShutdown)
	}
}
