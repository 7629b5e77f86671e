package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// livenessInterval is the gap between transport liveness probes.
const livenessInterval = 30 * time.Second

// minSweepInterval floors the session expiry sweep cadence.
const minSweepInterval = 60 * time.Second

// RunLivenessProbe pings every transport periodically and force-terminates
// any that did not answer the previous probe. Blocks until ctx is cancelled.
func (h *Hub) RunLivenessProbe(ctx context.Context) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeOnce()
		}
	}
}

func (h *Hub) probeOnce() {
	for _, c := range h.clientSnapshot() {
		if !c.alive.Load() {
			// Dead transport: close without sending anything. The read loop
			// unwinds and runs the drop-participant pathway, which logs the
			// session binding. The binding fields belong to the read
			// goroutine and must not be read here.
			c.logger.Warn("terminating unresponsive transport")
			c.Close(websocket.CloseAbnormalClosure, "liveness timeout")
			continue
		}
		c.alive.Store(false)
		if err := c.sender.Ping(); err != nil {
			c.Close(websocket.CloseAbnormalClosure, "ping failed")
		}
	}
}

// sweepInterval derives the expiry sweep cadence: half the idle TTL with a
// one-minute floor.
func sweepInterval(ttlMs int64) time.Duration {
	d := time.Duration(ttlMs/2) * time.Millisecond
	if d < minSweepInterval {
		return minSweepInterval
	}
	return d
}

// RunExpirySweep periodically terminates sessions whose host-resume grace or
// idle TTL ran out. Blocks until ctx is cancelled.
func (h *Hub) RunExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval(h.cfg.Session.TTLMs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Hub) sweepOnce() {
	now := h.now()
	grace := time.Duration(h.cfg.Session.HostResumeGraceMs) * time.Millisecond
	ttl := time.Duration(h.cfg.Session.TTLMs) * time.Millisecond

	for _, s := range h.registry.Snapshot() {
		s.Mu.Lock()
		hostTimedOut := s.HostDetachedAt != nil && now.Sub(*s.HostDetachedAt) > grace
		idle := s.LastActivity.Before(now.Add(-ttl))
		s.Mu.Unlock()

		switch {
		case hostTimedOut:
			h.terminate(s, ReasonHostTimeout)
		case idle:
			h.terminate(s, ReasonSessionExpired)
		}
	}
}
