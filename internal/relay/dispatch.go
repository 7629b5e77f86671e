package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/route-beacon/mission-relay/internal/metrics"
	"github.com/route-beacon/mission-relay/internal/mint"
	"github.com/route-beacon/mission-relay/internal/protocol"
	"github.com/route-beacon/mission-relay/internal/sanitize"
	"github.com/route-beacon/mission-relay/internal/session"
	"github.com/route-beacon/mission-relay/internal/traffic"
	"go.uber.org/zap"
)

// Error kinds for metrics labeling.
const (
	errValidation = "validation"
	errState      = "state"
	errPayload    = "payload"
)

// commandTable maps inbound frame types to their handlers.
var commandTable = map[string]func(*Hub, *Client, json.RawMessage){
	protocol.TypeHostInit:     (*Hub).handleHostInit,
	protocol.TypeHostResume:   (*Hub).handleHostResume,
	protocol.TypeClientJoin:   (*Hub).handleClientJoin,
	protocol.TypeLocation:     (*Hub).handleLocation,
	protocol.TypeHostState:    (*Hub).handleHostState,
	protocol.TypeHostInterval: (*Hub).handleHostInterval,
	protocol.TypeClientRoutes: (*Hub).handleClientRoutes,
	protocol.TypeMessage:      (*Hub).handleMessage,
	protocol.TypeHeartbeat:    (*Hub).handleHeartbeat,
	protocol.TypeHostShutdown: (*Hub).handleHostShutdown,
}

// Dispatch decodes one inbound frame and routes it through the command table.
func (h *Hub) Dispatch(c *Client, data []byte) {
	h.meter.Record(traffic.In, len(data))
	metrics.BytesTotal.WithLabelValues(string(traffic.In)).Add(float64(len(data)))

	env, err := protocol.Decode(data)
	if err != nil {
		h.sendError(c, errValidation, "Invalid JSON payload.")
		return
	}
	metrics.FramesInTotal.WithLabelValues(env.Type).Inc()

	handler, ok := commandTable[env.Type]
	if !ok {
		h.sendError(c, errValidation, fmt.Sprintf("Unknown message type: %s", env.Type))
		return
	}
	handler(h, c, env.Payload)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// boundSession resolves the connection's binding, emitting the not-joined
// error when there is none.
func (h *Hub) boundSession(c *Client) *session.Session {
	if c.bound() {
		if s := h.registry.Get(c.code); s != nil {
			return s
		}
	}
	h.sendError(c, errState, "Not joined to a session.")
	return nil
}

func (h *Hub) handleHostInit(c *Client, _ json.RawMessage) {
	if c.bound() {
		h.sendError(c, errState, "Transport already bound to a session.")
		return
	}

	now := h.now()
	s, err := h.registry.Create(h.cfg.Session.CodeLength, h.cfg.Session.LocationIntervalMs, now)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		h.sendError(c, errState, "Could not create a session.")
		return
	}
	participantID, err := mint.ParticipantID()
	if err != nil {
		h.logger.Error("failed to mint participant id", zap.Error(err))
		h.registry.Delete(s.Code)
		h.sendError(c, errState, "Could not create a session.")
		return
	}

	s.Mu.Lock()
	s.AttachHost(participantID, c, now)
	intervalMs := s.IntervalMs
	token := s.ResumeToken
	s.Mu.Unlock()

	c.bind(s.Code, participantID, protocol.RoleHost)
	metrics.SessionsStartedTotal.Inc()
	metrics.SessionsActive.Set(float64(h.registry.Len()))
	h.logger.Info("session created", zap.String("session", s.Code))

	c.Send(protocol.TypeReady, protocol.Ready{
		SessionID:     s.Code,
		Role:          protocol.RoleHost,
		ParticipantID: participantID,
		Peers:         []protocol.PeerInfo{},
		IntervalMs:    intervalMs,
		ResumeToken:   token,
	})
}

func (h *Hub) handleHostResume(c *Client, payload json.RawMessage) {
	if c.bound() {
		h.sendError(c, errState, "Transport already bound to a session.")
		return
	}
	var p struct {
		SessionID   string `json:"sessionId"`
		ResumeToken string `json:"resumeToken"`
	}
	_ = json.Unmarshal(payload, &p)

	code := normalizeCode(p.SessionID)
	if code == "" {
		h.sendError(c, errValidation, "Session code is required.")
		return
	}
	s := h.registry.Get(code)
	if s == nil {
		h.sendError(c, errState, "Session not found.")
		return
	}

	now := h.now()
	s.Mu.Lock()
	if s.HostConnected() {
		s.Mu.Unlock()
		h.sendError(c, errState, "Host already connected.")
		return
	}
	if p.ResumeToken == "" || p.ResumeToken != s.ResumeToken {
		s.Mu.Unlock()
		h.sendError(c, errState, "Invalid resume token.")
		return
	}
	token, err := mint.ResumeToken()
	if err != nil {
		s.Mu.Unlock()
		h.logger.Error("failed to rotate resume token", zap.Error(err))
		h.sendError(c, errState, "Could not resume the session.")
		return
	}
	s.ResumeToken = token

	participantID := ""
	if s.Host != nil {
		participantID = s.Host.ID
	}
	s.AttachHost(participantID, c, now)

	peers := peerInfos(s)
	state := stateSnapshot(s)
	intervalMs := s.IntervalMs
	frames := collectToClients(s, "", protocol.TypeHostStatus, protocol.HostStatus{
		Online:    true,
		Reason:    "host-resumed",
		Timestamp: now.UnixMilli(),
	}, nil)
	s.Mu.Unlock()

	c.bind(code, participantID, protocol.RoleHost)
	h.logger.Info("host resumed", zap.String("session", code))

	c.Send(protocol.TypeReady, protocol.Ready{
		SessionID:     code,
		Role:          protocol.RoleHost,
		ParticipantID: participantID,
		Peers:         peers,
		State:         state,
		IntervalMs:    intervalMs,
		ResumeToken:   token,
	})
	deliver(frames)
}

func (h *Hub) handleClientJoin(c *Client, payload json.RawMessage) {
	if c.bound() {
		h.sendError(c, errState, "Transport already bound to a session.")
		return
	}
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(payload, &p)

	code := normalizeCode(p.SessionID)
	if code == "" {
		h.sendError(c, errValidation, "Session code is required.")
		return
	}
	s := h.registry.Get(code)
	if s == nil {
		h.sendError(c, errState, "Session not found.")
		return
	}

	label, err := mint.ClientLabel()
	if err != nil {
		h.logger.Error("failed to mint client label", zap.Error(err))
		h.sendError(c, errState, "Could not join the session.")
		return
	}

	now := h.now()
	s.Mu.Lock()
	participantID, err := uniqueParticipantID(s)
	if err != nil {
		s.Mu.Unlock()
		h.logger.Error("failed to mint participant id", zap.Error(err))
		h.sendError(c, errState, "Could not join the session.")
		return
	}
	peer := &session.Peer{
		ID:        participantID,
		Label:     label,
		Color:     s.NextColor(),
		Transport: c,
	}
	s.AddClient(peer, now)
	intervalMs := s.IntervalMs
	frames := collectToHost(s, protocol.TypePeerJoined, protocol.PeerJoined{
		ParticipantID: participantID,
		Label:         label,
		Color:         peer.Color,
		Timestamp:     now.UnixMilli(),
	}, nil)
	s.Mu.Unlock()

	c.bind(code, participantID, protocol.RoleClient)
	h.logger.Info("client joined",
		zap.String("session", code),
		zap.String("participant", participantID),
	)

	c.Send(protocol.TypeReady, protocol.Ready{
		SessionID:     code,
		Role:          protocol.RoleClient,
		ParticipantID: participantID,
		Peers:         []protocol.PeerInfo{},
		IntervalMs:    intervalMs,
	})
	deliver(frames)
}

func (h *Hub) handleLocation(c *Client, payload json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	var v any
	_ = json.Unmarshal(payload, &v)

	now := h.now()
	s.Mu.Lock()
	peer := s.PeerByID(c.participantID)
	if peer == nil {
		s.Mu.Unlock()
		h.sendError(c, errState, "Not joined to a session.")
		return
	}
	// Cadence gate: reads the session's current interval on every frame, so
	// a host:interval change applies from the next evaluation.
	if !peer.LastLocationAt.IsZero() && now.Sub(peer.LastLocationAt).Milliseconds() < int64(s.IntervalMs) {
		s.Mu.Unlock()
		metrics.LocationsThrottledTotal.Inc()
		return
	}
	loc, ok := sanitize.ParseLocation(v, now)
	if !ok {
		s.Mu.Unlock()
		return
	}
	peer.LastLocationAt = now
	peer.LastLocation = loc
	s.Touch(now)

	var frames []outFrame
	if c.role == protocol.RoleClient {
		frames = collectToHost(s, protocol.TypeLocationTo, protocol.LocationUpdate{
			ParticipantID: c.participantID,
			Location:      loc,
		}, nil)
	}
	s.Mu.Unlock()
	deliver(frames)
}

func (h *Hub) handleHostState(c *Client, payload json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	if c.role != protocol.RoleHost {
		h.sendError(c, errState, "Only the host can publish state.")
		return
	}

	var blob string
	if err := json.Unmarshal(payload, &blob); err != nil || blob == "" {
		h.sendError(c, errPayload, "State payload must be a non-empty string.")
		return
	}
	if _, err := sanitize.DecodeStateBlob(blob); err != nil {
		h.sendError(c, errPayload, "State payload is not a valid compressed document.")
		return
	}

	hash := sanitize.StateHash(blob)
	now := h.now()

	s.Mu.Lock()
	if hash == s.StateHash {
		s.Mu.Unlock()
		return
	}
	version := s.ReplaceState(blob, hash, now)
	state := protocol.State{
		Version:    version,
		Data:       blob,
		Compressed: true,
		Hash:       hash,
		Size:       len(blob),
	}
	s.Mu.Unlock()

	// The snapshot is acknowledged to the host only; late-joining clients
	// receive state:null and fetch nothing.
	c.Send(protocol.TypeState, state)
}

func (h *Hub) handleHostInterval(c *Client, payload json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	if c.role != protocol.RoleHost {
		h.sendError(c, errState, "Only the host can change the interval.")
		return
	}

	var m map[string]any
	_ = json.Unmarshal(payload, &m)
	ms, ok := sanitize.FiniteNumber(m["intervalMs"])
	if !ok {
		if sec, secOK := sanitize.FiniteNumber(m["seconds"]); secOK {
			ms, ok = sec*1000, true
		}
	}
	if !ok {
		h.sendError(c, errValidation, "Interval must be a finite number.")
		return
	}

	clamped := session.ClampInterval(int(ms))
	now := h.now()

	s.Mu.Lock()
	if clamped == s.IntervalMs {
		s.Mu.Unlock()
		return
	}
	s.IntervalMs = clamped
	s.Touch(now)
	frames := collectToAll(s, "", protocol.TypeInterval, protocol.Interval{IntervalMs: clamped}, nil)
	s.Mu.Unlock()
	deliver(frames)
}

func (h *Hub) handleClientRoutes(c *Client, payload json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	if c.role != protocol.RoleClient {
		h.sendError(c, errState, "Only clients can upload routes.")
		return
	}

	var v any
	_ = json.Unmarshal(payload, &v)
	routes := sanitize.ParseRoutes(v, h.cfg.Limits.MaxClientRoutes, h.cfg.Limits.MaxRoutePoints)
	hash := ""
	if routes != nil {
		hash = sanitize.RoutesHash(routes)
	}

	now := h.now()
	s.Mu.Lock()
	peer := s.Clients[c.participantID]
	if peer == nil {
		s.Mu.Unlock()
		h.sendError(c, errState, "Not joined to a session.")
		return
	}
	if peer.RoutesHash == hash {
		s.Mu.Unlock()
		return
	}
	peer.Routes = routes
	peer.RoutesHash = hash
	s.Touch(now)

	relayed := routes
	if relayed == nil {
		relayed = []sanitize.Route{}
	}
	frames := collectToHost(s, protocol.TypePeerRoutes, protocol.PeerRoutes{
		ParticipantID: c.participantID,
		Routes:        relayed,
	}, nil)
	s.Mu.Unlock()
	deliver(frames)
}

func (h *Hub) handleMessage(c *Client, payload json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	var p struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(payload, &p)
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return
	}

	now := h.now()
	if strings.HasPrefix(text, "/data") {
		h.answerDataCommand(c, text)
		return
	}

	s.Mu.Lock()
	s.Touch(now)
	frames := collectToAll(s, "", protocol.TypeMessageTo, protocol.Message{
		ParticipantID: c.participantID,
		Text:          text,
		Role:          c.role,
		Timestamp:     now.UnixMilli(),
	}, nil)
	s.Mu.Unlock()
	deliver(frames)
}

// answerDataCommand replies to the /data diagnostic with a system message to
// the requester only.
func (h *Hub) answerDataCommand(c *Client, text string) {
	window := 0
	if fields := strings.Fields(text); len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
			window = n
		}
	}

	summary := h.meter.Summarize(window)
	msg := fmt.Sprintf("Traffic since start: %.1f KB in, %.1f KB out.",
		kb(summary.TotalIn), kb(summary.TotalOut))
	if summary.WindowSeconds > 0 {
		windowKB := kb(summary.WindowIn + summary.WindowOut)
		msg += fmt.Sprintf(" Last %ds: %.1f KB (%.2f KB/s)",
			summary.WindowSeconds, windowKB, windowKB/float64(summary.WindowSeconds))
	}

	c.Send(protocol.TypeMessageTo, protocol.Message{
		ParticipantID: "server",
		Text:          msg,
		Role:          protocol.RoleSystem,
		Timestamp:     h.now().UnixMilli(),
	})
}

func kb(n uint64) float64 {
	return float64(n) / 1024
}

func (h *Hub) handleHeartbeat(c *Client, _ json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	now := h.now()
	s.Mu.Lock()
	s.Touch(now)
	s.Mu.Unlock()

	c.Send(protocol.TypeHeartbeatT, protocol.Heartbeat{Timestamp: now.UnixMilli()})
}

func (h *Hub) handleHostShutdown(c *Client, _ json.RawMessage) {
	s := h.boundSession(c)
	if s == nil {
		return
	}
	if c.role != protocol.RoleHost {
		h.sendError(c, errState, "Only the host can end the session.")
		return
	}
	h.terminate(s, ReasonHostEnded)
}

// HandleDisconnect runs the drop-participant pathway after a transport
// closes: hosts detach and stay resumable, clients are removed outright.
func (h *Hub) HandleDisconnect(c *Client) {
	h.removeClient(c)
	if !c.bound() {
		return
	}
	s := h.registry.Get(c.code)
	if s == nil {
		c.unbind()
		return
	}

	now := h.now()
	var frames []outFrame

	s.Mu.Lock()
	switch c.role {
	case protocol.RoleHost:
		if s.Host != nil && s.Host.Transport == session.Transport(c) {
			s.DetachHost(now)
			frames = collectToClients(s, "", protocol.TypeHostStatus, protocol.HostStatus{
				Online:    false,
				Reason:    "host-disconnected",
				Timestamp: now.UnixMilli(),
			}, nil)
		}
	case protocol.RoleClient:
		if peer := s.Clients[c.participantID]; peer != nil && peer.Transport == session.Transport(c) {
			s.RemoveClient(c.participantID, now)
			frames = collectToHost(s, protocol.TypePeerLeft, protocol.PeerLeft{
				ParticipantID: c.participantID,
			}, nil)
		}
	}
	s.Mu.Unlock()

	h.logger.Info("participant dropped",
		zap.String("session", c.code),
		zap.String("participant", c.participantID),
		zap.String("role", c.role),
	)
	c.unbind()
	deliver(frames)
}

// uniqueParticipantID mints an id that collides with no current peer of the
// session. Caller holds the session lock.
func uniqueParticipantID(s *session.Session) (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		id, err := mint.ParticipantID()
		if err != nil {
			return "", err
		}
		if s.PeerByID(id) == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("exhausted participant id attempts")
}

// peerInfos snapshots the client peers for a session:ready frame. Caller
// holds the session lock.
func peerInfos(s *session.Session) []protocol.PeerInfo {
	infos := make([]protocol.PeerInfo, 0, len(s.Clients))
	for _, p := range s.Clients {
		infos = append(infos, protocol.PeerInfo{
			ParticipantID: p.ID,
			Label:         p.Label,
			Color:         p.Color,
			LastLocation:  p.LastLocation,
		})
	}
	return infos
}

// stateSnapshot copies the cached host-state for a resume, or nil when none
// was ever published. Caller holds the session lock.
func stateSnapshot(s *session.Session) *protocol.State {
	if s.StateVersion == 0 {
		return nil
	}
	return &protocol.State{
		Version:    s.StateVersion,
		Data:       s.StateBlob,
		Compressed: true,
		Hash:       s.StateHash,
		Size:       s.StateSize,
	}
}
