package relay

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/route-beacon/mission-relay/internal/config"
	"github.com/route-beacon/mission-relay/internal/mint"
	"github.com/route-beacon/mission-relay/internal/protocol"
	"github.com/route-beacon/mission-relay/internal/sanitize"
	"go.uber.org/zap"
)

type recordedFrame struct {
	Type    string
	Payload json.RawMessage
}

// fakeSender captures outbound frames in memory for dispatcher tests.
type fakeSender struct {
	frames      []recordedFrame
	pings       int
	pingErr     error
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeSender) WriteFrame(data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.frames = append(f.frames, recordedFrame{Type: env.Type, Payload: env.Payload})
	return nil
}

func (f *fakeSender) Ping() error {
	f.pings++
	return f.pingErr
}

func (f *fakeSender) CloseWith(code int, reason string) {
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeSender) reset() {
	f.frames = nil
}

func (f *fakeSender) lastOfType(frameType string) (json.RawMessage, bool) {
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Type == frameType {
			return f.frames[i].Payload, true
		}
	}
	return nil, false
}

func (f *fakeSender) countOfType(frameType string) int {
	n := 0
	for _, fr := range f.frames {
		if fr.Type == frameType {
			n++
		}
	}
	return n
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{LogLevel: "info", ShutdownTimeoutSeconds: 30},
		Server:  config.ServerConfig{Port: 4000},
		Session: config.SessionConfig{
			CodeLength:         6,
			LocationIntervalMs: 10000,
			TTLMs:              60 * 60 * 1000,
			HostResumeGraceMs:  60 * 1000,
		},
		Limits:  config.LimitsConfig{MaxClientRoutes: 8, MaxRoutePoints: 80},
		Traffic: config.TrafficConfig{WindowSeconds: 900},
	}
}

func newTestHub(t *testing.T) (*Hub, *fakeClock) {
	t.Helper()
	h := NewHub(testConfig(), zap.NewNop())
	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	h.now = clk.Now
	return h, clk
}

func frameJSON(t *testing.T, frameType string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	data, err := json.Marshal(protocol.Envelope{Type: frameType, Payload: raw})
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	return data
}

func decodePayload(t *testing.T, raw json.RawMessage, into any) {
	t.Helper()
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
}

func wantError(t *testing.T, fs *fakeSender, message string) {
	t.Helper()
	raw, ok := fs.lastOfType(protocol.TypeError)
	if !ok {
		t.Fatalf("expected session:error %q, got frames %v", message, fs.frames)
	}
	var e protocol.Error
	decodePayload(t, raw, &e)
	if e.Message != message {
		t.Fatalf("error message = %q, want %q", e.Message, message)
	}
}

func connectHost(t *testing.T, h *Hub) (*Client, *fakeSender, protocol.Ready) {
	t.Helper()
	fs := &fakeSender{}
	c := newClient(h, fs, zap.NewNop())
	h.addClient(c)
	h.Dispatch(c, frameJSON(t, protocol.TypeHostInit, nil))

	raw, ok := fs.lastOfType(protocol.TypeReady)
	if !ok {
		t.Fatalf("host:init produced no session:ready, frames %v", fs.frames)
	}
	var ready protocol.Ready
	decodePayload(t, raw, &ready)
	fs.reset()
	return c, fs, ready
}

func connectClient(t *testing.T, h *Hub, code string) (*Client, *fakeSender, protocol.Ready) {
	t.Helper()
	fs := &fakeSender{}
	c := newClient(h, fs, zap.NewNop())
	h.addClient(c)
	h.Dispatch(c, frameJSON(t, protocol.TypeClientJoin, map[string]string{"sessionId": code}))

	raw, ok := fs.lastOfType(protocol.TypeReady)
	if !ok {
		t.Fatalf("client:join produced no session:ready, frames %v", fs.frames)
	}
	var ready protocol.Ready
	decodePayload(t, raw, &ready)
	fs.reset()
	return c, fs, ready
}

func TestHostInit(t *testing.T) {
	h, _ := newTestHub(t)
	c, _, ready := connectHost(t, h)

	if ready.Role != protocol.RoleHost {
		t.Errorf("role = %q, want host", ready.Role)
	}
	if len(ready.SessionID) != 6 {
		t.Errorf("session code length = %d, want 6", len(ready.SessionID))
	}
	for _, r := range ready.SessionID {
		if !strings.ContainsRune(mint.Alphabet, r) {
			t.Errorf("session code %q contains %q outside the alphabet", ready.SessionID, r)
		}
	}
	if ready.ResumeToken == "" {
		t.Error("resume token missing from host ready")
	}
	if ready.IntervalMs != 10000 {
		t.Errorf("intervalMs = %d, want 10000", ready.IntervalMs)
	}
	if ready.State != nil {
		t.Errorf("fresh session carries state %+v, want null", ready.State)
	}
	if len(ready.Peers) != 0 {
		t.Errorf("fresh session carries %d peers", len(ready.Peers))
	}
	if h.registry.Get(ready.SessionID) == nil {
		t.Error("session not registered")
	}
	if !c.bound() || c.role != protocol.RoleHost {
		t.Error("host transport not bound")
	}
}

func TestHostInitAlreadyBound(t *testing.T) {
	h, _ := newTestHub(t)
	c, fs, _ := connectHost(t, h)

	h.Dispatch(c, frameJSON(t, protocol.TypeHostInit, nil))
	wantError(t, fs, "Transport already bound to a session.")
	if h.registry.Len() != 1 {
		t.Errorf("sessions = %d, want 1", h.registry.Len())
	}
}

func TestClientJoin(t *testing.T) {
	h, _ := newTestHub(t)
	_, hostFS, hostReady := connectHost(t, h)

	// Inbound codes are normalized: lowercase with stray spacing still joins.
	_, _, clientReady := connectClient(t, h, "  "+strings.ToLower(hostReady.SessionID)+" ")

	if clientReady.Role != protocol.RoleClient {
		t.Errorf("role = %q, want client", clientReady.Role)
	}
	if clientReady.SessionID != hostReady.SessionID {
		t.Errorf("sessionId = %q, want %q", clientReady.SessionID, hostReady.SessionID)
	}
	if clientReady.ResumeToken != "" {
		t.Error("client ready leaked a resume token")
	}

	raw, ok := hostFS.lastOfType(protocol.TypePeerJoined)
	if !ok {
		t.Fatal("host did not receive session:peer-joined")
	}
	var joined protocol.PeerJoined
	decodePayload(t, raw, &joined)
	if joined.ParticipantID != clientReady.ParticipantID {
		t.Errorf("peer-joined participant = %q, want %q", joined.ParticipantID, clientReady.ParticipantID)
	}
	if !strings.HasPrefix(joined.Label, "UNIT-") {
		t.Errorf("client label = %q, want UNIT- prefix", joined.Label)
	}
	if joined.Color == "" {
		t.Error("client color missing")
	}
}

func TestClientJoinUnknownSession(t *testing.T) {
	h, _ := newTestHub(t)
	fs := &fakeSender{}
	c := newClient(h, fs, zap.NewNop())

	h.Dispatch(c, frameJSON(t, protocol.TypeClientJoin, map[string]string{"sessionId": "ZZZZZZ"}))
	wantError(t, fs, "Session not found.")

	fs.reset()
	h.Dispatch(c, frameJSON(t, protocol.TypeClientJoin, map[string]string{"sessionId": "  "}))
	wantError(t, fs, "Session code is required.")
}

func TestDispatchRejectsGarbage(t *testing.T) {
	h, _ := newTestHub(t)
	fs := &fakeSender{}
	c := newClient(h, fs, zap.NewNop())

	h.Dispatch(c, []byte("{not json"))
	wantError(t, fs, "Invalid JSON payload.")

	fs.reset()
	h.Dispatch(c, frameJSON(t, "bogus:type", nil))
	wantError(t, fs, "Unknown message type: bogus:type")

	fs.reset()
	h.Dispatch(c, frameJSON(t, protocol.TypeHeartbeat, nil))
	wantError(t, fs, "Not joined to a session.")
}

func TestLocationRelayAndThrottle(t *testing.T) {
	h, clk := newTestHub(t)
	_, hostFS, hostReady := connectHost(t, h)
	client, _, _ := connectClient(t, h, hostReady.SessionID)

	loc := map[string]any{"lat": 45.25, "lng": 19.83, "accuracy": 12.0}
	h.Dispatch(client, frameJSON(t, protocol.TypeLocation, loc))

	raw, ok := hostFS.lastOfType(protocol.TypeLocationTo)
	if !ok {
		t.Fatal("host did not receive session:location")
	}
	var update protocol.LocationUpdate
	decodePayload(t, raw, &update)
	if update.Location == nil || update.Location.Lat != 45.25 {
		t.Fatalf("relayed location = %+v", update.Location)
	}
	if update.Location.Timestamp != clk.Now().UnixMilli() {
		t.Errorf("timestamp = %d, want server time %d", update.Location.Timestamp, clk.Now().UnixMilli())
	}

	// Inside the cadence window the fix is silently discarded.
	hostFS.reset()
	clk.Advance(2 * time.Second)
	h.Dispatch(client, frameJSON(t, protocol.TypeLocation, loc))
	if n := hostFS.countOfType(protocol.TypeLocationTo); n != 0 {
		t.Errorf("throttled fix relayed %d times", n)
	}

	// Past the window it flows again.
	clk.Advance(9 * time.Second)
	h.Dispatch(client, frameJSON(t, protocol.TypeLocation, loc))
	if n := hostFS.countOfType(protocol.TypeLocationTo); n != 1 {
		t.Errorf("post-window fix relayed %d times, want 1", n)
	}
}

func TestLocationInvalidFixDropped(t *testing.T) {
	h, _ := newTestHub(t)
	_, hostFS, hostReady := connectHost(t, h)
	client, clientFS, _ := connectClient(t, h, hostReady.SessionID)

	hostFS.reset()
	h.Dispatch(client, frameJSON(t, protocol.TypeLocation, map[string]any{"lat": "north", "lng": 19.83}))
	if len(hostFS.frames) != 0 {
		t.Errorf("invalid fix produced host frames %v", hostFS.frames)
	}
	if len(clientFS.frames) != 0 {
		t.Errorf("invalid fix produced client frames %v", clientFS.frames)
	}
}

func TestHostLocationNotEchoed(t *testing.T) {
	h, _ := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)
	_, clientFS, _ := connectClient(t, h, hostReady.SessionID)

	h.Dispatch(host, frameJSON(t, protocol.TypeLocation, map[string]any{"lat": 45.0, "lng": 19.0}))
	if n := hostFS.countOfType(protocol.TypeLocationTo); n != 0 {
		t.Errorf("host location echoed to host %d times", n)
	}
	if n := clientFS.countOfType(protocol.TypeLocationTo); n != 0 {
		t.Errorf("host location relayed to client %d times", n)
	}
}

func TestHostInterval(t *testing.T) {
	h, _ := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)
	client, clientFS, _ := connectClient(t, h, hostReady.SessionID)

	cases := []struct {
		name    string
		payload map[string]any
		wantMs  int
	}{
		{"below floor clamps up", map[string]any{"intervalMs": 4000}, 5000},
		{"above ceiling clamps down", map[string]any{"intervalMs": 125000}, 120000},
		{"seconds converted", map[string]any{"seconds": 7}, 7000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hostFS.reset()
			clientFS.reset()
			h.Dispatch(host, frameJSON(t, protocol.TypeHostInterval, tc.payload))

			for name, fs := range map[string]*fakeSender{"host": hostFS, "client": clientFS} {
				raw, ok := fs.lastOfType(protocol.TypeInterval)
				if !ok {
					t.Fatalf("%s did not receive session:interval", name)
				}
				var iv protocol.Interval
				decodePayload(t, raw, &iv)
				if iv.IntervalMs != tc.wantMs {
					t.Errorf("%s intervalMs = %d, want %d", name, iv.IntervalMs, tc.wantMs)
				}
			}
		})
	}

	// Re-sending the current value is a no-op.
	hostFS.reset()
	clientFS.reset()
	h.Dispatch(host, frameJSON(t, protocol.TypeHostInterval, map[string]any{"seconds": 7}))
	if len(hostFS.frames)+len(clientFS.frames) != 0 {
		t.Errorf("unchanged interval still fanned out: %v %v", hostFS.frames, clientFS.frames)
	}

	h.Dispatch(host, frameJSON(t, protocol.TypeHostInterval, map[string]any{"intervalMs": "fast"}))
	wantError(t, hostFS, "Interval must be a finite number.")

	clientFS.reset()
	h.Dispatch(client, frameJSON(t, protocol.TypeHostInterval, map[string]any{"intervalMs": 9000}))
	wantError(t, clientFS, "Only the host can change the interval.")
}

func TestIntervalChangeRetightensThrottle(t *testing.T) {
	h, clk := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)
	client, _, _ := connectClient(t, h, hostReady.SessionID)

	loc := map[string]any{"lat": 45.0, "lng": 19.0}
	h.Dispatch(client, frameJSON(t, protocol.TypeLocation, loc))
	hostFS.reset()

	// Tighten to 60s; a fix 15s later would have passed the old 10s gate.
	h.Dispatch(host, frameJSON(t, protocol.TypeHostInterval, map[string]any{"intervalMs": 60000}))
	hostFS.reset()
	clk.Advance(15 * time.Second)
	h.Dispatch(client, frameJSON(t, protocol.TypeLocation, loc))
	if n := hostFS.countOfType(protocol.TypeLocationTo); n != 0 {
		t.Errorf("fix passed the tightened gate, relayed %d times", n)
	}
}

func TestHostState(t *testing.T) {
	h, _ := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)
	client, clientFS, _ := connectClient(t, h, hostReady.SessionID)

	blob, err := sanitize.EncodeStateBlob([]byte(`{"mission":"alpha","waypoints":[1,2,3]}`))
	if err != nil {
		t.Fatalf("encoding blob: %v", err)
	}

	h.Dispatch(host, frameJSON(t, protocol.TypeHostState, blob))
	raw, ok := hostFS.lastOfType(protocol.TypeState)
	if !ok {
		t.Fatal("host did not receive session:state ack")
	}
	var state protocol.State
	decodePayload(t, raw, &state)
	if state.Version != 1 || state.Data != blob || !state.Compressed {
		t.Fatalf("state ack = %+v", state)
	}
	if state.Hash != sanitize.StateHash(blob) {
		t.Errorf("hash = %q, want %q", state.Hash, sanitize.StateHash(blob))
	}
	if n := clientFS.countOfType(protocol.TypeState); n != 0 {
		t.Errorf("state pushed to client %d times", n)
	}

	// Identical blob: deduplicated, version stays.
	hostFS.reset()
	h.Dispatch(host, frameJSON(t, protocol.TypeHostState, blob))
	if len(hostFS.frames) != 0 {
		t.Errorf("duplicate blob still acked: %v", hostFS.frames)
	}

	// Changed blob bumps the version.
	blob2, err := sanitize.EncodeStateBlob([]byte(`{"mission":"alpha","waypoints":[1,2,3,4]}`))
	if err != nil {
		t.Fatalf("encoding blob: %v", err)
	}
	h.Dispatch(host, frameJSON(t, protocol.TypeHostState, blob2))
	raw, ok = hostFS.lastOfType(protocol.TypeState)
	if !ok {
		t.Fatal("host did not receive second session:state ack")
	}
	decodePayload(t, raw, &state)
	if state.Version != 2 {
		t.Errorf("version = %d, want 2", state.Version)
	}

	hostFS.reset()
	h.Dispatch(host, frameJSON(t, protocol.TypeHostState, ""))
	wantError(t, hostFS, "State payload must be a non-empty string.")

	hostFS.reset()
	h.Dispatch(host, frameJSON(t, protocol.TypeHostState, "not-a-blob!!"))
	wantError(t, hostFS, "State payload is not a valid compressed document.")

	h.Dispatch(client, frameJSON(t, protocol.TypeHostState, blob))
	wantError(t, clientFS, "Only the host can publish state.")
}

func TestClientRoutes(t *testing.T) {
	h, _ := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)
	client, _, clientReady := connectClient(t, h, hostReady.SessionID)

	routes := []map[string]any{{
		"id":   "r1",
		"name": "Patrol north",
		"items": []map[string]any{
			{"id": "p1", "position": map[string]any{"lat": 45.0, "lng": 19.0}},
			{"id": "p2", "position": map[string]any{"lat": 45.1, "lng": 19.1}},
		},
	}}

	h.Dispatch(client, frameJSON(t, protocol.TypeClientRoutes, routes))
	raw, ok := hostFS.lastOfType(protocol.TypePeerRoutes)
	if !ok {
		t.Fatal("host did not receive session:peer-routes")
	}
	var pr protocol.PeerRoutes
	decodePayload(t, raw, &pr)
	if pr.ParticipantID != clientReady.ParticipantID {
		t.Errorf("participant = %q, want %q", pr.ParticipantID, clientReady.ParticipantID)
	}
	if len(pr.Routes) != 1 || len(pr.Routes[0].Items) != 2 {
		t.Fatalf("relayed routes = %+v", pr.Routes)
	}

	// Same upload again: deduplicated.
	hostFS.reset()
	h.Dispatch(client, frameJSON(t, protocol.TypeClientRoutes, routes))
	if len(hostFS.frames) != 0 {
		t.Errorf("duplicate routes relayed: %v", hostFS.frames)
	}

	// Clearing routes relays an empty list.
	h.Dispatch(client, frameJSON(t, protocol.TypeClientRoutes, []any{}))
	raw, ok = hostFS.lastOfType(protocol.TypePeerRoutes)
	if !ok {
		t.Fatal("route clear not relayed")
	}
	decodePayload(t, raw, &pr)
	if pr.Routes == nil || len(pr.Routes) != 0 {
		t.Errorf("cleared routes = %+v, want []", pr.Routes)
	}

	// Clearing again is a no-op.
	hostFS.reset()
	h.Dispatch(client, frameJSON(t, protocol.TypeClientRoutes, nil))
	if len(hostFS.frames) != 0 {
		t.Errorf("repeated clear relayed: %v", hostFS.frames)
	}

	h.Dispatch(host, frameJSON(t, protocol.TypeClientRoutes, routes))
	wantError(t, hostFS, "Only clients can upload routes.")
}

func TestMessageBroadcast(t *testing.T) {
	h, _ := newTestHub(t)
	_, hostFS, hostReady := connectHost(t, h)
	client, clientFS, clientReady := connectClient(t, h, hostReady.SessionID)
	_, otherFS, _ := connectClient(t, h, hostReady.SessionID)

	h.Dispatch(client, frameJSON(t, protocol.TypeMessage, map[string]string{"text": "  rally at bridge  "}))

	for name, fs := range map[string]*fakeSender{"host": hostFS, "sender": clientFS, "other": otherFS} {
		raw, ok := fs.lastOfType(protocol.TypeMessageTo)
		if !ok {
			t.Fatalf("%s did not receive session:message", name)
		}
		var msg protocol.Message
		decodePayload(t, raw, &msg)
		if msg.Text != "rally at bridge" {
			t.Errorf("%s text = %q, want trimmed", name, msg.Text)
		}
		if msg.ParticipantID != clientReady.ParticipantID || msg.Role != protocol.RoleClient {
			t.Errorf("%s attribution = %q/%q", name, msg.ParticipantID, msg.Role)
		}
	}

	// Blank messages vanish.
	hostFS.reset()
	h.Dispatch(client, frameJSON(t, protocol.TypeMessage, map[string]string{"text": "   "}))
	if n := hostFS.countOfType(protocol.TypeMessageTo); n != 0 {
		t.Errorf("blank message relayed %d times", n)
	}
}

func TestDataCommand(t *testing.T) {
	h, _ := newTestHub(t)
	_, hostFS, hostReady := connectHost(t, h)
	client, clientFS, _ := connectClient(t, h, hostReady.SessionID)

	h.Dispatch(client, frameJSON(t, protocol.TypeMessage, map[string]string{"text": "/data 60"}))

	raw, ok := clientFS.lastOfType(protocol.TypeMessageTo)
	if !ok {
		t.Fatal("requester did not receive the /data reply")
	}
	var msg protocol.Message
	decodePayload(t, raw, &msg)
	if msg.ParticipantID != "server" || msg.Role != protocol.RoleSystem {
		t.Errorf("reply attribution = %q/%q, want server/system", msg.ParticipantID, msg.Role)
	}
	if !strings.HasPrefix(msg.Text, "Traffic since start:") {
		t.Errorf("reply text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "Last 60s:") {
		t.Errorf("reply lacks the window summary: %q", msg.Text)
	}
	if n := hostFS.countOfType(protocol.TypeMessageTo); n != 0 {
		t.Errorf("/data reply broadcast to host %d times", n)
	}
}

func TestHeartbeat(t *testing.T) {
	h, clk := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)

	clk.Advance(5 * time.Minute)
	h.Dispatch(host, frameJSON(t, protocol.TypeHeartbeat, nil))

	raw, ok := hostFS.lastOfType(protocol.TypeHeartbeatT)
	if !ok {
		t.Fatal("heartbeat not echoed")
	}
	var hb protocol.Heartbeat
	decodePayload(t, raw, &hb)
	if hb.Timestamp != clk.Now().UnixMilli() {
		t.Errorf("heartbeat timestamp = %d, want %d", hb.Timestamp, clk.Now().UnixMilli())
	}

	s := h.registry.Get(hostReady.SessionID)
	s.Mu.Lock()
	last := s.LastActivity
	s.Mu.Unlock()
	if !last.Equal(clk.Now()) {
		t.Errorf("LastActivity = %v, want %v", last, clk.Now())
	}
}

func TestHostShutdownTerminates(t *testing.T) {
	h, _ := newTestHub(t)
	host, hostFS, hostReady := connectHost(t, h)
	_, clientFS, _ := connectClient(t, h, hostReady.SessionID)

	h.Dispatch(host, frameJSON(t, protocol.TypeHostShutdown, nil))

	if h.registry.Len() != 0 {
		t.Fatalf("sessions after shutdown = %d", h.registry.Len())
	}
	for name, fs := range map[string]*fakeSender{"host": hostFS, "client": clientFS} {
		raw, ok := fs.lastOfType(protocol.TypeEnded)
		if !ok {
			t.Fatalf("%s did not receive session:ended", name)
		}
		var ended protocol.Ended
		decodePayload(t, raw, &ended)
		if ended.Reason != ReasonHostEnded {
			t.Errorf("%s ended reason = %q, want %q", name, ended.Reason, ReasonHostEnded)
		}
		if !fs.closed {
			t.Errorf("%s transport left open", name)
		}
	}
	if hostFS.closeCode != hostCloseCode {
		t.Errorf("host close code = %d, want %d", hostFS.closeCode, hostCloseCode)
	}
	if clientFS.closeCode != clientCloseCode {
		t.Errorf("client close code = %d, want %d", clientFS.closeCode, clientCloseCode)
	}
}

func TestClientDisconnect(t *testing.T) {
	h, _ := newTestHub(t)
	_, hostFS, hostReady := connectHost(t, h)
	client, _, clientReady := connectClient(t, h, hostReady.SessionID)

	h.HandleDisconnect(client)

	raw, ok := hostFS.lastOfType(protocol.TypePeerLeft)
	if !ok {
		t.Fatal("host did not receive session:peer-left")
	}
	var left protocol.PeerLeft
	decodePayload(t, raw, &left)
	if left.ParticipantID != clientReady.ParticipantID {
		t.Errorf("peer-left participant = %q, want %q", left.ParticipantID, clientReady.ParticipantID)
	}

	s := h.registry.Get(hostReady.SessionID)
	s.Mu.Lock()
	n := len(s.Clients)
	s.Mu.Unlock()
	if n != 0 {
		t.Errorf("clients after disconnect = %d", n)
	}
}

func TestHostDisconnectAndResume(t *testing.T) {
	h, clk := newTestHub(t)
	host, _, hostReady := connectHost(t, h)
	_, clientFS, clientReady := connectClient(t, h, hostReady.SessionID)

	blob, err := sanitize.EncodeStateBlob([]byte(`{"mission":"bravo"}`))
	if err != nil {
		t.Fatalf("encoding blob: %v", err)
	}
	h.Dispatch(host, frameJSON(t, protocol.TypeHostState, blob))

	h.HandleDisconnect(host)

	raw, ok := clientFS.lastOfType(protocol.TypeHostStatus)
	if !ok {
		t.Fatal("client did not receive session:host-status on detach")
	}
	var status protocol.HostStatus
	decodePayload(t, raw, &status)
	if status.Online || status.Reason != "host-disconnected" {
		t.Errorf("detach status = %+v", status)
	}

	s := h.registry.Get(hostReady.SessionID)
	s.Mu.Lock()
	detached := s.HostDetachedAt
	s.Mu.Unlock()
	if detached == nil {
		t.Fatal("HostDetachedAt not stamped")
	}

	clk.Advance(10 * time.Second)
	clientFS.reset()

	// Wrong token is refused.
	fs2 := &fakeSender{}
	host2 := newClient(h, fs2, zap.NewNop())
	h.addClient(host2)
	h.Dispatch(host2, frameJSON(t, protocol.TypeHostResume, map[string]string{
		"sessionId":   hostReady.SessionID,
		"resumeToken": "forged",
	}))
	wantError(t, fs2, "Invalid resume token.")

	// Right token resumes, rotating it.
	fs2.reset()
	h.Dispatch(host2, frameJSON(t, protocol.TypeHostResume, map[string]string{
		"sessionId":   strings.ToLower(hostReady.SessionID),
		"resumeToken": hostReady.ResumeToken,
	}))
	raw, ok = fs2.lastOfType(protocol.TypeReady)
	if !ok {
		t.Fatalf("resume produced no session:ready, frames %v", fs2.frames)
	}
	var ready protocol.Ready
	decodePayload(t, raw, &ready)
	if ready.ParticipantID != hostReady.ParticipantID {
		t.Errorf("resumed participant = %q, want %q", ready.ParticipantID, hostReady.ParticipantID)
	}
	if ready.ResumeToken == "" || ready.ResumeToken == hostReady.ResumeToken {
		t.Error("resume token not rotated")
	}
	if len(ready.Peers) != 1 || ready.Peers[0].ParticipantID != clientReady.ParticipantID {
		t.Errorf("resumed peers = %+v", ready.Peers)
	}
	if ready.State == nil || ready.State.Version != 1 || ready.State.Data != blob {
		t.Errorf("resumed state = %+v", ready.State)
	}

	raw, ok = clientFS.lastOfType(protocol.TypeHostStatus)
	if !ok {
		t.Fatal("client did not receive session:host-status on resume")
	}
	decodePayload(t, raw, &status)
	if !status.Online || status.Reason != "host-resumed" {
		t.Errorf("resume status = %+v", status)
	}

	// A second resume attempt while the host is connected is refused.
	fs3 := &fakeSender{}
	host3 := newClient(h, fs3, zap.NewNop())
	h.Dispatch(host3, frameJSON(t, protocol.TypeHostResume, map[string]string{
		"sessionId":   hostReady.SessionID,
		"resumeToken": ready.ResumeToken,
	}))
	wantError(t, fs3, "Host already connected.")
}

func TestResumeUnknownSession(t *testing.T) {
	h, _ := newTestHub(t)
	fs := &fakeSender{}
	c := newClient(h, fs, zap.NewNop())

	h.Dispatch(c, frameJSON(t, protocol.TypeHostResume, map[string]string{
		"sessionId":   "ZZZZZZ",
		"resumeToken": "whatever",
	}))
	wantError(t, fs, "Session not found.")
}
