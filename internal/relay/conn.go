package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/route-beacon/mission-relay/internal/metrics"
	"github.com/route-beacon/mission-relay/internal/protocol"
	"github.com/route-beacon/mission-relay/internal/traffic"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	// Maximum inbound frame size. State blobs dominate; routes and chat are
	// small.
	maxMessageSize = 1 << 20
)

// sender is the raw frame writer under a Client. The websocket implementation
// lives below; tests substitute an in-memory fake.
type sender interface {
	WriteFrame(data []byte) error
	Ping() error
	CloseWith(code int, reason string)
}

// Client is one connected transport and its session binding. The binding is
// only touched from the connection's read goroutine, so it needs no lock; the
// alive flag is shared with the liveness probe.
type Client struct {
	hub    *Hub
	sender sender
	logger *zap.Logger

	// Binding; empty code means "not yet bound".
	code          string
	participantID string
	role          string

	alive atomic.Bool
}

func newClient(h *Hub, s sender, logger *zap.Logger) *Client {
	c := &Client{hub: h, sender: s, logger: logger}
	c.alive.Store(true)
	return c
}

// Send serializes and writes one outbound frame, charging the byte counters
// on the serialized form. Best effort: a closed or failing transport yields
// false, never an error upstream.
func (c *Client) Send(frameType string, payload any) bool {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		c.logger.Error("failed to encode outbound frame", zap.String("type", frameType), zap.Error(err))
		return false
	}
	if err := c.sender.WriteFrame(data); err != nil {
		metrics.SendFailuresTotal.Inc()
		return false
	}
	c.hub.meter.Record(traffic.Out, len(data))
	metrics.FramesOutTotal.WithLabelValues(frameType).Inc()
	metrics.BytesTotal.WithLabelValues(string(traffic.Out)).Add(float64(len(data)))
	return true
}

// Close shuts the transport down with a protocol-level close code.
func (c *Client) Close(code int, reason string) {
	c.sender.CloseWith(code, reason)
}

func (c *Client) bound() bool {
	return c.code != ""
}

func (c *Client) bind(code, participantID, role string) {
	c.code = code
	c.participantID = participantID
	c.role = role
}

func (c *Client) unbind() {
	c.code = ""
	c.participantID = ""
	c.role = ""
}

// wsSender writes frames to a gorilla websocket connection. gorilla permits
// one concurrent writer, so every write holds the mutex.
type wsSender struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func newWSSender(ws *websocket.Conn) *wsSender {
	return &wsSender{ws: ws}
}

func (w *wsSender) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("transport closed")
	}
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSender) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("transport closed")
	}
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsSender) CloseWith(code int, reason string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = w.ws.Close()
}

// ServeConn owns a freshly upgraded websocket connection: registers it with
// the hub, reads frames until the transport dies, then drops the participant.
// Blocks for the life of the connection.
func (h *Hub) ServeConn(ws *websocket.Conn) {
	s := newWSSender(ws)
	c := newClient(h, s, h.logger.Named("conn"))
	h.addClient(c)

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	defer func() {
		h.HandleDisconnect(c)
		s.CloseWith(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("transport read error", zap.Error(err))
			}
			return
		}
		h.Dispatch(c, data)
	}
}
