// Package protocol defines the textual wire framing of the relay: the
// {type, payload} envelope and the payload shapes of every outbound frame.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/route-beacon/mission-relay/internal/sanitize"
)

// Inbound frame types (peer → relay).
const (
	TypeHostInit     = "host:init"
	TypeHostResume   = "host:resume"
	TypeHostState    = "host:state"
	TypeHostInterval = "host:interval"
	TypeHostShutdown = "host:shutdown"
	TypeClientJoin   = "client:join"
	TypeClientRoutes = "client:routes"
	TypeLocation     = "participant:location"
	TypeMessage      = "participant:message"
	TypeHeartbeat    = "participant:heartbeat"
)

// Outbound frame types (relay → peer).
const (
	TypeReady      = "session:ready"
	TypePeerJoined = "session:peer-joined"
	TypePeerLeft   = "session:peer-left"
	TypeLocationTo = "session:location"
	TypePeerRoutes = "session:peer-routes"
	TypeState      = "session:state"
	TypeInterval   = "session:interval"
	TypeHostStatus = "session:host-status"
	TypeHeartbeatT = "session:heartbeat"
	TypeMessageTo  = "session:message"
	TypeEnded      = "session:ended"
	TypeError      = "session:error"
)

// Peer roles as they appear on the wire.
const (
	RoleHost   = "host"
	RoleClient = "client"
	RoleSystem = "system"
)

// Envelope is the wire frame: a type tag and an uninterpreted payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses an inbound frame. Fails on malformed JSON or a missing type.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	return &env, nil
}

// Encode serializes an outbound frame. Byte counters are charged on the
// returned form.
func Encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", frameType, err)
	}
	data, err := json.Marshal(Envelope{Type: frameType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", frameType, err)
	}
	return data, nil
}

// PeerInfo describes one peer inside a session:ready frame.
type PeerInfo struct {
	ParticipantID string             `json:"participantId"`
	Label         string             `json:"label"`
	Color         string             `json:"color"`
	LastLocation  *sanitize.Location `json:"lastLocation,omitempty"`
}

// Ready is the session:ready payload.
type Ready struct {
	SessionID     string     `json:"sessionId"`
	Role          string     `json:"role"`
	ParticipantID string     `json:"participantId"`
	Peers         []PeerInfo `json:"peers"`
	State         *State     `json:"state"`
	IntervalMs    int        `json:"intervalMs"`
	ResumeToken   string     `json:"resumeToken,omitempty"`
}

// PeerJoined is the session:peer-joined payload, sent to the host only.
type PeerJoined struct {
	ParticipantID string `json:"participantId"`
	Label         string `json:"label"`
	Color         string `json:"color"`
	Timestamp     int64  `json:"timestamp"`
}

// PeerLeft is the session:peer-left payload, sent to the host only.
type PeerLeft struct {
	ParticipantID string `json:"participantId"`
}

// LocationUpdate is the session:location payload, relayed to the host.
type LocationUpdate struct {
	ParticipantID string             `json:"participantId"`
	Location      *sanitize.Location `json:"location"`
}

// PeerRoutes is the session:peer-routes payload, relayed to the host.
type PeerRoutes struct {
	ParticipantID string           `json:"participantId"`
	Routes        []sanitize.Route `json:"routes"`
}

// State is the session:state payload and the snapshot embedded in
// session:ready on host resume.
type State struct {
	Version    int    `json:"version"`
	Data       string `json:"data"`
	Compressed bool   `json:"compressed"`
	Hash       string `json:"hash"`
	Size       int    `json:"size"`
}

// Interval is the session:interval payload.
type Interval struct {
	IntervalMs int `json:"intervalMs"`
}

// HostStatus is the session:host-status payload, sent to clients on host
// detach and resume.
type HostStatus struct {
	Online    bool   `json:"online"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Heartbeat is the session:heartbeat payload.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Message is the session:message payload.
type Message struct {
	ParticipantID string `json:"participantId"`
	Text          string `json:"text"`
	Role          string `json:"role"`
	Timestamp     int64  `json:"timestamp"`
}

// Ended is the session:ended payload.
type Ended struct {
	Reason string `json:"reason"`
}

// Error is the session:error payload.
type Error struct {
	Message string `json:"message"`
}
