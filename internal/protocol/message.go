// Package protocol defines the relay messages exchanged between browsers,
// headless peers and the signaling server.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
)

// Message type constants.
const (
	TypeHello        = "hello"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
	TypeJoinRoom     = "join-room"
	TypeJoinRoomAck  = "join-room-ack"
	TypeLeaveRoom    = "leave-room"
	TypeLeft         = "left"
	TypeRosterUpdate = "roster-update"
	TypeMemberCount  = "member-count"
	TypePeerAnnounce = "peer-announce"
	TypePeerSnapshot = "peers-snapshot"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeSignal       = "signal"
)

// Signal kinds carried inside a signal message.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Envelope is the wire frame for every relay message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: b}, nil
}

// MustEnvelope is for payload types that always marshal.
func MustEnvelope(typ string, payload any) Envelope {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("bad envelope: missing type")
	}
	return e, nil
}

type Hello struct {
	ConnID domain.ConnID `json:"connectionId"`
	UserID domain.UserID `json:"userId,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// JoinRoom carries a connectionId for parity with browsers; the server
// always overrides it with the transport's own id.
type JoinRoom struct {
	Room        domain.RoomID `json:"room"`
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
	ConnID      domain.ConnID `json:"connectionId,omitempty"`
}

type JoinRoomAck struct {
	Room        domain.RoomID        `json:"room"`
	Accepted    bool                 `json:"accepted"`
	Rejected    bool                 `json:"rejected,omitempty"`
	Reason      string               `json:"reasonCode,omitempty"`
	RoomCreated bool                 `json:"roomCreated,omitempty"`
	MemberCount int                  `json:"memberCount,omitempty"`
	Roster      []domain.RosterEntry `json:"roster,omitempty"`
	NameMap     domain.NameMap       `json:"nameMap,omitempty"`
}

type LeaveRoom struct {
	Room domain.RoomID `json:"room"`
}

type RosterUpdate struct {
	Room    domain.RoomID  `json:"room"`
	NameMap domain.NameMap `json:"nameMap"`
}

type MemberCount struct {
	Room   domain.RoomID `json:"room"`
	UserID domain.UserID `json:"userId"`
	Count  int           `json:"count"`
}

type PeerAnnounce struct {
	Room   domain.RoomID `json:"room"`
	ConnID domain.ConnID `json:"connectionId,omitempty"`
}

type PeersSnapshot struct {
	Room  domain.RoomID   `json:"room"`
	Peers []domain.ConnID `json:"peers"`
}

type PeerEvent struct {
	Room   domain.RoomID `json:"room"`
	ConnID domain.ConnID `json:"connectionId"`
}

// Signal is relayed point to point. Body is opaque to the server.
type Signal struct {
	To   domain.ConnID   `json:"to"`
	From domain.ConnID   `json:"from,omitempty"`
	Kind string          `json:"type"`
	Body json.RawMessage `json:"body"`
}
