package core

import (
	"errors"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

// Frame is a raw encoded relay message.
type Frame []byte

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
	ErrUnknownConn      = errors.New("unknown connection")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalHandler receives the lifecycle and inbound messages of every
// signaling connection.
type SignalHandler interface {
	Connect(conn domain.ConnID, uid domain.UserID)
	Handle(conn domain.ConnID, env protocol.Envelope)
	Disconnect(conn domain.ConnID)
}
