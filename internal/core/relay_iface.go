package core

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

//go:generate mockgen -source=relay_iface.go -destination=mocks/relay_mock.go -package=mocks

// Relay delivers a message to one connection. It never blocks on a slow peer.
type Relay interface {
	Send(to domain.ConnID, env protocol.Envelope) error
}

// ConnTracker reports which transport connections currently exist.
type ConnTracker interface {
	Connected(id domain.ConnID) bool
}
