package client

import (
	"errors"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
)

var (
	ErrAlreadyJoined   = errors.New("already joined or joining a room")
	ErrNotJoined       = errors.New("not joined to a room")
	ErrTransportClosed = errors.New("transport closed")
)

// JoinError is returned when the registry rejects a join.
type JoinError struct {
	Room   domain.RoomID
	Reason string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s rejected (%s): %v", e.Room, e.Reason, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}
