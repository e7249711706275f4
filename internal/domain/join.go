package domain

import "errors"

var (
	ErrNameTaken           = errors.New("display name already taken in room")
	ErrDuplicateConnection = errors.New("user already has a live connection")
)

// Rejection reason codes carried in join-room-ack.
const (
	ReasonNameTaken           = "name_taken"
	ReasonDuplicateConnection = "duplicate_connection"
	ReasonInvalidName         = "invalid_name"
	ReasonInvalidRoom         = "invalid_room"
	ReasonInvalidUser         = "invalid_user"
	ReasonInternal            = "internal"
)

type JoinRequest struct {
	Room        RoomID
	UserID      UserID
	DisplayName string
	Conn        ConnID
}

type JoinResult struct {
	Room        RoomID
	RoomCreated bool
	MemberCount int
	Roster      []RosterEntry
	NameMap     NameMap
	// Replaced lists stale connections of the same user evicted by this join.
	Replaced    []ConnID
}

// Reason maps a registry error onto its wire reason code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNameTaken):
		return ReasonNameTaken
	case errors.Is(err, ErrDuplicateConnection):
		return ReasonDuplicateConnection
	case errors.Is(err, ErrUsernameEmpty), errors.Is(err, ErrUsernameTooLong):
		return ReasonInvalidName
	case errors.Is(err, ErrRoomIDEmpty), errors.Is(err, ErrRoomIDTooLong):
		return ReasonInvalidRoom
	case errors.Is(err, ErrUserIDEmpty), errors.Is(err, ErrUserIDTooLong):
		return ReasonInvalidUser
	default:
		return ReasonInternal
	}
}

// ErrorFromReason is the inverse of Reason for the client side.
func ErrorFromReason(reason string) error {
	switch reason {
	case ReasonNameTaken:
		return ErrNameTaken
	case ReasonDuplicateConnection:
		return ErrDuplicateConnection
	case ReasonInvalidName:
		return ErrUsernameEmpty
	case ReasonInvalidRoom:
		return ErrRoomIDEmpty
	case ReasonInvalidUser:
		return ErrUserIDEmpty
	default:
		return errors.New("join rejected: " + reason)
	}
}
