package domain

// Member represents one connection's participation in a room.
// No transport or lifecycle logic here.
type Member struct {
	User *User
	Conn ConnID
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, conn ConnID) *Member {
	return &Member{User: user, Conn: conn}
}

// RosterEntry is the public view of a member.
type RosterEntry struct {
	ConnID      ConnID `json:"connectionId"`
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
}

// NameMap maps connection ids to display names, the shape browsers render.
type NameMap map[ConnID]string

func (m *Member) Entry() RosterEntry {
	return RosterEntry{ConnID: m.Conn, UserID: m.User.ID, DisplayName: m.User.Username}
}
