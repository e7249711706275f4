package presence

import (
	"sort"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
)

// roomState is the single writer for one room's membership.
// Callers hold mu for every read and write.
type roomState struct {
	id      domain.RoomID
	mu      sync.Mutex
	members map[domain.ConnID]*domain.Member
	// deleted is set once the room left the table; a caller that raced
	// with the deletion must fetch a fresh entry.
	deleted bool
}

func newRoomState(id domain.RoomID) *roomState {
	return &roomState{
		id:      id,
		members: make(map[domain.ConnID]*domain.Member),
	}
}

func (r *roomState) count() int { return len(r.members) }

func (r *roomState) connIDs() []domain.ConnID {
	out := make([]domain.ConnID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *roomState) roster() []domain.RosterEntry {
	out := make([]domain.RosterEntry, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.Entry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (r *roomState) nameMap() domain.NameMap {
	out := make(domain.NameMap, len(r.members))
	for id, m := range r.members {
		out[id] = m.User.Username
	}
	return out
}

// nameOwner returns the member other than conn that currently uses name.
func (r *roomState) nameOwner(name string, conn domain.ConnID) (*domain.Member, bool) {
	for id, m := range r.members {
		if id == conn {
			continue
		}
		if m.User.Username == name {
			return m, true
		}
	}
	return nil, false
}

// evictUser drops every membership of uid except keep and reports the
// removed connection ids.
func (r *roomState) evictUser(uid domain.UserID, keep domain.ConnID) []domain.ConnID {
	var out []domain.ConnID
	for id, m := range r.members {
		if id != keep && m.User.ID == uid {
			delete(r.members, id)
			out = append(out, id)
		}
	}
	return out
}
