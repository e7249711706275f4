package presence

import (
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

// livenessTable tracks the last activity of connections and which
// connection each user currently owns.
type livenessTable struct {
	mu       sync.Mutex
	lastSeen map[domain.ConnID]time.Time
	userConn map[domain.UserID]domain.ConnID
}

func newLivenessTable() *livenessTable {
	return &livenessTable{
		lastSeen: make(map[domain.ConnID]time.Time),
		userConn: make(map[domain.UserID]domain.ConnID),
	}
}

func (t *livenessTable) bind(uid domain.UserID, conn domain.ConnID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userConn[uid] = conn
	t.lastSeen[conn] = now
}

// touch refreshes an already known connection.
func (t *livenessTable) touch(conn domain.ConnID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastSeen[conn]; !ok {
		return false
	}
	t.lastSeen[conn] = now
	return true
}

// liveConn returns the user's bound connection if it was active within window.
func (t *livenessTable) liveConn(uid domain.UserID, now time.Time, window time.Duration) (domain.ConnID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.userConn[uid]
	if !ok {
		return "", false
	}
	seen, ok := t.lastSeen[conn]
	if !ok || now.Sub(seen) >= window {
		return conn, false
	}
	return conn, true
}

func (t *livenessTable) forget(conn domain.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, conn)
	for uid, c := range t.userConn {
		if c == conn {
			delete(t.userConn, uid)
		}
	}
}

// purge drops records older than window and returns how many went away.
func (t *livenessTable) purge(now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for conn, seen := range t.lastSeen {
		if now.Sub(seen) <= window {
			continue
		}
		delete(t.lastSeen, conn)
		for uid, c := range t.userConn {
			if c == conn {
				delete(t.userConn, uid)
			}
		}
		n++
	}
	return n
}

func (t *livenessTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

// rebind restores a purged record for a connection that is still active.
// The user binding is only restored when no other connection holds it.
func (t *livenessTable) rebind(uid domain.UserID, conn domain.ConnID, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[conn] = now
	if _, ok := t.userConn[uid]; !ok {
		t.userConn[uid] = conn
	}
}
