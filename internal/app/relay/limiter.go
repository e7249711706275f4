package relay

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

// JoinLimiter caps join attempts per user within a sliding interval.
type JoinLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewJoinLimiter(limit int, interval time.Duration, now func() time.Time) *JoinLimiter {
	if now == nil {
		now = time.Now
	}
	return &JoinLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      now,
	}
}

func (l *JoinLimiter) Allow(uid domain.UserID) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.interval)

	attempts := l.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[uid] = fresh
		return false
	}
	l.history[uid] = append(fresh, now)
	return true
}

// Forget drops the history of users with no attempt inside the interval.
func (l *JoinLimiter) Forget() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	windowStart := l.now().Add(-l.interval)
	for uid, attempts := range l.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(l.history, uid)
		}
	}
}

// Run calls Forget every period until ctx is done.
func (l *JoinLimiter) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Forget()
		}
	}
}

func (l *JoinLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}
