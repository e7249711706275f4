package signal

import "github.com/dkeye/Huddle/internal/domain"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickConn
)

// BackpressurePolicy decides the fate of a connection whose send queue is
// full. drops counts consecutive dropped frames, this one included.
type BackpressurePolicy interface {
	OnBackpressure(conn domain.ConnID, drops int) BackpressureAction
}

type DropPolicy struct{}

func (DropPolicy) OnBackpressure(domain.ConnID, int) BackpressureAction {
	return DropFrame
}

// KickAfter closes a connection once Limit frames in a row were dropped.
// A zero Limit never kicks.
type KickAfter struct {
	Limit int
}

func (p KickAfter) OnBackpressure(_ domain.ConnID, drops int) BackpressureAction {
	if p.Limit > 0 && drops >= p.Limit {
		return KickConn
	}
	return DropFrame
}
