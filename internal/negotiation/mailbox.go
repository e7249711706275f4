package negotiation

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evSignal eventKind = iota
	evNegotiationNeeded
	evLocalCandidate
	evConnState
	evReconnect
)

type event struct {
	kind eventKind
	gen  uint64

	signalKind string
	body       json.RawMessage

	candidate webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
}

// mailbox is an unbounded FIFO with a single consumer. push never blocks,
// so pion callbacks and the coordinator can enqueue from any goroutine.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}
