package signal

import (
	"errors"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Hub indexes open connections by id and delivers relay messages to them.
type Hub struct {
	mu      sync.RWMutex
	conns   map[domain.ConnID]core.SignalConnection
	metrics *metrics.Metrics
	policy  BackpressurePolicy

	dropMu sync.Mutex
	drops  map[domain.ConnID]int
}

// NewHub uses DropPolicy when policy is nil.
func NewHub(m *metrics.Metrics, policy BackpressurePolicy) *Hub {
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Hub{
		conns:   make(map[domain.ConnID]core.SignalConnection),
		metrics: m,
		policy:  policy,
		drops:   make(map[domain.ConnID]int),
	}
}

func (h *Hub) Register(c *WsSignalConn) {
	h.add(c.id, c)
}

func (h *Hub) add(id domain.ConnID, c core.SignalConnection) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	h.metrics.ConnOpened()
}

// Unregister removes id only while it still maps to c.
func (h *Hub) Unregister(id domain.ConnID, c core.SignalConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[id]; !ok || cur != c {
		return false
	}
	delete(h.conns, id)
	h.metrics.ConnClosed()

	h.dropMu.Lock()
	delete(h.drops, id)
	h.dropMu.Unlock()
	return true
}

func (h *Hub) Connected(id domain.ConnID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send never blocks: a full queue drops the message with ErrBackpressure.
func (h *Hub) Send(to domain.ConnID, env protocol.Envelope) error {
	h.mu.RLock()
	c, ok := h.conns[to]
	h.mu.RUnlock()
	if !ok {
		return core.ErrUnknownConn
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.TrySend(data); err != nil {
		if errors.Is(err, core.ErrBackpressure) {
			h.onBackpressure(to, c, env.Type)
		}
		return err
	}
	h.dropMu.Lock()
	delete(h.drops, to)
	h.dropMu.Unlock()
	h.metrics.Relayed(env.Type)
	return nil
}

func (h *Hub) onBackpressure(to domain.ConnID, c core.SignalConnection, typ string) {
	h.dropMu.Lock()
	h.drops[to]++
	n := h.drops[to]
	h.dropMu.Unlock()

	h.metrics.Dropped("backpressure")
	if h.policy.OnBackpressure(to, n) == KickConn {
		log.Warn().Str("module", "signal").Str("conn", string(to)).Int("drops", n).Msg("slow connection kicked")
		h.metrics.Dropped("kicked")
		c.Close()
		return
	}
	log.Warn().Str("module", "signal").Str("conn", string(to)).Str("type", typ).Int("drops", n).Msg("send queue full, message dropped")
}
