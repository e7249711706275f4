package client

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 10 * time.Second

	// keepAlive keeps the registry's liveness record fresh.
	keepAlive = 2 * time.Second

	maxMessageSize = 64 * 1024

	sendQueueSize = 64
)

// Handler receives transport lifecycle and inbound messages.
type Handler interface {
	OnConnected(conn domain.ConnID, uid domain.UserID)
	OnMessage(env protocol.Envelope)
	OnDisconnected()
}

// Transport keeps one WebSocket to the signaling server, redialing after
// a fixed delay whenever it drops.
type Transport struct {
	url         string
	redialDelay time.Duration
	dialer      *websocket.Dialer

	mu   sync.RWMutex
	send chan []byte
}

func NewTransport(url string, redialDelay time.Duration) *Transport {
	if redialDelay <= 0 {
		redialDelay = 2 * time.Second
	}
	return &Transport{
		url:         url,
		redialDelay: redialDelay,
		dialer:      websocket.DefaultDialer,
	}
}

// Send queues env for the current connection without blocking.
func (t *Transport) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.send == nil {
		return ErrTransportClosed
	}
	select {
	case t.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Run dials and serves connections until ctx is done.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	for {
		if err := t.serve(ctx, h); err != nil {
			log.Warn().Err(err).Str("module", "client").Str("url", t.url).Msg("signaling connection lost")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.redialDelay):
		}
	}
}

func (t *Transport) serve(ctx context.Context, h Handler) error {
	ws, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	log.Info().Str("module", "client").Str("url", t.url).Msg("signaling connected")

	ws.SetReadLimit(maxMessageSize)

	var hello protocol.Hello
	first, err := readEnvelope(ws)
	if err != nil {
		return err
	}
	if first.Type != protocol.TypeHello {
		log.Warn().Str("module", "client").Str("type", first.Type).Msg("expected hello first")
	} else if err := first.Decode(&hello); err != nil {
		return err
	}

	send := make(chan []byte, sendQueueSize)
	t.mu.Lock()
	t.send = send
	t.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.writePump(connCtx, ws, send)
	}()

	defer func() {
		t.mu.Lock()
		t.send = nil
		t.mu.Unlock()
		cancel()
		_ = ws.Close()
		<-done
		h.OnDisconnected()
	}()

	h.OnConnected(hello.ConnID, hello.UserID)

	for {
		env, err := readEnvelope(ws)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.OnMessage(env)
	}
}

func readEnvelope(ws *websocket.Conn) (protocol.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

func (t *Transport) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ping, _ := protocol.Encode(protocol.Envelope{Type: protocol.TypePing})
	write := func(data []byte) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "client").Msg("write error")
			_ = ws.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = ws.Close()
			return
		case data := <-send:
			if !write(data) {
				return
			}
		case <-ticker.C:
			if !write(ping) {
				return
			}
		}
	}
}
