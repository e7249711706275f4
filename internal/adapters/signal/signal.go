package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 10 * time.Second

	defaultPingPeriod = 54 * time.Second

	defaultReadLimit = 64 * 1024

	sendQueueSize = 64
)

// UserIDKey is the gin context key the HTTP layer stores the session user under.
const UserIDKey = "user_id"

type SignalWSController struct {
	Hub     *Hub
	Handler core.SignalHandler

	readLimit  int64
	pingPeriod time.Duration
	pongWait   time.Duration
}

func NewSignalWSController(cfg *config.Config, hub *Hub, handler core.SignalHandler) *SignalWSController {
	ctl := &SignalWSController{
		Hub:        hub,
		Handler:    handler,
		readLimit:  defaultReadLimit,
		pingPeriod: defaultPingPeriod,
	}
	if cfg != nil && cfg.ReadLimit > 0 {
		ctl.readLimit = cfg.ReadLimit
	}
	if cfg != nil && cfg.PingPeriod > 0 {
		ctl.pingPeriod = cfg.PingPeriod
	}
	ctl.pongWait = ctl.pingPeriod * 10 / 9
	return ctl
}

type WsSignalConn struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) ID() domain.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString(UserIDKey))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:   domain.NewConnID(),
		conn: ws,
		send: make(chan core.Frame, sendQueueSize),
	}
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("user", string(uid)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Hub.Register(conn)
	ctl.Handler.Connect(conn.id, uid)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
