// Package client is the participant side of a room: the signaling
// transport and the coordinator that keeps one negotiation session per
// remote peer.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/dkeye/Huddle/internal/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Events receives room changes. Calls arrive from transport and session
// goroutines and must not block.
type Events interface {
	RosterChanged(room domain.RoomID, names domain.NameMap)
	MemberCount(room domain.RoomID, count int)
	PeerPhase(remote domain.ConnID, phase negotiation.Phase)
	PeerFailed(remote domain.ConnID, err error)
	PeerLeft(remote domain.ConnID)
}

type NopEvents struct{}

func (NopEvents) RosterChanged(domain.RoomID, domain.NameMap) {}
func (NopEvents) MemberCount(domain.RoomID, int) {}
func (NopEvents) PeerPhase(domain.ConnID, negotiation.Phase) {}
func (NopEvents) PeerFailed(domain.ConnID, error) {}
func (NopEvents) PeerLeft(domain.ConnID) {}

// Sender is the outbound half of the signaling transport.
type Sender interface {
	Send(env protocol.Envelope) error
}

type Options struct {
	// UserID is the stable identity; the server's session identity is used
	// when empty.
	UserID domain.UserID
	// JoinDelay debounces the join request after it becomes sendable.
	JoinDelay time.Duration

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	NewPeerConnection negotiation.Factory
	Media             *media.Source
	Events            Events
}

type joinRequest struct {
	room  domain.RoomID
	name  string
	done  chan error
	timer *time.Timer
}

// Coordinator drives one local participant through
// Disconnected -> Joining -> Joined -> Leaving -> Disconnected.
type Coordinator struct {
	opts Options
	tr   Sender

	mu        sync.Mutex
	state     State
	connected bool
	localID   domain.ConnID
	userID    domain.UserID
	room      domain.RoomID
	queued    *joinRequest
	inflight  *joinRequest
	leaving   chan struct{}
	ended     chan struct{}
	sessions  map[domain.ConnID]*negotiation.Session
}

func NewCoordinator(tr Sender, opts Options) *Coordinator {
	if opts.Events == nil {
		opts.Events = NopEvents{}
	}
	if opts.Media == nil {
		opts.Media = media.Empty()
	}
	return &Coordinator{
		opts:     opts,
		tr:       tr,
		userID:   opts.UserID,
		sessions: make(map[domain.ConnID]*negotiation.Session),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) LocalID() domain.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

func (c *Coordinator) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Peers returns the remote ids with a live session.
func (c *Coordinator) Peers() []domain.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ConnID, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) Session(remote domain.ConnID) (*negotiation.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remote]
	return s, ok
}

// Join asks the registry to admit the participant and blocks until it
// answers. A join requested before the transport is up is sent once the
// first connection is established.
func (c *Coordinator) Join(ctx context.Context, room domain.RoomID, name string) error {
	if err := domain.ValidateRoomID(room); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if err := domain.ValidateUsername(name); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	req := &joinRequest{room: room, name: name, done: make(chan error, 1)}
	c.state = StateJoining
	c.queued = req
	if c.connected {
		c.armLocked(req)
	}
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("room", string(room)).Str("name", name).Msg("join requested")

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.queued == req || c.inflight == req {
			if req.timer != nil {
				req.timer.Stop()
			}
			c.queued, c.inflight = nil, nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// armLocked schedules the debounced send of a queued join.
func (c *Coordinator) armLocked(req *joinRequest) {
	if req.timer != nil {
		return
	}
	req.timer = time.AfterFunc(c.opts.JoinDelay, func() { c.sendJoin(req) })
}

func (c *Coordinator) sendJoin(req *joinRequest) {
	c.mu.Lock()
	if c.queued != req {
		c.mu.Unlock()
		return
	}
	if !c.connected {
		req.timer = nil
		c.mu.Unlock()
		return
	}
	c.queued = nil
	c.inflight = req
	env := protocol.MustEnvelope(protocol.TypeJoinRoom, protocol.JoinRoom{
		Room:        req.room,
		UserID:      c.userID,
		DisplayName: req.name,
		ConnID:      c.localID,
	})
	c.mu.Unlock()

	if err := c.tr.Send(env); err != nil {
		c.failInflight(req, fmt.Errorf("send join: %w", err))
	}
}

func (c *Coordinator) failInflight(req *joinRequest, err error) {
	c.mu.Lock()
	if c.inflight != req {
		c.mu.Unlock()
		return
	}
	c.inflight = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	req.done <- err
}

// Leave closes every session, tells the registry and releases the local
// media once the registry confirms or ctx ends.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.state = StateLeaving
	c.endMembershipLocked()
	room := c.room
	leaving := make(chan struct{})
	c.leaving = leaving
	sessions := c.takeSessionsLocked()
	c.mu.Unlock()

	closeAll(sessions)

	var err error
	if serr := c.tr.Send(protocol.MustEnvelope(protocol.TypeLeaveRoom, protocol.LeaveRoom{Room: room})); serr == nil {
		select {
		case <-leaving:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.room = ""
	c.leaving = nil
	c.mu.Unlock()
	c.opts.Media.Close()
	log.Info().Str("module", "client").Str("room", string(room)).Msg("left room")
	return err
}

// Close tears everything down without talking to the registry.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sessions := c.takeSessionsLocked()
	c.state = StateDisconnected
	c.endMembershipLocked()
	c.mu.Unlock()
	closeAll(sessions)
	c.opts.Media.Close()
}

// Ended returns a channel closed when the current membership ends, by
// Leave or by losing the transport. It is already closed when not joined.
func (c *Coordinator) Ended() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.ended
}

func (c *Coordinator) endMembershipLocked() {
	if c.ended != nil {
		close(c.ended)
		c.ended = nil
	}
}

func (c *Coordinator) takeSessionsLocked() []*negotiation.Session {
	out := make([]*negotiation.Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		out = append(out, s)
		delete(c.sessions, id)
	}
	return out
}

// closeAll closes sessions in parallel; pion peer connections can take a
// while to shut down.
func closeAll(sessions []*negotiation.Session) {
	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(s.Close)
	}
	wg.Wait()
}

// OnConnected is called by the transport for every new connection.
func (c *Coordinator) OnConnected(conn domain.ConnID, uid domain.UserID) {
	c.mu.Lock()
	var stale []*negotiation.Session
	if c.localID != "" && c.localID != conn {
		stale = c.takeSessionsLocked()
		if c.state == StateJoined || c.state == StateLeaving {
			c.state = StateDisconnected
			c.room = ""
			c.endMembershipLocked()
		}
		log.Info().Str("module", "client").Str("old", string(c.localID)).Str("new", string(conn)).Msg("connection id changed")
	}
	c.localID = conn
	if c.userID == "" {
		c.userID = uid
	}
	c.connected = true
	if c.queued != nil {
		c.armLocked(c.queued)
	}
	c.mu.Unlock()
	closeAll(stale)
}

func (c *Coordinator) OnDisconnected() {
	c.mu.Lock()
	c.connected = false
	req := c.inflight
	stale := c.takeSessionsLocked()
	if c.state == StateJoined {
		c.state = StateDisconnected
		c.room = ""
		c.endMembershipLocked()
		log.Warn().Str("module", "client").Msg("transport dropped, room membership lost")
	}
	if c.leaving != nil {
		close(c.leaving)
		c.leaving = nil
	}
	c.mu.Unlock()

	closeAll(stale)
	if req != nil {
		c.failInflight(req, ErrTransportClosed)
	}
}

func (c *Coordinator) OnMessage(env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeJoinRoomAck:
		var ack protocol.JoinRoomAck
		if err = env.Decode(&ack); err == nil {
			c.onAck(ack)
		}
	case protocol.TypeRosterUpdate:
		var p protocol.RosterUpdate
		if err = env.Decode(&p); err == nil {
			c.opts.Events.RosterChanged(p.Room, p.NameMap)
		}
	case protocol.TypeMemberCount:
		var p protocol.MemberCount
		if err = env.Decode(&p); err == nil {
			c.opts.Events.MemberCount(p.Room, p.Count)
		}
	case protocol.TypePeerSnapshot:
		var p protocol.PeersSnapshot
		if err = env.Decode(&p); err == nil {
			for _, peer := range p.Peers {
				c.ensureSession(peer)
			}
		}
	case protocol.TypePeerJoined:
		var p protocol.PeerEvent
		if err = env.Decode(&p); err == nil {
			c.ensureSession(p.ConnID)
		}
	case protocol.TypePeerLeft:
		var p protocol.PeerEvent
		if err = env.Decode(&p); err == nil {
			c.dropSession(p.ConnID)
			c.opts.Events.PeerLeft(p.ConnID)
		}
	case protocol.TypeSignal:
		var p protocol.Signal
		if err = env.Decode(&p); err == nil {
			if s := c.ensureSession(p.From); s != nil {
				s.HandleSignal(p.Kind, p.Body)
			}
		}
	case protocol.TypeLeft:
		c.mu.Lock()
		if c.leaving != nil {
			close(c.leaving)
			c.leaving = nil
		}
		c.mu.Unlock()
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err = env.Decode(&p); err == nil {
			log.Warn().Str("module", "client").Str("error", p.Error).Msg("server error")
		}
	case protocol.TypePong, protocol.TypeHello:
	default:
		log.Warn().Str("module", "client").Str("type", env.Type).Msg("unknown message type")
	}
	if err != nil {
		log.Error().Err(err).Str("module", "client").Str("type", env.Type).Msg("bad message")
	}
}

func (c *Coordinator) onAck(ack protocol.JoinRoomAck) {
	c.mu.Lock()
	req := c.inflight
	if req == nil || req.room != ack.Room {
		c.mu.Unlock()
		log.Warn().Str("module", "client").Str("room", string(ack.Room)).Msg("unexpected join ack")
		return
	}
	c.inflight = nil
	if !ack.Accepted {
		c.state = StateDisconnected
		c.mu.Unlock()
		req.done <- &JoinError{Room: ack.Room, Reason: ack.Reason, Err: domain.ErrorFromReason(ack.Reason)}
		return
	}
	c.state = StateJoined
	c.room = ack.Room
	c.ended = make(chan struct{})
	local := c.localID
	c.mu.Unlock()

	log.Info().Str("module", "client").Str("room", string(ack.Room)).Int("count", ack.MemberCount).Bool("created", ack.RoomCreated).Msg("joined")
	c.opts.Events.RosterChanged(ack.Room, ack.NameMap)
	if err := c.tr.Send(protocol.MustEnvelope(protocol.TypePeerAnnounce, protocol.PeerAnnounce{Room: ack.Room, ConnID: local})); err != nil {
		log.Error().Err(err).Str("module", "client").Msg("send peer announce")
	}
	req.done <- nil
}

// ensureSession returns the session for remote, creating it while joined.
func (c *Coordinator) ensureSession(remote domain.ConnID) *negotiation.Session {
	c.mu.Lock()
	if remote == "" || remote == c.localID || c.state != StateJoined {
		c.mu.Unlock()
		return nil
	}
	if s, ok := c.sessions[remote]; ok {
		c.mu.Unlock()
		return s
	}
	local := c.localID
	c.mu.Unlock()

	s, err := negotiation.New(negotiation.Options{
		Local:                local,
		Remote:               remote,
		Tracks:               c.opts.Media.Tracks(),
		NewPeerConnection:    c.opts.NewPeerConnection,
		Signaler:             c,
		ReconnectDelay:       c.opts.ReconnectDelay,
		MaxReconnectAttempts: c.opts.MaxReconnectAttempts,
		OnEnded:              c.onSessionEnded,
		OnPhase:              c.opts.Events.PeerPhase,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "client").Str("remote", string(remote)).Msg("create session")
		return nil
	}

	c.mu.Lock()
	if existing, ok := c.sessions[remote]; ok || c.state != StateJoined || c.localID != local {
		c.mu.Unlock()
		s.Close()
		return existing
	}
	c.sessions[remote] = s
	c.mu.Unlock()
	return s
}

func (c *Coordinator) dropSession(remote domain.ConnID) {
	c.mu.Lock()
	s, ok := c.sessions[remote]
	delete(c.sessions, remote)
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (c *Coordinator) onSessionEnded(remote domain.ConnID, err error) {
	c.mu.Lock()
	delete(c.sessions, remote)
	c.mu.Unlock()
	log.Warn().Err(err).Str("module", "client").Str("remote", string(remote)).Msg("peer session failed")
	c.opts.Events.PeerFailed(remote, err)
}

// SendSignal implements negotiation.Signaler.
func (c *Coordinator) SendSignal(to domain.ConnID, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", kind, err)
	}
	return c.tr.Send(protocol.MustEnvelope(protocol.TypeSignal, protocol.Signal{To: to, Kind: kind, Body: raw}))
}
