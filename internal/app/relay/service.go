// Package relay routes relay messages between connections and the
// presence registry.
package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/app/presence"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many join attempts")

const reasonRateLimited = "rate_limited"

type Service struct {
	reg     *presence.Registry
	relay   core.Relay
	limiter *JoinLimiter
	metrics *metrics.Metrics

	mu    sync.RWMutex
	users map[domain.ConnID]domain.UserID
}

func NewService(reg *presence.Registry, relay core.Relay, limiter *JoinLimiter, m *metrics.Metrics) *Service {
	return &Service{
		reg:     reg,
		relay:   relay,
		limiter: limiter,
		metrics: m,
		users:   make(map[domain.ConnID]domain.UserID),
	}
}

// Connect greets a new connection with its ids. uid is the identity the
// HTTP layer resolved for the connection.
func (s *Service) Connect(conn domain.ConnID, uid domain.UserID) {
	s.mu.Lock()
	s.users[conn] = uid
	s.mu.Unlock()
	s.send(conn, protocol.MustEnvelope(protocol.TypeHello, protocol.Hello{ConnID: conn, UserID: uid}))
}

// Disconnect tells every room the connection was in that it left.
func (s *Service) Disconnect(conn domain.ConnID) {
	s.mu.Lock()
	delete(s.users, conn)
	s.mu.Unlock()

	for _, room := range s.reg.RoomsOf(conn) {
		s.broadcastPeerLeft(room, conn)
	}
	rooms := s.reg.Disconnect(conn)
	log.Info().Str("module", "app.relay").Str("conn", string(conn)).Int("rooms", len(rooms)).Msg("connection gone")
}

// Handle dispatches one inbound message from conn.
func (s *Service) Handle(conn domain.ConnID, env protocol.Envelope) {
	s.reg.Touch(conn)

	switch env.Type {
	case protocol.TypePing:
		s.send(conn, protocol.Envelope{Type: protocol.TypePong})
	case protocol.TypeJoinRoom:
		s.handleJoin(conn, env)
	case protocol.TypeLeaveRoom:
		s.handleLeave(conn, env)
	case protocol.TypePeerAnnounce:
		s.handleAnnounce(conn, env)
	case protocol.TypeSignal:
		s.handleSignal(conn, env)
	default:
		log.Warn().Str("module", "app.relay").Str("conn", string(conn)).Str("type", env.Type).Msg("unknown message type")
		s.sendError(conn, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Service) userOf(conn domain.ConnID) domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[conn]
}

func (s *Service) handleJoin(conn domain.ConnID, env protocol.Envelope) {
	var p protocol.JoinRoom
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("bad join payload")
		s.sendError(conn, "bad_payload")
		return
	}
	uid := p.UserID
	if uid == "" {
		uid = s.userOf(conn)
	}

	ack := protocol.JoinRoomAck{Room: p.Room}
	if !s.limiter.Allow(uid) {
		log.Warn().Str("module", "app.relay").Str("user", string(uid)).Msg("join rate limited")
		s.metrics.JoinRejected(reasonRateLimited)
		ack.Rejected = true
		ack.Reason = reasonRateLimited
		s.send(conn, protocol.MustEnvelope(protocol.TypeJoinRoomAck, ack))
		return
	}

	res, err := s.reg.CreateOrJoin(domain.JoinRequest{
		Room:        p.Room,
		UserID:      uid,
		DisplayName: p.DisplayName,
		Conn:        conn,
	})
	if err != nil {
		ack.Rejected = true
		ack.Reason = domain.Reason(err)
		s.send(conn, protocol.MustEnvelope(protocol.TypeJoinRoomAck, ack))
		return
	}
	for _, stale := range res.Replaced {
		s.broadcastPeerLeft(res.Room, stale)
	}
	ack.Accepted = true
	ack.RoomCreated = res.RoomCreated
	ack.MemberCount = res.MemberCount
	ack.Roster = res.Roster
	ack.NameMap = res.NameMap
	s.send(conn, protocol.MustEnvelope(protocol.TypeJoinRoomAck, ack))
}

func (s *Service) handleLeave(conn domain.ConnID, env protocol.Envelope) {
	var p protocol.LeaveRoom
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("bad leave payload")
		s.sendError(conn, "bad_payload")
		return
	}
	if s.reg.IsMember(p.Room, conn) {
		s.broadcastPeerLeft(p.Room, conn)
	}
	s.reg.Leave(p.Room, conn)
	s.send(conn, protocol.MustEnvelope(protocol.TypeLeft, protocol.LeaveRoom{Room: p.Room}))
}

func (s *Service) handleAnnounce(conn domain.ConnID, env protocol.Envelope) {
	var p protocol.PeerAnnounce
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("bad announce payload")
		s.sendError(conn, "bad_payload")
		return
	}
	if !s.reg.IsMember(p.Room, conn) {
		log.Warn().Str("module", "app.relay").Str("room", string(p.Room)).Str("conn", string(conn)).Msg("announce from non-member")
		s.sendError(conn, "not_in_room")
		return
	}
	peers := s.reg.Peers(p.Room, conn)
	s.send(conn, protocol.MustEnvelope(protocol.TypePeerSnapshot, protocol.PeersSnapshot{Room: p.Room, Peers: peers}))

	joined := protocol.MustEnvelope(protocol.TypePeerJoined, protocol.PeerEvent{Room: p.Room, ConnID: conn})
	for _, peer := range peers {
		s.send(peer, joined)
	}
}

func (s *Service) handleSignal(conn domain.ConnID, env protocol.Envelope) {
	var p protocol.Signal
	if err := env.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("bad signal payload")
		s.sendError(conn, "bad_payload")
		return
	}
	logger := log.With().
		Str("module", "app.relay").
		Str("from", string(conn)).
		Str("to", string(p.To)).
		Str("kind", p.Kind).
		Logger()
	if p.To == conn {
		logger.Warn().Msg("signal addressed to self dropped")
		s.metrics.Dropped("self_target")
		return
	}
	if !s.reg.SharesRoom(conn, p.To) {
		logger.Warn().Msg("signal to connection outside sender's rooms dropped")
		s.metrics.Dropped("not_in_room")
		return
	}
	p.From = conn
	out, err := protocol.NewEnvelope(protocol.TypeSignal, p)
	if err != nil {
		logger.Error().Err(err).Msg("encode signal")
		return
	}
	if err := s.relay.Send(p.To, out); err != nil {
		if errors.Is(err, core.ErrUnknownConn) {
			logger.Warn().Msg("signal to unknown connection dropped")
			s.metrics.Dropped("unknown_target")
			return
		}
		logger.Warn().Err(err).Msg("signal dropped")
		s.metrics.Dropped("send_failed")
		return
	}
	logger.Debug().Msg("signal relayed")
}

func (s *Service) broadcastPeerLeft(room domain.RoomID, conn domain.ConnID) {
	env := protocol.MustEnvelope(protocol.TypePeerLeft, protocol.PeerEvent{Room: room, ConnID: conn})
	for _, peer := range s.reg.Peers(room, conn) {
		s.send(peer, env)
	}
}

func (s *Service) sendError(conn domain.ConnID, msg string) {
	s.send(conn, protocol.MustEnvelope(protocol.TypeError, protocol.ErrorPayload{Error: msg}))
}

func (s *Service) send(conn domain.ConnID, env protocol.Envelope) {
	if err := s.relay.Send(conn, env); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(conn)).Str("type", env.Type).Msg("send failed")
	}
}
