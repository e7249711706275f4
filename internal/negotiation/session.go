package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
)

type Phase int

const (
	PhaseNew Phase = iota
	PhaseNegotiating
	PhaseStable
	PhaseConnected
	PhaseDisconnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseStable:
		return "stable"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type Options struct {
	Local  domain.ConnID
	Remote domain.ConnID
	// Tracks are shared by every session of the local participant and are
	// re-added whenever the peer connection is recreated.
	Tracks []webrtc.TrackLocal

	NewPeerConnection Factory
	Signaler          Signaler

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// OnEnded fires once when the session ends on its own, never after Close.
	OnEnded func(remote domain.ConnID, err error)
	// OnPhase observes phase transitions.
	OnPhase func(remote domain.ConnID, phase Phase)
}

// Snapshot is a point-in-time copy of a session's negotiation state.
type Snapshot struct {
	Phase             Phase
	Initiator         bool
	Polite            bool
	MakingOffer       bool
	IgnoreOffer       bool
	AnswerPending     bool
	ReconnectAttempts int
	QueuedCandidates  int
}

// Session negotiates with one remote peer. Every event for the peer is
// handled on a single goroutine in arrival order.
type Session struct {
	opts      Options
	initiator bool
	polite    bool
	log       zerolog.Logger

	box  *mailbox
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	pc            PeerConnection
	gen           uint64
	phase         Phase
	makingOffer   bool
	ignoreOffer   bool
	answerPending bool
	pending       []webrtc.ICECandidateInit
	attempts      int
	timer         *time.Timer
	closed        bool
}

// New creates the session and its first peer connection. The initiator
// starts negotiating right away.
func New(opts Options) (*Session, error) {
	if opts.Local == "" || opts.Remote == "" || opts.Local == opts.Remote {
		return nil, fmt.Errorf("new session %s -> %s: invalid peer ids", opts.Local, opts.Remote)
	}
	if opts.NewPeerConnection == nil || opts.Signaler == nil {
		return nil, errors.New("new session: peer connection factory and signaler are required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	s := &Session{
		opts:      opts,
		initiator: IsInitiator(opts.Local, opts.Remote),
		polite:    IsPolite(opts.Local, opts.Remote),
		box:       newMailbox(),
		done:      make(chan struct{}),
	}
	s.log = log.With().
		Str("module", "negotiation").
		Str("local", string(opts.Local)).
		Str("remote", string(opts.Remote)).
		Bool("initiator", s.initiator).
		Logger()

	if err := s.install(); err != nil {
		return nil, err
	}
	s.log.Info().Msg("session created")
	go s.run()
	return s, nil
}

func (s *Session) Remote() domain.ConnID { return s.opts.Remote }

func (s *Session) Initiator() bool { return s.initiator }

func (s *Session) Polite() bool { return s.polite }

// Done is closed when the session is over.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:             s.phase,
		Initiator:         s.initiator,
		Polite:            s.polite,
		MakingOffer:       s.makingOffer,
		IgnoreOffer:       s.ignoreOffer,
		AnswerPending:     s.answerPending,
		ReconnectAttempts: s.attempts,
		QueuedCandidates:  len(s.pending),
	}
}

// HandleSignal queues a signal received from the remote peer.
func (s *Session) HandleSignal(kind string, body json.RawMessage) {
	s.box.push(event{kind: evSignal, signalKind: kind, body: body})
}

// Renegotiate asks the session to produce a fresh offer if it is the initiator.
func (s *Session) Renegotiate() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.box.push(event{kind: evNegotiationNeeded, gen: gen})
}

// Close tears the session down. It is idempotent and safe while a
// negotiation step is in flight.
func (s *Session) Close() {
	s.terminate(nil)
}

// install creates a peer connection for the next generation and wires its
// callbacks into the mailbox.
func (s *Session) install() error {
	pc, err := s.opts.NewPeerConnection(s.opts.Remote)
	if err != nil {
		return fmt.Errorf("create peer connection for %s: %w", s.opts.Remote, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pc.Close()
		return ErrSessionClosed
	}
	old := s.pc
	s.gen++
	gen := s.gen
	s.pc = pc
	s.makingOffer = false
	s.ignoreOffer = false
	s.answerPending = false
	s.pending = nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close previous peer connection")
		}
	}

	pc.OnNegotiationNeeded(func() {
		s.box.push(event{kind: evNegotiationNeeded, gen: gen})
	})
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.box.push(event{kind: evLocalCandidate, gen: gen, candidate: c})
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.box.push(event{kind: evConnState, gen: gen, state: st})
	})

	for _, track := range s.opts.Tracks {
		if err := pc.AddTrack(track); err != nil {
			s.log.Error().Err(err).Str("track", track.ID()).Msg("add local track")
		}
	}
	if s.initiator {
		s.box.push(event{kind: evNegotiationNeeded, gen: gen})
	}
	s.setPhase(PhaseNegotiating)
	return nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.box.notify:
		}
		for _, ev := range s.box.drain() {
			if s.isClosed() {
				return
			}
			s.dispatch(ev)
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// current returns the live peer connection if gen still names it.
func (s *Session) current(gen uint64) (PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (gen != 0 && gen != s.gen) {
		return nil, false
	}
	return s.pc, s.pc != nil
}

func (s *Session) dispatch(ev event) {
	pc, ok := s.current(ev.gen)
	if !ok {
		s.log.Debug().Int("event", int(ev.kind)).Uint64("gen", ev.gen).Msg("event for replaced peer connection dropped")
		return
	}
	switch ev.kind {
	case evSignal:
		if err := s.handleSignal(pc, ev.signalKind, ev.body); err != nil {
			if errors.Is(err, ErrStaleMessage) {
				s.log.Warn().Err(err).Str("kind", ev.signalKind).Msg("dropped stale message")
				return
			}
			s.log.Error().Err(err).Str("kind", ev.signalKind).Msg("handle signal")
		}
	case evNegotiationNeeded:
		s.negotiate(pc)
	case evLocalCandidate:
		s.send(protocol.SignalCandidate, ev.candidate)
	case evConnState:
		s.handleConnState(pc, ev.gen, ev.state)
	case evReconnect:
		s.reconnect(pc)
	}
}

func (s *Session) handleSignal(pc PeerConnection, kind string, body json.RawMessage) error {
	switch kind {
	case protocol.SignalOffer, protocol.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(body, &desc); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if kind == protocol.SignalOffer {
			return s.handleOffer(pc, desc)
		}
		return s.handleAnswer(pc, desc)
	case protocol.SignalCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(body, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return s.handleCandidate(pc, cand)
	}
	return fmt.Errorf("unknown signal type %q", kind)
}

func (s *Session) negotiate(pc PeerConnection) {
	if !s.initiator {
		s.log.Debug().Msg("negotiation needed on responder, waiting for offer")
		return
	}
	if st := pc.SignalingState(); st != webrtc.SignalingStateStable {
		s.log.Debug().Str("signaling", st.String()).Msg("negotiation deferred")
		return
	}

	s.setFlags(func() { s.makingOffer = true })
	s.setPhase(PhaseNegotiating)
	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	s.setFlags(func() { s.makingOffer = false })
	if err != nil {
		s.log.Error().Err(err).Msg("create local offer")
		return
	}
	s.send(protocol.SignalOffer, offer)
	s.log.Debug().Msg("offer sent")
}

func (s *Session) handleOffer(pc PeerConnection, offer webrtc.SessionDescription) error {
	st := pc.SignalingState()
	s.mu.Lock()
	collision := s.makingOffer || st != webrtc.SignalingStateStable
	s.ignoreOffer = !s.polite && collision
	ignore := s.ignoreOffer
	s.mu.Unlock()

	if ignore {
		s.log.Info().Msg("offer collision, ignoring remote offer")
		return nil
	}
	if collision {
		s.log.Info().Msg("offer collision, rolling back local offer")
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}

	s.setPhase(PhaseNegotiating)
	s.setFlags(func() { s.answerPending = true })
	err := pc.SetRemoteDescription(offer)
	s.setFlags(func() { s.answerPending = false })
	if err != nil {
		return fmt.Errorf("apply remote offer: %w", err)
	}
	s.flushCandidates(pc)

	if pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
		return nil
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("apply local answer: %w", err)
	}
	s.send(protocol.SignalAnswer, answer)
	s.setPhase(PhaseStable)
	return nil
}

func (s *Session) handleAnswer(pc PeerConnection, answer webrtc.SessionDescription) error {
	if st := pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("answer in %s: %w", st, ErrStaleMessage)
	}
	s.setFlags(func() { s.answerPending = true })
	err := pc.SetRemoteDescription(answer)
	s.setFlags(func() {
		s.answerPending = false
		if err == nil {
			s.ignoreOffer = false
		}
	})
	if err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	s.flushCandidates(pc)
	s.setPhase(PhaseStable)
	return nil
}

func (s *Session) handleCandidate(pc PeerConnection, cand webrtc.ICECandidateInit) error {
	hasRemote := pc.HasRemoteDescription()
	s.mu.Lock()
	if s.answerPending || s.ignoreOffer || !hasRemote {
		s.pending = append(s.pending, cand)
		n := len(s.pending)
		s.mu.Unlock()
		s.log.Debug().Int("queued", n).Msg("remote candidate queued")
		return nil
	}
	s.mu.Unlock()
	if err := pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// flushCandidates applies queued remote candidates in arrival order.
func (s *Session) flushCandidates(pc PeerConnection) {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cand := range queued {
		if err := pc.AddICECandidate(cand); err != nil {
			s.log.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	if len(queued) > 0 {
		s.log.Debug().Int("flushed", len(queued)).Msg("remote candidates flushed")
	}
}

func (s *Session) handleConnState(pc PeerConnection, gen uint64, st webrtc.PeerConnectionState) {
	s.log.Info().Str("state", st.String()).Msg("connection state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		s.attempts = 0
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
		s.setPhase(PhaseConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		s.setPhase(PhaseDisconnected)
		s.scheduleReconnect(gen)
	case webrtc.PeerConnectionStateClosed:
		s.terminate(fmt.Errorf("peer connection closed: %w", ErrSessionClosed))
	}
}

// scheduleReconnect arms at most one reconnection timer.
func (s *Session) scheduleReconnect(gen uint64) {
	s.mu.Lock()
	if s.closed || s.timer != nil {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.opts.MaxReconnectAttempts {
		attempts := s.attempts
		s.mu.Unlock()
		s.terminate(fmt.Errorf("%d reconnection attempts to %s: %w", attempts, s.opts.Remote, ErrNegotiationFailed))
		return
	}
	s.timer = time.AfterFunc(s.opts.ReconnectDelay, func() {
		s.box.push(event{kind: evReconnect, gen: gen})
	})
	attempt := s.attempts + 1
	s.mu.Unlock()
	s.log.Info().Int("attempt", attempt).Dur("delay", s.opts.ReconnectDelay).Msg("reconnect scheduled")
}

func (s *Session) reconnect(pc PeerConnection) {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	switch pc.ConnectionState() {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
	default:
		s.log.Info().Str("state", pc.ConnectionState().String()).Msg("recovered before reconnect")
		return
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()
	s.log.Info().Int("attempt", attempt).Msg("recreating peer connection")

	if err := s.install(); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		s.log.Error().Err(err).Int("attempt", attempt).Msg("reconnect")
		s.mu.Lock()
		gen := s.gen
		s.mu.Unlock()
		s.scheduleReconnect(gen)
	}
}

// terminate ends the session once. A nil err means a local Close and
// suppresses OnEnded.
func (s *Session) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		pc := s.pc
		s.phase = PhaseClosed
		s.mu.Unlock()

		close(s.done)
		if pc != nil {
			if cerr := pc.Close(); cerr != nil {
				s.log.Warn().Err(cerr).Msg("close peer connection")
			}
		}
		if s.opts.OnPhase != nil {
			s.opts.OnPhase(s.opts.Remote, PhaseClosed)
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("session ended")
			if s.opts.OnEnded != nil {
				s.opts.OnEnded(s.opts.Remote, err)
			}
			return
		}
		s.log.Info().Msg("session closed")
	})
}

func (s *Session) send(kind string, body any) {
	if err := s.opts.Signaler.SendSignal(s.opts.Remote, kind, body); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("signal send failed")
	}
}

func (s *Session) setFlags(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	if s.closed || s.phase == p {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()
	if s.opts.OnPhase != nil {
		s.opts.OnPhase(s.opts.Remote, p)
	}
}
