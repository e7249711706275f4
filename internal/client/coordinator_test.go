package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (s *fakeSender) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) ofType(typ string) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSender) signals(t *testing.T, kind string) []protocol.Signal {
	t.Helper()
	var out []protocol.Signal
	for _, env := range s.ofType(protocol.TypeSignal) {
		var sig protocol.Signal
		if err := env.Decode(&sig); err != nil {
			t.Fatal(err)
		}
		if sig.Kind == kind {
			out = append(out, sig)
		}
	}
	return out
}

// stubPC answers every call successfully and keeps the state callback so
// tests can drive connection state.
type stubPC struct {
	mu      sync.Mutex
	sig     webrtc.SignalingState
	remote  bool
	closed  bool
	onState func(webrtc.PeerConnectionState)
}

func (p *stubPC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *stubPC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *stubPC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer {
		p.sig = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.sig = webrtc.SignalingStateStable
	}
	return nil
}

func (p *stubPC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = true
	if d.Type == webrtc.SDPTypeOffer {
		p.sig = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.sig = webrtc.SignalingStateStable
	}
	return nil
}

func (p *stubPC) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *stubPC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig
}

func (p *stubPC) ConnectionState() webrtc.PeerConnectionState { return webrtc.PeerConnectionStateNew }

func (p *stubPC) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *stubPC) AddTrack(webrtc.TrackLocal) error { return nil }

func (p *stubPC) OnNegotiationNeeded(func()) {}

func (p *stubPC) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (p *stubPC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *stubPC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *stubPC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type stubFactory struct {
	mu  sync.Mutex
	pcs map[domain.ConnID][]*stubPC
}

func (f *stubFactory) New(remote domain.ConnID) (negotiation.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pcs == nil {
		f.pcs = make(map[domain.ConnID][]*stubPC)
	}
	pc := &stubPC{sig: webrtc.SignalingStateStable}
	f.pcs[remote] = append(f.pcs[remote], pc)
	return pc, nil
}

func (f *stubFactory) last(remote domain.ConnID) *stubPC {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.pcs[remote]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type recordingEvents struct {
	NopEvents

	mu     sync.Mutex
	left   []domain.ConnID
	failed map[domain.ConnID]error
	roster domain.NameMap
}

func (e *recordingEvents) RosterChanged(_ domain.RoomID, names domain.NameMap) {
	e.mu.Lock()
	e.roster = names
	e.mu.Unlock()
}

func (e *recordingEvents) PeerLeft(remote domain.ConnID) {
	e.mu.Lock()
	e.left = append(e.left, remote)
	e.mu.Unlock()
}

func (e *recordingEvents) PeerFailed(remote domain.ConnID, err error) {
	e.mu.Lock()
	if e.failed == nil {
		e.failed = make(map[domain.ConnID]error)
	}
	e.failed[remote] = err
	e.mu.Unlock()
}

func (e *recordingEvents) failure(remote domain.ConnID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed[remote]
}

type fixture struct {
	c      *Coordinator
	tr     *fakeSender
	pcs    *stubFactory
	events *recordingEvents
}

func newFixture() *fixture {
	f := &fixture{tr: &fakeSender{}, pcs: &stubFactory{}, events: &recordingEvents{}}
	f.c = NewCoordinator(f.tr, Options{
		ReconnectDelay:    10 * time.Millisecond,
		NewPeerConnection: f.pcs.New,
		Events:            f.events,
	})
	return f
}

// joined drives the coordinator to Joined as connection local in room.
func (f *fixture) joined(t *testing.T, local domain.ConnID, room domain.RoomID) {
	t.Helper()
	f.c.OnConnected(local, "user-"+domain.UserID(local))
	errc := make(chan error, 1)
	go func() { errc <- f.c.Join(context.Background(), room, "name-"+string(local)) }()
	eventually(t, "join-room sent", func() bool { return len(f.tr.ofType(protocol.TypeJoinRoom)) == 1 })
	f.c.OnMessage(protocol.MustEnvelope(protocol.TypeJoinRoomAck, protocol.JoinRoomAck{
		Room:     room,
		Accepted: true,
		NameMap:  domain.NameMap{local: "name-" + string(local)},
	}))
	if err := <-errc; err != nil {
		t.Fatalf("join: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func peerEvent(typ string, room domain.RoomID, id domain.ConnID) protocol.Envelope {
	return protocol.MustEnvelope(typ, protocol.PeerEvent{Room: room, ConnID: id})
}

func TestJoinQueuedUntilConnected(t *testing.T) {
	f := newFixture()

	errc := make(chan error, 1)
	go func() { errc <- f.c.Join(context.Background(), "lobby", "alice") }()
	eventually(t, "joining", func() bool { return f.c.State() == StateJoining })

	time.Sleep(20 * time.Millisecond)
	if n := len(f.tr.ofType(protocol.TypeJoinRoom)); n != 0 {
		t.Fatalf("join sent before connect: %d", n)
	}

	f.c.OnConnected("conn-a", "u-a")
	eventually(t, "join-room sent", func() bool { return len(f.tr.ofType(protocol.TypeJoinRoom)) == 1 })

	var req protocol.JoinRoom
	if err := f.tr.ofType(protocol.TypeJoinRoom)[0].Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Room != "lobby" || req.DisplayName != "alice" || req.UserID != "u-a" || req.ConnID != "conn-a" {
		t.Fatalf("unexpected join request %+v", req)
	}

	f.c.OnMessage(protocol.MustEnvelope(protocol.TypeJoinRoomAck, protocol.JoinRoomAck{Room: "lobby", Accepted: true, MemberCount: 1}))
	if err := <-errc; err != nil {
		t.Fatalf("join: %v", err)
	}
	if f.c.State() != StateJoined || f.c.Room() != "lobby" {
		t.Fatalf("state=%s room=%s", f.c.State(), f.c.Room())
	}
	if n := len(f.tr.ofType(protocol.TypePeerAnnounce)); n != 1 {
		t.Fatalf("expected one peer-announce, got %d", n)
	}

	// A later reconnect with the same id does not replay the join.
	f.c.OnConnected("conn-a", "u-a")
	time.Sleep(20 * time.Millisecond)
	if n := len(f.tr.ofType(protocol.TypeJoinRoom)); n != 1 {
		t.Fatalf("join replayed: %d", n)
	}
}

func TestJoinRejected(t *testing.T) {
	f := newFixture()
	f.c.OnConnected("conn-a", "u-a")

	errc := make(chan error, 1)
	go func() { errc <- f.c.Join(context.Background(), "lobby", "alice") }()
	eventually(t, "join-room sent", func() bool { return len(f.tr.ofType(protocol.TypeJoinRoom)) == 1 })

	f.c.OnMessage(protocol.MustEnvelope(protocol.TypeJoinRoomAck, protocol.JoinRoomAck{
		Room: "lobby", Rejected: true, Reason: domain.ReasonNameTaken,
	}))

	err := <-errc
	var je *JoinError
	if !errors.As(err, &je) || je.Reason != domain.ReasonNameTaken {
		t.Fatalf("expected JoinError name_taken, got %v", err)
	}
	if !errors.Is(err, domain.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken in chain, got %v", err)
	}
	if f.c.State() != StateDisconnected {
		t.Fatalf("state=%s", f.c.State())
	}
	if n := len(f.tr.ofType(protocol.TypePeerAnnounce)); n != 0 {
		t.Fatalf("rejected join announced: %d", n)
	}
}

func TestJoinValidatesInput(t *testing.T) {
	f := newFixture()
	if err := f.c.Join(context.Background(), "", "alice"); !errors.Is(err, domain.ErrRoomIDEmpty) {
		t.Fatalf("expected ErrRoomIDEmpty, got %v", err)
	}
	if err := f.c.Join(context.Background(), "lobby", "   "); !errors.Is(err, domain.ErrUsernameEmpty) {
		t.Fatalf("expected ErrUsernameEmpty, got %v", err)
	}
	if f.c.State() != StateDisconnected {
		t.Fatalf("state=%s", f.c.State())
	}
}

func TestJoinTwiceAndLeaveUnjoined(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")

	if err := f.c.Join(context.Background(), "other", "bob"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}

	g := newFixture()
	if err := g.c.Leave(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestJoinContextCancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.c.Join(ctx, "lobby", "alice") }()
	eventually(t, "joining", func() bool { return f.c.State() == StateJoining })
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.c.State() != StateDisconnected {
		t.Fatalf("state=%s", f.c.State())
	}
	f.c.OnConnected("conn-a", "u-a")
	time.Sleep(20 * time.Millisecond)
	if n := len(f.tr.ofType(protocol.TypeJoinRoom)); n != 0 {
		t.Fatalf("cancelled join was sent: %d", n)
	}
}

func TestInflightJoinFailsOnDisconnect(t *testing.T) {
	f := newFixture()
	f.c.OnConnected("conn-a", "u-a")

	errc := make(chan error, 1)
	go func() { errc <- f.c.Join(context.Background(), "lobby", "alice") }()
	eventually(t, "join-room sent", func() bool { return len(f.tr.ofType(protocol.TypeJoinRoom)) == 1 })

	f.c.OnDisconnected()
	if err := <-errc; !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if f.c.State() != StateDisconnected {
		t.Fatalf("state=%s", f.c.State())
	}
}

func TestSnapshotCreatesOneSessionPerPeer(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-b", "lobby")

	f.c.OnMessage(protocol.MustEnvelope(protocol.TypePeerSnapshot, protocol.PeersSnapshot{
		Room:  "lobby",
		Peers: []domain.ConnID{"conn-a", "conn-b", "conn-c"},
	}))
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-a"))
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-b"))

	if got := len(f.c.Peers()); got != 2 {
		t.Fatalf("expected sessions for conn-a and conn-c, got %v", f.c.Peers())
	}
	if _, ok := f.c.Session("conn-b"); ok {
		t.Fatal("session created for self")
	}

	a, _ := f.c.Session("conn-a")
	c, _ := f.c.Session("conn-c")
	if a.Initiator() || !c.Initiator() {
		t.Fatalf("roles: a initiator=%v c initiator=%v", a.Initiator(), c.Initiator())
	}

	// Only the session where we hold the smaller id sends an offer.
	eventually(t, "offer to conn-c", func() bool { return len(f.tr.signals(t, protocol.SignalOffer)) == 1 })
	if to := f.tr.signals(t, protocol.SignalOffer)[0].To; to != "conn-c" {
		t.Fatalf("offer addressed to %s", to)
	}
}

func TestPeerLeftClosesSession(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-b"))

	s, ok := f.c.Session("conn-b")
	if !ok {
		t.Fatal("no session for conn-b")
	}
	f.c.OnMessage(peerEvent(protocol.TypePeerLeft, "lobby", "conn-b"))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed")
	}
	if _, ok := f.c.Session("conn-b"); ok {
		t.Fatal("session still tracked")
	}
	if !f.pcs.last("conn-b").isClosed() {
		t.Fatal("peer connection not closed")
	}
	f.events.mu.Lock()
	left := append([]domain.ConnID(nil), f.events.left...)
	f.events.mu.Unlock()
	if len(left) != 1 || left[0] != "conn-b" {
		t.Fatalf("PeerLeft events: %v", left)
	}
}

func TestSignalFromUnknownPeerCreatesSession(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-b", "lobby")

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}
	f.c.OnMessage(protocol.MustEnvelope(protocol.TypeSignal, protocol.Signal{
		To: "conn-b", From: "conn-a", Kind: protocol.SignalOffer, Body: mustJSON(t, offer),
	}))

	if _, ok := f.c.Session("conn-a"); !ok {
		t.Fatal("no session for signalling peer")
	}
	eventually(t, "answer to conn-a", func() bool { return len(f.tr.signals(t, protocol.SignalAnswer)) == 1 })
}

func TestSignalIgnoredWhenNotJoined(t *testing.T) {
	f := newFixture()
	f.c.OnConnected("conn-b", "u-b")

	f.c.OnMessage(protocol.MustEnvelope(protocol.TypeSignal, protocol.Signal{
		To: "conn-b", From: "conn-a", Kind: protocol.SignalOffer, Body: mustJSON(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}),
	}))
	if len(f.c.Peers()) != 0 {
		t.Fatalf("sessions created outside a room: %v", f.c.Peers())
	}
}

func TestFailedSessionIsDroppedAndReported(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-b"))
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-c"))

	pc := f.pcs.last("conn-b")
	pc.mu.Lock()
	onState := pc.onState
	pc.mu.Unlock()
	onState(webrtc.PeerConnectionStateClosed)

	eventually(t, "failure reported", func() bool { return f.events.failure("conn-b") != nil })
	if err := f.events.failure("conn-b"); !errors.Is(err, negotiation.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	eventually(t, "session dropped", func() bool {
		_, ok := f.c.Session("conn-b")
		return !ok
	})
	if _, ok := f.c.Session("conn-c"); !ok {
		t.Fatal("unrelated session was dropped")
	}
}

func TestLeaveClosesSessionsAndWaitsForServer(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-b"))
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-c"))

	errc := make(chan error, 1)
	go func() { errc <- f.c.Leave(context.Background()) }()
	eventually(t, "leave-room sent", func() bool { return len(f.tr.ofType(protocol.TypeLeaveRoom)) == 1 })

	if f.c.State() != StateLeaving {
		t.Fatalf("state=%s", f.c.State())
	}
	for _, id := range []domain.ConnID{"conn-b", "conn-c"} {
		if !f.pcs.last(id).isClosed() {
			t.Fatalf("peer connection for %s still open", id)
		}
	}

	f.c.OnMessage(protocol.MustEnvelope(protocol.TypeLeft, protocol.LeaveRoom{Room: "lobby"}))
	if err := <-errc; err != nil {
		t.Fatalf("leave: %v", err)
	}
	if f.c.State() != StateDisconnected || f.c.Room() != "" || len(f.c.Peers()) != 0 {
		t.Fatalf("state=%s room=%q peers=%v", f.c.State(), f.c.Room(), f.c.Peers())
	}
}

func TestLeaveGivesUpWithContext(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.c.Leave(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if f.c.State() != StateDisconnected {
		t.Fatalf("state=%s", f.c.State())
	}
}

func TestConnectionIDChangeTearsDownSessions(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-b"))
	s, _ := f.c.Session("conn-b")

	f.c.OnConnected("conn-z", "u-a")

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session bound to old id not closed")
	}
	if f.c.State() != StateDisconnected || f.c.LocalID() != "conn-z" {
		t.Fatalf("state=%s local=%s", f.c.State(), f.c.LocalID())
	}
}

func TestDisconnectWhileJoinedResets(t *testing.T) {
	f := newFixture()
	f.joined(t, "conn-a", "lobby")
	f.c.OnMessage(peerEvent(protocol.TypePeerJoined, "lobby", "conn-b"))

	f.c.OnDisconnected()
	if f.c.State() != StateDisconnected || len(f.c.Peers()) != 0 {
		t.Fatalf("state=%s peers=%v", f.c.State(), f.c.Peers())
	}
	if !f.pcs.last("conn-b").isClosed() {
		t.Fatal("peer connection still open")
	}
}

func TestEndedFollowsMembership(t *testing.T) {
	f := newFixture()
	select {
	case <-f.c.Ended():
	default:
		t.Fatal("ended should be closed before joining")
	}

	f.joined(t, "conn-a", "lobby")
	ended := f.c.Ended()
	select {
	case <-ended:
		t.Fatal("ended closed while joined")
	default:
	}

	f.c.OnDisconnected()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("ended not closed after transport drop")
	}
}
