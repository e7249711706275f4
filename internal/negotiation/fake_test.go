package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

var errInvalidState = errors.New("invalid signaling state")

// fakePC follows the W3C signaling state machine closely enough to drive
// sessions through offer, answer, rollback and candidate application.
type fakePC struct {
	name string

	mu           sync.Mutex
	sig          webrtc.SignalingState
	conn         webrtc.PeerConnectionState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	prevLocal    *webrtc.SessionDescription
	prevRemote   *webrtc.SessionDescription
	offers       int
	answers      int
	remoteOffers []string
	applied      []string
	tracks       []webrtc.TrackLocal
	closed       bool
	offerGate    chan struct{}

	onNeg   func()
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func newFakePC(name string) *fakePC {
	return &fakePC{
		name: name,
		sig:  webrtc.SignalingStateStable,
		conn: webrtc.PeerConnectionStateNew,
	}
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	gate := p.offerGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer:%s:%d", p.name, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.sig != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errInvalidState
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer:%s:%d", p.name, p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.sig == webrtc.SignalingStateStable:
		p.prevLocal = p.local
		p.local = &d
		p.sig = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && p.sig == webrtc.SignalingStateHaveRemoteOffer:
		p.local = &d
		p.sig = webrtc.SignalingStateStable
	case d.Type == webrtc.SDPTypeRollback && p.sig == webrtc.SignalingStateHaveLocalOffer:
		p.local = p.prevLocal
		p.sig = webrtc.SignalingStateStable
	case d.Type == webrtc.SDPTypeRollback && p.sig == webrtc.SignalingStateHaveRemoteOffer:
		p.remote = p.prevRemote
		p.sig = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s: %w", d.Type, p.sig, errInvalidState)
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.sig == webrtc.SignalingStateStable:
		p.prevRemote = p.remote
		p.remote = &d
		p.remoteOffers = append(p.remoteOffers, d.SDP)
		p.sig = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && p.sig == webrtc.SignalingStateHaveLocalOffer:
		p.remote = &d
		p.sig = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s: %w", d.Type, p.sig, errInvalidState)
	}
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig
}

func (p *fakePC) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *fakePC) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePC) AddTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	fn := p.onNeg
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (p *fakePC) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	p.onNeg = fn
	p.mu.Unlock()
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.sig = webrtc.SignalingStateClosed
	p.conn = webrtc.PeerConnectionStateClosed
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePC) wired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onState != nil
}

// setState simulates the transport reaching st.
func (p *fakePC) setState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.conn = st
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *fakePC) emitCandidate(c string) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (p *fakePC) snapshot() (sig webrtc.SignalingState, offers int, remoteOffers, applied []string, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig, p.offers, append([]string(nil), p.remoteOffers...), append([]string(nil), p.applied...), p.closed
}

// pcFactory records every peer connection it creates.
type pcFactory struct {
	name string
	mu   sync.Mutex
	pcs  []*fakePC
	fail int
}

func (f *pcFactory) New(domain.ConnID) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, errors.New("factory failure")
	}
	pc := newFakePC(f.name)
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *pcFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *pcFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[len(f.pcs)-1]
}

type wireMsg struct {
	from, to domain.ConnID
	kind     string
	body     json.RawMessage
}

// memNet delivers signals between sessions in memory. While held, messages
// are buffered until release.
type memNet struct {
	mu       sync.Mutex
	sessions map[domain.ConnID]*Session
	held     bool
	buffer   []wireMsg
	sent     []wireMsg
}

func newMemNet() *memNet {
	return &memNet{sessions: make(map[domain.ConnID]*Session)}
}

func (n *memNet) attach(id domain.ConnID, s *Session) {
	n.mu.Lock()
	n.sessions[id] = s
	n.mu.Unlock()
}

func (n *memNet) signaler(from domain.ConnID) Signaler {
	return netSignaler{net: n, from: from}
}

func (n *memNet) deliver(m wireMsg) {
	n.mu.Lock()
	n.sent = append(n.sent, m)
	if n.held {
		n.buffer = append(n.buffer, m)
		n.mu.Unlock()
		return
	}
	s := n.sessions[m.to]
	n.mu.Unlock()
	if s != nil {
		s.HandleSignal(m.kind, m.body)
	}
}

func (n *memNet) hold() {
	n.mu.Lock()
	n.held = true
	n.mu.Unlock()
}

func (n *memNet) release() {
	n.mu.Lock()
	n.held = false
	buf := n.buffer
	n.buffer = nil
	n.mu.Unlock()
	for _, m := range buf {
		n.mu.Lock()
		s := n.sessions[m.to]
		n.mu.Unlock()
		if s != nil {
			s.HandleSignal(m.kind, m.body)
		}
	}
}

func (n *memNet) count(from domain.ConnID, kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.sent {
		if m.from == from && m.kind == kind {
			c++
		}
	}
	return c
}

type netSignaler struct {
	net  *memNet
	from domain.ConnID
}

func (s netSignaler) SendSignal(to domain.ConnID, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	s.net.deliver(wireMsg{from: s.from, to: to, kind: kind, body: raw})
	return nil
}

// nopSignaler records what a lone session sends.
type nopSignaler struct {
	mu   sync.Mutex
	sent []string
}

func (s *nopSignaler) SendSignal(_ domain.ConnID, kind string, _ any) error {
	s.mu.Lock()
	s.sent = append(s.sent, kind)
	s.mu.Unlock()
	return nil
}

func (s *nopSignaler) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
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
