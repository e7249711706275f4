// Package negotiation implements per-peer perfect negotiation over an
// addressed signaling relay.
package negotiation

import (
	"errors"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrStaleMessage marks an answer that arrived with no offer outstanding.
	ErrStaleMessage = errors.New("stale signaling message")
	// ErrNegotiationFailed is reported once the reconnection budget is spent.
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrSessionClosed     = errors.New("session closed")
)

// PeerConnection is the capability-negotiation primitive a session drives.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	HasRemoteDescription() bool
	AddTrack(webrtc.TrackLocal) error

	OnNegotiationNeeded(func())
	// OnICECandidate is not called for the end-of-candidates marker.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// Factory creates a fresh peer connection for one remote peer.
type Factory func(remote domain.ConnID) (PeerConnection, error)

// Signaler sends a signal addressed to one remote peer.
type Signaler interface {
	SendSignal(to domain.ConnID, kind string, body any) error
}

// IsInitiator reports whether local originates offers towards remote.
func IsInitiator(local, remote domain.ConnID) bool { return local < remote }

// IsPolite reports whether local yields on an offer collision.
func IsPolite(local, remote domain.ConnID) bool { return local > remote }
