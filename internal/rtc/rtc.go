// Package rtc wraps one ICE/SDP peer connection per call attempt. The call
// state machine drives it through the Conn interface; the pion implementation
// lives in peer.go and tests substitute fakes.
package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/parley-app/parley/internal/media"
)

// ErrNegotiation marks a malformed or rejected description, or the connection
// reaching a permanently failed connectivity state. Terminal for the call; no
// automatic retry; re-initiating is an explicit user action.
var ErrNegotiation = errors.New("negotiation failed")

// InboundStream is the remote peer's media as observed locally.
type InboundStream interface {
	ID() string
	Kinds() []media.Kind
}

// Conn is one peer-to-peer media session.
type Conn interface {
	// AttachTrack adds a local track to the outbound set. Attaching a second
	// track of the same kind replaces the first, never appends.
	AttachTrack(t media.Track) error

	// ReplaceTrack swaps the outbound track for the given kind without a
	// renegotiation round-trip. Atomic from the remote peer's perspective;
	// this is how screen share switches between camera and screen mid-call.
	ReplaceTrack(kind media.Kind, t media.Track) error

	// SetTrackEnabled detaches (false) or re-attaches (true) the outbound
	// track of the given kind from its sender, again without renegotiation.
	// Mute and camera-off ride on this so the peer actually stops receiving
	// media rather than just a flag flipping locally.
	SetTrackEnabled(kind media.Kind, enabled bool) error

	// CreateOffer / CreateAnswer generate and apply the local description.
	CreateOffer() (*webrtc.SessionDescription, error)
	CreateAnswer() (*webrtc.SessionDescription, error)

	// SetRemoteDescription applies the remote description. Calling it before
	// any local tracks are attached is permitted and is the expected order
	// on the answering side. Buffered candidates are applied afterwards.
	SetRemoteDescription(sd webrtc.SessionDescription) error

	// AddCandidate applies a remote candidate, buffering it if the remote
	// description has not been set yet. Premature candidates are never
	// dropped.
	AddCandidate(c webrtc.ICECandidateInit) error

	// OnRemoteStream registers cb, invoked exactly once when the first
	// inbound remote stream becomes available. This is the sole "call
	// connected" signal.
	OnRemoteStream(cb func(InboundStream))

	// OnCandidate registers cb for locally discovered candidates. Each one
	// must be forwarded to the peer immediately; forwarding latency
	// directly affects connection setup time.
	OnCandidate(cb func(webrtc.ICECandidateInit))

	// OnFailure registers cb for a permanent connectivity failure.
	OnFailure(cb func(error))

	// Close releases all local resources. Idempotent, safe on a connection
	// that never fully established.
	Close() error
}

// Dialer creates connections. One Dial per call attempt.
type Dialer interface {
	Dial() (Conn, error)
}
