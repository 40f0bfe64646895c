// Package signaling defines the messages exchanged between two call participants
// over the out-of-band relay, and the Relay port the rest of the engine talks
// to. The engine never assumes ordering across message kinds: a candidate may
// arrive before the description it belongs to.
package signaling

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Type is the value of the "type" field of every relay message.
type Type string

const (
	// Call signaling, exchanged by both peers on the room channel.
	TypeCallRequest Type = "call-request"  // caller → callee: initiate a call
	TypeOffer       Type = "call-offer"    // caller → callee: SDP offer
	TypeAnswer      Type = "call-answer"   // callee → caller: SDP answer
	TypeCandidate   Type = "ice-candidate" // either → other: trickle ICE candidate
	TypeHangup      Type = "call-hangup"   // either side: end the call

	// Chat and room state, carried over the same relay channel.
	TypeChat     Type = "chat"
	TypeTyping   Type = "typing"
	TypePresence Type = "presence"
)

// Message is the envelope for everything that flows through a relay channel.
// Exactly one of SDP / Candidate / Body is set depending on Type.
type Message struct {
	Type   Type   `json:"type"`
	Room   string `json:"room"`
	From   string `json:"from,omitempty"`
	CallID string `json:"call_id,omitempty"`

	// Kind is "audio" or "video" on call-request messages.
	Kind string `json:"kind,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// Body carries chat text; MsgID its stable identifier; Typing the
	// typing-indicator flag.
	Body   string `json:"body,omitempty"`
	MsgID  string `json:"msg_id,omitempty"`
	Typing bool   `json:"typing,omitempty"`

	// Name is the sender's display name on presence messages.
	Name string `json:"name,omitempty"`
}

// ErrRelayUnavailable marks a failed send or subscribe. An unreachable relay
// makes the current call attempt meaningless, so this is fatal to it; nothing
// is buffered or replayed across a relay outage.
var ErrRelayUnavailable = errors.New("signaling relay unavailable")

// Relay is the capability surface the engine needs from the out-of-band
// channel: fire-and-forget send and a lazy, unbounded, restartable stream of
// inbound messages per room. Delivery is at-least-once with arbitrary delay.
type Relay interface {
	// Send delivers msg to the other participants of the room. No delivery
	// acknowledgement; a returned error means the relay itself is unusable.
	Send(room string, msg Message) error

	// Subscribe returns a channel of inbound messages for the room and a
	// cancel func that releases the subscription. The channel is closed on
	// cancel and when the relay shuts down.
	Subscribe(room string) (<-chan Message, func(), error)

	// Close tears down all subscriptions and the underlying transport.
	Close() error
}
