package signaling

import (
	"sync"
)

// LoopbackHub is an in-process relay: every endpoint attached to the hub sees
// messages sent by the other endpoints on the same room. It backs tests and
// the single-machine demo mode, where both "browsers" live in one process.
type LoopbackHub struct {
	mu        sync.RWMutex
	endpoints []*LoopbackRelay
	closed    bool
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{}
}

// Endpoint attaches a new relay endpoint for the participant with selfID.
// Messages an endpoint sends are delivered to every other endpoint subscribed
// to the room, never echoed back to the sender.
func (h *LoopbackHub) Endpoint(selfID string) *LoopbackRelay {
	ep := &LoopbackRelay{
		hub:    h,
		selfID: selfID,
		subs:   make(map[string]map[chan Message]struct{}),
	}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()
	return ep
}

func (h *LoopbackHub) deliver(from *LoopbackRelay, room string, msg Message) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrRelayUnavailable
	}
	targets := make([]*LoopbackRelay, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	h.mu.RUnlock()

	if msg.From == "" {
		msg.From = from.selfID
	}
	msg.Room = room
	for _, ep := range targets {
		ep.dispatch(room, msg)
	}
	return nil
}

// LoopbackRelay is one endpoint of a LoopbackHub. Implements Relay.
type LoopbackRelay struct {
	hub    *LoopbackHub
	selfID string

	mu     sync.Mutex
	subs   map[string]map[chan Message]struct{}
	closed bool
}

// Send implements Relay.
func (r *LoopbackRelay) Send(room string, msg Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayUnavailable
	}
	return r.hub.deliver(r, room, msg)
}

// Subscribe implements Relay.
func (r *LoopbackRelay) Subscribe(room string) (<-chan Message, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRelayUnavailable
	}
	ch := make(chan Message, 64)
	if r.subs[room] == nil {
		r.subs[room] = make(map[chan Message]struct{})
	}
	r.subs[room][ch] = struct{}{}

	cancel := func() {
		r.mu.Lock()
		if set, ok := r.subs[room]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
		}
		r.mu.Unlock()
	}
	return ch, cancel, nil
}

// Close implements Relay.
func (r *LoopbackRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, set := range r.subs {
		for ch := range set {
			close(ch)
		}
	}
	r.subs = nil
	return nil
}

func (r *LoopbackRelay) dispatch(room string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs[room] {
		select {
		case ch <- msg:
		default:
			// Slow subscriber: drop rather than block the sender. The
			// at-least-once contract is per delivery attempt, not a queue.
		}
	}
}
