// Package presence tracks which peers are online and who is typing where.
// Rows are upserted on every presence heartbeat from the relay and expire
// after a TTL; typing flags expire much faster.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-app/parley/internal/signaling"
)

// DefaultTTL is how long a peer stays online without a heartbeat.
const DefaultTTL = 30 * time.Second

// typingTTL is how long a typing flag survives without renewal.
const typingTTL = 6 * time.Second

// Peer is one presence row.
type Peer struct {
	ID       string
	Name     string
	Online   bool
	LastSeen time.Time

	// typingIn maps roomID → when the flag was last renewed.
	typingIn map[string]time.Time
}

// TypingIn reports whether the peer is currently typing in the room.
func (p *Peer) TypingIn(roomID string) bool {
	at, ok := p.typingIn[roomID]
	return ok && time.Since(at) < typingTTL
}

// Event is pushed to listeners on every table change.
type Event struct {
	Type   string `json:"type"` // "update" or "remove"
	PeerID string `json:"peer_id"`
	Peer   *Peer  `json:"peer,omitempty"`
}

// Table is the in-memory presence table.
type Table struct {
	mu        sync.Mutex
	peers     map[string]*Peer
	listeners []chan Event
	ttl       time.Duration
	log       zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewTable creates a table and starts its expiry sweeper.
func NewTable(ttl time.Duration, log zerolog.Logger) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Table{
		peers: make(map[string]*Peer),
		ttl:   ttl,
		log:   log.With().Str("component", "presence").Logger(),
		done:  make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Upsert records a presence heartbeat.
func (t *Table) Upsert(peerID, name string) {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID, typingIn: make(map[string]time.Time)}
		t.peers[peerID] = p
	}
	if name != "" {
		p.Name = name
	}
	wasOffline := !p.Online
	p.Online = true
	p.LastSeen = time.Now()
	snapshot := *p
	t.notify(Event{Type: "update", PeerID: peerID, Peer: &snapshot})
	t.mu.Unlock()

	if wasOffline {
		t.log.Debug().Str("peer", peerID).Msg("peer online")
	}
}

// MarkTyping implements chat.TypingSink.
func (t *Table) MarkTyping(peerID, roomID string, typing bool) {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID, typingIn: make(map[string]time.Time)}
		t.peers[peerID] = p
	}
	if typing {
		p.typingIn[roomID] = time.Now()
	} else {
		delete(p.typingIn, roomID)
	}
	snapshot := *p
	t.notify(Event{Type: "update", PeerID: peerID, Peer: &snapshot})
	t.mu.Unlock()
}

// Watch consumes a relay subscription, turning presence heartbeats into
// Upserts. Returns when the channel closes or the table is closed.
func (t *Table) Watch(ch <-chan signaling.Message) {
	go func() {
		for {
			select {
			case <-t.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Type == signaling.TypePresence && msg.From != "" {
					t.Upsert(msg.From, msg.Name)
				}
			}
		}
	}()
}

// Remove drops a peer.
func (t *Table) Remove(peerID string) {
	t.mu.Lock()
	delete(t.peers, peerID)
	t.notify(Event{Type: "remove", PeerID: peerID})
	t.mu.Unlock()
}

// Get returns a copy of one row.
func (t *Table) Get(peerID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns a copy of all rows.
func (t *Table) Snapshot() map[string]Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Peer, len(t.peers))
	for id, p := range t.peers {
		out[id] = *p
	}
	return out
}

// Subscribe returns a channel of table events and a cancel func.
func (t *Table) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l == ch {
				close(l)
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// notify must run with t.mu held.
func (t *Table) notify(e Event) {
	for _, l := range t.listeners {
		select {
		case l <- e:
		default:
		}
	}
}

func (t *Table) sweep() {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			now := time.Now()
			for id, p := range t.peers {
				if p.Online && now.Sub(p.LastSeen) > t.ttl {
					p.Online = false
					snapshot := *p
					t.notify(Event{Type: "update", PeerID: id, Peer: &snapshot})
					t.log.Debug().Str("peer", id).Msg("peer offline")
				}
				for room, at := range p.typingIn {
					if now.Sub(at) >= typingTTL {
						delete(p.typingIn, room)
					}
				}
			}
			t.mu.Unlock()
		}
	}
}

// Close stops the sweeper and closes listener channels.
func (t *Table) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		for _, l := range t.listeners {
			close(l)
		}
		t.listeners = nil
		t.mu.Unlock()
	})
}
