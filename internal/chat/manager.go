// Package chat sends and receives room messages and typing indicators over
// the signaling relay, persisting history through the directory store.
package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-app/parley/internal/directory"
	"github.com/parley-app/parley/internal/signaling"
)

// DefaultBufferSize is the per-room in-memory history size.
const DefaultBufferSize = 100

// TypingSink receives inbound typing indicators; the presence table
// implements it.
type TypingSink interface {
	MarkTyping(peerID, roomID string, typing bool)
}

// Manager handles chat for all joined rooms.
type Manager struct {
	relay  signaling.Relay
	store  *directory.Store
	selfID string
	log    zerolog.Logger

	typing TypingSink // optional

	mu        sync.RWMutex
	history   map[string]*history // roomID → recent messages
	listeners []chan *Message
	cancels   []func()
	closed    bool
}

// New creates a chat manager. store may be nil for a history-less session.
func New(relay signaling.Relay, store *directory.Store, selfID string, log zerolog.Logger) *Manager {
	return &Manager{
		relay:   relay,
		store:   store,
		selfID:  selfID,
		log:     log.With().Str("component", "chat").Logger(),
		history: make(map[string]*history),
	}
}

// SetTypingSink routes inbound typing indicators to sink.
func (m *Manager) SetTypingSink(sink TypingSink) {
	m.mu.Lock()
	m.typing = sink
	m.mu.Unlock()
}

// JoinRoom subscribes to a room's relay channel and starts routing its chat
// traffic. Message history is warmed from the store.
func (m *Manager) JoinRoom(roomID string) error {
	ch, cancel, err := m.relay.Subscribe(roomID)
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("chat manager closed")
	}
	m.cancels = append(m.cancels, cancel)
	if m.history[roomID] == nil {
		m.history[roomID] = newHistory(DefaultBufferSize)
	}
	buf := m.history[roomID]
	m.mu.Unlock()

	if m.store != nil {
		stored, err := m.store.RecentMessages(roomID, DefaultBufferSize)
		if err != nil {
			m.log.Warn().Err(err).Str("room", roomID).Msg("history load failed")
		}
		for i := range stored {
			s := stored[i]
			buf.add(&Message{
				ID:       s.ID,
				RoomID:   s.RoomID,
				SenderID: s.SenderID,
				Body:     s.Body,
				SentAt:   s.CreatedAt,
				Own:      s.SenderID == m.selfID,
			})
		}
	}

	go m.pump(roomID, ch)
	m.log.Info().Str("room", roomID).Msg("joined room")
	return nil
}

func (m *Manager) pump(roomID string, ch <-chan signaling.Message) {
	for msg := range ch {
		switch msg.Type {
		case signaling.TypeChat:
			m.inbound(roomID, msg)
		case signaling.TypeTyping:
			m.mu.RLock()
			sink := m.typing
			m.mu.RUnlock()
			if sink != nil {
				sink.MarkTyping(msg.From, roomID, msg.Typing)
			}
		}
	}
}

func (m *Manager) inbound(roomID string, env signaling.Message) {
	msg := &Message{
		ID:       env.MsgID,
		RoomID:   roomID,
		SenderID: env.From,
		Body:     env.Body,
		SentAt:   time.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s-%d", env.From, msg.SentAt.UnixNano())
	}

	if m.store != nil {
		if err := m.store.SaveMessage(directory.Message{
			ID:        msg.ID,
			RoomID:    roomID,
			SenderID:  msg.SenderID,
			Body:      msg.Body,
			CreatedAt: msg.SentAt,
		}); err != nil {
			m.log.Warn().Err(err).Msg("message persist failed")
		}
	}
	m.deliver(msg)
	m.log.Debug().Str("room", roomID).Str("from", env.From).Msg("message received")
}

// Send sends a text message to a room, persists it, and delivers it to local
// listeners.
func (m *Manager) Send(roomID, body string) (*Message, error) {
	if body == "" {
		return nil, errors.New("message body is empty")
	}

	msg := NewMessage(m.selfID, roomID, body)
	if err := m.relay.Send(roomID, signaling.Message{
		Type:  signaling.TypeChat,
		MsgID: msg.ID,
		Body:  body,
	}); err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.SaveMessage(directory.Message{
			ID:        msg.ID,
			RoomID:    roomID,
			SenderID:  m.selfID,
			Body:      body,
			CreatedAt: msg.SentAt,
		}); err != nil {
			m.log.Warn().Err(err).Msg("message persist failed")
		}
	}
	m.deliver(msg)
	return msg, nil
}

// SetTyping broadcasts this client's typing state for a room. Fire and
// forget; a stale indicator expires on the receiving side.
func (m *Manager) SetTyping(roomID string, typing bool) {
	if err := m.relay.Send(roomID, signaling.Message{
		Type:   signaling.TypeTyping,
		Typing: typing,
	}); err != nil {
		m.log.Debug().Err(err).Str("room", roomID).Msg("typing send failed")
	}
}

// History returns the in-memory recent messages of a room, oldest first.
func (m *Manager) History(roomID string) []*Message {
	m.mu.RLock()
	buf := m.history[roomID]
	m.mu.RUnlock()
	if buf == nil {
		return nil
	}
	return buf.recent()
}

// Subscribe returns a channel receiving every new message (all rooms) and a
// cancel func.
func (m *Manager) Subscribe() (<-chan *Message, func()) {
	ch := make(chan *Message, 16)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l == ch {
				close(l)
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Manager) deliver(msg *Message) {
	m.mu.RLock()
	if buf := m.history[msg.RoomID]; buf != nil {
		buf.add(msg)
	}
	for _, l := range m.listeners {
		select {
		case l <- msg:
		default:
			// Listener buffer full, skip.
		}
	}
	m.mu.RUnlock()
}

// Close stops all room pumps and closes listener channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancels := m.cancels
	m.cancels = nil
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, l := range listeners {
		close(l)
	}
	return nil
}
