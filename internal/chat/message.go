package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat message as seen by UI listeners.
type Message struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	SenderID string    `json:"sender_id"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
	Own      bool      `json:"own"`
}

// TypingEvent reports a peer starting or stopping to type in a room.
type TypingEvent struct {
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
	Typing bool   `json:"typing"`
}

// NewMessage creates an outbound message for a room.
func NewMessage(senderID, roomID, body string) *Message {
	return &Message{
		ID:       uuid.New().String(),
		RoomID:   roomID,
		SenderID: senderID,
		Body:     body,
		SentAt:   time.Now().UTC(),
		Own:      true,
	}
}
