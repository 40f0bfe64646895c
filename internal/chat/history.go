package chat

import "sync"

// history holds the most recent messages of one room, bounded in memory.
// Warmed from the store on join, then fed by deliver; once full, a new
// message evicts the oldest. Safe for concurrent use.
type history struct {
	mu    sync.RWMutex
	buf   []*Message
	head  int
	count int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]*Message, capacity)}
}

// add appends a message, evicting the oldest when at capacity.
func (h *history) add(msg *Message) {
	h.mu.Lock()
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = msg
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
	h.mu.Unlock()
}

// recent returns the buffered messages, oldest first.
func (h *history) recent() []*Message {
	h.mu.RLock()
	out := make([]*Message, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	h.mu.RUnlock()
	return out
}
