package signaling

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSRelay is a Relay backed by a hosted websocket signaling service. The
// service exposes one socket per room ("<base>/ws/<roomID>") and fans every
// frame out to the other participants of that room; this client keeps one
// connection per room it is sending to or subscribed on.
type WSRelay struct {
	baseURL string
	selfID  string
	log     zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*roomSocket
	closed bool
}

type roomSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan Message]struct{}
	dead  bool
}

// DialWS creates a websocket relay client for the service at baseURL
// (e.g. "wss://relay.example.org"). Connections are opened lazily per room.
func DialWS(baseURL, selfID string, log zerolog.Logger) (*WSRelay, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	return &WSRelay{
		baseURL: baseURL,
		selfID:  selfID,
		log:     log.With().Str("component", "wsrelay").Logger(),
		rooms:   make(map[string]*roomSocket),
	}, nil
}

// Send implements Relay.
func (r *WSRelay) Send(room string, msg Message) error {
	rs, err := r.socket(room)
	if err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = r.selfID
	}
	msg.Room = room

	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	rs.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := rs.conn.WriteJSON(msg); err != nil {
		r.drop(room, rs)
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// Subscribe implements Relay.
func (r *WSRelay) Subscribe(room string) (<-chan Message, func(), error) {
	rs, err := r.socket(room)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Message, 64)
	rs.subMu.Lock()
	if rs.dead {
		rs.subMu.Unlock()
		return nil, nil, ErrRelayUnavailable
	}
	rs.subs[ch] = struct{}{}
	rs.subMu.Unlock()

	cancel := func() {
		rs.subMu.Lock()
		if _, ok := rs.subs[ch]; ok {
			delete(rs.subs, ch)
			close(ch)
		}
		rs.subMu.Unlock()
	}
	return ch, cancel, nil
}

// Close implements Relay.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	rooms := r.rooms
	r.rooms = nil
	r.mu.Unlock()

	for room, rs := range rooms {
		rs.shutdown()
		r.log.Debug().Str("room", room).Msg("relay socket closed")
	}
	return nil
}

// socket returns the live socket for room, dialing it if needed.
func (r *WSRelay) socket(room string) (*roomSocket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayUnavailable
	}
	if rs, ok := r.rooms[room]; ok {
		return rs, nil
	}

	endpoint := fmt.Sprintf("%s/ws/%s?peer=%s", r.baseURL, url.PathEscape(room), url.QueryEscape(r.selfID))
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrRelayUnavailable, endpoint, err)
	}

	rs := &roomSocket{
		conn: conn,
		subs: make(map[chan Message]struct{}),
	}
	r.rooms[room] = rs
	go r.readPump(room, rs)
	go r.pingLoop(rs)
	r.log.Info().Str("room", room).Msg("relay socket open")
	return rs, nil
}

// readPump fans inbound frames out to subscribers until the socket dies.
func (r *WSRelay) readPump(room string, rs *roomSocket) {
	rs.conn.SetReadDeadline(time.Now().Add(pongWait))
	rs.conn.SetPongHandler(func(string) error {
		rs.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg Message
		if err := rs.conn.ReadJSON(&msg); err != nil {
			r.log.Warn().Err(err).Str("room", room).Msg("relay read failed")
			r.drop(room, rs)
			return
		}
		// The service echoes frames to everyone on the room; skip our own.
		if msg.From == r.selfID {
			continue
		}
		rs.subMu.Lock()
		for ch := range rs.subs {
			select {
			case ch <- msg:
			default:
			}
		}
		rs.subMu.Unlock()
	}
}

func (r *WSRelay) pingLoop(rs *roomSocket) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		rs.writeMu.Lock()
		rs.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := rs.conn.WriteMessage(websocket.PingMessage, nil)
		rs.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// drop removes a dead socket so the next Send/Subscribe redials it, and
// closes subscriber channels so consumers observe the outage.
func (r *WSRelay) drop(room string, rs *roomSocket) {
	r.mu.Lock()
	if r.rooms != nil && r.rooms[room] == rs {
		delete(r.rooms, room)
	}
	r.mu.Unlock()
	rs.shutdown()
}

func (rs *roomSocket) shutdown() {
	rs.subMu.Lock()
	if !rs.dead {
		rs.dead = true
		for ch := range rs.subs {
			close(ch)
		}
		rs.subs = nil
	}
	rs.subMu.Unlock()
	rs.conn.Close()
}
