package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parley-app/parley/internal/media"
	"github.com/parley-app/parley/internal/rtc"
	"github.com/parley-app/parley/internal/signaling"
)

// Directory labels calls with the other participant's identity. Used for the
// UI only, never for negotiation.
type Directory interface {
	OtherParticipant(room, selfID string) (id, name string, err error)
}

// IncomingCall is a ringing inbound call. Exactly one of Accept/Reject should
// be invoked.
type IncomingCall struct {
	Room     string
	From     string
	FromName string
	Kind     media.Kind
	CallID   string

	Accept func(ctx context.Context) (*Session, error)
	Reject func()
}

// pendingInvite buffers the offer and any early candidates that arrive on a
// ringing call before the user accepts it.
type pendingInvite struct {
	callID string
	from   string
	kind   media.Kind
	offer  *webrtc.SessionDescription
	cands  []webrtc.ICECandidateInit
}

// Manager owns the active call session and bridges relay signaling to it.
// One active session per client: starting or accepting a call first releases
// the previous session's devices completely.
type Manager struct {
	relay  signaling.Relay
	acq    media.Acquirer
	dialer rtc.Dialer
	dir    Directory
	selfID string
	log    zerolog.Logger

	mu      sync.Mutex
	active  *Session
	pending map[string]*pendingInvite // room → ringing invite
	cancels []func()

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	endedMu sync.RWMutex
	ended   []func(*Session, error)

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager creates a call manager. Rooms must be watched explicitly with
// WatchRoom before inbound calls on them are seen.
func NewManager(relay signaling.Relay, acq media.Acquirer, dialer rtc.Dialer, dir Directory, selfID string, log zerolog.Logger) *Manager {
	return &Manager{
		relay:   relay,
		acq:     acq,
		dialer:  dialer,
		dir:     dir,
		selfID:  selfID,
		log:     log.With().Str("component", "call").Logger(),
		pending: make(map[string]*pendingInvite),
		done:    make(chan struct{}),
	}
}

// OnIncoming registers fn, fired for each inbound call-request.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnEnded registers fn, fired once per session when it reaches ended. err is
// nil for a normal hangup; DeviceError, NegotiationError and relay failures
// surface here. This is the user-visible notification boundary: nothing is
// swallowed and nothing is retried.
func (m *Manager) OnEnded(fn func(*Session, error)) {
	m.endedMu.Lock()
	m.ended = append(m.ended, fn)
	m.endedMu.Unlock()
}

// WatchRoom subscribes to a room's relay channel and routes its call
// signaling. Idempotent per room is the caller's concern.
func (m *Manager) WatchRoom(room string) error {
	ch, cancel, err := m.relay.Subscribe(room)
	if err != nil {
		return fmt.Errorf("watch room %s: %w", room, err)
	}
	m.mu.Lock()
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-m.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				m.dispatch(msg)
			}
		}
	}()
	return nil
}

// StartCall initiates an outbound call. Any still-live previous session is
// hung up and fully torn down first, so the capture hardware is never held by
// two sessions at once.
func (m *Manager) StartCall(ctx context.Context, room string, kind media.Kind) (*Session, error) {
	if err := m.releaseActive(ctx); err != nil {
		return nil, err
	}

	peerID, peerName := m.label(room)
	s := m.newSession(sessionParams{
		room:     room,
		kind:     kind,
		role:     RoleCaller,
		callID:   uuid.New().String(),
		peerID:   peerID,
		peerName: peerName,
	})
	m.log.Info().Str("room", room).Str("kind", string(kind)).Str("peer", peerName).Msg("call started")
	s.start()
	return s, nil
}

// dispatch routes one relay message: call-requests ring, everything else goes
// to the session it belongs to (or is buffered with the ringing invite).
func (m *Manager) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeCallRequest:
		m.ring(msg)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate, signaling.TypeHangup:
		m.route(msg)
	}
}

func (m *Manager) ring(msg signaling.Message) {
	kind := media.Kind(msg.Kind)
	if kind != media.Video {
		kind = media.Audio
	}

	invite := &pendingInvite{callID: msg.CallID, from: msg.From, kind: kind}
	m.mu.Lock()
	m.pending[msg.Room] = invite
	m.mu.Unlock()

	_, fromName := m.label(msg.Room)
	room := msg.Room
	ic := &IncomingCall{
		Room:     room,
		From:     msg.From,
		FromName: fromName,
		Kind:     kind,
		CallID:   msg.CallID,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.accept(ctx, room)
		},
		Reject: func() {
			m.mu.Lock()
			delete(m.pending, room)
			m.mu.Unlock()
			if err := m.relay.Send(room, signaling.Message{Type: signaling.TypeHangup, CallID: invite.callID}); err != nil {
				m.log.Debug().Err(err).Msg("reject send failed")
			}
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
	m.log.Info().Str("room", room).Str("from", msg.From).Str("kind", string(kind)).Msg("incoming call")
}

func (m *Manager) route(msg signaling.Message) {
	m.mu.Lock()
	s := m.active
	invite, ringing := m.pending[msg.Room]

	// Messages for a ringing, not-yet-accepted call are buffered with the
	// invite; unordered delivery means the offer or candidates may overtake
	// the accept.
	if (s == nil || s.Room != msg.Room) && ringing {
		if msg.CallID == "" || msg.CallID == invite.callID {
			switch msg.Type {
			case signaling.TypeOffer:
				invite.offer = msg.SDP
			case signaling.TypeCandidate:
				if msg.Candidate != nil {
					invite.cands = append(invite.cands, *msg.Candidate)
				}
			case signaling.TypeHangup:
				delete(m.pending, msg.Room)
			}
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if s == nil || s.Room != msg.Room {
		return
	}
	s.enqueue(func() { s.handleSignal(msg) })
}

// accept answers a ringing call. Like StartCall, it releases any previous
// session before acquiring devices.
func (m *Manager) accept(ctx context.Context, room string) (*Session, error) {
	m.mu.Lock()
	invite, ok := m.pending[room]
	if ok {
		delete(m.pending, room)
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no ringing call on room %s", room)
	}

	if err := m.releaseActive(ctx); err != nil {
		return nil, err
	}

	peerID, peerName := m.label(room)
	s := m.newSession(sessionParams{
		room:         room,
		kind:         invite.kind,
		role:         RoleCallee,
		callID:       invite.callID,
		peerID:       peerID,
		peerName:     peerName,
		pendingOffer: invite.offer,
		pendingCands: invite.cands,
	})
	m.log.Info().Str("room", room).Str("kind", string(invite.kind)).Msg("call accepted")
	s.start()
	return s, nil
}

func (m *Manager) newSession(p sessionParams) *Session {
	p.acq = m.acq
	p.dialer = m.dialer
	p.relay = m.relay
	p.log = m.log
	p.notify = m.notifyEnded
	p.onEnded = func(s *Session) {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
	}

	s := newSession(p)
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
	return s
}

// releaseActive hangs up the current session, if any, and waits until its
// cleanup has run so the device handle is free again.
func (m *Manager) releaseActive(ctx context.Context) error {
	m.mu.Lock()
	prev := m.active
	m.mu.Unlock()
	if prev == nil {
		return nil
	}

	prev.Hangup()
	select {
	case <-prev.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the current session, nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) notifyEnded(s *Session, err error) {
	m.endedMu.RLock()
	handlers := make([]func(*Session, error), len(m.ended))
	copy(handlers, m.ended)
	m.endedMu.RUnlock()
	for _, fn := range handlers {
		fn(s, err)
	}
}

func (m *Manager) label(room string) (id, name string) {
	if m.dir == nil {
		return "", ""
	}
	id, name, err := m.dir.OtherParticipant(room, m.selfID)
	if err != nil {
		m.log.Debug().Err(err).Str("room", room).Msg("participant lookup failed")
		return "", ""
	}
	return id, name
}

// Close hangs up the active call and stops all room watchers.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		cancels := m.cancels
		m.cancels = nil
		prev := m.active
		m.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		if prev != nil {
			prev.Hangup()
			<-prev.Done()
		}
	})
}
