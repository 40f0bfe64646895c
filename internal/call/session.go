// Package call orchestrates the lifecycle of one peer-to-peer call: media
// acquisition, connection negotiation over the signaling relay, in-call
// controls, and teardown. One Session exists per call attempt and at most one
// per client; the Manager enforces single-call-at-a-time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parley-app/parley/internal/media"
	"github.com/parley-app/parley/internal/rtc"
	"github.com/parley-app/parley/internal/signaling"
)

// State is the observable lifecycle state of a Session.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// fsm event names.
const (
	evDial        = "dial"         // idle → requesting, user initiates or accepts
	evMediaReady  = "media_ready"  // requesting → connecting, local media acquired
	evRemoteMedia = "remote_media" // connecting → active, first remote track arrived
	evEnd         = "end"          // any → ended
)

// Role says which side of the handshake this session is.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ErrNotActive is returned by in-call controls used outside the active state.
var ErrNotActive = errors.New("call is not active")

// Session is one call attempt. All negotiation events and controls are
// serialized onto a single dispatch goroutine, so no two transitions ever run
// concurrently; callbacks from the connection and relay only enqueue.
type Session struct {
	ID       string
	Room     string
	Kind     media.Kind
	Role     Role
	PeerID   string
	PeerName string

	acq    media.Acquirer
	dialer rtc.Dialer
	relay  signaling.Relay
	log    zerolog.Logger

	machine *fsm.FSM

	jobs chan job
	done chan struct{}
	once sync.Once

	// Owned by the dispatch goroutine; mu guards reads from accessors.
	mu           sync.RWMutex
	conn         rtc.Conn
	local        *media.Stream
	screen       *media.Stream
	remote       rtc.InboundStream
	muted        bool
	videoEnabled bool
	sharing      bool
	endErr       error

	remoteEnded  bool
	described    bool
	signaled     bool
	pendingOffer *webrtc.SessionDescription
	pendingCands []webrtc.ICECandidateInit

	// notify surfaces the terminal outcome (nil on a normal hangup);
	// onEnded lets the Manager drop its active-session reference.
	notify  func(*Session, error)
	onEnded func(*Session)
}

type job struct {
	fn   func()
	done chan struct{}
}

type sessionParams struct {
	room     string
	kind     media.Kind
	role     Role
	callID   string
	peerID   string
	peerName string

	acq    media.Acquirer
	dialer rtc.Dialer
	relay  signaling.Relay
	log    zerolog.Logger

	pendingOffer *webrtc.SessionDescription
	pendingCands []webrtc.ICECandidateInit

	notify  func(*Session, error)
	onEnded func(*Session)
}

func newSession(p sessionParams) *Session {
	s := &Session{
		ID:           p.callID,
		Room:         p.room,
		Kind:         p.kind,
		Role:         p.role,
		PeerID:       p.peerID,
		PeerName:     p.peerName,
		acq:          p.acq,
		dialer:       p.dialer,
		relay:        p.relay,
		log:          p.log.With().Str("component", "call").Str("call_id", p.callID).Str("room", p.room).Logger(),
		jobs:         make(chan job, 32),
		done:         make(chan struct{}),
		pendingOffer: p.pendingOffer,
		pendingCands: p.pendingCands,
		notify:       p.notify,
		onEnded:      p.onEnded,
	}

	s.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateRequesting)},
			{Name: evMediaReady, Src: []string{string(StateRequesting)}, Dst: string(StateConnecting)},
			{Name: evRemoteMedia, Src: []string{string(StateConnecting)}, Dst: string(StateActive)},
			{Name: evEnd, Src: []string{
				string(StateIdle), string(StateRequesting), string(StateConnecting), string(StateActive),
			}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_" + string(StateEnded): func(_ context.Context, e *fsm.Event) {
				var reason error
				if len(e.Args) > 0 {
					reason, _ = e.Args[0].(error)
				}
				s.teardown(reason)
			},
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("call transition")
			},
		},
	)

	return s
}

// start launches the dispatch goroutine and begins the call attempt.
func (s *Session) start() {
	go s.dispatchLoop()
	s.enqueue(s.begin)
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			j.fn()
			if j.done != nil {
				close(j.done)
			}
		}
	}
}

// enqueue schedules fn on the dispatch goroutine, dropping it if the session
// is already torn down.
func (s *Session) enqueue(fn func()) {
	select {
	case s.jobs <- job{fn: fn}:
	case <-s.done:
	}
}

// do runs fn on the dispatch goroutine and waits for it. Returns without
// running fn if the session tears down first.
func (s *Session) do(fn func()) {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case s.jobs <- j:
		select {
		case <-j.done:
		case <-s.done:
		}
	case <-s.done:
	}
}

// begin kicks off acquisition. The device prompt can take arbitrarily long,
// so it runs off-loop; a hangup in the meantime wins, and the late result is
// discarded (and released) instead of being applied to a dead session.
func (s *Session) begin() {
	if err := s.event(evDial); err != nil {
		return
	}
	go func() {
		stream, err := s.acq.Acquire(s.Kind)
		s.do(func() { s.mediaAcquired(stream, err) })
		// Teardown may have raced the result past the queue; the grab must
		// still be released. Close is idempotent, so an adopted-and-released
		// stream is fine to close again.
		select {
		case <-s.done:
			if stream != nil {
				stream.Close()
			}
		default:
		}
	}()
}

func (s *Session) mediaAcquired(stream *media.Stream, err error) {
	if s.State() != StateRequesting {
		// Stale result: the call ended while the prompt was open. The grab
		// must not stay live.
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		// Device denied or absent: straight to ended, no connection was
		// created and nothing was sent on the relay.
		s.end(err)
		return
	}

	s.mu.Lock()
	s.local = stream
	s.videoEnabled = s.Kind == media.Video
	s.mu.Unlock()

	if err := s.connect(); err != nil {
		s.end(err)
	}
}

// connect creates the peer connection and runs this side of the handshake.
func (s *Session) connect() error {
	conn, err := s.dialer.Dial()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	conn.OnCandidate(func(c webrtc.ICECandidateInit) {
		s.enqueue(func() { s.forwardCandidate(c) })
	})
	conn.OnRemoteStream(func(in rtc.InboundStream) {
		s.enqueue(func() { s.remoteArrived(in) })
	})
	conn.OnFailure(func(err error) {
		s.enqueue(func() { s.end(err) })
	})

	switch s.Role {
	case RoleCaller:
		if err := s.attachLocal(); err != nil {
			return err
		}
		offer, err := conn.CreateOffer()
		if err != nil {
			return err
		}
		if err := s.send(signaling.Message{Type: signaling.TypeCallRequest, CallID: s.ID, Kind: string(s.Kind)}); err != nil {
			return err
		}
		if err := s.send(signaling.Message{Type: signaling.TypeOffer, CallID: s.ID, SDP: offer}); err != nil {
			return err
		}
	case RoleCallee:
		// Expected order on the answering side: remote description first,
		// local tracks after.
		if s.pendingOffer != nil {
			offer := *s.pendingOffer
			s.pendingOffer = nil
			if err := conn.SetRemoteDescription(offer); err != nil {
				return err
			}
			s.markDescribed()
		}
		if err := s.attachLocal(); err != nil {
			return err
		}
		if s.remoteDescribed() {
			if err := s.answer(); err != nil {
				return err
			}
		}
	}

	s.flushCandidates()
	return s.event(evMediaReady)
}

func (s *Session) attachLocal() error {
	for _, t := range s.local.Tracks() {
		if err := s.conn.AttachTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) answer() error {
	answer, err := s.conn.CreateAnswer()
	if err != nil {
		return err
	}
	return s.send(signaling.Message{Type: signaling.TypeAnswer, CallID: s.ID, SDP: answer})
}

// remoteDescribed reports whether the remote description has been applied.
// Tracked locally: the callee may be accepted before the offer arrives.
func (s *Session) remoteDescribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.described
}

func (s *Session) markDescribed() {
	s.mu.Lock()
	s.described = true
	s.mu.Unlock()
}

func (s *Session) forwardCandidate(c webrtc.ICECandidateInit) {
	if s.State() == StateEnded {
		return
	}
	if err := s.send(signaling.Message{Type: signaling.TypeCandidate, CallID: s.ID, Candidate: &c}); err != nil {
		s.end(err)
	}
}

func (s *Session) flushCandidates() {
	cands := s.pendingCands
	s.pendingCands = nil
	for _, c := range cands {
		if err := s.conn.AddCandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("buffered candidate rejected")
		}
	}
}

func (s *Session) remoteArrived(in rtc.InboundStream) {
	if s.State() != StateConnecting {
		return
	}
	s.mu.Lock()
	s.remote = in
	s.mu.Unlock()
	_ = s.event(evRemoteMedia)
}

// handleSignal processes one inbound relay message for this call. Runs on
// the dispatch goroutine.
func (s *Session) handleSignal(msg signaling.Message) {
	if s.State() == StateEnded {
		return
	}
	if msg.CallID != "" && msg.CallID != s.ID {
		// A stale message from a previous attempt on the same room.
		return
	}

	switch msg.Type {
	case signaling.TypeOffer:
		if s.Role != RoleCallee || msg.SDP == nil {
			return
		}
		if s.conn == nil {
			// Accepted before the offer arrived and not yet connected;
			// connect() picks it up.
			s.pendingOffer = msg.SDP
			return
		}
		if err := s.conn.SetRemoteDescription(*msg.SDP); err != nil {
			s.end(err)
			return
		}
		s.markDescribed()
		if err := s.answer(); err != nil {
			s.end(err)
		}
	case signaling.TypeAnswer:
		if s.Role != RoleCaller || msg.SDP == nil {
			return
		}
		if err := s.conn.SetRemoteDescription(*msg.SDP); err != nil {
			s.end(err)
			return
		}
		s.markDescribed()
	case signaling.TypeCandidate:
		if msg.Candidate == nil {
			return
		}
		if s.conn == nil {
			// Candidates may arrive before the connection exists on the
			// answering side; they are applied right after it does.
			s.pendingCands = append(s.pendingCands, *msg.Candidate)
			return
		}
		if err := s.conn.AddCandidate(*msg.Candidate); err != nil {
			s.log.Warn().Err(err).Msg("candidate rejected")
		}
	case signaling.TypeHangup:
		s.mu.Lock()
		s.remoteEnded = true
		s.mu.Unlock()
		s.end(nil)
	}
}

// ── In-call controls ─────────────────────────────────────────────────────────

// Hangup ends the call from the local side. Safe to call at any point and any
// number of times, including while acquisition or negotiation is in flight.
func (s *Session) Hangup() {
	s.do(func() { s.end(nil) })
}

// ToggleMute flips the audio track's enabled flag and detaches it from its
// sender, so the peer stops receiving audio rather than just a flag changing
// locally. Returns the new muted state. A self-transition on active calls
// only; in any other state the current value is returned unchanged.
func (s *Session) ToggleMute() bool {
	var muted bool
	s.do(func() {
		if s.State() != StateActive {
			s.mu.RLock()
			muted = s.muted
			s.mu.RUnlock()
			return
		}
		s.mu.Lock()
		s.muted = !s.muted
		muted = s.muted
		var at media.Track
		if s.local != nil {
			at = s.local.Track(media.Audio)
		}
		conn := s.conn
		s.mu.Unlock()

		if at != nil {
			at.SetEnabled(!muted)
		}
		if conn != nil {
			if err := conn.SetTrackEnabled(media.Audio, !muted); err != nil {
				s.log.Warn().Err(err).Msg("audio sender toggle failed")
			}
		}
	})
	return muted
}

// ToggleVideo flips the camera track's enabled flag and detaches or
// re-attaches it from its sender, returning whether video is now enabled.
// Active calls only, like ToggleMute. During a screen share only the flag
// flips; the sender keeps the screen, and the flag is honored on revert.
func (s *Session) ToggleVideo() bool {
	var on bool
	s.do(func() {
		if s.State() != StateActive {
			s.mu.RLock()
			on = s.videoEnabled
			s.mu.RUnlock()
			return
		}
		s.mu.Lock()
		s.videoEnabled = !s.videoEnabled
		on = s.videoEnabled
		var vt media.Track
		if s.local != nil {
			vt = s.local.Track(media.Video)
		}
		conn := s.conn
		sharing := s.sharing
		s.mu.Unlock()

		if vt != nil {
			vt.SetEnabled(on)
		}
		if conn != nil && !sharing {
			if err := conn.SetTrackEnabled(media.Video, on); err != nil {
				s.log.Warn().Err(err).Msg("video sender toggle failed")
			}
		}
	})
	return on
}

// StartScreenShare swaps the outbound video track for a screen-capture track.
// No signaling message is sent; the remote peer sees the change through the
// replaced media. A screen acquisition failure leaves the call on camera.
func (s *Session) StartScreenShare() error {
	err := ErrNotActive
	s.do(func() { err = s.startShare() })
	return err
}

func (s *Session) startShare() error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	if s.Kind != media.Video {
		return fmt.Errorf("%w: audio-only call", ErrNotActive)
	}
	s.mu.RLock()
	sharing := s.sharing
	s.mu.RUnlock()
	if sharing {
		return nil
	}

	scr, err := s.acq.AcquireScreen()
	if err != nil {
		return err
	}
	st := scr.Track(media.Video)
	if st == nil {
		scr.Close()
		return fmt.Errorf("%w: screen stream has no video track", media.ErrDevice)
	}
	if err := s.conn.ReplaceTrack(media.Video, st); err != nil {
		scr.Close()
		return err
	}

	s.mu.Lock()
	s.screen = scr
	s.sharing = true
	s.mu.Unlock()

	// Capture ending outside our control (OS picker "stop sharing") reverts
	// to the camera automatically.
	st.OnEnded(func() {
		s.enqueue(s.revertShare)
	})
	s.log.Info().Msg("screen share started")
	return nil
}

// StopScreenShare reverts the outbound video track to the camera.
func (s *Session) StopScreenShare() {
	s.do(s.revertShare)
}

func (s *Session) revertShare() {
	s.mu.Lock()
	if !s.sharing {
		s.mu.Unlock()
		return
	}
	s.sharing = false
	scr := s.screen
	s.screen = nil
	cam := s.local.Track(media.Video)
	conn := s.conn
	videoOn := s.videoEnabled
	s.mu.Unlock()

	if cam != nil && conn != nil {
		if err := conn.ReplaceTrack(media.Video, cam); err != nil {
			s.log.Warn().Err(err).Msg("revert to camera failed")
		}
		// The camera may have been toggled off mid-share; the re-attached
		// sender has to respect that.
		if !videoOn {
			if err := conn.SetTrackEnabled(media.Video, false); err != nil {
				s.log.Warn().Err(err).Msg("video sender toggle failed")
			}
		}
	}
	if scr != nil {
		scr.Close()
	}
	s.log.Info().Msg("screen share stopped")
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *Session) event(name string, args ...interface{}) error {
	return s.machine.Event(context.Background(), name, args...)
}

// end transitions to ended. No-op when already there, so concurrent triggers
// (user hangup racing a remote hangup or a negotiation failure) clean up once.
func (s *Session) end(reason error) {
	if s.State() == StateEnded {
		return
	}
	if err := s.event(evEnd, reason); err != nil {
		s.log.Debug().Err(err).Msg("end transition rejected")
	}
}

// teardown releases everything exactly once: capture device, screen capture,
// peer connection. Runs on the ended transition regardless of which edge
// triggered it.
func (s *Session) teardown(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.endErr = reason
		conn := s.conn
		local := s.local
		screen := s.screen
		remoteEnded := s.remoteEnded
		signaled := s.signaled
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Warn().Err(err).Msg("connection close failed")
			}
		}
		if screen != nil {
			screen.Close()
		}
		if local != nil {
			local.Close()
		}

		// A session that never put anything on the wire has nothing to hang
		// up; a device-denied caller must stay silent. An accepted invite
		// still owes the peer a decline.
		if !remoteEnded && (signaled || s.Role == RoleCallee) {
			// Best effort: the peer may already be gone, and an unreachable
			// relay no longer matters once we are tearing down.
			if err := s.relay.Send(s.Room, signaling.Message{Type: signaling.TypeHangup, CallID: s.ID}); err != nil {
				s.log.Debug().Err(err).Msg("hangup send failed")
			}
		}

		close(s.done)

		if reason != nil {
			s.log.Warn().Err(reason).Msg("call ended with error")
		} else {
			s.log.Info().Msg("call ended")
		}
		if s.notify != nil {
			s.notify(s, reason)
		}
		if s.onEnded != nil {
			s.onEnded(s)
		}
	})
}

func (s *Session) send(msg signaling.Message) error {
	msg.Room = s.Room
	if err := s.relay.Send(s.Room, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.signaled = true
	s.mu.Unlock()
	return nil
}

// ── Accessors ────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Muted reports whether the outbound audio track is disabled.
func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

// VideoEnabled reports whether the outbound camera track is enabled.
func (s *Session) VideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoEnabled
}

// ScreenSharing reports whether the outbound video is the screen capture.
func (s *Session) ScreenSharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharing
}

// RemoteStream returns the inbound remote stream, nil until the call is
// active.
func (s *Session) RemoteStream() rtc.InboundStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Err returns the terminal error, nil for a normal hangup or while the call
// is still running.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endErr
}

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
