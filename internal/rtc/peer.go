package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parley-app/parley/internal/media"
)

// PionDialer builds pion peer connections configured with the engine's STUN
// servers. Direct / NAT-traversed connectivity only: there is no TURN relay,
// so two peers behind symmetric NATs will fail to connect. Accepted
// limitation, not a bug.
type PionDialer struct {
	stun        []string
	engineSetup func(*webrtc.MediaEngine) error
	log         zerolog.Logger
}

// NewPionDialer creates a dialer. engineSetup registers the codecs the
// capture layer encodes with (media.Devices.PopulateEngine); nil falls back
// to pion's defaults.
func NewPionDialer(stun []string, engineSetup func(*webrtc.MediaEngine) error, log zerolog.Logger) *PionDialer {
	return &PionDialer{
		stun:        stun,
		engineSetup: engineSetup,
		log:         log.With().Str("component", "rtc").Logger(),
	}
}

// Dial implements Dialer.
func (d *PionDialer) Dial() (Conn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if d.engineSetup != nil {
		if err := d.engineSetup(mediaEngine); err != nil {
			return nil, fmt.Errorf("media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for paths that see short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: d.stun}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	conn := &pionConn{
		pc:      pc,
		log:     d.log,
		senders: make(map[media.Kind]*webrtc.RTPSender),
		locals:  make(map[media.Kind]webrtc.TrackLocal),
	}
	conn.wire()
	return conn, nil
}

// pionConn implements Conn on a pion PeerConnection.
type pionConn struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu        sync.Mutex
	senders   map[media.Kind]*webrtc.RTPSender
	locals    map[media.Kind]webrtc.TrackLocal
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	onRemote    func(InboundStream)
	onCandidate func(webrtc.ICECandidateInit)
	onFailure   func(error)

	remoteOnce sync.Once
	inbound    *inboundStream

	closeOnce sync.Once
	closeErr  error
}

func (c *pionConn) wire() {
	c.pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		c.mu.Lock()
		cb := c.onCandidate
		c.mu.Unlock()
		if cb != nil {
			cb(ice.ToJSON())
		}
	})

	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.Audio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.Video
		}
		c.log.Debug().Str("kind", string(kind)).Str("stream", remote.StreamID()).Msg("remote track arrived")

		c.mu.Lock()
		if c.inbound == nil {
			c.inbound = &inboundStream{id: remote.StreamID()}
		}
		c.inbound.add(kind)
		stream := c.inbound
		cb := c.onRemote
		c.mu.Unlock()

		// Drain the track so the SRTP session keeps flowing; the engine has
		// no renderer of its own.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := remote.Read(buf); err != nil {
					return
				}
			}
		}()

		if cb != nil {
			c.remoteOnce.Do(func() { cb(stream) })
		}
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug().Str("state", state.String()).Msg("connection state")
		if state == webrtc.PeerConnectionStateFailed {
			c.mu.Lock()
			cb := c.onFailure
			c.mu.Unlock()
			if cb != nil {
				cb(fmt.Errorf("%w: connectivity failed", ErrNegotiation))
			}
		}
	})
}

// AttachTrack implements Conn.
func (c *pionConn) AttachTrack(t media.Track) error {
	local := t.Local()
	if local == nil {
		return fmt.Errorf("%w: track %s has no encoder", ErrNegotiation, t.ID())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sender, ok := c.senders[t.Kind()]; ok {
		if err := sender.ReplaceTrack(local); err != nil {
			return fmt.Errorf("%w: replace %s track: %v", ErrNegotiation, t.Kind(), err)
		}
		c.locals[t.Kind()] = local
		return nil
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("%w: add %s track: %v", ErrNegotiation, t.Kind(), err)
	}
	c.senders[t.Kind()] = sender
	c.locals[t.Kind()] = local
	return nil
}

// ReplaceTrack implements Conn.
func (c *pionConn) ReplaceTrack(kind media.Kind, t media.Track) error {
	local := t.Local()
	if local == nil {
		return fmt.Errorf("%w: track %s has no encoder", ErrNegotiation, t.ID())
	}

	c.mu.Lock()
	sender, ok := c.senders[kind]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no %s sender attached", ErrNegotiation, kind)
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("%w: replace %s track: %v", ErrNegotiation, kind, err)
	}
	c.mu.Lock()
	c.locals[kind] = local
	c.mu.Unlock()
	return nil
}

// SetTrackEnabled implements Conn. Disabling swaps the sender onto a nil
// track, which stops RTP for that m-line while keeping the transceiver
// negotiated; enabling restores the last attached track.
func (c *pionConn) SetTrackEnabled(kind media.Kind, enabled bool) error {
	c.mu.Lock()
	sender, ok := c.senders[kind]
	local := c.locals[kind]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no %s sender attached", ErrNegotiation, kind)
	}
	if !enabled {
		local = nil
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("%w: toggle %s track: %v", ErrNegotiation, kind, err)
	}
	return nil
}

// CreateOffer implements Conn.
func (c *pionConn) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	return c.pc.LocalDescription(), nil
}

// CreateAnswer implements Conn.
func (c *pionConn) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}
	return c.pc.LocalDescription(), nil
}

// SetRemoteDescription implements Conn.
func (c *pionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiation, err)
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("%w: buffered candidate: %v", ErrNegotiation, err)
		}
	}
	return nil
}

// AddCandidate implements Conn.
func (c *pionConn) AddCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// OnRemoteStream implements Conn.
func (c *pionConn) OnRemoteStream(cb func(InboundStream)) {
	c.mu.Lock()
	c.onRemote = cb
	c.mu.Unlock()
}

// OnCandidate implements Conn.
func (c *pionConn) OnCandidate(cb func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = cb
	c.mu.Unlock()
}

// OnFailure implements Conn.
func (c *pionConn) OnFailure(cb func(error)) {
	c.mu.Lock()
	c.onFailure = cb
	c.mu.Unlock()
}

// Close implements Conn.
func (c *pionConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

// inboundStream accumulates the kinds seen on one remote stream ID.
type inboundStream struct {
	id string

	mu    sync.Mutex
	kinds []media.Kind
}

func (s *inboundStream) add(k media.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.kinds {
		if have == k {
			return
		}
	}
	s.kinds = append(s.kinds, k)
}

func (s *inboundStream) ID() string { return s.id }

func (s *inboundStream) Kinds() []media.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Kind, len(s.kinds))
	copy(out, s.kinds)
	return out
}
