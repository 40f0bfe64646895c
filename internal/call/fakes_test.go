package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parley-app/parley/internal/media"
	"github.com/parley-app/parley/internal/rtc"
	"github.com/parley-app/parley/internal/signaling"
)

// fakeTrack is an in-memory media.Track with no hardware behind it.
type fakeTrack struct {
	id   string
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	closed  int
	onEnded func()
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() media.Kind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTrack) fireEnded() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeAcquirer hands out streams of fake tracks and remembers every track it
// ever made, so tests can assert on release.
type fakeAcquirer struct {
	mu        sync.Mutex
	err       error
	screenErr error
	gate      chan struct{} // when set, Acquire blocks until it is closed

	n       int
	made    []*fakeTrack
	screens []*fakeTrack
}

func (a *fakeAcquirer) newTrack(kind media.Kind, label string) *fakeTrack {
	a.n++
	t := &fakeTrack{id: fmt.Sprintf("%s-%d", label, a.n), kind: kind, enabled: true}
	a.made = append(a.made, t)
	return t
}

func (a *fakeAcquirer) Acquire(kind media.Kind) (*media.Stream, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	tracks := []media.Track{a.newTrack(media.Audio, "mic")}
	if kind == media.Video {
		tracks = append(tracks, a.newTrack(media.Video, "cam"))
	}
	return media.NewStream(tracks...), nil
}

func (a *fakeAcquirer) AcquireScreen() (*media.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.screenErr != nil {
		return nil, a.screenErr
	}
	t := a.newTrack(media.Video, "screen")
	a.screens = append(a.screens, t)
	return media.NewStream(t), nil
}

// track returns the first device track of the given kind, skipping screens.
func (a *fakeAcquirer) track(kind media.Kind) *fakeTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.made {
		if t.kind != kind {
			continue
		}
		screen := false
		for _, s := range a.screens {
			if t == s {
				screen = true
				break
			}
		}
		if !screen {
			return t
		}
	}
	return nil
}

func (a *fakeAcquirer) lastScreen() *fakeTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.screens) == 0 {
		return nil
	}
	return a.screens[len(a.screens)-1]
}

// fakeInbound implements rtc.InboundStream.
type fakeInbound struct {
	id    string
	kinds []media.Kind
}

func (f *fakeInbound) ID() string          { return f.id }
func (f *fakeInbound) Kinds() []media.Kind { return f.kinds }

// fakeConn simulates the negotiation surface of a peer connection. It emits a
// local candidate after each description it creates and fires the remote
// stream callback once the remote description is applied.
type fakeConn struct {
	mu       sync.Mutex
	tracks   map[media.Kind]media.Track
	enabled  map[media.Kind]bool
	remote   bool
	buffered []webrtc.ICECandidateInit
	applied  []webrtc.ICECandidateInit
	closed   int

	onRemote    func(rtc.InboundStream)
	onCandidate func(webrtc.ICECandidateInit)
	onFailure   func(error)
	remoteOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		tracks:  make(map[media.Kind]media.Track),
		enabled: make(map[media.Kind]bool),
	}
}

func (c *fakeConn) AttachTrack(t media.Track) error {
	c.mu.Lock()
	c.tracks[t.Kind()] = t
	c.enabled[t.Kind()] = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReplaceTrack(kind media.Kind, t media.Track) error {
	c.mu.Lock()
	c.tracks[kind] = t
	c.enabled[kind] = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetTrackEnabled(kind media.Kind, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracks[kind]; !ok {
		return fmt.Errorf("no %s sender attached", kind)
	}
	c.enabled[kind] = enabled
	return nil
}

func (c *fakeConn) CreateOffer() (*webrtc.SessionDescription, error) {
	c.emitCandidate("offer-cand")
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer() (*webrtc.SessionDescription, error) {
	c.emitCandidate("answer-cand")
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) emitCandidate(label string) {
	c.mu.Lock()
	cb := c.onCandidate
	c.mu.Unlock()
	if cb != nil {
		cb(webrtc.ICECandidateInit{Candidate: label})
	}
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = true
	flushed := c.buffered
	c.buffered = nil
	c.applied = append(c.applied, flushed...)
	kinds := make([]media.Kind, 0, len(c.tracks))
	for k := range c.tracks {
		kinds = append(kinds, k)
	}
	cb := c.onRemote
	c.mu.Unlock()

	if cb != nil {
		c.remoteOnce.Do(func() {
			cb(&fakeInbound{id: "remote", kinds: kinds})
		})
	}
	return nil
}

func (c *fakeConn) AddCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remote {
		c.buffered = append(c.buffered, cand)
		return nil
	}
	c.applied = append(c.applied, cand)
	return nil
}

func (c *fakeConn) OnRemoteStream(cb func(rtc.InboundStream)) {
	c.mu.Lock()
	c.onRemote = cb
	c.mu.Unlock()
}

func (c *fakeConn) OnCandidate(cb func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = cb
	c.mu.Unlock()
}

func (c *fakeConn) OnFailure(cb func(error)) {
	c.mu.Lock()
	c.onFailure = cb
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) track(kind media.Kind) media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks[kind]
}

// sending reports whether the outbound track of the kind is attached to its
// sender, i.e. whether the peer is receiving that media.
func (c *fakeConn) sending(kind media.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[kind]
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.applied))
	copy(out, c.applied)
	return out
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	cb := c.onFailure
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// fakeDialer hands out fakeConns and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) Dial() (rtc.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recordRelay records every send and delivers nothing. With failErr set,
// every Send fails with it instead.
type recordRelay struct {
	mu      sync.Mutex
	sent    []signaling.Message
	failErr error
}

func (r *recordRelay) Send(room string, msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	msg.Room = room
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordRelay) Subscribe(room string) (<-chan signaling.Message, func(), error) {
	ch := make(chan signaling.Message)
	return ch, func() {}, nil
}

func (r *recordRelay) Close() error { return nil }

func (r *recordRelay) messages() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signaling.Message, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *recordRelay) countType(t signaling.Type) int {
	n := 0
	for _, m := range r.messages() {
		if m.Type == t {
			n++
		}
	}
	return n
}
