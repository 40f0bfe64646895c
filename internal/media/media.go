// Package media acquires local capture streams (microphone, camera, screen)
// and owns the hardware handles until released. A stream must be closed on
// every exit path (normal hangup, error, cancellation) so the device
// indicators never stay lit after a call.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind selects what a call captures: audio is microphone only, video is
// microphone plus camera.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// ErrDevice marks a capture device that is denied, busy, or absent. Terminal
// for the call attempt; the state machine moves straight to ended.
var ErrDevice = errors.New("media device unavailable")

// Track is one live local capture track.
type Track interface {
	ID() string
	Kind() Kind

	// Enabled / SetEnabled flip the track's producing state without
	// detaching it from the connection. Mute and camera-toggle are exactly
	// this flag, no renegotiation.
	Enabled() bool
	SetEnabled(bool)

	// OnEnded registers fn to run when capture stops outside our control
	// (e.g. the user ends a screen share from the OS picker).
	OnEnded(fn func())

	// Local returns the underlying pion track to attach to a peer
	// connection. Nil for tracks not backed by a device encoder.
	Local() webrtc.TrackLocal

	Close() error
}

// Stream is a set of live tracks sharing one exclusive hardware grab.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
	closed bool
}

// NewStream bundles tracks into a stream that closes them together.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the live tracks. The returned slice must not be mutated.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// Track returns the first track of the given kind, or nil.
func (s *Stream) Track(k Kind) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == k {
			return t
		}
	}
	return nil
}

// Close releases every track and the hardware behind it. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
}

// Acquirer obtains local capture streams. The concrete implementation is the
// platform device layer; tests substitute fakes.
type Acquirer interface {
	// Acquire grabs microphone (Audio) or microphone+camera (Video).
	// Fails with ErrDevice when permission is denied or no device matches.
	Acquire(kind Kind) (*Stream, error)

	// AcquireScreen grabs a screen-capture stream. Requested only once a
	// call is already active, never at setup.
	AcquireScreen() (*Stream, error)
}
