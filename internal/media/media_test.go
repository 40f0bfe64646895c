package media

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTrack struct {
	id   string
	kind Kind

	mu      sync.Mutex
	enabled bool
	closed  int
}

func (t *stubTrack) ID() string   { return t.id }
func (t *stubTrack) Kind() Kind   { return t.kind }
func (t *stubTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
func (t *stubTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}
func (t *stubTrack) OnEnded(func())          {}
func (t *stubTrack) Local() webrtc.TrackLocal { return nil }
func (t *stubTrack) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func TestStreamTrackSelection(t *testing.T) {
	mic := &stubTrack{id: "mic", kind: Audio, enabled: true}
	cam := &stubTrack{id: "cam", kind: Video, enabled: true}
	s := NewStream(mic, cam)

	require.Len(t, s.Tracks(), 2)
	assert.Equal(t, "mic", s.Track(Audio).ID())
	assert.Equal(t, "cam", s.Track(Video).ID())

	audioOnly := NewStream(mic)
	assert.Nil(t, audioOnly.Track(Video))
}

func TestStreamCloseIdempotent(t *testing.T) {
	mic := &stubTrack{id: "mic", kind: Audio}
	cam := &stubTrack{id: "cam", kind: Video}
	s := NewStream(mic, cam)

	s.Close()
	s.Close()

	assert.Equal(t, 1, mic.closed, "tracks release exactly once")
	assert.Equal(t, 1, cam.closed)
}
