//go:build linux

package media

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Caps bound what the camera is asked for. Higher resolutions increase VP8
// encoding latency enough to stall playback on weak machines.
type Caps struct {
	MaxWidth  int
	MaxHeight int
	BitRate   int
}

// DefaultCaps matches what the capture pipeline was tuned for.
var DefaultCaps = Caps{MaxWidth: 640, MaxHeight: 480, BitRate: 1_500_000}

// Devices acquires real capture streams via pion/mediadevices (V4L2 + malgo
// on Linux). One Devices value is shared by all call attempts; exclusivity of
// the hardware handle is enforced by the call manager, which releases the
// previous session's stream before acquiring a new one.
type Devices struct {
	selector *mediadevices.CodecSelector
	caps     Caps
	log      zerolog.Logger
}

// NewDevices builds the VP8+Opus codec selector and the device layer.
func NewDevices(caps Caps, log zerolog.Logger) (*Devices, error) {
	if caps.MaxWidth <= 0 {
		caps = DefaultCaps
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = caps.BitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		caps: caps,
		log:  log.With().Str("component", "media").Logger(),
	}, nil
}

// PopulateEngine registers the selected codecs on a pion media engine. The
// peer connection dialer must use this so the SDP matches what the encoders
// produce.
func (d *Devices) PopulateEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Acquire implements Acquirer.
func (d *Devices) Acquire(kind Kind) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.caps.MaxWidth}
			c.Height = prop.IntRanged{Max: d.caps.MaxHeight}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		d.log.Warn().Err(err).Str("kind", string(kind)).Msg("GetUserMedia failed")
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	return d.wrap(stream), nil
}

// AcquireScreen implements Acquirer.
func (d *Devices) AcquireScreen() (*Stream, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("GetDisplayMedia failed")
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	return d.wrap(stream), nil
}

func (d *Devices) wrap(stream mediadevices.MediaStream) *Stream {
	tracks := stream.GetTracks()
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		kind := Audio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = Video
		}
		dt := &deviceTrack{t: t, kind: kind}
		dt.enabled.Store(true)
		out = append(out, dt)
		d.log.Debug().Str("kind", string(kind)).Str("id", t.ID()).Msg("captured local track")
	}
	return NewStream(out...)
}

// deviceTrack adapts a mediadevices track to the Track interface.
type deviceTrack struct {
	t       mediadevices.Track
	kind    Kind
	enabled atomic.Bool
}

func (d *deviceTrack) ID() string   { return d.t.ID() }
func (d *deviceTrack) Kind() Kind   { return d.kind }
func (d *deviceTrack) Enabled() bool { return d.enabled.Load() }

// SetEnabled records the producing state. The encoder keeps running; the
// call layer detaches a disabled track from its RTP sender, so nothing
// reaches the peer while the flag is off.
func (d *deviceTrack) SetEnabled(on bool) { d.enabled.Store(on) }

func (d *deviceTrack) OnEnded(fn func()) {
	d.t.OnEnded(func(error) { fn() })
}

func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }
func (d *deviceTrack) Close() error             { return d.t.Close() }
