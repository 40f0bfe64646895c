//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Caps bound what the camera is asked for. Unused off Linux, kept so config
// round-trips on every platform.
type Caps struct {
	MaxWidth  int
	MaxHeight int
	BitRate   int
}

// DefaultCaps matches what the capture pipeline was tuned for.
var DefaultCaps = Caps{MaxWidth: 640, MaxHeight: 480, BitRate: 1_500_000}

// Devices is a stub on platforms without the V4L2/malgo capture drivers.
// Every acquisition fails with ErrDevice, which the call layer surfaces as a
// normal device-denied outcome.
type Devices struct {
	log zerolog.Logger
}

// NewDevices returns the stub device layer.
func NewDevices(_ Caps, log zerolog.Logger) (*Devices, error) {
	return &Devices{log: log.With().Str("component", "media").Logger()}, nil
}

// PopulateEngine registers pion's default codecs so negotiation still works
// for receive-only sessions.
func (d *Devices) PopulateEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Acquire implements Acquirer.
func (d *Devices) Acquire(kind Kind) (*Stream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform (%s)", ErrDevice, kind)
}

// AcquireScreen implements Acquirer.
func (d *Devices) AcquireScreen() (*Stream, error) {
	return nil, fmt.Errorf("%w: no screen capture on this platform", ErrDevice)
}
