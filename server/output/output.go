// Package output abstracts the audio sink the engine plays into.
package output

import (
	"fmt"
	"time"

	"github.com/ducks/shellcast/server/config"
	"github.com/gopxl/beep/v2"
)

// Device consumes samples at SampleRate on its own goroutine. Lock and
// Unlock guard changes to streamers the device is currently pulling from.
type Device interface {
	SampleRate() beep.SampleRate
	Play(s beep.Streamer)
	Clear()
	Lock()
	Unlock()
	Close() error
}

func Open(cfg config.Output) (Device, error) {
	rate := beep.SampleRate(cfg.SampleRate)
	switch cfg.Driver {
	case config.DriverSpeaker:
		return NewSpeaker(rate, cfg.BufferSize)
	case config.DriverNull:
		return NewNull(rate, cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("unknown output driver %q", cfg.Driver)
	}
}

func defaultTick(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}
