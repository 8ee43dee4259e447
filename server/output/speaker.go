package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
)

var (
	speakerOnce sync.Once
	speakerRate beep.SampleRate
	speakerErr  error
)

// Speaker plays through the system audio device. The device is initialised
// once per process; later Speakers share it at the first sample rate.
type Speaker struct {
	rate beep.SampleRate
}

func NewSpeaker(rate beep.SampleRate, buffer time.Duration) (*Speaker, error) {
	speakerOnce.Do(func() {
		speakerRate = rate
		speakerErr = speaker.Init(rate, rate.N(defaultTick(buffer)))
	})
	if speakerErr != nil {
		return nil, fmt.Errorf("failed to initialize speaker: %w", speakerErr)
	}
	return &Speaker{rate: speakerRate}, nil
}

func (s *Speaker) SampleRate() beep.SampleRate { return s.rate }

func (s *Speaker) Play(st beep.Streamer) { speaker.Play(st) }

func (s *Speaker) Clear() { speaker.Clear() }

func (s *Speaker) Lock() { speaker.Lock() }

func (s *Speaker) Unlock() { speaker.Unlock() }

// Close stops playback. The device itself stays open for the process.
func (s *Speaker) Close() error {
	speaker.Clear()
	return nil
}
