package engine

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ducks/shellcast/server/store"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
)

const chunkSamples = 1024

// sink is one decoder pipeline feeding the device:
//
//	reader -> decoder -> resampler -> chunks -> feeder -> volume -> ctrl -> device
//
// Everything left of chunks runs on the decode goroutine, so the device
// thread never waits on store I/O.
type sink struct {
	rate beep.SampleRate
	base time.Duration

	reader  *boundaryReader
	decoder beep.StreamCloser
	source  beep.Streamer

	chunks  chan [][2]float64
	pending [][2]float64

	// device side, guarded by the device lock
	ctrl   *beep.Ctrl
	volume *effects.Volume

	delivered atomic.Int64
	drained   atomic.Bool

	errMu sync.Mutex
	err   error

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSink(rate beep.SampleRate, base time.Duration, r *boundaryReader, dec beep.StreamCloser, src beep.Streamer, buffered int) *sink {
	s := &sink{
		rate:    rate,
		base:    base,
		reader:  r,
		decoder: dec,
		source:  src,
		chunks:  make(chan [][2]float64, buffered),
		stop:    make(chan struct{}),
	}
	s.volume = &effects.Volume{Streamer: feeder{s}, Base: 2}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}
	return s
}

func (s *sink) start() {
	s.wg.Add(1)
	go s.decode()
}

func (s *sink) decode() {
	defer s.wg.Done()
	defer close(s.chunks)

	for {
		buf := make([][2]float64, chunkSamples)
		n, ok := s.source.Stream(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.stop:
				return
			}
		}
		if !ok {
			if err := s.source.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, store.ErrClosed) {
				s.setErr(err)
			}
			return
		}
	}
}

func (s *sink) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *sink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *sink) position() time.Duration {
	return s.base + s.rate.D(int(s.delivered.Load()))
}

// close stops the decode goroutine and releases the reader and decoder.
// The caller must already have detached ctrl from the device.
func (s *sink) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.reader.Close()
		s.wg.Wait()
		s.decoder.Close()
	})
}

// feeder is the device-side end of the chunk queue. It never blocks: an
// empty queue plays silence and does not advance the clock.
type feeder struct {
	s *sink
}

func (f feeder) Stream(samples [][2]float64) (int, bool) {
	s := f.s
	if s.drained.Load() {
		return 0, false
	}

	filled := 0
fill:
	for filled < len(samples) {
		if len(s.pending) == 0 {
			select {
			case chunk, ok := <-s.chunks:
				if !ok {
					s.drained.Store(true)
					break fill
				}
				s.pending = chunk
			default:
				break fill
			}
		}
		n := copy(samples[filled:], s.pending)
		s.pending = s.pending[n:]
		filled += n
	}

	s.delivered.Add(int64(filled))
	clear(samples[filled:])
	if filled == 0 && s.drained.Load() {
		return 0, false
	}
	return len(samples), true
}

func (f feeder) Err() error {
	return nil
}

// boundaryReader remembers whether a bounded read ran into the committed
// boundary. Decoders do not reliably wrap read errors, so the check cannot
// be made on the decoder's error.
type boundaryReader struct {
	*store.Reader
	hit atomic.Bool
}

func (b *boundaryReader) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	if errors.Is(err, store.ErrBeyondCommitted) {
		b.hit.Store(true)
	}
	return n, err
}
