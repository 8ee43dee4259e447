// Package engine decodes a byte store and plays it on an output device.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ducks/shellcast/server/audio"
	"github.com/ducks/shellcast/server/config"
	"github.com/ducks/shellcast/server/output"
	"github.com/ducks/shellcast/server/store"
	"github.com/gopxl/beep/v2"
)

var (
	ErrDecode = errors.New("decode error")
	ErrSeek   = errors.New("seek error")
	ErrNoSink = errors.New("no active playback")
)

const (
	resampleQuality     = 4
	volumeCurveExponent = 0.5
	minVolumeDB         = -10.0

	// Byte step back from a seek offset that did not decode, and how many
	// steps to try before decoding from the start.
	seekBackoff  = 16 * 1024
	seekAttempts = 3
)

type Engine struct {
	dev    output.Device
	codecs *audio.Registry
	cfg    config.Engine
	logger *slog.Logger

	mu     sync.Mutex
	sink   *sink
	st     *store.Store
	codec  audio.Codec
	paused bool
	volume int

	// epoch advances on every Stop; seeks in flight compare against it.
	epoch atomic.Uint64
}

func New(dev output.Device, codecs *audio.Registry, cfg config.Engine, logger *slog.Logger) *Engine {
	return &Engine{
		dev:    dev,
		codecs: codecs,
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		volume: cfg.Volume,
	}
}

// Load stops whatever is playing and starts st from the beginning.
func (e *Engine) Load(st *store.Store) error {
	e.Stop()

	head, err := sniffHead(st)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	codec, err := e.codecs.Detect(head)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	sk, err := e.prepare(st, codec, 0, e.epoch.Load())
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sink = sk
	e.st = st
	e.codec = codec
	e.paused = false
	e.applyVolume(sk, e.volume)
	e.mu.Unlock()

	sk.start()
	e.dev.Play(sk.ctrl)

	e.logger.Debug("started playback",
		slog.String("codec", codec.Name()),
		slog.Uint64("generation", st.Generation()),
	)
	return nil
}

// sniffHead waits for enough bytes to identify the container; a tiny head
// window may have committed fewer.
func sniffHead(st *store.Store) ([]byte, error) {
	head := make([]byte, audio.SniffSize)
	r := st.NewReader(0)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return head[:n], nil
}

// seekPoint is a byte offset a decoder can start from and the media time
// it corresponds to.
type seekPoint struct {
	offset int64
	at     time.Duration
}

// seekPoints lists decoder start points for target, latest first. The
// start of the stream is always the last candidate.
func (e *Engine) seekPoints(st *store.Store, codec audio.Codec, target time.Duration) ([]seekPoint, error) {
	fallback := []seekPoint{{}}
	loc, ok := codec.(audio.Locator)
	if !ok || target <= 0 {
		return fallback, nil
	}
	head, err := st.Head(int(e.cfg.SeekMargin))
	if err != nil {
		return fallback, nil
	}
	off, at, ok := loc.Locate(head, target)
	if !ok {
		return fallback, nil
	}

	first := 0
	if end := st.Committed(); off >= end {
		if !st.Finished() {
			return nil, beyondCommitted(target)
		}
		// Past the end of a complete stream: decode the tail up to EOF.
		off, first = end, 1
	}

	var points []seekPoint
	for i := first; i < first+seekAttempts; i++ {
		pt := seekPoint{offset: off - int64(i)*seekBackoff, at: at}
		if i > 0 {
			if pt.at, ok = loc.Timestamp(head, pt.offset); !ok || pt.at <= 0 {
				break
			}
		}
		points = append(points, pt)
	}
	return append(points, fallback...), nil
}

// prepare builds a sink positioned at target, trying each seek point in
// turn. The reader stays bounded while it decodes up to the target, so a
// target past the committed boundary fails instead of waiting for the
// download. A Stop bumps the epoch and abandons the work.
func (e *Engine) prepare(st *store.Store, codec audio.Codec, target time.Duration, epoch uint64) (*sink, error) {
	points, err := e.seekPoints(st, codec, target)
	if err != nil {
		return nil, err
	}

	var sk *sink
	for _, pt := range points {
		sk, err = e.open(st, codec, pt, target, epoch)
		if err == nil || errors.Is(err, ErrSeek) || errors.Is(err, ErrNoSink) {
			break
		}
		e.logger.Debug("seek point did not decode",
			slog.Int64("offset", pt.offset),
			slog.Any("error", err),
		)
	}
	return sk, err
}

func (e *Engine) open(st *store.Store, codec audio.Codec, pt seekPoint, target time.Duration, epoch uint64) (*sink, error) {
	r := &boundaryReader{Reader: st.NewReader(pt.offset)}
	if target > 0 {
		r.Bounded()
	}

	dec, format, err := codec.Decode(r)
	if err != nil {
		if r.hit.Load() {
			return nil, beyondCommitted(target)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, codec.Name(), err)
	}

	rate := e.dev.SampleRate()
	var src beep.Streamer = dec
	if format.SampleRate != rate {
		src = beep.Resample(resampleQuality, format.SampleRate, rate, dec)
	}

	skip := rate.N(target - pt.at)
	buf := make([][2]float64, chunkSamples)
	for skip > 0 {
		if e.epoch.Load() != epoch {
			dec.Close()
			return nil, ErrNoSink
		}
		n, ok := src.Stream(buf[:min(skip, len(buf))])
		skip -= n
		if !ok {
			break
		}
	}
	if r.hit.Load() {
		dec.Close()
		return nil, beyondCommitted(target)
	}
	r.Follow()

	// A target past the end of a finished stream leaves the sink at the end.
	base := target - rate.D(max(skip, 0))
	return newSink(rate, base, r, dec, src, e.cfg.BufferChunks), nil
}

func beyondCommitted(target time.Duration) error {
	return fmt.Errorf("%w: %v not downloaded yet: %w", ErrSeek, target, store.ErrBeyondCommitted)
}

func (e *Engine) Pause() {
	e.setPaused(true)
}

func (e *Engine) Resume() {
	e.setPaused(false)
}

func (e *Engine) setPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink == nil || e.paused == paused {
		return
	}
	e.dev.Lock()
	e.sink.ctrl.Paused = paused
	e.dev.Unlock()
	e.paused = paused
}

// Stop tears down the current sink. The device stays open.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.epoch.Add(1)
	sk := e.sink
	e.sink = nil
	e.st = nil
	e.codec = nil
	e.paused = false
	e.mu.Unlock()

	if sk == nil {
		return
	}
	e.detach(sk)
	sk.close()
	e.logger.Debug("stopped playback")
}

func (e *Engine) detach(sk *sink) {
	e.dev.Lock()
	sk.ctrl.Streamer = nil
	e.dev.Unlock()
}

func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink != nil && !e.paused && !e.sink.drained.Load()
}

func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink != nil && e.paused
}

// Ended reports that every decoded sample has been played. A truncated
// download ends the same way as a complete one.
func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink != nil && e.sink.drained.Load()
}

// Err returns the decoder error that ended playback early, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink == nil {
		return nil
	}
	return e.sink.Err()
}

// Position is the media time of the last sample handed to the device.
func (e *Engine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink == nil {
		return 0
	}
	return e.sink.position()
}

func (e *Engine) SeekForward(d time.Duration) error {
	return e.SeekTo(e.Position()+d, 0)
}

func (e *Engine) SeekBackward(d time.Duration) error {
	return e.SeekTo(e.Position()-d, 0)
}

// SeekTo moves playback to t, clamped at zero and, when limit is positive,
// at limit. On failure the current playback is left untouched.
func (e *Engine) SeekTo(t, limit time.Duration) error {
	t = max(t, 0)
	if limit > 0 {
		t = min(t, limit)
	}

	e.mu.Lock()
	cur, st, codec := e.sink, e.st, e.codec
	epoch := e.epoch.Load()
	e.mu.Unlock()
	if cur == nil {
		return ErrNoSink
	}

	next, err := e.prepare(st, codec, t, epoch)
	if err != nil {
		e.logger.Debug("seek failed", slog.Duration("target", t), slog.Any("error", err))
		return err
	}

	e.mu.Lock()
	if e.sink != cur {
		e.mu.Unlock()
		next.close()
		return ErrNoSink
	}
	e.sink = next
	next.ctrl.Paused = e.paused
	e.applyVolume(next, e.volume)
	e.mu.Unlock()

	e.detach(cur)
	next.start()
	e.dev.Play(next.ctrl)
	cur.close()

	e.logger.Debug("seeked", slog.Duration("position", t))
	return nil
}

func (e *Engine) SetVolume(percent int) {
	percent = min(max(percent, 0), 100)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = percent
	if e.sink != nil {
		e.dev.Lock()
		e.applyVolume(e.sink, percent)
		e.dev.Unlock()
	}
}

func (e *Engine) Volume() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

func (e *Engine) applyVolume(sk *sink, percent int) {
	sk.volume.Volume = percentToExponent(float64(percent))
	sk.volume.Silent = percent == 0
}

func percentToExponent(p float64) float64 {
	if p <= 0 {
		return minVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, volumeCurveExponent)
	return (1.0 - adjusted) * minVolumeDB
}

// Close stops playback and releases the device.
func (e *Engine) Close() error {
	e.Stop()
	return e.dev.Close()
}
