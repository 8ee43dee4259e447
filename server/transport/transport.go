// Package transport is the user-facing playback state machine. It owns at
// most one session at a time and drives the download manager and the
// engine on its behalf.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ducks/shellcast/server/chapters"
	"github.com/ducks/shellcast/server/session"
	"github.com/ducks/shellcast/server/store"
)

var (
	ErrInvalidState = errors.New("invalid transport state")
	ErrCancelled    = errors.New("play cancelled")
)

type Downloader interface {
	Begin(ctx context.Context, url string) (*store.Store, error)
	Retire(st *store.Store)
}

type Engine interface {
	Load(st *store.Store) error
	Pause()
	Resume()
	Stop()
	IsPlaying() bool
	Ended() bool
	Err() error
	Position() time.Duration
	SeekTo(t, limit time.Duration) error
	SetVolume(percent int)
	Volume() int
}

type Request struct {
	URL   string
	Title string
	// Expected is the advertised duration, zero when unknown.
	Expected time.Duration
}

type Transport struct {
	dl     Downloader
	eng    Engine
	logger *slog.Logger
	now    func() time.Time

	base       context.Context
	baseCancel context.CancelFunc

	// engMu serializes engine loads and teardowns; seeks run outside it.
	// Lock order: engMu, then mu.
	engMu sync.Mutex

	mu       sync.Mutex
	state    State
	attempt  uint64
	cancel   context.CancelFunc
	pending  *store.Store
	st       *store.Store
	session  *session.Session
	chapters *chapters.List
}

func New(dl Downloader, eng Engine, logger *slog.Logger) *Transport {
	base, cancel := context.WithCancel(context.Background())
	return &Transport{
		dl:         dl,
		eng:        eng,
		logger:     logger.With("component", "transport"),
		now:        time.Now,
		base:       base,
		baseCancel: cancel,
	}
}

// Play starts req. The call blocks while the head window downloads; a
// Stop or a newer Play during that wait makes it return ErrCancelled.
// Playing the URL of the paused session resumes it instead.
func (t *Transport) Play(ctx context.Context, req Request) error {
	t.mu.Lock()
	if t.session != nil && t.session.URL == req.URL {
		switch t.state {
		case StatePaused:
			t.mu.Unlock()
			return t.Resume()
		case StatePlaying:
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	t.Stop()

	fetchCtx, cancel := context.WithCancel(t.base)
	t.mu.Lock()
	t.attempt++
	attempt := t.attempt
	t.cancel = cancel
	t.state = StateBuffering
	t.mu.Unlock()

	t.logger.Info("buffering", slog.String("url", req.URL), slog.Uint64("attempt", attempt))

	// The caller's context only bounds buffering; the download itself
	// lives until Stop.
	stopWatch := context.AfterFunc(ctx, cancel)
	st, err := t.dl.Begin(fetchCtx, req.URL)
	stopWatch()

	t.mu.Lock()
	if t.attempt != attempt {
		t.mu.Unlock()
		t.dl.Retire(st)
		cancel()
		return ErrCancelled
	}
	if err != nil {
		t.resetLocked()
		t.mu.Unlock()
		cancel()
		t.logger.Warn("play failed", slog.String("url", req.URL), slog.Any("error", err))
		return err
	}
	t.pending = st
	t.mu.Unlock()

	t.engMu.Lock()
	defer t.engMu.Unlock()

	err = t.eng.Load(st)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attempt != attempt {
		if err == nil {
			t.eng.Stop()
		}
		t.dl.Retire(st)
		cancel()
		return ErrCancelled
	}
	if err != nil {
		t.resetLocked()
		t.dl.Retire(st)
		cancel()
		t.logger.Warn("play failed", slog.String("url", req.URL), slog.Any("error", err))
		return err
	}

	t.pending = nil
	t.st = st
	t.session = session.New(req.URL, req.Title, req.Expected, t.now())
	t.chapters = nil
	t.state = StatePlaying

	t.logger.Info("playing",
		slog.String("url", req.URL),
		slog.String("session_id", t.session.ID.String()),
	)
	return nil
}

func (t *Transport) resetLocked() {
	t.state = StateIdle
	t.cancel = nil
	t.pending = nil
	t.st = nil
	t.session = nil
	t.chapters = nil
}

func (t *Transport) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePlaying {
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, t.state)
	}
	t.eng.Pause()
	t.session.Pause(t.now())
	t.state = StatePaused
	return nil
}

func (t *Transport) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused {
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, t.state)
	}
	t.eng.Resume()
	t.session.Resume(t.now())
	t.state = StatePlaying
	return nil
}

// Stop ends the session, or abandons the one being buffered. It is safe to
// call from any goroutine, in any state.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.state == StateIdle {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.attempt++
	if t.cancel != nil {
		t.cancel()
	}
	pending, st := t.pending, t.st
	t.resetLocked()
	t.mu.Unlock()

	// Closing a pending store wakes a Load blocked on it.
	if pending != nil {
		t.dl.Retire(pending)
	}

	t.engMu.Lock()
	t.eng.Stop()
	t.engMu.Unlock()

	if st != nil {
		t.dl.Retire(st)
	}
	t.logger.Info("stopped", slog.String("from", prev.String()))
}

func (t *Transport) SeekForward(secs uint64) error {
	return t.seek(func(pos time.Duration) time.Duration {
		return addClamped(pos, secondsToDuration(secs))
	})
}

func (t *Transport) SeekBackward(secs uint64) error {
	return t.seek(func(pos time.Duration) time.Duration {
		return max(pos-secondsToDuration(secs), 0)
	})
}

func (t *Transport) SeekTo(d time.Duration) error {
	return t.seek(func(time.Duration) time.Duration { return d })
}

// SeekChapter jumps to the start of chapter i.
func (t *Transport) SeekChapter(i int) error {
	t.mu.Lock()
	list := t.chapters
	t.mu.Unlock()

	start, err := list.Start(i)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return t.SeekTo(start)
}

func (t *Transport) seek(target func(pos time.Duration) time.Duration) error {
	t.mu.Lock()
	if !t.state.hasSession() {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot seek while %s", ErrInvalidState, state)
	}
	expected := t.session.Expected
	t.mu.Unlock()

	// No engMu here: a seek may decode for a while, and Stop must not wait
	// for it. The engine drops a seek that a Stop or Load overtook.
	return t.eng.SeekTo(target(t.eng.Position()), expected)
}

func (t *Transport) SetChapters(list *chapters.List) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chapters = list
}

func (t *Transport) SetVolume(percent int) {
	t.eng.SetVolume(percent)
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StatePlaying && t.eng.IsPlaying()
}

func (t *Transport) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StatePaused
}

// Position comes from the engine clock, which does not advance while
// paused. Zero without a session.
func (t *Transport) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.hasSession() {
		return 0
	}
	return t.eng.Position()
}

// Ended reports that the session played to its last downloaded byte.
func (t *Transport) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.hasSession() && t.eng.Ended()
}

// Err returns the decode error that ended the session early, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.hasSession() {
		return nil
	}
	return t.eng.Err()
}

// Close stops playback and cancels any in-flight download.
func (t *Transport) Close() {
	t.Stop()
	t.baseCancel()
}

func secondsToDuration(secs uint64) time.Duration {
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return math.MaxInt64
	}
	return time.Duration(secs) * time.Second
}

func addClamped(a, b time.Duration) time.Duration {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
