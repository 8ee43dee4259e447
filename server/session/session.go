// Package session tracks one playback session and formats its progress.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// increment fills the low bits of session IDs minted in the same
// millisecond.
var increment atomic.Uint64

type Session struct {
	ID    snowflake.ID
	URL   string
	Title string
	// Expected is the advertised duration; zero when unknown.
	Expected time.Duration

	StartedAt         time.Time
	PausedAt          time.Time
	AccumulatedPaused time.Duration
}

func New(url, title string, expected time.Duration, now time.Time) *Session {
	id := snowflake.New(now) | snowflake.ID(increment.Add(1)&0xFFF)
	return &Session{
		ID:        id,
		URL:       url,
		Title:     title,
		Expected:  max(expected, 0),
		StartedAt: now,
	}
}

func (s *Session) Paused() bool {
	return !s.PausedAt.IsZero()
}

func (s *Session) Pause(now time.Time) {
	if s.Paused() {
		return
	}
	s.PausedAt = now
}

func (s *Session) Resume(now time.Time) {
	if !s.Paused() {
		return
	}
	s.AccumulatedPaused += s.PausedFor(now)
	s.PausedAt = time.Time{}
}

// PausedFor is how long the current pause has lasted.
func (s *Session) PausedFor(now time.Time) time.Duration {
	if !s.Paused() {
		return 0
	}
	return max(now.Sub(s.PausedAt), 0)
}

// WallElapsed is wall-clock time since the start minus time spent paused.
// It drifts from the engine clock on underruns and seeks and is only
// diagnostic.
func (s *Session) WallElapsed(now time.Time) time.Duration {
	d := now.Sub(s.StartedAt) - s.AccumulatedPaused - s.PausedFor(now)
	return max(d, 0)
}

// ProgressRatio is pos/expected clamped to [0, 1]. ok is false when the
// total is unknown.
func ProgressRatio(pos, expected time.Duration) (float64, bool) {
	if expected <= 0 {
		return 0, false
	}
	r := float64(pos) / float64(expected)
	return min(max(r, 0), 1), true
}

// FormatElapsed renders d as MM:SS; minutes keep counting past an hour.
func FormatElapsed(d time.Duration) string {
	secs := int64(max(d, 0) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func FormatProgress(pos, expected time.Duration) string {
	if expected <= 0 {
		return FormatElapsed(pos) + " / --:--"
	}
	return FormatElapsed(pos) + " / " + FormatElapsed(expected)
}
