package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	s := New("http://host/ep.mp3", "Episode 12", 2*time.Minute, epoch)
	assert.Equal(t, "http://host/ep.mp3", s.URL)
	assert.Equal(t, "Episode 12", s.Title)
	assert.Equal(t, 2*time.Minute, s.Expected)
	assert.Equal(t, epoch, s.StartedAt)
	assert.False(t, s.Paused())
	assert.Equal(t, epoch.UnixMilli(), s.ID.Time().UnixMilli())

	other := New("http://host/ep.mp3", "", -time.Second, epoch)
	assert.NotEqual(t, s.ID, other.ID)
	assert.Zero(t, other.Expected)
}

func TestPauseAccounting(t *testing.T) {
	s := New("u", "", 0, epoch)

	s.Pause(epoch.Add(10 * time.Second))
	s.Pause(epoch.Add(11 * time.Second))
	assert.True(t, s.Paused())
	assert.Equal(t, 5*time.Second, s.PausedFor(epoch.Add(15*time.Second)))
	assert.Equal(t, 10*time.Second, s.WallElapsed(epoch.Add(15*time.Second)))

	s.Resume(epoch.Add(20 * time.Second))
	s.Resume(epoch.Add(21 * time.Second))
	assert.False(t, s.Paused())
	assert.Equal(t, 10*time.Second, s.AccumulatedPaused)
	assert.Zero(t, s.PausedFor(epoch.Add(25*time.Second)))
	assert.Equal(t, 15*time.Second, s.WallElapsed(epoch.Add(25*time.Second)))
}

func TestProgressRatio(t *testing.T) {
	r, ok := ProgressRatio(30*time.Second, 2*time.Minute)
	assert.True(t, ok)
	assert.InDelta(t, 0.25, r, 1e-9)

	r, ok = ProgressRatio(5*time.Minute, 2*time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 1.0, r)

	_, ok = ProgressRatio(30*time.Second, 0)
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "00:00", FormatElapsed(0))
	assert.Equal(t, "01:05", FormatElapsed(65*time.Second+900*time.Millisecond))
	assert.Equal(t, "75:00", FormatElapsed(75*time.Minute))
	assert.Equal(t, "00:00", FormatElapsed(-time.Second))

	assert.Equal(t, "00:30 / 02:00", FormatProgress(30*time.Second, 2*time.Minute))
	assert.Equal(t, "00:30 / --:--", FormatProgress(30*time.Second, 0))
}
