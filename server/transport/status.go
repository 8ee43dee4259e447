package transport

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ducks/shellcast/server/session"
)

// Status is a point-in-time snapshot for display.
type Status struct {
	State     State
	SessionID snowflake.ID
	URL       string
	Title     string

	Position      time.Duration
	Expected      time.Duration
	Progress      float64
	ProgressKnown bool
	// Elapsed is "MM:SS / MM:SS", or "MM:SS / --:--" when the total is unknown.
	Elapsed string

	// PausedTotal is wall-clock pause time, including a pause in progress.
	PausedTotal time.Duration
	Buffered    int64
	Downloaded  bool

	Volume  int
	Chapter string
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		State:  t.state,
		Volume: t.eng.Volume(),
	}
	if !t.state.hasSession() {
		s.Elapsed = session.FormatProgress(0, 0)
		return s
	}

	now := t.now()
	s.SessionID = t.session.ID
	s.URL = t.session.URL
	s.Title = t.session.Title
	s.Position = t.eng.Position()
	s.Expected = t.session.Expected
	s.Progress, s.ProgressKnown = session.ProgressRatio(s.Position, s.Expected)
	s.Elapsed = session.FormatProgress(s.Position, s.Expected)
	s.PausedTotal = t.session.AccumulatedPaused + t.session.PausedFor(now)
	if t.st != nil {
		s.Buffered = t.st.Committed()
		s.Downloaded = t.st.Finished()
	}
	if c, _, ok := t.chapters.At(s.Position); ok {
		s.Chapter = c.Title
	}
	return s
}
