package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ducks/shellcast/server/chapters"
	"github.com/ducks/shellcast/server/download"
	"github.com/ducks/shellcast/server/engine"
	"github.com/ducks/shellcast/server/protocol"
	"github.com/ducks/shellcast/server/session"
	"github.com/ducks/shellcast/server/store"
	"github.com/ducks/shellcast/server/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeSessionID = snowflake.ID(42)

// fakePlayer mimics the transport state machine without audio.
type fakePlayer struct {
	mu       sync.Mutex
	state    transport.State
	url      string
	title    string
	expected time.Duration
	position time.Duration
	volume   int
	ended    bool
	err      error
	chapters *chapters.List

	playErr error
	gate    chan struct{}
	cancel  chan struct{}
	plays   int
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{volume: 100}
}

func (f *fakePlayer) set(fn func(f *fakePlayer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePlayer) resetLocked() {
	f.state = transport.StateIdle
	f.url, f.title = "", ""
	f.expected, f.position = 0, 0
	f.ended, f.err = false, nil
	f.chapters = nil
	f.cancel = nil
}

func (f *fakePlayer) hasSession() bool {
	return f.state == transport.StatePlaying || f.state == transport.StatePaused
}

func (f *fakePlayer) Play(ctx context.Context, req transport.Request) error {
	f.mu.Lock()
	f.plays++
	if f.hasSession() && f.url == req.URL {
		f.state = transport.StatePlaying
		f.mu.Unlock()
		return nil
	}
	f.resetLocked()
	cancel := make(chan struct{})
	f.cancel = cancel
	f.state = transport.StateBuffering
	gate, playErr := f.gate, f.playErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-cancel:
			return transport.ErrCancelled
		case <-ctx.Done():
			return transport.ErrCancelled
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != cancel {
		return transport.ErrCancelled
	}
	if playErr != nil {
		f.resetLocked()
		return playErr
	}
	f.state = transport.StatePlaying
	f.url, f.title, f.expected = req.URL, req.Title, req.Expected
	return nil
}

func (f *fakePlayer) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StatePlaying {
		return fmt.Errorf("%w: cannot pause while %s", transport.ErrInvalidState, f.state)
	}
	f.state = transport.StatePaused
	return nil
}

func (f *fakePlayer) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StatePaused {
		return fmt.Errorf("%w: cannot resume while %s", transport.ErrInvalidState, f.state)
	}
	f.state = transport.StatePlaying
	return nil
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		close(f.cancel)
	}
	f.resetLocked()
}

func (f *fakePlayer) seek(target func(pos time.Duration) time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasSession() {
		return fmt.Errorf("%w: cannot seek while %s", transport.ErrInvalidState, f.state)
	}
	f.position = target(f.position)
	if f.expected > 0 && f.position > f.expected {
		f.position = f.expected
	}
	return nil
}

func (f *fakePlayer) SeekForward(secs uint64) error {
	return f.seek(func(pos time.Duration) time.Duration {
		return pos + time.Duration(secs)*time.Second
	})
}

func (f *fakePlayer) SeekBackward(secs uint64) error {
	return f.seek(func(pos time.Duration) time.Duration {
		return max(pos-time.Duration(secs)*time.Second, 0)
	})
}

func (f *fakePlayer) SeekTo(d time.Duration) error {
	return f.seek(func(time.Duration) time.Duration { return d })
}

func (f *fakePlayer) SeekChapter(i int) error {
	f.mu.Lock()
	list := f.chapters
	f.mu.Unlock()

	start, err := list.Start(i)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrInvalidState, err)
	}
	return f.SeekTo(start)
}

func (f *fakePlayer) SetChapters(list *chapters.List) {
	f.set(func(f *fakePlayer) { f.chapters = list })
}

func (f *fakePlayer) SetVolume(percent int) {
	f.set(func(f *fakePlayer) { f.volume = min(max(percent, 0), 100) })
}

func (f *fakePlayer) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePlayer) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := transport.Status{State: f.state, Volume: f.volume}
	if !f.hasSession() {
		st.Elapsed = session.FormatProgress(0, 0)
		return st
	}
	st.SessionID = fakeSessionID
	st.URL = f.url
	st.Title = f.title
	st.Position = f.position
	st.Expected = f.expected
	st.Progress, st.ProgressKnown = session.ProgressRatio(f.position, f.expected)
	st.Elapsed = session.FormatProgress(f.position, f.expected)
	if c, _, ok := f.chapters.At(f.position); ok {
		st.Chapter = c.Title
	}
	return st
}

func (f *fakePlayer) Ended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasSession() && f.ended
}

func (f *fakePlayer) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePlayer) Plays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays
}

func newTestServer(t *testing.T, player *fakePlayer, tick time.Duration) (*Server, string) {
	t.Helper()
	s := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), player, tick)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-s.done
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, op uint8, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.Message{Op: op, Data: data}))
}

// expectOp reads until a message with op arrives, skipping others.
func expectOp(t *testing.T, conn *websocket.Conn, op uint8) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env struct {
			Op   uint8           `json:"op"`
			Data json.RawMessage `json:"d"`
		}
		require.NoError(t, conn.ReadJSON(&env), "waiting for op %d", op)
		if env.Op == op {
			return env.Data
		}
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func identified(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn := dial(t, url)
	send(t, conn, protocol.OpIdentify, protocol.IdentifyData{Client: "test"})
	expectOp(t, conn, protocol.OpReady)
	return conn
}

func play(t *testing.T, conn *websocket.Conn, data protocol.PlayData) protocol.TrackStartData {
	t.Helper()
	send(t, conn, protocol.OpPlay, data)
	return decode[protocol.TrackStartData](t, expectOp(t, conn, protocol.OpTrackStart))
}

func TestIdentifyReady(t *testing.T) {
	_, url := newTestServer(t, newFakePlayer(), time.Hour)
	conn := dial(t, url)

	send(t, conn, protocol.OpIdentify, protocol.IdentifyData{Client: "tui"})
	ready := decode[protocol.ReadyData](t, expectOp(t, conn, protocol.OpReady))
	_, err := uuid.Parse(ready.SessionID)
	assert.NoError(t, err)

	send(t, conn, protocol.OpPing, nil)
	expectOp(t, conn, protocol.OpPong)
}

func TestCommandsRequireIdentify(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, time.Hour)
	conn := dial(t, url)

	send(t, conn, protocol.OpPlay, protocol.PlayData{URL: "http://host/ep.mp3"})
	send(t, conn, protocol.OpIdentify, nil)
	expectOp(t, conn, protocol.OpReady)
	send(t, conn, protocol.OpPing, nil)
	expectOp(t, conn, protocol.OpPong)

	assert.Zero(t, player.Plays())
	assert.Equal(t, transport.StateIdle, player.State())
}

func TestPlayBroadcastsTrackStart(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, 20*time.Millisecond)
	controller := identified(t, url)
	watcher := identified(t, url)

	start := play(t, controller, protocol.PlayData{URL: "http://host/ep.mp3", Title: "Episode 1", DurationMs: 120000})
	assert.Equal(t, fakeSessionID, start.SessionID)
	assert.Equal(t, protocol.TrackInfo{URL: "http://host/ep.mp3", Title: "Episode 1", Duration: 120000}, start.Track)

	other := decode[protocol.TrackStartData](t, expectOp(t, watcher, protocol.OpTrackStart))
	assert.Equal(t, start, other)

	update := decode[protocol.PlayerUpdateData](t, expectOp(t, watcher, protocol.OpPlayerUpdate))
	assert.Equal(t, transport.StatePlaying.String(), update.State)
	assert.Equal(t, "Episode 1", update.Title)
	assert.Equal(t, int64(120000), update.Duration)
	assert.Equal(t, "00:00 / 02:00", update.Elapsed)
	require.NotNil(t, update.Progress)
	assert.Zero(t, *update.Progress)
}

func TestPlayFailureReportsKind(t *testing.T) {
	player := newFakePlayer()
	player.playErr = fmt.Errorf("%w: fetch audio: connection refused", download.ErrNetwork)
	_, url := newTestServer(t, player, time.Hour)
	conn := identified(t, url)

	send(t, conn, protocol.OpPlay, protocol.PlayData{URL: "http://host/missing.mp3"})
	failure := decode[protocol.TrackErrorData](t, expectOp(t, conn, protocol.OpTrackError))
	assert.Equal(t, protocol.ErrorKindNetwork, failure.Kind)
	assert.Equal(t, "http://host/missing.mp3", failure.Track.URL)
	assert.Contains(t, failure.Error, "connection refused")
	assert.Equal(t, transport.StateIdle, player.State())
}

func TestStopWhileBuffering(t *testing.T) {
	player := newFakePlayer()
	player.gate = make(chan struct{})
	_, url := newTestServer(t, player, time.Hour)
	conn := identified(t, url)

	send(t, conn, protocol.OpPlay, protocol.PlayData{URL: "http://host/slow.mp3"})
	require.Eventually(t, func() bool {
		return player.State() == transport.StateBuffering
	}, 2*time.Second, 5*time.Millisecond)

	send(t, conn, protocol.OpStop, nil)
	failure := decode[protocol.TrackErrorData](t, expectOp(t, conn, protocol.OpTrackError))
	assert.Equal(t, protocol.ErrorKindCancelled, failure.Kind)
	assert.Equal(t, transport.StateIdle, player.State())
}

func TestStopEndsTrack(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, time.Hour)
	conn := identified(t, url)

	play(t, conn, protocol.PlayData{URL: "http://host/ep.mp3"})
	send(t, conn, protocol.OpStop, nil)

	end := decode[protocol.TrackEndData](t, expectOp(t, conn, protocol.OpTrackEnd))
	assert.Equal(t, protocol.TrackEndReasonStopped, end.Reason)
	assert.Equal(t, "http://host/ep.mp3", end.Track.URL)
	assert.Equal(t, transport.StateIdle, player.State())
}

func TestPlayReplacesTrack(t *testing.T) {
	_, url := newTestServer(t, newFakePlayer(), time.Hour)
	conn := identified(t, url)

	play(t, conn, protocol.PlayData{URL: "http://host/a.mp3"})
	send(t, conn, protocol.OpPlay, protocol.PlayData{URL: "http://host/b.mp3"})

	end := decode[protocol.TrackEndData](t, expectOp(t, conn, protocol.OpTrackEnd))
	assert.Equal(t, protocol.TrackEndReasonReplaced, end.Reason)
	assert.Equal(t, "http://host/a.mp3", end.Track.URL)

	start := decode[protocol.TrackStartData](t, expectOp(t, conn, protocol.OpTrackStart))
	assert.Equal(t, "http://host/b.mp3", start.Track.URL)
}

func TestPauseResumeSameURL(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, time.Hour)
	conn := identified(t, url)

	play(t, conn, protocol.PlayData{URL: "http://host/ep.mp3"})

	send(t, conn, protocol.OpPause, nil)
	update := decode[protocol.PlayerUpdateData](t, expectOp(t, conn, protocol.OpPlayerUpdate))
	assert.Equal(t, transport.StatePaused.String(), update.State)

	// Playing the paused URL again resumes it.
	send(t, conn, protocol.OpPlay, protocol.PlayData{URL: "http://host/ep.mp3"})
	update = decode[protocol.PlayerUpdateData](t, expectOp(t, conn, protocol.OpPlayerUpdate))
	assert.Equal(t, transport.StatePlaying.String(), update.State)
	assert.Equal(t, 2, player.Plays())

	send(t, conn, protocol.OpResume, nil)
	failure := decode[protocol.TrackErrorData](t, expectOp(t, conn, protocol.OpTrackError))
	assert.Equal(t, protocol.ErrorKindState, failure.Kind)
}

func TestPauseWhileIdle(t *testing.T) {
	_, url := newTestServer(t, newFakePlayer(), time.Hour)
	conn := identified(t, url)

	send(t, conn, protocol.OpPause, nil)
	failure := decode[protocol.TrackErrorData](t, expectOp(t, conn, protocol.OpTrackError))
	assert.Equal(t, protocol.ErrorKindState, failure.Kind)
}

func TestSeek(t *testing.T) {
	_, url := newTestServer(t, newFakePlayer(), time.Hour)
	conn := identified(t, url)
	play(t, conn, protocol.PlayData{URL: "http://host/ep.mp3", DurationMs: 120000})

	tests := []struct {
		seek map[string]int64
		want int64
	}{
		{map[string]int64{"delta_ms": 30000}, 30000},
		{map[string]int64{"delta_ms": -10000}, 20000},
		{map[string]int64{"position_ms": 5000}, 5000},
		{map[string]int64{"delta_ms": -60000}, 0},
		{map[string]int64{"delta_ms": 10000000}, 120000},
	}
	for _, tt := range tests {
		send(t, conn, protocol.OpSeek, tt.seek)
		update := decode[protocol.PlayerUpdateData](t, expectOp(t, conn, protocol.OpPlayerUpdate))
		assert.Equal(t, tt.want, update.Position, "%v", tt.seek)
	}
}

func TestVolumeAndStatus(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, time.Hour)
	conn := identified(t, url)

	send(t, conn, protocol.OpVolume, protocol.VolumeData{Volume: 40})
	update := decode[protocol.PlayerUpdateData](t, expectOp(t, conn, protocol.OpPlayerUpdate))
	assert.Equal(t, 40, update.Volume)

	send(t, conn, protocol.OpStatus, nil)
	update = decode[protocol.PlayerUpdateData](t, expectOp(t, conn, protocol.OpPlayerUpdate))
	assert.Equal(t, transport.StateIdle.String(), update.State)
	assert.Equal(t, "00:00 / --:--", update.Elapsed)
	assert.Nil(t, update.Progress)
}

func TestChapters(t *testing.T) {
	doc := `{"version":"1.2.0","chapters":[{"startTime":0,"title":"Intro"},{"startTime":95.5,"title":"Interview"}]}`
	chapterSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json+chapters")
		io.WriteString(w, doc)
	}))
	defer chapterSrv.Close()

	player := newFakePlayer()
	_, url := newTestServer(t, player, time.Hour)
	conn := identified(t, url)

	play(t, conn, protocol.PlayData{URL: "http://host/ep.mp3", ChaptersURL: chapterSrv.URL})
	require.Eventually(t, func() bool {
		var n int
		player.set(func(f *fakePlayer) { n = f.chapters.Len() })
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	send(t, conn, protocol.OpChapter, protocol.ChapterData{Index: 1})
	update := decode[protocol.PlayerUpdateData](t, expectOp(t, conn, protocol.OpPlayerUpdate))
	assert.Equal(t, int64(95500), update.Position)
	assert.Equal(t, "Interview", update.Chapter)

	send(t, conn, protocol.OpChapter, protocol.ChapterData{Index: 5})
	failure := decode[protocol.TrackErrorData](t, expectOp(t, conn, protocol.OpTrackError))
	assert.Equal(t, protocol.ErrorKindState, failure.Kind)
}

func TestTickEndsFinishedTrack(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, 10*time.Millisecond)
	conn := identified(t, url)

	play(t, conn, protocol.PlayData{URL: "http://host/ep.mp3"})
	player.set(func(f *fakePlayer) { f.ended = true })

	end := decode[protocol.TrackEndData](t, expectOp(t, conn, protocol.OpTrackEnd))
	assert.Equal(t, protocol.TrackEndReasonFinished, end.Reason)
	assert.Equal(t, transport.StateIdle, player.State())
}

func TestTickReportsDecodeFailure(t *testing.T) {
	player := newFakePlayer()
	_, url := newTestServer(t, player, 10*time.Millisecond)
	conn := identified(t, url)

	play(t, conn, protocol.PlayData{URL: "http://host/ep.mp3"})
	player.set(func(f *fakePlayer) {
		f.ended = true
		f.err = fmt.Errorf("%w: mp3: corrupt frame", engine.ErrDecode)
	})

	failure := decode[protocol.TrackErrorData](t, expectOp(t, conn, protocol.OpTrackError))
	assert.Equal(t, protocol.ErrorKindDecode, failure.Kind)
	assert.Equal(t, "http://host/ep.mp3", failure.Track.URL)

	end := decode[protocol.TrackEndData](t, expectOp(t, conn, protocol.OpTrackEnd))
	assert.Equal(t, protocol.TrackEndReasonError, end.Reason)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: refused", download.ErrNetwork), protocol.ErrorKindNetwork},
		{&download.StatusError{StatusCode: 404, Status: "404 Not Found"}, protocol.ErrorKindNetwork},
		{fmt.Errorf("%w: ftp", download.ErrUnsupportedURL), protocol.ErrorKindNetwork},
		{fmt.Errorf("%w: disk full", download.ErrStorage), protocol.ErrorKindStorage},
		{fmt.Errorf("%w: bad header", engine.ErrDecode), protocol.ErrorKindDecode},
		{fmt.Errorf("%w: %w", engine.ErrSeek, store.ErrBeyondCommitted), protocol.ErrorKindSeek},
		{engine.ErrNoSink, protocol.ErrorKindState},
		{fmt.Errorf("%w: cannot pause while idle", transport.ErrInvalidState), protocol.ErrorKindState},
		{transport.ErrCancelled, protocol.ErrorKindCancelled},
		{errors.New("boom"), protocol.ErrorKindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err), tt.err.Error())
	}
}

func TestDrainNotifiesClients(t *testing.T) {
	s, url := newTestServer(t, newFakePlayer(), time.Hour)
	conn := identified(t, url)
	assert.Equal(t, 1, s.ClientCount())

	s.Drain("shutdown", 5000)
	draining := decode[protocol.NodeDrainingData](t, expectOp(t, conn, protocol.OpNodeDraining))
	assert.Equal(t, "shutdown", draining.Reason)
	assert.Equal(t, int64(5000), draining.DeadlineMs)
	assert.True(t, s.IsDraining())
}

func TestHealthAndStatsHandlers(t *testing.T) {
	s := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), newFakePlayer(), time.Hour)

	rec := httptest.NewRecorder()
	NewStatsHandler(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	stats := decode[protocol.StatsData](t, rec.Body.Bytes())
	assert.Equal(t, transport.StateIdle.String(), stats.State)
	assert.Zero(t, stats.Clients)
	assert.False(t, stats.Draining)

	s.Drain("shutdown", 1000)

	rec = httptest.NewRecorder()
	NewHealthHandler(s, "test").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec.Body.Bytes())
	assert.Equal(t, "draining", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "idle", health.Playback)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	s := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), newFakePlayer(), time.Hour)
	c := NewClient(s, nil, "stalled")
	c.identify("")
	s.registerClient(c)

	msg := protocol.Message{Op: protocol.OpPlayerUpdate}
	for range sendBuffer {
		s.broadcast(msg)
	}
	assert.Equal(t, 1, s.ClientCount())

	s.broadcast(msg)
	assert.Zero(t, s.ClientCount())
	select {
	case <-c.done:
	default:
		t.Fatal("stalled client left open")
	}
	assert.Equal(t, websocket.ClosePolicyViolation, c.closeCode)

	c.send(msg)
	assert.Len(t, c.out, sendBuffer)
}

func TestDisconnectSendsCloseReason(t *testing.T) {
	s, url := newTestServer(t, newFakePlayer(), time.Hour)
	conn := identified(t, url)
	require.Equal(t, 1, s.ClientCount())

	s.clientsMu.RLock()
	var c *Client
	for _, client := range s.clients {
		c = client
	}
	s.clientsMu.RUnlock()
	c.shutdown(websocket.ClosePolicyViolation, "client too slow")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
		assert.Equal(t, "client too slow", closeErr.Text)
		break
	}
	assert.Zero(t, s.ClientCount())
}
