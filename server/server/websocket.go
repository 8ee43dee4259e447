package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/ducks/shellcast/server/chapters"
	"github.com/ducks/shellcast/server/protocol"
	"github.com/ducks/shellcast/server/transport"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // control clients are local tools, not browsers
	},
}

// Player is the transport surface the control server drives.
type Player interface {
	Play(ctx context.Context, req transport.Request) error
	Pause() error
	Resume() error
	Stop()
	SeekForward(secs uint64) error
	SeekBackward(secs uint64) error
	SeekTo(d time.Duration) error
	SeekChapter(i int) error
	SetChapters(list *chapters.List)
	SetVolume(percent int)
	State() transport.State
	Status() transport.Status
	Ended() bool
	Err() error
}

type command struct {
	client *Client
	op     uint8
	data   json.RawMessage
}

type Server struct {
	logger     *slog.Logger
	player     Player
	httpClient *http.Client
	tick       time.Duration

	clients   map[string]*Client
	clientsMu sync.RWMutex

	// commands is drained by Run, the only goroutine issuing transport
	// calls apart from Stop.
	commands chan command
	done     chan struct{}

	trackMu sync.Mutex
	track   *protocol.TrackInfo

	startTime time.Time
	draining  bool
	drainMu   sync.RWMutex
}

func NewServer(logger *slog.Logger, player Player, tick time.Duration) *Server {
	return &Server{
		logger:     logger.With("component", "server"),
		player:     player,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tick:       tick,
		clients:    make(map[string]*Client),
		commands:   make(chan command, 64),
		done:       make(chan struct{}),
		startTime:  time.Now(),
	}
}

// Run executes queued commands and the status tick until ctx is done.
func (s *Server) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			s.dispatch(ctx, cmd)
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientName := r.Header.Get("Client-Name")
	if clientName == "" {
		clientName = "unknown"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket", slog.Any("error", err))
		return
	}

	client := NewClient(s, conn, clientName)
	s.logger.Info("client connected", slog.String("client", clientName), slog.String("addr", r.RemoteAddr))

	go client.readPump()
	go client.writePump()
}

func (s *Server) registerClient(client *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[client.sessionID] = client
}

func (s *Server) unregisterClient(client *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, client.sessionID)
}

// broadcast sends outside clientsMu: send may disconnect a slow client,
// which unregisters it.
func (s *Server) broadcast(msg protocol.Message) {
	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsMu.RUnlock()

	for _, client := range clients {
		client.send(msg)
	}
}

func (s *Server) handleMessage(client *Client, msgType int, data []byte) {
	if msgType != websocket.TextMessage {
		return
	}

	var msg struct {
		Op   uint8           `json:"op"`
		Data json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Error("failed to unmarshal message", slog.Any("error", err))
		return
	}

	switch msg.Op {
	case protocol.OpIdentify:
		s.handleIdentify(client, msg.Data)
		return
	case protocol.OpPing:
		s.handlePing(client)
		return
	}

	if !client.isIdentified() {
		s.logger.Warn("command from unidentified client", slog.String("session", client.sessionID), slog.Uint64("op", uint64(msg.Op)))
		return
	}

	switch msg.Op {
	case protocol.OpStop:
		// Stop bypasses the queue so it can interrupt a buffering Play.
		s.handleStop()
	case protocol.OpPlay, protocol.OpPause, protocol.OpResume, protocol.OpSeek,
		protocol.OpVolume, protocol.OpStatus, protocol.OpChapter:
		select {
		case s.commands <- command{client: client, op: msg.Op, data: msg.Data}:
		case <-s.done:
		}
	default:
		s.logger.Warn("unknown op code", slog.Uint64("op", uint64(msg.Op)))
	}
}

func (s *Server) dispatch(ctx context.Context, cmd command) {
	switch cmd.op {
	case protocol.OpPlay:
		s.handlePlay(ctx, cmd.client, cmd.data)
	case protocol.OpPause:
		s.handlePause(cmd.client)
	case protocol.OpResume:
		s.handleResume(cmd.client)
	case protocol.OpSeek:
		s.handleSeek(cmd.client, cmd.data)
	case protocol.OpVolume:
		s.handleVolume(cmd.data)
	case protocol.OpStatus:
		cmd.client.send(s.playerUpdate())
	case protocol.OpChapter:
		s.handleChapter(cmd.client, cmd.data)
	}
}

func (s *Server) handleIdentify(client *Client, data json.RawMessage) {
	var identify protocol.IdentifyData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &identify); err != nil {
			s.logger.Error("failed to unmarshal identify", slog.Any("error", err))
			return
		}
	}

	client.identify(identify.Client)
	s.registerClient(client)

	s.logger.Info("client identified",
		slog.String("session", client.sessionID),
		slog.String("client", identify.Client),
	)

	client.send(protocol.Message{
		Op:   protocol.OpReady,
		Data: protocol.ReadyData{SessionID: client.sessionID},
	})
}

func (s *Server) handlePing(client *Client) {
	client.send(protocol.Message{
		Op:   protocol.OpPong,
		Data: nil,
	})
}

func (s *Server) handlePlay(ctx context.Context, client *Client, data json.RawMessage) {
	var play protocol.PlayData
	if err := json.Unmarshal(data, &play); err != nil {
		s.logger.Error("failed to unmarshal play", slog.Any("error", err))
		return
	}

	track := protocol.TrackInfo{
		URL:      play.URL,
		Title:    play.Title,
		Duration: play.DurationMs,
	}
	req := transport.Request{
		URL:      play.URL,
		Title:    play.Title,
		Expected: time.Duration(max(play.DurationMs, 0)) * time.Millisecond,
	}

	s.logger.Info("play requested", slog.String("url", play.URL))

	// The same URL resumes or keeps playing; no new track starts.
	if st := s.player.Status(); st.State.IsActive() && st.URL == play.URL {
		if err := s.player.Play(ctx, req); err != nil {
			s.sendError(client, track, err)
			return
		}
		s.broadcast(s.playerUpdate())
		return
	}

	s.endTrack(protocol.TrackEndReasonReplaced)

	if err := s.player.Play(ctx, req); err != nil {
		s.logger.Warn("playback failed", slog.String("url", play.URL), slog.Any("error", err))
		s.sendError(client, track, err)
		return
	}

	st := s.player.Status()
	s.trackMu.Lock()
	s.track = &track
	s.trackMu.Unlock()

	s.broadcast(protocol.Message{
		Op: protocol.OpTrackStart,
		Data: protocol.TrackStartData{
			SessionID: st.SessionID,
			Track:     track,
		},
	})

	// A Stop may have landed between Play returning and the track being
	// recorded.
	if !s.player.State().IsActive() {
		s.endTrack(protocol.TrackEndReasonStopped)
		return
	}

	if play.ChaptersURL != "" {
		go s.loadChapters(ctx, st.SessionID.String(), play.ChaptersURL)
	}
}

func (s *Server) loadChapters(ctx context.Context, sessionID, url string) {
	list, err := chapters.Fetch(ctx, s.httpClient, url)
	if err != nil {
		s.logger.Warn("failed to load chapters", slog.String("url", url), slog.Any("error", err))
		return
	}
	if s.player.Status().SessionID.String() != sessionID {
		return
	}
	s.player.SetChapters(list)
	s.logger.Debug("chapters loaded", slog.Int("count", list.Len()))
}

func (s *Server) handlePause(client *Client) {
	if err := s.player.Pause(); err != nil {
		s.sendError(client, s.currentTrack(), err)
		return
	}
	s.broadcast(s.playerUpdate())
}

func (s *Server) handleResume(client *Client) {
	if err := s.player.Resume(); err != nil {
		s.sendError(client, s.currentTrack(), err)
		return
	}
	s.broadcast(s.playerUpdate())
}

func (s *Server) handleStop() {
	s.player.Stop()
	s.endTrack(protocol.TrackEndReasonStopped)
}

func (s *Server) handleSeek(client *Client, data json.RawMessage) {
	var seek protocol.SeekData
	if err := json.Unmarshal(data, &seek); err != nil {
		s.logger.Error("failed to unmarshal seek", slog.Any("error", err))
		return
	}

	var err error
	switch {
	case seek.PositionMs != nil:
		err = s.player.SeekTo(time.Duration(max(*seek.PositionMs, 0)) * time.Millisecond)
	case seek.DeltaMs != nil:
		delta := *seek.DeltaMs
		if delta >= 0 {
			err = s.player.SeekForward(uint64((delta + 500) / 1000))
		} else {
			err = s.player.SeekBackward(uint64((-delta + 500) / 1000))
		}
	default:
		s.logger.Warn("seek without target")
		return
	}

	if err != nil {
		s.logger.Warn("failed to seek", slog.Any("error", err))
		s.sendError(client, s.currentTrack(), err)
		return
	}
	s.broadcast(s.playerUpdate())
}

func (s *Server) handleVolume(data json.RawMessage) {
	var vol protocol.VolumeData
	if err := json.Unmarshal(data, &vol); err != nil {
		s.logger.Error("failed to unmarshal volume", slog.Any("error", err))
		return
	}

	s.player.SetVolume(vol.Volume)
	s.broadcast(s.playerUpdate())
}

func (s *Server) handleChapter(client *Client, data json.RawMessage) {
	var chapter protocol.ChapterData
	if err := json.Unmarshal(data, &chapter); err != nil {
		s.logger.Error("failed to unmarshal chapter", slog.Any("error", err))
		return
	}

	if err := s.player.SeekChapter(chapter.Index); err != nil {
		s.sendError(client, s.currentTrack(), err)
		return
	}
	s.broadcast(s.playerUpdate())
}

// onTick retires a session that played out and publishes the status of an
// active one.
func (s *Server) onTick() {
	if s.player.Ended() {
		track := s.currentTrack()
		err := s.player.Err()
		s.player.Stop()

		if err != nil {
			s.logger.Warn("playback ended with error", slog.Any("error", err))
			s.broadcast(protocol.Message{
				Op: protocol.OpTrackError,
				Data: protocol.TrackErrorData{
					Track: track,
					Error: err.Error(),
					Kind:  errorKind(err),
				},
			})
			s.endTrack(protocol.TrackEndReasonError)
		} else {
			s.endTrack(protocol.TrackEndReasonFinished)
		}
		return
	}

	if s.player.State().IsActive() {
		s.broadcast(s.playerUpdate())
	}
}

func (s *Server) currentTrack() protocol.TrackInfo {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.track == nil {
		return protocol.TrackInfo{}
	}
	return *s.track
}

// endTrack announces the end of the current track once.
func (s *Server) endTrack(reason string) {
	s.trackMu.Lock()
	track := s.track
	s.track = nil
	s.trackMu.Unlock()

	if track == nil {
		return
	}

	s.logger.Info("track ended", slog.String("url", track.URL), slog.String("reason", reason))
	s.broadcast(protocol.Message{
		Op: protocol.OpTrackEnd,
		Data: protocol.TrackEndData{
			Track:  *track,
			Reason: reason,
		},
	})
}

func (s *Server) sendError(client *Client, track protocol.TrackInfo, err error) {
	client.send(protocol.Message{
		Op: protocol.OpTrackError,
		Data: protocol.TrackErrorData{
			Track: track,
			Error: err.Error(),
			Kind:  errorKind(err),
		},
	})
}

func (s *Server) playerUpdate() protocol.Message {
	return protocol.Message{
		Op:   protocol.OpPlayerUpdate,
		Data: playerUpdateData(s.player.Status()),
	}
}

func playerUpdateData(st transport.Status) protocol.PlayerUpdateData {
	data := protocol.PlayerUpdateData{
		State:         st.State.String(),
		SessionID:     st.SessionID,
		URL:           st.URL,
		Title:         st.Title,
		Position:      st.Position.Milliseconds(),
		Duration:      st.Expected.Milliseconds(),
		Elapsed:       st.Elapsed,
		PausedMs:      st.PausedTotal.Milliseconds(),
		BufferedBytes: st.Buffered,
		Downloaded:    st.Downloaded,
		Volume:        st.Volume,
		Chapter:       st.Chapter,
	}
	if st.ProgressKnown {
		progress := st.Progress
		data.Progress = &progress
	}
	return data
}

func (s *Server) GetStats() protocol.StatsData {
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return protocol.StatsData{
		Clients:     clients,
		State:       s.player.State().String(),
		Uptime:      time.Since(s.startTime).Milliseconds(),
		MemoryUsed:  memStats.Alloc,
		MemoryAlloc: memStats.TotalAlloc,
		Draining:    s.IsDraining(),
	}
}

func (s *Server) IsDraining() bool {
	s.drainMu.RLock()
	defer s.drainMu.RUnlock()
	return s.draining
}

func (s *Server) Drain(reason string, deadlineMs int64) {
	s.drainMu.Lock()
	s.draining = true
	s.drainMu.Unlock()

	s.logger.Info("entering drain mode", slog.String("reason", reason), slog.Int64("deadline_ms", deadlineMs))

	s.broadcast(protocol.Message{
		Op: protocol.OpNodeDraining,
		Data: protocol.NodeDrainingData{
			Reason:     reason,
			DeadlineMs: deadlineMs,
		},
	})
}

func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
