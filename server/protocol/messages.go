package protocol

import (
	"github.com/disgoorg/snowflake/v2"
)

// Message is the base WebSocket message structure
type Message struct {
	Op   uint8 `json:"op"`
	Data any   `json:"d,omitempty"`
}

type IdentifyData struct {
	Client string `json:"client"`
}

type PlayData struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	// ChaptersURL points at a Podcasting 2.0 chapters document.
	ChaptersURL string `json:"chapters_url,omitempty"`
}

// SeekData carries either a relative or an absolute target. Relative seeks
// are applied in whole seconds.
type SeekData struct {
	DeltaMs    *int64 `json:"delta_ms,omitempty"`
	PositionMs *int64 `json:"position_ms,omitempty"`
}

type VolumeData struct {
	Volume int `json:"volume"`
}

type ChapterData struct {
	Index int `json:"index"`
}

type ReadyData struct {
	SessionID string `json:"session_id"`
}

type PlayerUpdateData struct {
	// State is the transport state name: idle, buffering, playing or paused.
	State         string       `json:"state"`
	SessionID     snowflake.ID `json:"session_id,omitempty"`
	URL           string       `json:"url,omitempty"`
	Title         string       `json:"title,omitempty"`
	Position      int64        `json:"position"`
	Duration      int64        `json:"duration,omitempty"`
	Progress      *float64     `json:"progress,omitempty"`
	Elapsed       string       `json:"elapsed"`
	PausedMs      int64        `json:"paused_ms,omitempty"`
	BufferedBytes int64        `json:"buffered_bytes,omitempty"`
	Downloaded    bool         `json:"downloaded,omitempty"`
	Volume        int          `json:"volume"`
	Chapter       string       `json:"chapter,omitempty"`
}

type TrackInfo struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

type TrackStartData struct {
	SessionID snowflake.ID `json:"session_id"`
	Track     TrackInfo    `json:"track"`
}

type TrackEndData struct {
	Track  TrackInfo `json:"track"`
	Reason string    `json:"reason"`
}

type TrackErrorData struct {
	Track TrackInfo `json:"track"`
	Error string    `json:"error"`
	Kind  string    `json:"kind"`
}

type StatsData struct {
	Clients     int    `json:"clients"`
	State       string `json:"state"`
	Uptime      int64  `json:"uptime"`
	MemoryUsed  uint64 `json:"memory_used"`
	MemoryAlloc uint64 `json:"memory_alloc"`
	Draining    bool   `json:"draining"`
}

type NodeDrainingData struct {
	Reason     string `json:"reason"`
	DeadlineMs int64  `json:"deadline_ms"`
}
