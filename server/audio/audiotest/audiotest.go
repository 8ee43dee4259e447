// Package audiotest generates playable media and serves it over HTTP for
// tests.
package audiotest

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
)

const (
	wavHeaderSize = 44
	wavChannels   = 2
	wavBits       = 16
)

// WAV returns a 16-bit stereo PCM file holding a 440Hz tone.
func WAV(d time.Duration, rate int) []byte {
	frames := int(d.Seconds() * float64(rate))
	dataSize := frames * wavChannels * wavBits / 8

	b := make([]byte, wavHeaderSize+dataSize)
	copy(b[0:], "RIFF")
	binary.LittleEndian.PutUint32(b[4:], uint32(36+dataSize))
	copy(b[8:], "WAVE")
	copy(b[12:], "fmt ")
	binary.LittleEndian.PutUint32(b[16:], 16)
	binary.LittleEndian.PutUint16(b[20:], 1) // PCM
	binary.LittleEndian.PutUint16(b[22:], wavChannels)
	binary.LittleEndian.PutUint32(b[24:], uint32(rate))
	binary.LittleEndian.PutUint32(b[28:], uint32(rate*wavChannels*wavBits/8))
	binary.LittleEndian.PutUint16(b[32:], wavChannels*wavBits/8)
	binary.LittleEndian.PutUint16(b[34:], wavBits)
	copy(b[36:], "data")
	binary.LittleEndian.PutUint32(b[40:], uint32(dataSize))

	off := wavHeaderSize
	for i := 0; i < frames; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(b[off:], uint16(v))
		binary.LittleEndian.PutUint16(b[off+2:], uint16(v))
		off += 4
	}
	return b
}

// WAVOffset returns the byte offset of the sample frame at d in a file
// produced by WAV.
func WAVOffset(d time.Duration, rate int) int64 {
	return wavHeaderSize + int64(d.Seconds()*float64(rate))*wavChannels*wavBits/8
}

const (
	MP3SampleRate   = 44100
	MP3Bitrate      = 128000
	mp3FrameSamples = 1152
)

// MP3 returns a constant-bitrate MPEG-1 Layer III stream (128 kbps,
// 44.1 kHz, stereo) of silent frames lasting at least d. Zeroed side info
// and main data decode to silence.
func MP3(d time.Duration) []byte {
	frames := mp3Frames(d)
	b := make([]byte, mp3Size(frames))
	nominal := mp3Size(1)
	for i := 0; i < frames; i++ {
		off := mp3Size(i)
		b[off] = 0xFF
		b[off+1] = 0xFB // MPEG-1, Layer III, no CRC
		b[off+2] = 0x90 // 128 kbps, 44.1 kHz
		if mp3Size(i+1)-off > nominal {
			b[off+2] |= 0x02 // padding byte
		}
		b[off+3] = 0x00 // stereo
	}
	return b
}

// MP3Duration is the exact length of the stream MP3(d) returns.
func MP3Duration(d time.Duration) time.Duration {
	samples := int64(mp3Frames(d)) * mp3FrameSamples
	return time.Duration(samples) * time.Second / MP3SampleRate
}

// MP3Offset returns the byte offset of the frame playing at d.
func MP3Offset(d time.Duration) int64 {
	return int64(mp3Size(int(d.Seconds() * MP3SampleRate / mp3FrameSamples)))
}

func mp3Frames(d time.Duration) int {
	return int(math.Ceil(d.Seconds() * MP3SampleRate / mp3FrameSamples))
}

// mp3Size is the byte length of the first n frames. A frame carries a
// padding byte whenever the running total falls behind the bitrate.
func mp3Size(n int) int {
	return n * 144 * MP3Bitrate / MP3SampleRate
}

// SlowMagic starts every stream SlowCodec accepts.
const SlowMagic = "SLOW"

// SlowCodec decodes SlowMagic streams into endless silence at Rate,
// sleeping Delay on every Stream call. It stands in for a decoder that has
// a long way to go before a seek target.
type SlowCodec struct {
	Rate  beep.SampleRate
	Delay time.Duration
}

func (SlowCodec) Name() string { return "slow" }

func (SlowCodec) Sniff(head []byte) bool {
	return bytes.HasPrefix(head, []byte(SlowMagic))
}

func (c SlowCodec) Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	format := beep.Format{SampleRate: c.Rate, NumChannels: 2, Precision: 2}
	return &slowStreamer{rc: r, delay: c.Delay}, format, nil
}

// Slow returns a SlowCodec stream of n bytes.
func Slow(n int) []byte {
	b := make([]byte, max(n, len(SlowMagic)))
	copy(b, SlowMagic)
	return b
}

type slowStreamer struct {
	rc    io.ReadCloser
	delay time.Duration
}

func (s *slowStreamer) Stream(samples [][2]float64) (int, bool) {
	time.Sleep(s.delay)
	clear(samples)
	return len(samples), true
}

func (s *slowStreamer) Err() error {
	return nil
}

func (s *slowStreamer) Close() error {
	return s.rc.Close()
}

// Server serves body in full on every request.
func Server(t testing.TB, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// SlowServer sends the first head bytes at once and trickles the rest at
// roughly bytesPerSec.
func SlowServer(t testing.TB, body []byte, head int, bytesPerSec int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		head := min(head, len(body))
		w.Write(body[:head])
		w.(http.Flusher).Flush()

		const tick = 10 * time.Millisecond
		chunk := max(bytesPerSec/100, 1)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for off := head; off < len(body); off += chunk {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
			w.Write(body[off:min(off+chunk, len(body))])
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
