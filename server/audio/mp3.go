package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always yields 16-bit little-endian stereo.
const mp3FrameBytes = 4

type MP3 struct{}

func (MP3) Name() string { return "mp3" }

func (MP3) Sniff(head []byte) bool {
	if len(head) >= 3 && string(head[:3]) == "ID3" {
		return true
	}
	_, ok := parseFrameHeader(head)
	return ok
}

func (MP3) Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	r = hideSeek(r)
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("create mp3 decoder: %w", err)
	}

	format := beep.Format{
		SampleRate:  beep.SampleRate(decoder.SampleRate()),
		NumChannels: 2,
		Precision:   2,
	}
	return &mp3Streamer{rc: r, decoder: decoder}, format, nil
}

// Locate estimates the offset of target assuming a constant bitrate taken
// from the first frame header. Streams carrying a Xing or VBRI table are
// variable bitrate and are decoded from the start instead.
func (MP3) Locate(head []byte, target time.Duration) (int64, time.Duration, bool) {
	audioStart, bitrate, ok := cbrLayout(head)
	if !ok {
		return 0, 0, false
	}
	offset := audioStart + int64(target.Seconds()*float64(bitrate)/8)
	return offset, target, true
}

// Timestamp is the inverse of Locate.
func (MP3) Timestamp(head []byte, offset int64) (time.Duration, bool) {
	audioStart, bitrate, ok := cbrLayout(head)
	if !ok || offset < audioStart {
		return 0, false
	}
	return time.Duration(float64(offset-audioStart) * 8 / float64(bitrate) * float64(time.Second)), true
}

// cbrLayout finds the first frame after any ID3 tag and its bitrate.
func cbrLayout(head []byte) (audioStart int64, bitrate int, ok bool) {
	start := skipID3(head)
	if start >= int64(len(head)) {
		return 0, 0, false
	}

	frame := head[start:]
	for i := 0; i+4 <= len(frame) && i < 8192; i++ {
		hdr, ok := parseFrameHeader(frame[i:])
		if !ok {
			continue
		}
		window := frame[i:min(len(frame), i+64)]
		if bytes.Contains(window, []byte("Xing")) || bytes.Contains(window, []byte("VBRI")) {
			return 0, 0, false
		}
		return start + int64(i), hdr.bitrate, true
	}
	return 0, 0, false
}

type mp3Streamer struct {
	rc      io.ReadCloser
	decoder *mp3.Decoder
	pcm     []byte
	err     error
	done    bool
}

func (s *mp3Streamer) Stream(samples [][2]float64) (int, bool) {
	if s.done {
		return 0, false
	}

	want := len(samples) * mp3FrameBytes
	if cap(s.pcm) < want {
		s.pcm = make([]byte, want)
	}
	buf := s.pcm[:want]

	n, err := io.ReadFull(s.decoder, buf)
	frames := n / mp3FrameBytes
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(buf[i*mp3FrameBytes:]))
		right := int16(binary.LittleEndian.Uint16(buf[i*mp3FrameBytes+2:]))
		samples[i][0] = float64(left) / 32768
		samples[i][1] = float64(right) / 32768
	}

	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.err = fmt.Errorf("read pcm: %w", err)
		}
		return frames, frames > 0
	}
	return frames, true
}

func (s *mp3Streamer) Err() error {
	return s.err
}

func (s *mp3Streamer) Close() error {
	return s.rc.Close()
}

type frameHeader struct {
	bitrate    int // bits per second
	sampleRate int
}

// MPEG audio version/layer/bitrate lookup tables (ISO 11172-3 / 13818-3).
var bitrateTable = [2][3][16]int{
	// MPEG-1
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	// MPEG-2 / MPEG-2.5
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

var sampleRateTable = [3][4]int{
	{44100, 48000, 32000, 0}, // MPEG-1
	{22050, 24000, 16000, 0}, // MPEG-2
	{11025, 12000, 8000, 0},  // MPEG-2.5
}

func parseFrameHeader(b []byte) (frameHeader, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, false
	}
	hdr := binary.BigEndian.Uint32(b[:4])

	versionBits := (hdr >> 19) & 0x03
	layerBits := (hdr >> 17) & 0x03
	bitrateIdx := (hdr >> 12) & 0x0F
	sampleIdx := (hdr >> 10) & 0x03

	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return frameHeader{}, false
	}

	// version bits: 0=2.5, 1=reserved, 2=2, 3=1
	var versionIdx, sampleVersion int
	switch versionBits {
	case 3:
		versionIdx, sampleVersion = 0, 0
	case 2:
		versionIdx, sampleVersion = 1, 1
	case 0:
		versionIdx, sampleVersion = 1, 2
	default:
		return frameHeader{}, false
	}

	// layer bits: 1=III, 2=II, 3=I; 0 is reserved (and is what ADTS AAC carries)
	var layerIdx int
	switch layerBits {
	case 3:
		layerIdx = 0
	case 2:
		layerIdx = 1
	case 1:
		layerIdx = 2
	default:
		return frameHeader{}, false
	}

	return frameHeader{
		bitrate:    bitrateTable[versionIdx][layerIdx][bitrateIdx] * 1000,
		sampleRate: sampleRateTable[sampleVersion][sampleIdx],
	}, true
}

// skipID3 returns the offset of the first byte after any ID3v2 tag.
func skipID3(head []byte) int64 {
	if len(head) < 10 || string(head[:3]) != "ID3" {
		return 0
	}
	// Synchsafe integer (4 bytes, 7 bits each)
	size := int64(head[6]&0x7F)<<21 | int64(head[7]&0x7F)<<14 | int64(head[8]&0x7F)<<7 | int64(head[9]&0x7F)
	offset := 10 + size
	if head[5]&0x10 != 0 {
		offset += 10 // footer
	}
	return offset
}
