package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"gopkg.in/hraban/opus.v2"
)

// libopusfile always decodes at 48kHz.
const opusSampleRate = 48000

type Opus struct{}

func (Opus) Name() string { return "opus" }

func (Opus) Sniff(head []byte) bool {
	return isOgg(head) && bytes.Contains(firstPage(head), []byte("OpusHead"))
}

func (Opus) Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	br := bufio.NewReaderSize(hideSeek(r), 4096)

	// OpusHead: magic(8) version(1) channel count(1)
	peek, err := br.Peek(128)
	if err != nil && len(peek) == 0 {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("read opus head: %w", err)
	}
	idx := bytes.Index(peek, []byte("OpusHead"))
	if idx < 0 || idx+9 >= len(peek) {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("%w: missing OpusHead", ErrUnknownFormat)
	}
	channels := int(peek[idx+9])
	if channels < 1 || channels > 2 {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("opus: unsupported channel count %d", channels)
	}

	stream, err := opus.NewStream(br)
	if err != nil {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("create opus decoder: %w", err)
	}

	format := beep.Format{
		SampleRate:  opusSampleRate,
		NumChannels: channels,
		Precision:   4,
	}
	return &opusStreamer{rc: r, stream: stream, channels: channels}, format, nil
}

type opusStreamer struct {
	rc       io.ReadCloser
	stream   *opus.Stream
	channels int
	pcm      []float32
	err      error
	done     bool
}

func (s *opusStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.done {
		return 0, false
	}

	want := len(samples) * s.channels
	if cap(s.pcm) < want {
		s.pcm = make([]float32, want)
	}

	filled := 0
	for filled < len(samples) {
		n, err := s.stream.ReadFloat32(s.pcm[:(len(samples)-filled)*s.channels])
		for i := 0; i < n; i++ {
			left := float64(s.pcm[i*s.channels])
			right := left
			if s.channels == 2 {
				right = float64(s.pcm[i*2+1])
			}
			samples[filled+i] = [2]float64{left, right}
		}
		filled += n

		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = fmt.Errorf("decode opus: %w", err)
			}
			break
		}
		if n == 0 {
			break
		}
	}
	return filled, filled > 0
}

func (s *opusStreamer) Err() error {
	return s.err
}

func (s *opusStreamer) Close() error {
	err := s.stream.Close()
	if cerr := s.rc.Close(); err == nil {
		err = cerr
	}
	return err
}
