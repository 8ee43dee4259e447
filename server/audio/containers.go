package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
)

type WAV struct{}

func (WAV) Name() string { return "wav" }

func (WAV) Sniff(head []byte) bool {
	return len(head) >= 12 && string(head[:4]) == "RIFF" && string(head[8:12]) == "WAVE"
}

func (WAV) Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	r = hideSeek(r)
	s, format, err := wav.Decode(r)
	if err != nil {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("create wav decoder: %w", err)
	}
	return closeBoth{s, r}, format, nil
}

type FLAC struct{}

func (FLAC) Name() string { return "flac" }

func (FLAC) Sniff(head []byte) bool {
	return len(head) >= 4 && string(head[:4]) == "fLaC"
}

func (FLAC) Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	r = hideSeek(r)
	s, format, err := flac.Decode(r)
	if err != nil {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("create flac decoder: %w", err)
	}
	return closeBoth{s, r}, format, nil
}

type Vorbis struct{}

func (Vorbis) Name() string { return "vorbis" }

func (Vorbis) Sniff(head []byte) bool {
	return isOgg(head) && bytes.Contains(firstPage(head), []byte("\x01vorbis"))
}

func (Vorbis) Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error) {
	r = hideSeek(r)
	s, format, err := vorbis.Decode(r)
	if err != nil {
		r.Close()
		return nil, beep.Format{}, fmt.Errorf("create vorbis decoder: %w", err)
	}
	return closeBoth{s, r}, format, nil
}

func isOgg(head []byte) bool {
	return len(head) >= 4 && string(head[:4]) == "OggS"
}

// firstPage returns the bytes of the first Ogg page, which carries the
// codec identification packet.
func firstPage(head []byte) []byte {
	if len(head) < 27 {
		return nil
	}
	segments := int(head[26])
	size := 27 + segments
	if len(head) < size {
		return head
	}
	for _, l := range head[27:size] {
		size += int(l)
	}
	return head[:min(size, len(head))]
}

// closeBoth closes the decoder and then the underlying reader; not every
// beep decoder owns its reader.
type closeBoth struct {
	beep.StreamCloser
	r io.Closer
}

func (c closeBoth) Close() error {
	err := c.StreamCloser.Close()
	if cerr := c.r.Close(); err == nil {
		err = cerr
	}
	return err
}
