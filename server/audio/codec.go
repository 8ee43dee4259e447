package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gopxl/beep/v2"
)

var ErrUnknownFormat = errors.New("unknown audio format")

// SniffSize is how many head bytes Detect looks at.
const SniffSize = 512

type Codec interface {
	Name() string
	Sniff(head []byte) bool
	Decode(r io.ReadCloser) (beep.StreamCloser, beep.Format, error)
}

// Locator is implemented by codecs that can map a time offset to a byte
// offset so a seek does not have to decode from the start. at is the time
// the returned offset corresponds to; it is never after target.
//
// Timestamp maps a byte offset back to media time, so a caller can step
// back from an offset that did not decode.
type Locator interface {
	Locate(head []byte, target time.Duration) (offset int64, at time.Duration, ok bool)
	Timestamp(head []byte, offset int64) (time.Duration, bool)
}

// noSeek hides Seek from decoders that would otherwise scan the whole
// stream to measure it.
type noSeek struct {
	io.ReadCloser
}

func hideSeek(r io.ReadCloser) io.ReadCloser {
	if _, ok := r.(io.Seeker); !ok {
		return r
	}
	return noSeek{r}
}

type Registry struct {
	codecs []Codec
}

func NewRegistry(codecs ...Codec) *Registry {
	return &Registry{codecs: codecs}
}

// Default knows every container shellcast can play.
func Default() *Registry {
	return NewRegistry(MP3{}, WAV{}, FLAC{}, Vorbis{}, Opus{})
}

func (r *Registry) Detect(head []byte) (Codec, error) {
	if len(head) > SniffSize {
		head = head[:SniffSize]
	}
	for _, c := range r.codecs {
		if c.Sniff(head) {
			return c, nil
		}
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: empty stream", ErrUnknownFormat)
	}
	return nil, fmt.Errorf("%w: leading bytes % x", ErrUnknownFormat, head[:min(len(head), 8)])
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.codecs))
	for i, c := range r.codecs {
		names[i] = c.Name()
	}
	return names
}
