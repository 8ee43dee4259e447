package store

import (
	"errors"
	"fmt"
	"io"
)

// Reader reads committed bytes of a Store. In follow mode a read at the
// committed boundary waits for the writer; in bounded mode it fails with
// ErrBeyondCommitted instead.
type Reader struct {
	s   *Store
	off int64

	// guarded by s.mu
	follow  bool
	stopped bool
}

var _ io.ReadSeekCloser = (*Reader)(nil)

// NewReader returns a follow-mode reader positioned at offset.
func (s *Store) NewReader(offset int64) *Reader {
	return &Reader{s: s, off: offset, follow: true}
}

// Bounded switches the reader to non-blocking mode.
func (r *Reader) Bounded() *Reader {
	r.s.mu.Lock()
	r.follow = false
	r.s.mu.Unlock()
	return r
}

// Follow switches the reader back to waiting for the writer.
func (r *Reader) Follow() *Reader {
	r.s.mu.Lock()
	r.follow = true
	r.s.mu.Unlock()
	r.s.wake()
	return r
}

func (r *Reader) Offset() int64 {
	return r.off
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.s.mu.Lock()
	follow := r.follow
	r.s.mu.Unlock()

	avail, err := r.s.wait(r.off, follow, &r.stopped)
	if err != nil {
		return 0, err
	}
	if int64(len(p)) > avail {
		p = p[:avail]
	}

	n, err := r.s.readAt(p, r.off)
	r.off += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		if r.s.Closed() {
			return n, ErrClosed
		}
		return n, fmt.Errorf("read temp file: %w", err)
	}
	return n, nil
}

// Seek never waits: targets past the committed boundary fail and leave the
// offset unchanged.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	committed := r.s.Committed()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.off + offset
	case io.SeekEnd:
		target = committed + offset
	default:
		return r.off, fmt.Errorf("store: invalid whence %d", whence)
	}

	if target < 0 {
		return r.off, fmt.Errorf("store: negative offset %d", target)
	}
	if target > committed {
		return r.off, fmt.Errorf("%w: %d > %d", ErrBeyondCommitted, target, committed)
	}
	r.off = target
	return r.off, nil
}

// Close unblocks a pending Read. The store itself stays open.
func (r *Reader) Close() error {
	r.s.mu.Lock()
	r.stopped = true
	r.s.cond.Broadcast()
	r.s.mu.Unlock()
	return nil
}
