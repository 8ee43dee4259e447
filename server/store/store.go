// Package store implements the append-only byte store that bridges the
// download worker and the decoder. One writer appends, any number of readers
// consume committed bytes concurrently.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrClosed          = errors.New("store: closed")
	ErrBeyondCommitted = errors.New("store: offset beyond committed bytes")
)

type Store struct {
	fs   afero.Fs
	file afero.File
	path string
	gen  uint64

	// afero's in-memory files share one cursor between ReadAt and
	// WriteAt, so file access is serialized.
	ioMu sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	committed int64
	finished  bool
	closed    bool
	err       error
}

// New creates an empty store backed by a temporary file in dir. gen tags
// the store with the download generation that owns it.
func New(fs afero.Fs, dir string, gen uint64) (*Store, error) {
	f, err := afero.TempFile(fs, dir, "shellcast-*.audio")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	s := &Store{
		fs:   fs,
		file: f,
		path: f.Name(),
		gen:  gen,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *Store) Generation() uint64 {
	return s.gen
}

func (s *Store) Path() string {
	return s.path
}

// Append writes p after the last committed byte. Only one goroutine may
// append; the bytes become visible to readers once the call returns.
func (s *Store) Append(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	off := s.committed
	s.mu.Unlock()

	// The writer is the only one touching bytes past committed, so the
	// write itself happens outside the lock.
	s.ioMu.Lock()
	n, err := s.file.WriteAt(p, off)
	s.ioMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return n, ErrClosed
	}
	s.committed += int64(n)
	s.cond.Broadcast()
	if err != nil {
		return n, fmt.Errorf("write temp file: %w", err)
	}
	return n, nil
}

// Finish marks the stream complete. Readers see io.EOF at the committed
// boundary from now on. err records why the writer stopped, if it failed.
func (s *Store) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	s.cond.Broadcast()
}

func (s *Store) Committed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Store) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the error the writer finished with, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the backing file. Blocked readers wake up with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.ioMu.Lock()
	err := s.file.Close()
	s.ioMu.Unlock()
	if rmErr := s.fs.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// Head returns a copy of up to n committed bytes from the start.
func (s *Store) Head(n int) ([]byte, error) {
	committed := s.Committed()
	if int64(n) > committed {
		n = int(committed)
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := s.readAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read head: %w", err)
	}
	return buf, nil
}

func (s *Store) readAt(p []byte, off int64) (int, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.file.ReadAt(p, off)
}

// wait blocks until bytes past off are committed and reports how many are
// available. follow=false turns the wait into ErrBeyondCommitted.
func (s *Store) wait(off int64, follow bool, stop *bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed || *stop {
			return 0, ErrClosed
		}
		if s.committed > off {
			return s.committed - off, nil
		}
		if s.finished {
			return 0, io.EOF
		}
		if !follow {
			return 0, ErrBeyondCommitted
		}
		s.cond.Wait()
	}
}

func (s *Store) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}
