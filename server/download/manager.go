package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ducks/shellcast/server/config"
	"github.com/ducks/shellcast/server/store"
	"github.com/spf13/afero"
)

var (
	ErrNetwork        = errors.New("network error")
	ErrStorage        = errors.New("storage error")
	ErrUnsupportedURL = fmt.Errorf("%w: unsupported url", ErrNetwork)
)

type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNetwork
}

// Manager fetches media into byte stores. Every Begin advances the active
// generation; a continuation worker exits as soon as its generation is no
// longer the active one.
type Manager struct {
	cfg    config.Download
	fs     afero.Fs
	client *http.Client
	logger *slog.Logger

	active atomic.Uint64
	wg     sync.WaitGroup
}

func New(cfg config.Download, fs afero.Fs, logger *slog.Logger) *Manager {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		DisableCompression:    true,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Manager{
		cfg: cfg,
		fs:  fs,
		client: &http.Client{
			Transport: transport,
			Timeout:   0, // bodies are read for the whole episode
		},
		logger: logger.With("component", "download"),
	}
}

// Active returns the generation of the most recent Begin.
func (m *Manager) Active() uint64 {
	return m.active.Load()
}

// Begin fetches url into a fresh store. It returns once the head window is
// committed (or the body ended first); the rest is appended by a background
// worker. ctx governs the whole transfer: cancelling it ends the worker.
func (m *Manager) Begin(ctx context.Context, rawURL string) (*store.Store, error) {
	target, err := m.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	gen := m.active.Add(1)
	st, err := store.New(m.fs, m.cfg.TempDir, gen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	m.logger.Info("starting download",
		slog.String("url", target),
		slog.Uint64("generation", gen),
	)

	// reqCtx outlives Begin: the continuation worker cancels it when the
	// body is done.
	reqCtx, cancel := context.WithCancel(ctx)

	body, err := m.open(reqCtx, target)
	if err != nil {
		cancel()
		st.Close()
		return nil, err
	}

	started := time.Now()
	eof, err := m.readHead(ctx, cancel, body, st)
	if err != nil {
		body.Close()
		cancel()
		st.Close()
		return nil, err
	}

	m.logger.Debug("head window committed",
		slog.Int64("bytes", st.Committed()),
		slog.Duration("took", time.Since(started)),
	)

	if eof {
		body.Close()
		cancel()
		st.Finish(nil)
		m.logger.Info("download complete", slog.Int64("bytes", st.Committed()))
		return st, nil
	}

	m.wg.Add(1)
	go m.continueDownload(body, cancel, st)

	return st, nil
}

func (m *Manager) open(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrNetwork, err)
	}
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch audio: %w", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return resp.Body, nil
}

// readHead commits up to HeadWindow bytes. It reports whether the body
// ended inside the window.
func (m *Manager) readHead(ctx context.Context, cancel context.CancelFunc, body io.Reader, st *store.Store) (bool, error) {
	var timedOut atomic.Bool
	if m.cfg.HeadTimeout > 0 {
		timer := time.AfterFunc(m.cfg.HeadTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	buf := make([]byte, m.cfg.ChunkSize)
	for st.Committed() < m.cfg.HeadWindow {
		want := int64(len(buf))
		if rest := m.cfg.HeadWindow - st.Committed(); rest < want {
			want = rest
		}

		n, err := body.Read(buf[:want])
		if n > 0 {
			if _, werr := st.Append(buf[:n]); werr != nil {
				return false, fmt.Errorf("%w: %w", ErrStorage, werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return false, fmt.Errorf("%w: buffer audio: %w", ErrNetwork, ctx.Err())
			case timedOut.Load():
				return false, fmt.Errorf("%w: head window not filled within %v: %w", ErrNetwork, m.cfg.HeadTimeout, context.DeadlineExceeded)
			}
			return false, fmt.Errorf("%w: buffer audio: %w", ErrNetwork, err)
		}
	}
	return false, nil
}

func (m *Manager) continueDownload(body io.ReadCloser, cancel context.CancelFunc, st *store.Store) {
	defer m.wg.Done()
	defer cancel()
	defer body.Close()

	logger := m.logger.With(slog.Uint64("generation", st.Generation()))
	buf := make([]byte, m.cfg.ChunkSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if m.active.Load() != st.Generation() {
				logger.Debug("download superseded, stopping worker")
				st.Finish(nil)
				return
			}
			if _, werr := st.Append(buf[:n]); werr != nil {
				if !errors.Is(werr, store.ErrClosed) {
					logger.Warn("failed to write chunk", slog.Any("error", werr))
				}
				st.Finish(werr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			st.Finish(nil)
			logger.Info("download complete", slog.Int64("bytes", st.Committed()))
			return
		}
		if err != nil {
			// Playback keeps going and ends at the last committed byte.
			if !st.Closed() {
				logger.Warn("download interrupted", slog.Any("error", err), slog.Int64("bytes", st.Committed()))
			}
			st.Finish(err)
			return
		}
	}
}

// Retire abandons st: if it belongs to the active generation the generation
// moves on, so its worker stops at the next chunk. The store is closed and
// its temp file removed.
func (m *Manager) Retire(st *store.Store) {
	if st == nil {
		return
	}
	m.active.CompareAndSwap(st.Generation(), st.Generation()+1)
	if err := st.Close(); err != nil {
		m.logger.Debug("failed to remove temp file", slog.String("path", st.Path()), slog.Any("error", err))
	}
}

// Wait blocks until every continuation worker has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
