package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ducks/shellcast/server/audio"
	"github.com/ducks/shellcast/server/chapters"
	"github.com/ducks/shellcast/server/config"
	"github.com/ducks/shellcast/server/download"
	"github.com/ducks/shellcast/server/engine"
	"github.com/ducks/shellcast/server/output"
	"github.com/ducks/shellcast/server/server"
	"github.com/ducks/shellcast/server/transport"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

const (
	version      = "1.0.0"
	drainTimeout = 10 * time.Second // time to let control clients disconnect before force shutdown
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("shellcast", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	playURL := flags.String("play", "", "play one episode URL and exit when it ends")
	title := flags.String("title", "", "episode title shown while playing")
	duration := flags.Duration("duration", 0, "advertised episode duration, e.g. 42m")
	chaptersURL := flags.String("chapters", "", "Podcasting 2.0 chapters URL")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Usage: %s [--config path] [--play URL [--title T] [--duration 42m]]\n", os.Args[0])
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting shellcast",
		slog.String("version", version),
		slog.String("output", cfg.Output.Driver),
	)

	dev, err := output.Open(cfg.Output)
	if err != nil {
		logger.Error("failed to open output", slog.Any("error", err))
		return 1
	}

	eng := engine.New(dev, audio.Default(), cfg.Engine, logger)
	defer eng.Close()

	dl := download.New(cfg.Download, afero.NewOsFs(), logger)
	defer dl.Wait()

	tr := transport.New(dl, eng, logger)
	defer tr.Close()

	if *playURL != "" {
		req := transport.Request{URL: *playURL, Title: *title, Expected: *duration}
		return playOne(logger, tr, req, *chaptersURL, cfg.Server.TickInterval)
	}
	return serve(logger, tr, cfg.Server)
}

// playOne plays req in the foreground and prints progress every tick.
func playOne(logger *slog.Logger, tr *transport.Transport, req transport.Request, chaptersURL string, tick time.Duration) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tr.Play(ctx, req); err != nil {
		if ctx.Err() != nil {
			return 130
		}
		logger.Error("playback failed", slog.String("url", req.URL), slog.Any("error", err))
		return 1
	}

	if chaptersURL != "" {
		client := &http.Client{Timeout: 15 * time.Second}
		if list, err := chapters.Fetch(ctx, client, chaptersURL); err != nil {
			logger.Warn("failed to load chapters", slog.Any("error", err))
		} else {
			tr.SetChapters(list)
		}
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			tr.Stop()
			return 130
		case <-ticker.C:
			if tr.Ended() {
				err := tr.Err()
				tr.Stop()
				fmt.Println()
				if err != nil {
					logger.Error("playback ended with error", slog.Any("error", err))
					return 1
				}
				return 0
			}
			st := tr.Status()
			line := st.Elapsed
			if st.Title != "" {
				line = st.Title + "  " + line
			}
			if st.Chapter != "" {
				line += "  [" + st.Chapter + "]"
			}
			if st.State == transport.StatePaused {
				line += "  (paused)"
			}
			fmt.Printf("\r%s", line)
		}
	}
}

// serve runs the websocket control server and the health endpoints until
// a shutdown signal.
func serve(logger *slog.Logger, tr *transport.Transport, cfg config.Server) int {
	wsServer := server.NewServer(logger, tr, cfg.TickInterval)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		wsServer.Run(loopCtx)
	}()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", wsServer.HandleWebSocket)

	httpMux := http.NewServeMux()
	httpMux.Handle("/health", server.NewHealthHandler(wsServer, version))
	httpMux.Handle("/stats", server.NewStatsHandler(wsServer))

	wsHTTPServer := &http.Server{
		Addr:         cfg.WSAddr,
		Handler:      wsMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	healthHTTPServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		logger.Info("websocket server listening", slog.String("addr", cfg.WSAddr))
		if err := wsHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go func() {
		logger.Info("health server listening", slog.String("addr", cfg.HTTPAddr))
		if err := healthHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", slog.Any("error", err))
		code = 1
	}

	wsServer.Drain("shutdown", drainTimeout.Milliseconds())
	tr.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

DrainLoop:
	for {
		select {
		case <-drainCtx.Done():
			logger.Warn("drain timeout reached, forcing shutdown")
			break DrainLoop
		case <-sigChan:
			logger.Warn("second signal, forcing shutdown")
			break DrainLoop
		case <-ticker.C:
			clients := wsServer.ClientCount()
			if clients == 0 {
				break DrainLoop
			}
			logger.Info("waiting for control clients", slog.Int("remaining_clients", clients))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down servers...")

	stopLoop()
	<-loopDone

	if err := wsHTTPServer.Shutdown(ctx); err != nil {
		logger.Error("websocket server shutdown error", slog.Any("error", err))
	}
	if err := healthHTTPServer.Shutdown(ctx); err != nil {
		logger.Error("health server shutdown error", slog.Any("error", err))
	}

	logger.Info("shellcast stopped")
	return code
}
