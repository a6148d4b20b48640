/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the stream and runs its connection loop. A failed
// handshake abandons the stream.
func serveWS(ctx context.Context, cfg *Config, session *Session, prober Prober) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "CONN: Upgrade on %s failed: %v", session.Code(), err)

			return
		}

		serveSocket(ctx, cfg, session, prober, ws)
	}
}

func newSessionRouter(ctx context.Context, cfg *Config, session *Session, prober Prober, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		errorf("panic serving %s: %v", session.Code(), i)
		http.Error(w, "An error has occurred. Please try again.", http.StatusInternalServerError)
	}

	mux.GET("/", serveWS(ctx, cfg, session, prober))
	mux.GET("/ws", serveWS(ctx, cfg, session, prober))
	mux.GET("/healthz", serveHealthCheck(cfg, errs))

	return mux
}

// listenUnix binds a unix socket at path, replacing a stale socket file.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	return listener, nil
}

// reapWhenIdle cancels the session once nobody has been connected for the
// configured idle timeout.
func reapWhenIdle(ctx context.Context, cfg *Config, session *Session, cancel context.CancelFunc) {
	ticker := time.NewTicker(max(cfg.idleTimeout/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if session.IdleSince(time.Now().Add(-cfg.idleTimeout)) {
				logf(cfg, "GAMES: Session %s idle for %s, ending", session.Code(), cfg.idleTimeout)
				cancel()

				return
			}
		}
	}
}

// ServeSession runs one game session until ctx is cancelled or the session
// goes idle.
func ServeSession(ctx context.Context, cfg *Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := NewSession(filepath.Base(cfg.gamePath), cfg.hostKey)
	prober := newProber(cfg.probeSocket())

	listener, err := listenUnix(cfg.gamePath)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.gamePath)

	errs := make(chan error, 64)
	go drainErrors(cfg, errs)

	srv := &http.Server{
		Handler:           newSessionRouter(ctx, cfg, session, prober, errs),
		ReadHeaderTimeout: timeout,
	}

	logf(cfg, "START: Session %s (host key %s) listening on %s", session.Code(), redact(cfg.hostKey), cfg.gamePath)

	if cfg.idleTimeout > 0 {
		go reapWhenIdle(ctx, cfg, session, cancel)
	}

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	logf(cfg, "STOP: Session %s with %d players after %s",
		session.Code(),
		len(session.Players()),
		time.Since(session.CreatedAt()).Round(time.Second),
	)

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}
