/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	codeLength    = 8
	hostKeyLength = 128
)

var ErrGameNotFound = errors.New("game not found")

// randomLetters returns n crypto-random uppercase ASCII letters.
func randomLetters(n int) (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const limit = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}

		for _, b := range buf {
			if b > limit {
				continue
			}

			out = append(out, letters[int(b)%len(letters)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out), nil
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}

	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}

	return true
}

type game struct {
	code      string
	path      string
	cmd       *exec.Cmd
	createdAt time.Time
}

// spawnFunc starts a session process listening on path.
type spawnFunc func(path, hostKey string) (*exec.Cmd, error)

// GameManager tracks the session processes launched by this front door.
type GameManager struct {
	mu    sync.Mutex
	cfg   *Config
	games map[string]*game
	spawn spawnFunc
}

func newGameManager(cfg *Config, spawn spawnFunc) *GameManager {
	return &GameManager{
		cfg:   cfg,
		games: make(map[string]*game),
		spawn: spawn,
	}
}

// spawnSession launches the configured binary's session command with the
// socket path and host key in its environment.
func spawnSession(cfg *Config) spawnFunc {
	return func(path, hostKey string) (*exec.Cmd, error) {
		bin := cfg.gameBinPath
		if bin == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("failed to locate executable: %w", err)
			}
			bin = self
		}

		cmd := exec.Command(bin, "session")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			envPrefix+"_GAME_PATH="+path,
			envPrefix+"_HOST_KEY="+hostKey,
			envPrefix+"_PROBE_PATH="+cfg.probeSocket(),
			envPrefix+"_IDLE_TIMEOUT="+cfg.sessionTimeout.String(),
			envPrefix+"_KEEPALIVE="+cfg.sessionAlive.String(),
			fmt.Sprintf("%s_VERBOSE=%t", envPrefix, cfg.verbose),
		)

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", bin, err)
		}

		return cmd, nil
	}
}

// claim reserves a code whose socket path is neither registered nor present
// on disk.
func (gm *GameManager) claim() (*game, error) {
	for {
		code, err := randomLetters(codeLength)
		if err != nil {
			return nil, err
		}

		path := filepath.Join(gm.cfg.socketDir, code)

		gm.mu.Lock()
		if _, exists := gm.games[code]; exists {
			gm.mu.Unlock()

			continue
		}

		_, err = os.Lstat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			g := &game{code: code, path: path, createdAt: time.Now()}
			gm.games[code] = g
			gm.mu.Unlock()

			return g, nil
		case err != nil:
			gm.mu.Unlock()

			return nil, fmt.Errorf("failed to check socket path %s: %w", path, err)
		}
		gm.mu.Unlock()
	}
}

func (gm *GameManager) release(code string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	delete(gm.games, code)
}

// Create allocates a code and host key and launches a session for them.
func (gm *GameManager) Create() (string, string, error) {
	hostKey, err := randomLetters(hostKeyLength)
	if err != nil {
		return "", "", err
	}

	g, err := gm.claim()
	if err != nil {
		return "", "", err
	}

	cmd, err := gm.spawn(g.path, hostKey)
	if err != nil {
		gm.release(g.code)

		return "", "", err
	}

	gm.mu.Lock()
	g.cmd = cmd
	gm.mu.Unlock()

	go gm.wait(g)

	return g.code, hostKey, nil
}

// wait reaps a session process and forgets it once it exits.
func (gm *GameManager) wait(g *game) {
	err := g.cmd.Wait()

	gm.release(g.code)
	_ = os.Remove(g.path)

	if err != nil {
		logf(gm.cfg, "GAMES: Session %s exited after %s: %v", g.code, time.Since(g.createdAt).Round(time.Second), err)

		return
	}

	logf(gm.cfg, "GAMES: Session %s ended after %s", g.code, time.Since(g.createdAt).Round(time.Second))
}

func (gm *GameManager) SocketPath(code string) (string, error) {
	if !validCode(code) {
		return "", ErrGameNotFound
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()

	g, ok := gm.games[code]
	if !ok || g.cmd == nil {
		return "", ErrGameNotFound
	}

	return g.path, nil
}

func (gm *GameManager) Len() int {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	return len(gm.games)
}

// Shutdown asks every live session process to exit.
func (gm *GameManager) Shutdown() {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	for code, g := range gm.games {
		if g.cmd == nil || g.cmd.Process == nil {
			continue
		}

		if err := g.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logf(gm.cfg, "GAMES: Failed to stop session %s: %v", code, err)
		}
	}
}

func serveCreateGame(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		securityHeaders(cfg, w)

		code, hostKey, err := gm.Create()
		if err != nil {
			errorf("failed to create game: %v", err)
			http.Error(w, "unable to create game", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte(code + "\n" + hostKey)); err != nil {
			errs <- err

			return
		}

		logf(cfg, "GAMES: Created game %s for %s in %s",
			code,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveGameProxy forwards a websocket join to the session's unix socket.
func serveGameProxy(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		path, err := gm.SocketPath(code)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)

			return
		}

		// The proxied stream outlives the server's request timeouts.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.Out.URL.Scheme = "http"
				pr.Out.URL.Host = "session"
				pr.Out.URL.Path = "/ws"
				pr.Out.URL.RawPath = ""
				pr.Out.Host = "session"
				pr.SetXForwarded()
			},
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				logf(cfg, "GAMES: Proxy to %s failed: %v", code, err)
				http.Error(w, "session unavailable", http.StatusBadGateway)
			},
		}

		logf(cfg, "SERVE: Joining %s to game %s", realIP(r), code)

		proxy.ServeHTTP(w, r)
	}
}

func joinURL(cfg *Config, r *http.Request, code string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.Replace(proto, "http", "ws", 1)
	}

	return scheme + "://" + r.Host + cfg.prefix + "/game/" + code + "/ws"
}

// serveQR renders the join URL of a live game as a PNG QR code.
func serveQR(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		if _, err := gm.SocketPath(code); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)

			return
		}

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(joinURL(cfg, r, code), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)

		if _, err := w.Write(png); err != nil {
			errs <- err
		}
	}
}
