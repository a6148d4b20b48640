/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

var ErrSenderClosed = errors.New("sender closed")

// Sender serializes every write to one websocket. The connection loop, its
// keepalive and other players' chat fan-out all write through it.
type Sender struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	writeWait time.Duration
	closed    bool
}

func newSender(ws *websocket.Conn, writeWait time.Duration) *Sender {
	return &Sender{
		ws:        ws,
		writeWait: writeWait,
	}
}

func (s *Sender) deadline() time.Time {
	if s.writeWait <= 0 {
		return time.Time{}
	}

	return time.Now().Add(s.writeWait)
}

func (s *Sender) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}

	_ = s.ws.SetWriteDeadline(s.deadline())

	return s.ws.WriteMessage(messageType, data)
}

func (s *Sender) Send(frame string) error {
	return s.write(websocket.TextMessage, []byte(frame))
}

// Ping sends a keepalive control frame.
func (s *Sender) Ping() error {
	return s.write(websocket.PingMessage, nil)
}

// Close sends a close frame and marks the sender closed. The underlying
// connection is closed by the loop that owns it.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	_ = s.ws.SetWriteDeadline(s.deadline())
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// keepalive pings the peer every interval until done is closed.
func keepalive(cfg *Config, conn *Connection, out *Sender, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case <-done:
				return
			default:
			}

			if err := out.Ping(); err != nil {
				if !errors.Is(err, ErrSenderClosed) {
					logf(cfg, "CONN: Keepalive on %s failed: %v", conn.ID, err)
				}

				return
			}
		}
	}
}

// serveSocket runs the connection loop for one upgraded stream and returns
// once the connection is closed.
func serveSocket(ctx context.Context, cfg *Config, session *Session, prober Prober, ws *websocket.Conn) {
	out := newSender(ws, cfg.writeTimeout)
	conn := newConnection(cfg, session, prober, out)

	if cfg.readLimit > 0 {
		ws.SetReadLimit(cfg.readLimit)
	}

	session.Attach()

	// Closing the transport is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() {
		_ = ws.Close()
	})
	defer stop()

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		keepalive(cfg, conn, out, cfg.keepalive, done)
	}()

	logf(cfg, "CONN: Opened %s on %s", conn.ID, session.Code())

	defer func() {
		close(done)

		if id, ok := conn.PlayerID(); ok {
			session.DissociateConnection(id, out)
		}
		conn.close()

		out.Close()
		_ = ws.Close()

		wg.Wait()
		session.Detach()

		logf(cfg, "CONN: Closed %s on %s", conn.ID, session.Code())
	}()

	for conn.Phase() != Closed {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logf(cfg, "CONN: Read on %s failed: %v", conn.ID, err)
			}

			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if !utf8.Valid(data) {
			logf(cfg, "CONN: Dropped invalid UTF-8 frame on %s", conn.ID)

			continue
		}

		startTime := time.Now()

		outcome := conn.Execute(ctx, ParseCommand(string(data)))

		if err := out.Send(outcome.Frame()); err != nil {
			logf(cfg, "CONN: Send on %s failed: %v", conn.ID, err)

			return
		}

		switch {
		case outcome.Kill:
			logf(cfg, "CMD: Protocol violation on %s, closing", conn.ID)

			return
		case outcome.Failed():
			logf(cfg, "CMD: %q on %s failed with %s in %s", outcome.Nonce, conn.ID, outcome.Code,
				time.Since(startTime).Round(time.Microsecond))
		default:
			logf(cfg, "CMD: %q on %s completed (%s) in %s", outcome.Nonce, conn.ID,
				humanReadableSize(int64(len(outcome.Payload))),
				time.Since(startTime).Round(time.Microsecond))
		}
	}
}
