/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Phase tracks what a connection is allowed to do.
type Phase int

const (
	AwaitingInit Phase = iota
	Active
	Closed
)

func (p Phase) String() string {
	switch p {
	case AwaitingInit:
		return "awaiting-init"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the per-stream state machine. It is owned by the goroutine
// running the connection loop and is not safe for concurrent use.
type Connection struct {
	ID uuid.UUID

	phase    Phase
	playerID PlayerID

	cfg     *Config
	session *Session
	prober  Prober
	out     Handle
}

func newConnection(cfg *Config, session *Session, prober Prober, out Handle) *Connection {
	return &Connection{
		ID:      uuid.New(),
		phase:   AwaitingInit,
		cfg:     cfg,
		session: session,
		prober:  prober,
		out:     out,
	}
}

func (c *Connection) Phase() Phase {
	return c.phase
}

// PlayerID is only meaningful once the connection is Active.
func (c *Connection) PlayerID() (PlayerID, bool) {
	return c.playerID, c.phase == Active
}

func (c *Connection) close() {
	c.phase = Closed
}

// admit enforces that INIT is the first and only INIT a connection sends.
func (c *Connection) admit(cmd Command) (ErrorCode, bool) {
	switch cmd.(type) {
	case ErrorCommand, KillCommand:
		return "", true
	}

	_, isInit := cmd.(InitCommand)

	if (c.phase == AwaitingInit) != isInit {
		if isInit {
			return CodeAlreadyInitialized, false
		}

		return CodeNotInitialized, false
	}

	return "", true
}

// Execute runs one command against the session and returns the frame to
// send back. It never holds the session lock across network I/O.
func (c *Connection) Execute(ctx context.Context, cmd Command) Outcome {
	if code, ok := c.admit(cmd); !ok {
		return failure(cmd.nonce(), code)
	}

	switch cmd := cmd.(type) {
	case InitCommand:
		return c.executeInit(cmd)
	case EchoCommand:
		return c.executeEcho(ctx, cmd)
	case ChatCommand:
		return c.executeChat(cmd)
	case ErrorCommand:
		return failure(cmd.Nonce, cmd.Code)
	case KillCommand:
		return Outcome{Kill: true}
	default:
		return failure(cmd.nonce(), CodeUnknownCommand)
	}
}

func (c *Connection) executeInit(cmd InitCommand) Outcome {
	id, err := c.session.AddPlayer(cmd.Username, cmd.HostKey)
	if err != nil {
		return failure(cmd.Nonce, codeFor(err))
	}

	if err := c.session.AssociateConnection(id, c.out); err != nil {
		return failure(cmd.Nonce, codeFor(err))
	}

	c.playerID = id
	c.phase = Active

	if host, ok := c.session.Host(); ok && host == cmd.Username {
		logf(c.cfg, "GAMES: Player %q joined %s as host (#%d)", cmd.Username, c.session.Code(), id)
	} else {
		logf(c.cfg, "GAMES: Player %q joined %s (#%d)", cmd.Username, c.session.Code(), id)
	}

	return success(cmd.Nonce, successPayload)
}

func (c *Connection) executeEcho(ctx context.Context, cmd EchoCommand) Outcome {
	reply, err := c.prober.Probe(ctx, cmd.Payload)
	if err != nil {
		logf(c.cfg, "PROBE: Connection %s: %v", c.ID, err)

		var pe *ProbeError
		if errors.As(err, &pe) {
			return failure(cmd.Nonce, pe.Code())
		}

		return failure(cmd.Nonce, CodeReadFailed)
	}

	return success(cmd.Nonce, reply)
}

// executeChat appends to the log, then sends to each peer in turn from this
// connection's goroutine. The session lock is released before any send, so a
// stalled peer only delays this author's reply, bounded by the write timeout.
func (c *Connection) executeChat(cmd ChatCommand) Outcome {
	username, err := c.session.Username(c.playerID)
	if err != nil {
		return failure(cmd.Nonce, codeFor(err))
	}

	if _, err := c.session.AppendChat(username, cmd.Text); err != nil {
		return failure(cmd.Nonce, codeFor(err))
	}

	frame := ChatFrame(username, cmd.Text)
	for _, peer := range c.session.Peers(c.playerID) {
		if err := peer.Send(frame); err != nil {
			logf(c.cfg, "CONN: Chat fan-out from %q failed: %v", username, err)
		}
	}

	return success(cmd.Nonce, successPayload)
}

func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrDuplicateUsername):
		return CodeDuplicateUsername
	case errors.Is(err, ErrHostAlreadySet):
		return CodeHostAlreadySet
	default:
		return CodeUnknownPlayer
	}
}
