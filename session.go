/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicateUsername = errors.New("username already taken")
	ErrHostAlreadySet    = errors.New("host already set")
	ErrPlayerNotFound    = errors.New("player not found")
)

type PlayerID int

type ChatID int

// Handle is the outbound side of a player's connection.
type Handle interface {
	Send(frame string) error
}

// Player holds the data we store server-side
type Player struct {
	ID       PlayerID
	Username string

	conn Handle
}

type ChatEntry struct {
	ID     ChatID
	Author PlayerID
	Text   string
}

// Session is the authoritative state of one game. Every method holds the
// lock for its whole duration; none of them perform I/O.
type Session struct {
	mu sync.RWMutex

	code    string
	hostKey string
	host    string
	players []*Player
	chat    []ChatEntry

	createdAt  time.Time
	lastActive time.Time
	attached   int
}

func NewSession(code, hostKey string) *Session {
	now := time.Now()

	return &Session{
		code:       code,
		hostKey:    hostKey,
		createdAt:  now,
		lastActive: now,
	}
}

func (s *Session) Code() string {
	return s.code
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) findLocked(username string) *Player {
	for _, p := range s.players {
		if p.Username == username {
			return p
		}
	}

	return nil
}

func (s *Session) playerLocked(id PlayerID) *Player {
	if id < 0 || int(id) >= len(s.players) {
		return nil
	}

	return s.players[id]
}

// AddPlayer registers a new player. Offering the session's host key makes
// the player host, provided nobody holds that role yet; offering any key
// once a host exists is rejected.
func (s *Session) AddPlayer(username, hostKey string) (PlayerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()

	if s.findLocked(username) != nil {
		return 0, ErrDuplicateUsername
	}

	if hostKey != "" {
		if s.host != "" {
			return 0, ErrHostAlreadySet
		}

		if subtle.ConstantTimeCompare([]byte(hostKey), []byte(s.hostKey)) == 1 {
			s.host = username
		}
	}

	id := PlayerID(len(s.players))
	s.players = append(s.players, &Player{ID: id, Username: username})

	return id, nil
}

// AssociateConnection points a player at a connection, replacing any
// previous one.
func (s *Session) AssociateConnection(id PlayerID, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.playerLocked(id)
	if p == nil {
		return ErrPlayerNotFound
	}

	p.conn = h

	return nil
}

// DissociateConnection clears a player's connection, unless another
// connection has taken over since.
func (s *Session) DissociateConnection(id PlayerID, h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.playerLocked(id); p != nil && p.conn == h {
		p.conn = nil
	}
}

func (s *Session) Username(id PlayerID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.playerLocked(id)
	if p == nil {
		return "", ErrPlayerNotFound
	}

	return p.Username, nil
}

func (s *Session) PlayerID(username string) (PlayerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.findLocked(username)
	if p == nil {
		return 0, ErrPlayerNotFound
	}

	return p.ID, nil
}

func (s *Session) AppendChat(author, text string) (ChatID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findLocked(author)
	if p == nil {
		return 0, ErrPlayerNotFound
	}

	s.lastActive = time.Now()

	id := ChatID(len(s.chat))
	s.chat = append(s.chat, ChatEntry{
		ID:     id,
		Author: p.ID,
		Text:   text,
	})

	return id, nil
}

// Host returns the host's username, if one has been elevated.
func (s *Session) Host() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.host, s.host != ""
}

// Players returns a copy of the roster in join order.
func (s *Session) Players() []Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, Player{ID: p.ID, Username: p.Username})
	}

	return out
}

func (s *Session) Chat() []ChatEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChatEntry, len(s.chat))
	copy(out, s.chat)

	return out
}

// Peers returns the live handles of every player other than except. The
// caller sends on them after the lock is released.
func (s *Session) Peers(except PlayerID) []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Handle, 0, len(s.players))
	for _, p := range s.players {
		if p.ID == except || p.conn == nil {
			continue
		}
		out = append(out, p.conn)
	}

	return out
}

// Attach and Detach count open connections for the idle reaper.
func (s *Session) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached++
	s.lastActive = time.Now()
}

func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attached > 0 {
		s.attached--
	}
	s.lastActive = time.Now()
}

// IdleSince reports whether nobody is connected and nothing has happened
// since cutoff.
func (s *Session) IdleSince(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.attached == 0 && s.lastActive.Before(cutoff)
}
