/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proberFunc func(ctx context.Context, payload string) (string, error)

func (f proberFunc) Probe(ctx context.Context, payload string) (string, error) {
	return f(ctx, payload)
}

func echoProber() Prober {
	return proberFunc(func(_ context.Context, payload string) (string, error) {
		return payload, nil
	})
}

func testConfig() *Config {
	return &Config{
		readLimit:    8192,
		writeTimeout: time.Second,
	}
}

func newTestConnection(session *Session, prober Prober) (*Connection, *recorder) {
	out := &recorder{}

	return newConnection(testConfig(), session, prober, out), out
}

func TestExecuteRequiresInit(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	probed := false
	c, _ := newTestConnection(s, proberFunc(func(_ context.Context, payload string) (string, error) {
		probed = true
		return payload, nil
	}))

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"echo", "n1\nECHO\nhello", "-n1\nNOT_INITIALIZED"},
		{"chat", "n2\nCHAT\nhi", "-n2\nNOT_INITIALIZED"},
		{"parse error passes through", "n3\nMOVE", "-n3\nUNKNOWN_COMMAND"},
		{"missing payload passes through", "n4\nECHO", "-n4\nMISSING_PAYLOAD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Execute(context.Background(), ParseCommand(tt.frame))
			assert.Equal(t, tt.want, got.Frame())
			assert.Equal(t, AwaitingInit, c.Phase())
		})
	}

	assert.False(t, probed)
	assert.Empty(t, s.Players())
	assert.Empty(t, s.Chat())

	_, ok := c.PlayerID()
	assert.False(t, ok)
}

func TestExecuteInit(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)
	c, out := newTestConnection(s, echoProber())

	got := c.Execute(context.Background(), ParseCommand("n1\nINIT\nalice\n"+testHostKey))
	assert.Equal(t, "n1\nSUCCESS", got.Frame())
	assert.Equal(t, Active, c.Phase())

	id, ok := c.PlayerID()
	require.True(t, ok)
	assert.Equal(t, PlayerID(0), id)

	host, ok := s.Host()
	require.True(t, ok)
	assert.Equal(t, "alice", host)

	got = c.Execute(context.Background(), ParseCommand("n2\nINIT\nalice2"))
	assert.Equal(t, "-n2\nALREADY_INITIALIZED", got.Frame())
	assert.Equal(t, Active, c.Phase())
	assert.Len(t, s.Players(), 1)

	// INIT does not write to the stream itself; the loop sends the outcome.
	assert.Empty(t, out.Frames())
}

func TestExecuteInitFailureStaysAwaitingInit(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	first, _ := newTestConnection(s, echoProber())
	require.False(t, first.Execute(context.Background(), ParseCommand("n1\nINIT\nalice\n"+testHostKey)).Failed())

	second, _ := newTestConnection(s, echoProber())

	got := second.Execute(context.Background(), ParseCommand("n1\nINIT\nalice"))
	assert.Equal(t, "-n1\nDUPLICATE_USERNAME", got.Frame())
	assert.Equal(t, AwaitingInit, second.Phase())

	got = second.Execute(context.Background(), ParseCommand("n2\nINIT\nbob\n"+testHostKey))
	assert.Equal(t, "-n2\nHOST_ALREADY_SET", got.Frame())
	assert.Equal(t, AwaitingInit, second.Phase())

	got = second.Execute(context.Background(), ParseCommand("n3\nINIT\nbob"))
	assert.Equal(t, "n3\nSUCCESS", got.Frame())
	assert.Equal(t, Active, second.Phase())

	id, _ := second.PlayerID()
	assert.Equal(t, PlayerID(1), id)
}

func TestExecuteKill(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	for _, init := range []bool{false, true} {
		c, _ := newTestConnection(s, echoProber())
		if init {
			require.False(t, c.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())
		}

		got := c.Execute(context.Background(), ParseCommand(""))
		assert.True(t, got.Kill)
		assert.Equal(t, "-\nPROTOCOL_VIOLATION", got.Frame())
	}
}

func TestExecuteEcho(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)
	c, _ := newTestConnection(s, echoProber())

	require.False(t, c.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())

	got := c.Execute(context.Background(), ParseCommand("n2\nECHO\nhello"))
	assert.Equal(t, "n2\nhello", got.Frame())
}

func TestExecuteEchoMapsProbeFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"connect", &ProbeError{Leg: "connect", Err: errors.New("refused")}, "-n2\nCONNECT_FAILED"},
		{"write", &ProbeError{Leg: "write", Err: errors.New("broken pipe")}, "-n2\nWRITE_FAILED"},
		{"read", &ProbeError{Leg: "read", Err: errors.New("eof")}, "-n2\nREAD_FAILED"},
		{"unclassified", errors.New("boom"), "-n2\nREAD_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("ABCDEFGH", testHostKey)
			c, _ := newTestConnection(s, proberFunc(func(context.Context, string) (string, error) {
				return "", tt.err
			}))

			require.False(t, c.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())

			got := c.Execute(context.Background(), ParseCommand("n2\nECHO\nhello"))
			assert.Equal(t, tt.want, got.Frame())
			assert.Equal(t, Active, c.Phase())
			assert.Len(t, s.Players(), 1)
		})
	}
}

func TestExecuteChatFansOutToPeers(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	alice, aliceOut := newTestConnection(s, echoProber())
	bob, bobOut := newTestConnection(s, echoProber())
	carol, carolOut := newTestConnection(s, echoProber())

	require.False(t, alice.Execute(context.Background(), ParseCommand("n1\nINIT\nalice\n"+testHostKey)).Failed())
	require.False(t, bob.Execute(context.Background(), ParseCommand("n1\nINIT\nbob")).Failed())
	require.False(t, carol.Execute(context.Background(), ParseCommand("n1\nINIT\ncarol")).Failed())

	got := alice.Execute(context.Background(), ParseCommand("n3\nCHAT\nhi"))
	assert.Equal(t, "n3\nSUCCESS", got.Frame())

	assert.Empty(t, aliceOut.Frames())
	assert.Equal(t, []string{"0\nCHAT\nalice\nhi"}, bobOut.Frames())
	assert.Equal(t, []string{"0\nCHAT\nalice\nhi"}, carolOut.Frames())

	assert.Equal(t, []ChatEntry{{ID: 0, Author: 0, Text: "hi"}}, s.Chat())
}

func TestExecuteChatIgnoresFailedPeers(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	alice, _ := newTestConnection(s, echoProber())
	bob, bobOut := newTestConnection(s, echoProber())
	carol, carolOut := newTestConnection(s, echoProber())

	require.False(t, alice.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())
	require.False(t, bob.Execute(context.Background(), ParseCommand("n1\nINIT\nbob")).Failed())
	require.False(t, carol.Execute(context.Background(), ParseCommand("n1\nINIT\ncarol")).Failed())

	bobOut.err = ErrSenderClosed

	got := alice.Execute(context.Background(), ParseCommand("n2\nCHAT\nhello"))
	assert.Equal(t, "n2\nSUCCESS", got.Frame())

	assert.Empty(t, bobOut.Frames())
	assert.Equal(t, []string{"0\nCHAT\nalice\nhello"}, carolOut.Frames())
	assert.Len(t, s.Chat(), 1)
}

func TestExecuteRejectedChatLeavesLogUntouched(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	alice, _ := newTestConnection(s, echoProber())
	bob, bobOut := newTestConnection(s, echoProber())

	require.False(t, alice.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())
	require.False(t, bob.Execute(context.Background(), ParseCommand("n1\nINIT\nbob")).Failed())

	got := alice.Execute(context.Background(), ParseCommand("n2\nCHAT\nthis is too long"))
	assert.Equal(t, "-n2\nCHAT_TOO_LONG", got.Frame())

	assert.Empty(t, s.Chat())
	assert.Empty(t, bobOut.Frames())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "awaiting-init", AwaitingInit.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestExecuteChatAtLengthLimit(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	alice, _ := newTestConnection(s, echoProber())
	bob, bobOut := newTestConnection(s, echoProber())

	require.False(t, alice.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())
	require.False(t, bob.Execute(context.Background(), ParseCommand("n1\nINIT\nbob")).Failed())

	got := alice.Execute(context.Background(), ParseCommand("n2\nCHAT\nabcdefghijkl"))
	assert.Equal(t, "n2\nSUCCESS", got.Frame())

	assert.Equal(t, []ChatEntry{{ID: 0, Author: 0, Text: "abcdefghijkl"}}, s.Chat())
	assert.Equal(t, []string{"0\nCHAT\nalice\nabcdefghijkl"}, bobOut.Frames())

	got = alice.Execute(context.Background(), ParseCommand("n3\nCHAT\nabcdefghijklm"))
	assert.Equal(t, "-n3\nCHAT_TOO_LONG", got.Frame())
	assert.Len(t, s.Chat(), 1)
}

// reentrant is a Handle that writes to the session from inside Send.
type reentrant struct {
	session *Session
	author  string
	sent    int
}

func (h *reentrant) Send(string) error {
	h.sent++
	_, err := h.session.AppendChat(h.author, "echo")

	return err
}

func TestExecuteChatSendsOutsideSessionLock(t *testing.T) {
	s := NewSession("ABCDEFGH", testHostKey)

	alice, _ := newTestConnection(s, echoProber())
	require.False(t, alice.Execute(context.Background(), ParseCommand("n1\nINIT\nalice")).Failed())

	bob := &reentrant{session: s, author: "bob"}
	id, err := s.AddPlayer("bob", "")
	require.NoError(t, err)
	require.NoError(t, s.AssociateConnection(id, bob))

	done := make(chan Outcome, 1)
	go func() {
		done <- alice.Execute(context.Background(), ParseCommand("n2\nCHAT\nhi"))
	}()

	select {
	case got := <-done:
		assert.Equal(t, "n2\nSUCCESS", got.Frame())
	case <-time.After(5 * time.Second):
		t.Fatal("chat fan-out blocked on the session lock")
	}

	assert.Equal(t, 1, bob.sent)
	assert.Len(t, s.Chat(), 2)
}
