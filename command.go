/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"strings"
	"unicode/utf8"
)

const (
	maxChatLength = 12

	successPayload = "SUCCESS"
	chatNonce      = "0"
)

// ErrorCode is sent to clients in place of a payload when a command fails.
type ErrorCode string

const (
	CodeNoCommand          ErrorCode = "NO_COMMAND"
	CodeUnknownCommand     ErrorCode = "UNKNOWN_COMMAND"
	CodeMissingUsername    ErrorCode = "MISSING_USERNAME"
	CodeMissingPayload     ErrorCode = "MISSING_PAYLOAD"
	CodeEmptyChat          ErrorCode = "EMPTY_CHAT"
	CodeChatTooLong        ErrorCode = "CHAT_TOO_LONG"
	CodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	CodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	CodeDuplicateUsername  ErrorCode = "DUPLICATE_USERNAME"
	CodeHostAlreadySet     ErrorCode = "HOST_ALREADY_SET"
	CodeUnknownPlayer      ErrorCode = "UNKNOWN_PLAYER"
	CodeConnectFailed      ErrorCode = "CONNECT_FAILED"
	CodeWriteFailed        ErrorCode = "WRITE_FAILED"
	CodeReadFailed         ErrorCode = "READ_FAILED"
	CodeProtocolViolation  ErrorCode = "PROTOCOL_VIOLATION"
)

// Command is one parsed client request. The set of implementations is closed.
type Command interface {
	nonce() string
}

type InitCommand struct {
	Nonce    string
	Username string
	HostKey  string // empty when no credential was offered
}

type EchoCommand struct {
	Nonce   string
	Payload string
}

type ChatCommand struct {
	Nonce string
	Text  string
}

// ErrorCommand is produced by the parser for malformed frames and passes
// through the executor unchanged.
type ErrorCommand struct {
	Nonce string
	Code  ErrorCode
}

// KillCommand signals an unrecoverable protocol violation.
type KillCommand struct{}

func (c InitCommand) nonce() string  { return c.Nonce }
func (c EchoCommand) nonce() string  { return c.Nonce }
func (c ChatCommand) nonce() string  { return c.Nonce }
func (c ErrorCommand) nonce() string { return c.Nonce }
func (KillCommand) nonce() string    { return "" }

// splitLines breaks a frame into lines: an empty frame has none, a single
// trailing newline does not start a new line, and carriage returns
// preceding a newline are dropped.
func splitLines(frame string) []string {
	if frame == "" {
		return nil
	}

	lines := strings.Split(strings.TrimSuffix(frame, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}

	return lines
}

// ParseCommand decodes a text frame of the form
//
//	<nonce>\n<KEYWORD>\n<args...>
//
// Parse failures are returned as an ErrorCommand carrying the nonce, except
// for a frame with no nonce at all, which yields KillCommand.
func ParseCommand(frame string) Command {
	lines := splitLines(frame)
	if len(lines) == 0 {
		return KillCommand{}
	}

	nonce := lines[0]

	if len(lines) < 2 {
		return ErrorCommand{Nonce: nonce, Code: CodeNoCommand}
	}

	args := lines[2:]

	switch lines[1] {
	case "INIT":
		return parseInit(nonce, args)
	case "ECHO":
		return parseEcho(nonce, args)
	case "CHAT":
		return parseChat(nonce, args)
	default:
		return ErrorCommand{Nonce: nonce, Code: CodeUnknownCommand}
	}
}

func parseInit(nonce string, args []string) Command {
	if len(args) == 0 || args[0] == "" {
		return ErrorCommand{Nonce: nonce, Code: CodeMissingUsername}
	}

	cmd := InitCommand{Nonce: nonce, Username: args[0]}
	if len(args) > 1 {
		cmd.HostKey = args[1]
	}

	return cmd
}

func parseEcho(nonce string, args []string) Command {
	if len(args) == 0 {
		return ErrorCommand{Nonce: nonce, Code: CodeMissingPayload}
	}

	return EchoCommand{Nonce: nonce, Payload: args[0]}
}

func parseChat(nonce string, args []string) Command {
	text := strings.Join(args, "\n")

	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		return ErrorCommand{Nonce: nonce, Code: CodeEmptyChat}
	case n > maxChatLength:
		return ErrorCommand{Nonce: nonce, Code: CodeChatTooLong}
	}

	return ChatCommand{Nonce: nonce, Text: text}
}

// Outcome is the result of executing one command, ready to be written back
// as exactly one frame.
type Outcome struct {
	Nonce   string
	Payload string
	Code    ErrorCode
	Kill    bool
}

func success(nonce, payload string) Outcome {
	return Outcome{Nonce: nonce, Payload: payload}
}

func failure(nonce string, code ErrorCode) Outcome {
	return Outcome{Nonce: nonce, Code: code}
}

func (o Outcome) Failed() bool {
	return o.Kill || o.Code != ""
}

// Frame renders the outcome in wire form.
func (o Outcome) Frame() string {
	switch {
	case o.Kill:
		return "-\n" + string(CodeProtocolViolation)
	case o.Code != "":
		return "-" + o.Nonce + "\n" + string(o.Code)
	default:
		return o.Nonce + "\n" + o.Payload
	}
}

// ChatFrame is pushed to every other player when a chat message is posted.
func ChatFrame(username, text string) string {
	return chatNonce + "\nCHAT\n" + username + "\n" + text
}
