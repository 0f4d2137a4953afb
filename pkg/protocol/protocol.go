// Package protocol implements the line-oriented mirkv wire protocol.
//
// Every request is a single command line terminated by "\r\n" (a bare "\n" is
// accepted). Storage commands declare the length of a data block that follows
// the line, itself terminated by "\r\n":
//
//	SET user:123 8\r\n
//	john_doe\r\n
//
// Every reply is a single frame:
//   - "+OK", "+PONG": status
//   - "-ERR <message>", "-NOT_STORED": error
//   - ":1": integer
//   - "$8\r\njohn_doe" or "$-1": bulk value or missing value
//
// The connection layer appends the trailing "\r\n" to every reply.
//
// Supported commands:
//   - SET, ADD, REPLACE, APPEND, PREPEND <key> <bytes>: store a data block
//   - GET <key>: fetch a value
//   - DELETE <key>: remove a key
//   - PING: connectivity test
//
// Server side, a Parser turns bytes into Command values:
//
//	var p protocol.Parser
//	complete, consumed, err := p.Parse(buf)
//	if complete {
//		cmd, dataBytes := p.Build()
//		// accumulate dataBytes (+2 for the trailing CRLF), then
//		reply := cmd.Execute(store, data)
//	}
//
// Client side, AppendRequest and ReadReply encode requests and decode replies.
package protocol

import (
	"errors"
	"strings"
)

// Protocol limits
const (
	MaxKeyLength  = 250
	MaxDataLength = 1 << 20
	Delimiter     = "\r\n"
)

// Reply frames
const (
	ReplyOK        = "+OK"
	ReplyPong      = "+PONG"
	ReplyNotStored = "-NOT_STORED"
	ReplyMissing   = "$-1"
)

var (
	// ErrUnknownCommand is returned by Parse for an unrecognized command name.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrSyntax is returned by Parse for a malformed command line.
	ErrSyntax = errors.New("syntax error")

	// ErrLineTooLong is reported by readers that cannot fit a command line in their buffer.
	ErrLineTooLong = errors.New("line too long")

	// ErrBadDataChunk is reported when a data block is not followed by "\r\n".
	ErrBadDataChunk = errors.New("bad data chunk")
)

// ErrorReply formats err as an error reply frame.
func ErrorReply(err error) string {
	return "-ERR " + strings.ReplaceAll(err.Error(), Delimiter, " ")
}
