package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type kind uint8

const (
	kindStore kind = iota
	kindGet
	kindDelete
	kindPing
)

type commandEntry struct {
	kind kind
	op   StoreOp
	args int // number of arguments after the command name
}

var commandTable = map[string]commandEntry{
	"SET":     {kind: kindStore, op: OpSet, args: 2},
	"ADD":     {kind: kindStore, op: OpAdd, args: 2},
	"REPLACE": {kind: kindStore, op: OpReplace, args: 2},
	"APPEND":  {kind: kindStore, op: OpAppend, args: 2},
	"PREPEND": {kind: kindStore, op: OpPrepend, args: 2},
	"GET":     {kind: kindGet, args: 1},
	"DELETE":  {kind: kindDelete, args: 1},
	"PING":    {kind: kindPing, args: 0},
}

// Parser recognizes one command line at a time. The zero value is ready to use.
// After a complete parse, Build returns the command; Reset prepares the parser
// for the next line.
type Parser struct {
	name     string
	entry    commandEntry
	key      string
	size     int
	complete bool
}

// Parse examines buf for a complete command line.
//
// Returns:
//   - complete: a command line was recognized and Build may be called
//   - consumed: bytes of buf that belong to the examined line; zero when buf
//     holds no full line yet, in which case nothing may be dropped
//   - err: the line was consumed but is not a valid command
//
// An empty line is consumed without completing a command.
func (p *Parser) Parse(buf []byte) (bool, int, error) {
	if p.complete {
		return true, 0, nil
	}

	end := bytes.IndexByte(buf, '\n')
	if end < 0 {
		return false, 0, nil
	}
	consumed := end + 1
	line := strings.TrimSuffix(string(buf[:end]), "\r")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, consumed, nil
	}

	name := strings.ToUpper(fields[0])
	entry, ok := commandTable[name]
	if !ok {
		return false, consumed, fmt.Errorf("%w '%s'", ErrUnknownCommand, fields[0])
	}
	if len(fields)-1 != entry.args {
		return false, consumed, fmt.Errorf("%w: %s expects %d arguments, got %d", ErrSyntax, name, entry.args, len(fields)-1)
	}

	p.name = name
	p.entry = entry
	p.key = ""
	p.size = 0

	if entry.args > 0 {
		p.key = fields[1]
		if len(p.key) > MaxKeyLength {
			return false, consumed, fmt.Errorf("%w: key longer than %d bytes", ErrSyntax, MaxKeyLength)
		}
	}
	if entry.kind == kindStore {
		size, err := strconv.Atoi(fields[2])
		if err != nil || size < 0 || size > MaxDataLength {
			return false, consumed, fmt.Errorf("%w: invalid data length '%s'", ErrSyntax, fields[2])
		}
		p.size = size
	}

	p.complete = true
	return true, consumed, nil
}

// Name returns the upper-cased name of the last recognized command.
func (p *Parser) Name() string { return p.name }

// Build returns the recognized command and the number of data bytes that must
// follow it, excluding the trailing delimiter. It returns nil before a
// complete parse.
func (p *Parser) Build() (Command, int) {
	if !p.complete {
		return nil, 0
	}
	switch p.entry.kind {
	case kindStore:
		return &StoreCommand{Op: p.entry.op, Key: p.key}, p.size
	case kindGet:
		return &GetCommand{Key: p.key}, 0
	case kindDelete:
		return &DeleteCommand{Key: p.key}, 0
	default:
		return PingCommand{}, 0
	}
}

// Reset forgets the current command.
func (p *Parser) Reset() {
	*p = Parser{}
}
