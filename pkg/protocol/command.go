package protocol

import (
	"strconv"

	"github.com/cachemir/mirkv/pkg/storage"
)

// Command is one parsed request, ready to run against a Storage.
type Command interface {
	// Name returns the protocol name of the command.
	Name() string

	// Execute runs the command with its data block (empty for commands
	// without one) and returns the reply frame without the trailing delimiter.
	Execute(s storage.Storage, data string) string
}

// updater is implemented by storages able to run a read-modify-write
// sequence atomically, such as storage.Locked.
type updater interface {
	Update(fn func(storage.Storage))
}

// StoreOp selects the storage operation of a StoreCommand.
type StoreOp uint8

const (
	OpSet StoreOp = iota
	OpAdd
	OpReplace
	OpAppend
	OpPrepend
)

var storeOpNames = [...]string{
	OpSet:     "SET",
	OpAdd:     "ADD",
	OpReplace: "REPLACE",
	OpAppend:  "APPEND",
	OpPrepend: "PREPEND",
}

// StoreCommand writes its data block under Key.
type StoreCommand struct {
	Key string
	Op  StoreOp
}

// Name implements Command.
func (c *StoreCommand) Name() string { return storeOpNames[c.Op] }

// Execute implements Command.
//   - SET stores unconditionally and fails only when the value cannot fit
//   - ADD stores only a new key
//   - REPLACE, APPEND and PREPEND require an existing key
//   - APPEND and PREPEND refuse to grow a value past MaxDataLength
func (c *StoreCommand) Execute(s storage.Storage, data string) string {
	var ok bool
	switch c.Op {
	case OpSet:
		if !s.Put(c.Key, data) {
			return "-ERR not stored"
		}
		return ReplyOK
	case OpAdd:
		ok = s.PutIfAbsent(c.Key, data)
	case OpReplace:
		ok = s.Set(c.Key, data)
	case OpAppend, OpPrepend:
		concat := func(s storage.Storage) {
			current, found := s.Get(c.Key)
			if !found || len(current)+len(data) > MaxDataLength {
				return
			}
			if c.Op == OpAppend {
				ok = s.Set(c.Key, current+data)
			} else {
				ok = s.Set(c.Key, data+current)
			}
		}
		if u, isUpdater := s.(updater); isUpdater {
			u.Update(concat)
		} else {
			concat(s)
		}
	}

	if !ok {
		return ReplyNotStored
	}
	return ReplyOK
}

// GetCommand fetches the value of Key.
type GetCommand struct {
	Key string
}

// Name implements Command.
func (c *GetCommand) Name() string { return "GET" }

// Execute implements Command.
func (c *GetCommand) Execute(s storage.Storage, _ string) string {
	value, ok := s.Get(c.Key)
	if !ok {
		return ReplyMissing
	}
	return Bulk(value)
}

// DeleteCommand removes Key.
type DeleteCommand struct {
	Key string
}

// Name implements Command.
func (c *DeleteCommand) Name() string { return "DELETE" }

// Execute implements Command.
func (c *DeleteCommand) Execute(s storage.Storage, _ string) string {
	if s.Delete(c.Key) {
		return Integer(1)
	}
	return Integer(0)
}

// PingCommand answers PONG without touching storage.
type PingCommand struct{}

// Name implements Command.
func (PingCommand) Name() string { return "PING" }

// Execute implements Command.
func (PingCommand) Execute(storage.Storage, string) string { return ReplyPong }

// Bulk formats a value reply.
func Bulk(value string) string {
	return "$" + strconv.Itoa(len(value)) + Delimiter + value
}

// Integer formats an integer reply.
func Integer(n int64) string {
	return ":" + strconv.FormatInt(n, 10)
}
