// Package network implements the per-socket connection state machine of the mirkv server.
//
// A Connection never blocks on I/O. The server's readiness multiplexer reports
// that a socket can be read or written, then calls DoRead or DoWrite; the
// connection performs nonblocking reads and vectored writes and updates the
// set of events it wants to hear about next (Events). The server re-registers
// that set with the multiplexer and drops the connection once IsAlive is false.
//
// Reads feed the protocol parser. Commands may arrive in arbitrary fragments
// and many commands may share one read (pipelining); each complete command is
// executed against the storage and its reply queued for writing. Outbound
// backpressure uses two thresholds: reading stops once QueueHigh replies are
// pending and resumes only when fewer than QueueLow remain. Hangup interest
// follows read interest, so a peer closing while throttled is noticed only
// once reading resumes.
//
// States:
//   - StateActive: reading and writing
//   - StateWriteOnly: the peer sent EOF or reading failed; pending replies drain
//   - StateClosed: nothing left to do
package network

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/cachemir/mirkv/pkg/protocol"
	"github.com/cachemir/mirkv/pkg/storage"
)

// Default connection limits
const (
	DefaultReadBufferSize = 4096
	DefaultMaxIOVec       = 32
	DefaultQueueHigh      = 100
	DefaultQueueLow       = 90
)

// Events is a readiness interest mask.
type Events uint32

const (
	EventRead   Events = 1 << iota // Socket readable
	EventWrite                     // Socket writable
	EventError                     // Socket error
	EventHangup                    // Peer closed its write side
)

// State is the connection lifecycle state.
type State int

const (
	StateActive State = iota
	StateWriteOnly
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWriteOnly:
		return "write-only"
	default:
		return "closed"
	}
}

// Observer receives per-connection accounting.
type Observer interface {
	Command(name string)
	BytesRead(n int)
	BytesWritten(n int)
}

type nopObserver struct{}

func (nopObserver) Command(string)  {}
func (nopObserver) BytesRead(int)    {}
func (nopObserver) BytesWritten(int) {}

// Options tunes a Connection. Zero fields take the defaults above.
type Options struct {
	Logger         logrus.FieldLogger
	Observer       Observer
	ReadBufferSize int
	MaxIOVec       int
	QueueHigh      int
	QueueLow       int
}

// Connection is the protocol state of one client socket. All methods are safe
// for concurrent use; DoRead and DoWrite are serialized by an internal lock.
type Connection struct {
	mu    sync.Mutex
	sock  Socket
	store storage.Storage
	log   logrus.FieldLogger
	obs   Observer
	id    string

	high  int
	low   int
	iovec int

	buf       []byte
	readBytes int

	parser     protocol.Parser
	cmd        protocol.Command
	argRemains int
	hasData    bool
	arg        []byte

	results     [][]byte
	writeOffset int
	iov         [][]byte

	events    Events
	state     State
	throttled bool
	alive     atomic.Bool
}

// New creates a connection for sock executing commands against store, which
// it does not own. Call Start before delivering events.
//
// Example:
//
//	conn := network.New(network.NewFDSocket(fd), store, network.Options{})
//	conn.Start()
//	// register fd with the poller for conn.Events()
//
// Parameters:
//   - sock: Nonblocking socket; the connection owns it and closes it in Close
//   - store: Storage every command runs against
//   - opts: Limits and hooks; zero fields take the defaults
func New(sock Socket, store storage.Storage, opts Options) *Connection {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.MaxIOVec <= 0 {
		opts.MaxIOVec = DefaultMaxIOVec
	}
	if opts.QueueHigh <= 0 {
		opts.QueueHigh = DefaultQueueHigh
	}
	if opts.QueueLow <= 0 || opts.QueueLow > opts.QueueHigh {
		opts.QueueLow = opts.QueueHigh * DefaultQueueLow / DefaultQueueHigh
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	id := ulid.Make().String()
	return &Connection{
		sock:  sock,
		store: store,
		log:   opts.Logger.WithField("conn", id),
		obs:   opts.Observer,
		id:    id,
		high:  opts.QueueHigh,
		low:   opts.QueueLow,
		iovec: opts.MaxIOVec,
		buf:   make([]byte, opts.ReadBufferSize),
		iov:   make([][]byte, 0, opts.MaxIOVec),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Start marks the connection alive and interested in reads.
func (c *Connection) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug("start")
	c.state = StateActive
	c.events = EventRead | EventHangup | EventError
	c.resetCommand()
	c.alive.Store(true)
}

// IsAlive reports whether the server should keep delivering events.
func (c *Connection) IsAlive() bool { return c.alive.Load() }

// Events returns the current interest mask.
func (c *Connection) Events() Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of queued replies not yet fully written.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// OnError handles an error event from the multiplexer.
func (c *Connection) OnError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug("socket error event")
	c.terminate()
}

// OnClose handles an explicit close request.
func (c *Connection) OnClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug("closing")
	c.terminate()
}

// Close releases the socket. The server calls it after removing a dead
// connection from the multiplexer.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminate()
	return c.sock.Close()
}

// DoRead reads everything the socket has, executing every complete command.
// It stops early while outbound backpressure is in effect. EOF moves the
// connection to StateWriteOnly; a fatal read error queues an error reply and
// shuts the read side.
func (c *Connection) DoRead() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return
	}
	c.log.Debug("reading")

	for !c.throttled && c.state == StateActive {
		if c.readBytes == len(c.buf) {
			c.failRead(protocol.ErrLineTooLong)
			return
		}

		n, err := c.sock.Read(c.buf[c.readBytes:])
		if n > 0 {
			c.log.Debugf("have %d bytes", n)
			c.obs.BytesRead(n)
			c.readBytes += n
			c.process()
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			c.peerClosed()
			return
		case errors.Is(err, ErrInterrupted):
		case transient(err):
			return
		default:
			c.log.WithError(err).Error("read failed")
			c.failRead(err)
			return
		}
	}
}

// process consumes buffered bytes: parses command lines, accumulates data
// blocks and executes complete commands. A partial line stays buffered.
func (c *Connection) process() {
	for c.readBytes > 0 {
		if c.cmd == nil {
			complete, parsed, err := c.parser.Parse(c.buf[:c.readBytes])
			if err != nil {
				c.log.WithError(err).Debug("bad command")
				c.shift(parsed)
				c.enqueue(protocol.ErrorReply(err))
				c.parser.Reset()
				continue
			}
			if complete {
				c.log.Debugf("command %s in %d bytes", c.parser.Name(), parsed)
				c.cmd, c.argRemains = c.parser.Build()
				c.hasData = c.argRemains > 0
				if c.hasData {
					c.argRemains += len(protocol.Delimiter)
				}
			}
			if parsed == 0 {
				break
			}
			c.shift(parsed)
		}

		if c.cmd != nil && c.argRemains > 0 {
			n := min(c.argRemains, c.readBytes)
			c.arg = append(c.arg, c.buf[:n]...)
			c.shift(n)
			c.argRemains -= n
		}

		if c.cmd != nil && c.argRemains == 0 {
			c.execute()
		}
	}

	if c.readBytes == len(c.buf) && c.cmd == nil {
		c.failRead(protocol.ErrLineTooLong)
	}
}

func (c *Connection) execute() {
	var reply string
	data := c.arg
	if c.hasData && !bytes.HasSuffix(data, []byte(protocol.Delimiter)) {
		reply = protocol.ErrorReply(protocol.ErrBadDataChunk)
	} else {
		if c.hasData {
			data = data[:len(data)-len(protocol.Delimiter)]
		}
		c.log.Debugf("execute %s", c.cmd.Name())
		reply = c.cmd.Execute(c.store, string(data))
		c.obs.Command(c.cmd.Name())
	}

	c.enqueue(reply)
	c.resetCommand()
}

func (c *Connection) resetCommand() {
	c.cmd = nil
	c.argRemains = 0
	c.hasData = false
	c.arg = c.arg[:0]
	c.parser.Reset()
}

// shift drops n consumed bytes from the front of the read buffer.
func (c *Connection) shift(n int) {
	copy(c.buf, c.buf[n:c.readBytes])
	c.readBytes -= n
}

// enqueue appends a reply frame and updates the interest mask.
func (c *Connection) enqueue(reply string) {
	frame := make([]byte, 0, len(reply)+len(protocol.Delimiter))
	frame = append(frame, reply...)
	frame = append(frame, protocol.Delimiter...)

	if len(c.results) == 0 {
		c.events |= EventWrite
	}
	c.results = append(c.results, frame)

	if !c.throttled && len(c.results) >= c.high {
		c.log.Debugf("backpressure on at %d pending", len(c.results))
		c.throttled = true
		c.events &^= EventRead | EventHangup
	}
}

// DoWrite performs one vectored write of up to MaxIOVec pending replies.
// A short write keeps the remainder for the next call. Once the queue is
// empty in StateWriteOnly the write side is shut and the connection dies.
func (c *Connection) DoWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}
	if len(c.results) == 0 {
		c.events &^= EventWrite
		if c.state == StateWriteOnly {
			c.finish()
		}
		return
	}
	c.log.Debug("writing")

	iov := c.iov[:0]
	for i := 0; i < len(c.results) && i < c.iovec; i++ {
		iov = append(iov, c.results[i])
	}
	iov[0] = iov[0][c.writeOffset:]

	written, err := c.sock.Writev(iov)
	clear(iov)
	if err != nil {
		if transient(err) {
			return
		}
		c.log.WithError(err).Error("write failed")
		c.terminate()
		return
	}
	c.obs.BytesWritten(written)

	c.writeOffset += written
	done := 0
	for done < len(c.results) && c.writeOffset >= len(c.results[done]) {
		c.writeOffset -= len(c.results[done])
		c.results[done] = nil
		done++
	}
	c.results = c.results[done:]

	if c.throttled && len(c.results) < c.low {
		c.log.Debugf("backpressure off at %d pending", len(c.results))
		c.throttled = false
		if c.state == StateActive {
			c.events |= EventRead | EventHangup
		}
	}

	if len(c.results) == 0 {
		c.results = nil
		c.writeOffset = 0
		c.events &^= EventWrite
		if c.state == StateWriteOnly {
			c.finish()
		}
	}
}

// peerClosed handles EOF: stop reading, drain what is queued.
func (c *Connection) peerClosed() {
	c.log.Debug("peer closed")
	c.toWriteOnly()
	if len(c.results) == 0 {
		c.finish()
	}
}

// failRead handles an unrecoverable read-side failure.
func (c *Connection) failRead(err error) {
	c.enqueue(protocol.ErrorReply(err))
	if cerr := c.sock.CloseRead(); cerr != nil {
		c.log.WithError(cerr).Debug("shutdown read")
	}
	c.toWriteOnly()
}

func (c *Connection) toWriteOnly() {
	c.state = StateWriteOnly
	c.throttled = false
	c.readBytes = 0
	c.resetCommand()
	c.events &^= EventRead | EventHangup
}

// finish shuts the write side after the queue drained.
func (c *Connection) finish() {
	if err := c.sock.CloseWrite(); err != nil {
		c.log.WithError(err).Debug("shutdown write")
	}
	c.terminate()
}

func (c *Connection) terminate() {
	c.state = StateClosed
	c.events = 0
	c.alive.Store(false)
}
