package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cachemir/mirkv/pkg/config"
	"github.com/cachemir/mirkv/pkg/protocol"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("client: connection pool closed")

// conn is a pooled connection with its reply reader.
type conn struct {
	net.Conn
	r *bufio.Reader
}

func (c *conn) roundTrip(request []byte, replies int, writeTimeout, readTimeout time.Duration) ([]protocol.Reply, error) {
	if err := c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	if _, err := c.Write(request); err != nil {
		return nil, err
	}
	if err := c.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, err
	}

	out := make([]protocol.Reply, 0, replies)
	for i := 0; i < replies; i++ {
		reply, err := protocol.ReadReply(c.r)
		if err != nil {
			return nil, err
		}
		out = append(out, reply)
	}
	return out, nil
}

// ConnectionPool keeps up to maxConns connections to one server. Connections
// are dialed lazily; when all of them are in use Get waits for one to be
// returned.
type ConnectionPool struct {
	connections chan *conn
	address     string
	connTimeout time.Duration
	log         logrus.FieldLogger

	mu       sync.Mutex
	maxConns int
	created  int
	closed   bool
}

func newConnectionPool(address string, cfg *config.ClientConfig, log logrus.FieldLogger) *ConnectionPool {
	return &ConnectionPool{
		connections: make(chan *conn, cfg.MaxConnsPerNode),
		address:     address,
		connTimeout: cfg.ConnTimeout,
		log:         log.WithField("node", address),
		maxConns:    cfg.MaxConnsPerNode,
	}
}

// Get returns an idle connection or dials a new one below the limit.
// At the limit it waits up to the configured connection timeout for a
// connection to be returned.
//
// Returns:
//   - A connection the caller must hand back with Put or Discard
//   - ErrPoolClosed after Close, a dial error, or a timeout error
func (cp *ConnectionPool) Get() (*conn, error) {
	select {
	case c, ok := <-cp.connections:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	default:
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if cp.created < cp.maxConns {
		cp.created++
		cp.mu.Unlock()

		dialer := &net.Dialer{Timeout: cp.connTimeout}
		nc, err := dialer.DialContext(context.Background(), "tcp", cp.address)
		if err != nil {
			cp.release()
			return nil, fmt.Errorf("dial %s: %w", cp.address, err)
		}
		return &conn{Conn: nc, r: bufio.NewReader(nc)}, nil
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.connTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-cp.connections:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-timer.C:
		return nil, fmt.Errorf("client: connection pool timeout for %s", cp.address)
	}
}

// Put returns a healthy connection for reuse.
func (cp *ConnectionPool) Put(c *conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if !cp.closed {
		select {
		case cp.connections <- c:
			return
		default:
		}
	}
	cp.closeConn(c)
	cp.created--
}

// Discard closes a broken connection and frees its slot.
func (cp *ConnectionPool) Discard(c *conn) {
	cp.closeConn(c)
	cp.release()
}

// Close closes every idle connection. Connections in use are closed when
// they are returned.
func (cp *ConnectionPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}
	cp.closed = true
	close(cp.connections)
	for c := range cp.connections {
		cp.closeConn(c)
		cp.created--
	}
}

func (cp *ConnectionPool) release() {
	cp.mu.Lock()
	cp.created--
	cp.mu.Unlock()
}

func (cp *ConnectionPool) closeConn(c *conn) {
	if err := c.Close(); err != nil {
		cp.log.WithError(err).Debug("close connection")
	}
}
