// Package server implements the mirkv network server.
//
// The server accepts TCP connections on a nonblocking listening socket and
// drives each one through a network.Connection. Readiness comes from an epoll
// poller. Two serving modes share the same connection state machine:
//
//   - ModePool: the poll loop dispatches every ready connection to an
//     executor.Executor. Registrations are one-shot, so a connection is
//     handled by at most one worker at a time and is re-armed with its new
//     interest mask when the handler finishes. When the executor refuses a
//     task the handler runs inline on the poll loop.
//   - ModeCoro: a single coroutine.Engine runs one coroutine per connection
//     plus one for the listener. Coroutines block themselves after each
//     event; the engine's unblocker hook polls for readiness and unblocks the
//     owners of ready descriptors.
//
// Example usage:
//
//	srv, err := server.New(server.Options{
//		Host:     "127.0.0.1",
//		Port:     8080,
//		Mode:     server.ModePool,
//		Storage:  storage.NewLocked(storage.NewSimpleLRU(64 << 20)),
//		Executor: pool,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	go srv.Serve()
//	defer srv.Stop()
package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cachemir/mirkv/internal/netpoll"
	"github.com/cachemir/mirkv/internal/network"
	"github.com/cachemir/mirkv/pkg/executor"
	"github.com/cachemir/mirkv/pkg/storage"
)

// Serving modes
const (
	ModePool = "pool"
	ModeCoro = "coro"
)

const defaultBacklog = 128

var (
	// ErrStopped is returned by Serve when called after Stop.
	ErrStopped = errors.New("server: stopped")

	// ErrNotListening is returned by Serve before a successful Listen.
	ErrNotListening = errors.New("server: not listening")
)

// Observer receives connection lifecycle events.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened() {}
func (nopObserver) ConnectionClosed() {}

// Options configures a Server.
type Options struct {
	Logger     logrus.FieldLogger
	Observer   Observer
	Host       string
	Port       int
	Backlog    int
	Mode       string
	Storage    storage.Storage
	Executor   *executor.Executor // Required in ModePool
	Connection network.Options    // Per-connection limits; Logger is filled in
}

// Server owns the listening socket, the poller and every live connection.
type Server struct {
	opts Options
	log  logrus.FieldLogger
	obs  Observer

	lfd    int
	addr   string
	poller *netpoll.Poller

	mu    sync.Mutex
	conns map[int]*network.Connection

	inflight sync.WaitGroup // pool-mode handlers not yet finished
	serving  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
}

// New validates opts and creates a server that is not yet listening.
func New(opts Options) (*Server, error) {
	if opts.Mode == "" {
		opts.Mode = ModePool
	}
	switch opts.Mode {
	case ModePool:
		if opts.Executor == nil {
			return nil, fmt.Errorf("server: mode %q requires an executor", opts.Mode)
		}
	case ModeCoro:
	default:
		return nil, fmt.Errorf("server: unknown mode %q", opts.Mode)
	}
	if opts.Storage == nil {
		return nil, errors.New("server: storage is required")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("server: invalid port %d", opts.Port)
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	log := opts.Logger.WithField("mode", opts.Mode)
	opts.Connection.Logger = log

	return &Server{
		opts:  opts,
		log:   log,
		obs:   opts.Observer,
		lfd:   -1,
		conns: make(map[int]*network.Connection),
		done:  make(chan struct{}),
	}, nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *Server) Addr() string { return s.addr }

// Mode returns the serving mode.
func (s *Server) Mode() string { return s.opts.Mode }

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop asks Serve to return. Live connections are closed, pool-mode handlers
// already dispatched are awaited. Stop blocks until Serve has returned when
// Serve is running and is safe to call more than once. Called after Listen
// but before Serve, it releases the listening socket and the poller itself.
func (s *Server) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		if s.serving.Load() {
			<-s.done
		}
		return
	}
	s.log.Info("stopping server")
	if s.poller == nil {
		return
	}
	if s.serving.CompareAndSwap(false, true) {
		s.release()
		close(s.done)
		return
	}
	if err := s.poller.Wake(); err != nil {
		s.log.WithError(err).Debug("wake poller")
	}
	<-s.done
}

func (s *Server) track(fd int, conn *network.Connection) {
	s.mu.Lock()
	s.conns[fd] = conn
	s.mu.Unlock()
	s.obs.ConnectionOpened()
}

func (s *Server) lookup(fd int) *network.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[fd]
}

// drop forgets a dead connection and releases its descriptor.
func (s *Server) drop(fd int, conn *network.Connection) {
	s.mu.Lock()
	if s.conns[fd] != conn {
		s.mu.Unlock()
		return
	}
	delete(s.conns, fd)
	s.mu.Unlock()

	if err := s.poller.Remove(fd); err != nil && !errors.Is(err, netpoll.ErrClosed) {
		s.log.WithError(err).WithField("fd", fd).Debug("unregister")
	}
	if err := conn.Close(); err != nil {
		s.log.WithError(err).WithField("fd", fd).Debug("close")
	}
	s.log.WithField("fd", fd).Debug("connection closed")
	s.obs.ConnectionClosed()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make(map[int]*network.Connection, len(s.conns))
	for fd, c := range s.conns {
		conns[fd] = c
	}
	s.mu.Unlock()

	for fd, c := range conns {
		c.OnClose()
		s.drop(fd, c)
	}
}

// interest converts a connection's interest mask to a poller registration.
func interest(ev network.Events) netpoll.Mask {
	var m netpoll.Mask
	if ev&network.EventRead != 0 {
		m |= netpoll.Readable
	}
	if ev&network.EventWrite != 0 {
		m |= netpoll.Writable
	}
	if ev&network.EventError != 0 {
		m |= netpoll.Error
	}
	if ev&network.EventHangup != 0 {
		m |= netpoll.Hangup
	}
	return m
}

// handle delivers one readiness report to conn.
func handle(conn *network.Connection, ready netpoll.Mask) {
	if ready&netpoll.Error != 0 {
		conn.OnError()
		return
	}
	if ready&(netpoll.Readable|netpoll.Hangup) != 0 {
		conn.DoRead()
	}
	if ready&(netpoll.Writable|netpoll.Hangup) != 0 {
		conn.DoWrite()
	}
}
