//go:build linux

package server

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/cachemir/mirkv/internal/netpoll"
	"github.com/cachemir/mirkv/internal/network"
	"github.com/cachemir/mirkv/pkg/coroutine"
)

const pollBatch = 256

// Listen binds the listening socket and prepares the poller. A zero port
// picks an ephemeral one; Addr reports the result.
func (s *Server) Listen() error {
	if s.stopping.Load() {
		return ErrStopped
	}
	if s.lfd >= 0 {
		return errors.New("server: already listening")
	}

	poller, err := netpoll.New(pollBatch)
	if err != nil {
		return err
	}
	lfd, addr, err := listenTCP(s.opts.Host, s.opts.Port, s.opts.Backlog)
	if err != nil {
		_ = poller.Close()
		return err
	}
	if err := poller.Add(lfd, netpoll.Readable); err != nil {
		_ = unix.Close(lfd)
		_ = poller.Close()
		return err
	}

	s.lfd, s.addr, s.poller = lfd, addr, poller
	s.log.WithField("addr", addr).Info("listening")
	return nil
}

// Serve runs the poll loop until Stop is called or polling fails. Every live
// connection is closed before it returns.
func (s *Server) Serve() error {
	if s.poller == nil {
		return ErrNotListening
	}
	if !s.serving.CompareAndSwap(false, true) {
		if s.stopping.Load() {
			return ErrStopped
		}
		return errors.New("server: already serving")
	}
	defer close(s.done)
	defer s.shutdown()

	if s.stopping.Load() {
		return ErrStopped
	}

	switch s.opts.Mode {
	case ModeCoro:
		return s.serveCoro()
	default:
		return s.servePool()
	}
}

func (s *Server) shutdown() {
	s.inflight.Wait()
	s.closeAll()
	s.release()
	s.log.Info("server stopped")
}

// release closes the listening socket and the poller.
func (s *Server) release() {
	if err := unix.Close(s.lfd); err != nil {
		s.log.WithError(err).Debug("close listener")
	}
	if err := s.poller.Close(); err != nil {
		s.log.WithError(err).Debug("close poller")
	}
}

func (s *Server) newConn(fd int) *network.Connection {
	opts := s.opts.Connection
	opts.Logger = s.log.WithField("fd", fd)
	conn := network.New(network.NewFDSocket(fd), s.opts.Storage, opts)
	conn.Start()
	s.track(fd, conn)
	s.log.WithField("fd", fd).Debug("connection accepted")
	return conn
}

// register arms a fresh connection. It drops the connection on failure.
func (s *Server) register(fd int, conn *network.Connection) bool {
	if err := s.poller.Add(fd, interest(conn.Events())|netpoll.OneShot); err != nil {
		s.log.WithError(err).WithField("fd", fd).Error("register connection")
		conn.OnClose()
		s.drop(fd, conn)
		return false
	}
	return true
}

// rearm re-registers conn with its current interest, or drops it once dead.
func (s *Server) rearm(fd int, conn *network.Connection) bool {
	if !conn.IsAlive() {
		s.drop(fd, conn)
		return false
	}
	if err := s.poller.Modify(fd, interest(conn.Events())|netpoll.OneShot); err != nil {
		s.log.WithError(err).WithField("fd", fd).Error("re-arm connection")
		conn.OnClose()
		s.drop(fd, conn)
		return false
	}
	return true
}

func (s *Server) servePool() error {
	for {
		if _, err := s.poller.Wait(-1, s.dispatch); err != nil {
			return err
		}
		if s.stopping.Load() {
			return nil
		}
	}
}

// dispatch hands one ready descriptor to the executor.
func (s *Server) dispatch(fd int, ready netpoll.Mask) {
	if fd == s.lfd {
		s.acceptAll(func(nfd int) {
			s.register(nfd, s.newConn(nfd))
		})
		return
	}

	conn := s.lookup(fd)
	if conn == nil {
		return
	}

	s.inflight.Add(1)
	task := func() {
		defer s.inflight.Done()
		handle(conn, ready)
		s.rearm(fd, conn)
	}
	if !s.opts.Executor.Execute(task) {
		s.log.WithField("fd", fd).Debug("executor refused task, handling inline")
		task()
	}
}

// waiter is the coroutine owning a descriptor and the readiness collected
// for it since it last ran.
type waiter struct {
	id    coroutine.ID
	ready netpoll.Mask
}

// serveCoro runs every connection as a coroutine of one engine. Engine state
// and the waiters map are only touched by the context holding the run token.
func (s *Server) serveCoro() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	waiters := make(map[int]*waiter)
	var pollErr error

	unblock := func(e *coroutine.Engine) {
		for e.Alive() == 0 {
			_, err := s.poller.Wait(-1, func(fd int, ready netpoll.Mask) {
				if w, ok := waiters[fd]; ok {
					w.ready |= ready
					e.Unblock(w.id)
				}
			})
			if err != nil {
				pollErr = err
				s.stopping.Store(true)
			}
			if s.stopping.Load() {
				for _, w := range waiters {
					e.Unblock(w.id)
				}
				return
			}
		}
	}

	engine := coroutine.New(coroutine.WithLogger(s.log), coroutine.WithUnblocker(unblock))

	spawn := func(fd int) {
		conn := s.newConn(fd)
		if !s.register(fd, conn) {
			return
		}
		w := &waiter{}
		waiters[fd] = w
		w.id = engine.Run(func() {
			defer delete(waiters, fd)
			for {
				engine.Block(0)
				if s.stopping.Load() {
					return
				}
				ready := w.ready
				w.ready = 0
				handle(conn, ready)
				if !s.rearm(fd, conn) {
					return
				}
			}
		})
	}

	listener := func() {
		waiters[s.lfd] = &waiter{id: engine.Current()}
		defer delete(waiters, s.lfd)
		for !s.stopping.Load() {
			s.acceptAll(spawn)
			engine.Block(0)
		}
	}

	if err := engine.Start(listener); err != nil {
		return err
	}
	return pollErr
}
