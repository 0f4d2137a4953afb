//go:build linux

package netpoll

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is an epoll instance with an eventfd used for wakeups.
// Add, Modify, Remove and Wake are safe for concurrent use; Wait must only be
// called from one goroutine at a time.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	closed atomic.Bool
}

// New creates a poller reporting at most size events per Wait.
func New(size int) (*Poller, error) {
	if size <= 0 {
		size = 128
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("netpoll: eventfd: %w", err)
	}

	p := &Poller{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, size)}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, Readable); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Add starts watching fd for the conditions in mask.
func (p *Poller) Add(fd int, mask Mask) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, mask)
}

// Modify replaces the watched conditions of fd and re-arms a OneShot registration.
func (p *Poller) Modify(fd int, mask Mask) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, mask)
}

// Remove stops watching fd.
func (p *Poller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("netpoll: remove fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready, Wake is called or the
// timeout expires; a negative timeout waits forever. Ready descriptors are
// reported to fn. The returned flag tells whether Wake interrupted the wait.
func (p *Poller) Wait(timeout time.Duration, fn Handler) (bool, error) {
	if p.closed.Load() {
		return false, ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("netpoll: epoll_wait: %w", err)
	}

	woken := false
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			woken = true
			continue
		}
		fn(fd, fromEpoll(ev.Events))
	}
	return woken, nil
}

// Wake interrupts a blocked Wait.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var one = [8]byte{1}
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("netpoll: wake: %w", err)
	}
	return nil
}

// Close releases the epoll instance. Watched descriptors are left open.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}

func (p *Poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

func (p *Poller) ctl(op, fd int, mask Mask) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: ctl fd %d: %w", fd, err)
	}
	return nil
}

func toEpoll(mask Mask) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if mask&Error != 0 {
		ev |= unix.EPOLLERR
	}
	if mask&Hangup != 0 {
		ev |= unix.EPOLLRDHUP
	}
	if mask&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func fromEpoll(ev uint32) Mask {
	var mask Mask
	if ev&unix.EPOLLIN != 0 {
		mask |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= Writable
	}
	if ev&unix.EPOLLERR != 0 {
		mask |= Error
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		mask |= Hangup
	}
	return mask
}
