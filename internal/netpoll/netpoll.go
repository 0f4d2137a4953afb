// Package netpoll wraps the kernel readiness multiplexer used by the server.
//
// A Poller watches file descriptors for readiness and reports ready ones to a
// callback from Wait. Registrations may carry OneShot, in which case the
// descriptor is disarmed after one report until Modify re-arms it. Wake
// interrupts a blocked Wait from any goroutine.
//
// Only Linux (epoll) is supported; on other platforms New returns
// ErrUnsupported.
package netpoll

import "errors"

// Mask is a set of readiness conditions.
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
	Error
	Hangup
	OneShot // Registration only: disarm after one report
)

var (
	// ErrUnsupported is returned by New on platforms without a poller.
	ErrUnsupported = errors.New("netpoll: not supported on this platform")

	// ErrClosed is returned by operations on a closed Poller.
	ErrClosed = errors.New("netpoll: poller closed")
)

// Handler receives one ready descriptor and the conditions that fired.
type Handler func(fd int, ready Mask)
