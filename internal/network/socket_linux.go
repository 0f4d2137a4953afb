//go:build linux

package network

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// FDSocket is a Socket over a nonblocking file descriptor.
type FDSocket struct {
	closeOnce sync.Once
	fd        int
}

// NewFDSocket takes ownership of fd, which must already be in nonblocking mode.
func NewFDSocket(fd int) *FDSocket {
	return &FDSocket{fd: fd}
}

// Fd returns the underlying descriptor.
func (s *FDSocket) Fd() int { return s.fd }

// Read implements Socket.
func (s *FDSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, classify("read", err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Writev implements Socket with a single vectored write.
func (s *FDSocket) Writev(bufs [][]byte) (int, error) {
	n, err := unix.Writev(s.fd, bufs)
	if err != nil {
		return 0, classify("writev", err)
	}
	return n, nil
}

// CloseRead shuts down the read side.
func (s *FDSocket) CloseRead() error {
	return classify("shutdown", unix.Shutdown(s.fd, unix.SHUT_RD))
}

// CloseWrite shuts down the write side.
func (s *FDSocket) CloseWrite() error {
	return classify("shutdown", unix.Shutdown(s.fd, unix.SHUT_WR))
}

// Close releases the descriptor. Subsequent calls are no-ops.
func (s *FDSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = classify("close", unix.Close(s.fd))
	})
	return err
}

func classify(op string, err error) error {
	switch err {
	case nil:
		return nil
	case unix.EAGAIN:
		return fmt.Errorf("%s: %w: %w", op, ErrWouldBlock, err)
	case unix.EINTR:
		return fmt.Errorf("%s: %w: %w", op, ErrInterrupted, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
