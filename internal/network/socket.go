package network

import "errors"

var (
	// ErrWouldBlock reports that a nonblocking socket has no data or no buffer
	// space right now. It is not a failure: the caller waits for readiness.
	ErrWouldBlock = errors.New("network: operation would block")

	// ErrInterrupted reports a call interrupted before it transferred data.
	ErrInterrupted = errors.New("network: interrupted")
)

// Socket is the nonblocking byte stream a Connection drives.
//
// Read returns io.EOF once the peer has closed its write side. Read and Writev
// return an error wrapping ErrWouldBlock or ErrInterrupted for transient
// conditions; any other error is fatal for the connection.
type Socket interface {
	Read(p []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
	CloseRead() error
	CloseWrite() error
	Close() error
}

// transient reports whether err only means "try again on the next readiness event".
func transient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrInterrupted)
}
