//go:build !linux

package netpoll

import "time"

// Poller is unavailable on this platform.
type Poller struct{}

// New always fails with ErrUnsupported.
func New(int) (*Poller, error) { return nil, ErrUnsupported }

func (*Poller) Add(int, Mask) error                      { return ErrUnsupported }
func (*Poller) Modify(int, Mask) error                   { return ErrUnsupported }
func (*Poller) Remove(int) error                         { return ErrUnsupported }
func (*Poller) Wait(time.Duration, Handler) (bool, error) { return false, ErrUnsupported }
func (*Poller) Wake() error                              { return ErrUnsupported }
func (*Poller) Close() error                             { return nil }
