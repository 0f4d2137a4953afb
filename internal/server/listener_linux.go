//go:build linux

package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// listenTCP opens a nonblocking listening socket and returns it with the
// address it is actually bound to.
func listenTCP(host string, port, backlog int) (int, string, error) {
	ip := net.IPv4zero
	if host != "" {
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return -1, "", fmt.Errorf("resolve %q: %w", host, err)
		}
		ip = addr.IP
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if v4 := ip.To4(); v4 != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], v4)
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, "", fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (int, string, error) {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("%s: %w", op, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	switch b := bound.(type) {
	case *unix.SockaddrInet4:
		return fd, net.JoinHostPort(net.IP(b.Addr[:]).String(), strconv.Itoa(b.Port)), nil
	case *unix.SockaddrInet6:
		return fd, net.JoinHostPort(net.IP(b.Addr[:]).String(), strconv.Itoa(b.Port)), nil
	default:
		return fd, net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}
}

// acceptAll accepts every pending connection and passes each nonblocking
// descriptor to fn. It returns once the backlog is empty.
func (s *Server) acceptAll(fn func(fd int)) {
	for {
		nfd, _, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				s.log.WithError(err).WithField("fd", nfd).Debug("set TCP_NODELAY")
			}
			fn(nfd)
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		default:
			s.log.WithError(err).Error("accept failed")
			return
		}
	}
}
