//go:build !linux

package server

import "github.com/cachemir/mirkv/internal/netpoll"

// Listen fails: the server needs epoll.
func (s *Server) Listen() error { return netpoll.ErrUnsupported }

// Serve fails: the server needs epoll.
func (s *Server) Serve() error { return netpoll.ErrUnsupported }

func (s *Server) release() {}
