// Package mirkv is an in-memory key-value store served over a line protocol.
//
// A mirkv node keeps values in a byte-bounded LRU and serves many clients over
// nonblocking sockets. Every connection is a small state machine driven by
// epoll readiness; it parses pipelined commands out of arbitrary read
// fragments, queues replies for vectored writes and stops reading while too
// many replies are pending.
//
// # Architecture Overview
//
//   - internal/network: the per-connection state machine and sockets
//   - internal/netpoll: epoll readiness multiplexer with eventfd wakeup
//   - internal/server: listener plus the two serving modes
//   - internal/metrics: Prometheus collectors and the admin HTTP router
//   - pkg/executor: self-sizing worker pool used by the "pool" mode
//   - pkg/coroutine: cooperative coroutine engine used by the "coro" mode
//   - pkg/protocol: command parser, command execution and reply codec
//   - pkg/storage: storage interface, LRU backend and locking wrapper
//   - pkg/config: viper-based server and client configuration
//   - pkg/client, pkg/hash: sharding client over a consistent hash ring
//
// # Quick Start
//
// Server:
//
//	mirkv-server --port 8080 --mode pool --admin-addr 127.0.0.1:9090
//
// Client:
//
//	c, err := client.New([]string{"localhost:8080"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	c.Set("user:123", "john_doe")
//	value, err := c.Get("user:123")
//
// # Wire Protocol
//
//	SET user:123 8\r\n
//	john_doe\r\n
//	+OK\r\n
//	GET user:123\r\n
//	$8\r\n
//	john_doe\r\n
//
// See pkg/protocol for the full command table.
//
// # Configuration
//
// Every server setting can come from a flag, a MIRKV_ environment variable
// or a config file; see pkg/config.
//
//	MIRKV_PORT=8080 MIRKV_MODE=coro MIRKV_EXECUTOR_HIGH=64 mirkv-server
package mirkv
