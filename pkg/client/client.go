// Package client provides a Go client for mirkv servers.
//
// The client spreads keys over one or more server nodes with consistent
// hashing, keeps a bounded pool of connections per node and retries requests
// that fail on the network. Server replies are never retried.
//
// Basic Usage:
//
//	c, err := client.New([]string{"server1:8080", "server2:8080"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.Set("user:123", "john_doe"); err != nil {
//		log.Fatal(err)
//	}
//	value, err := c.Get("user:123")
//	if errors.Is(err, client.ErrNotFound) {
//		// missing
//	}
//
// Storage operations map one to one onto protocol commands:
//   - Set: SET, always stores
//   - Add: ADD, stores only a new key
//   - Replace, Append, Prepend: require an existing key
//
// Add, Replace, Append and Prepend return ErrNotStored when their condition
// does not hold.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cachemir/mirkv/pkg/config"
	"github.com/cachemir/mirkv/pkg/hash"
	"github.com/cachemir/mirkv/pkg/protocol"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("client: key not found")

	// ErrNotStored is returned when a conditional store does not apply.
	ErrNotStored = errors.New("client: not stored")

	// ErrNoNodes is returned when the ring is empty.
	ErrNoNodes = errors.New("client: no available nodes")

	// ErrUnexpectedReply is returned when the server answers with a frame the
	// command never produces.
	ErrUnexpectedReply = errors.New("client: unexpected reply")
)

// Client talks to a mirkv cluster. It is safe for concurrent use.
type Client struct {
	config *config.ClientConfig
	log    logrus.FieldLogger
	ring   *hash.ConsistentHash

	mu    sync.RWMutex
	pools map[string]*ConnectionPool
}

// New creates a client for nodes using the default client settings.
//
// Parameters:
//   - nodes: Server addresses in "host:port" format
//
// Returns:
//   - A Client ready for use
//   - An error if the node list is empty or malformed
func New(nodes []string) (*Client, error) {
	return NewWithConfig(&config.ClientConfig{
		Nodes:           nodes,
		MaxConnsPerNode: config.DefaultMaxConnsPerNode,
		ConnTimeout:     config.DefaultConnTimeout,
		ReadTimeout:     config.DefaultReadTimeout,
		WriteTimeout:    config.DefaultWriteTimeout,
		RetryAttempts:   config.DefaultRetryAttempts,
		VirtualNodes:    config.DefaultVirtualNodes,
	}, nil)
}

// NewWithConfig creates a client from a validated configuration. A nil
// logger selects the logrus standard logger.
//
// Example:
//
//	cfg, err := config.LoadClientConfig(config.NewClientViper(), "")
//	if err != nil {
//		log.Fatal(err)
//	}
//	c, err := client.NewWithConfig(cfg, logrus.StandardLogger())
//
// Parameters:
//   - cfg: Client configuration; it is validated and retained
//   - log: Logger for connection failures, may be nil
//
// Returns:
//   - A Client with one connection pool per configured node
//   - An error wrapping config.ErrInvalid if cfg fails validation
func NewWithConfig(cfg *config.ClientConfig, log logrus.FieldLogger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Client{
		config: cfg,
		log:    log,
		ring:   hash.New(cfg.VirtualNodes),
		pools:  make(map[string]*ConnectionPool),
	}
	for _, node := range cfg.Nodes {
		c.AddNode(node)
	}
	return c, nil
}

// AddNode adds a server to the ring. Some keys move to the new node.
// Adding a known node does nothing.
//
// Example:
//
//	c.AddNode("server3:8080")
//
// Parameters:
//   - address: Server address in "host:port" format
func (c *Client) AddNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring.AddNode(address)
	if _, exists := c.pools[address]; !exists {
		c.pools[address] = newConnectionPool(address, c.config, c.log)
	}
}

// RemoveNode takes a server off the ring and closes its idle connections.
// Keys owned by the server move to the remaining nodes.
//
// Parameters:
//   - address: Server address to remove
func (c *Client) RemoveNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ring.RemoveNode(address)
	if pool, exists := c.pools[address]; exists {
		pool.Close()
		delete(c.pools, address)
	}
}

// Nodes returns the servers currently on the ring.
func (c *Client) Nodes() []string { return c.ring.GetNodes() }

// NodeFor returns the server owning key, or "" when no node is configured.
func (c *Client) NodeFor(key string) string { return c.ring.GetNode(key) }

func (c *Client) pool(node string) (*ConnectionPool, error) {
	if node == "" {
		return nil, ErrNoNodes
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	pool, ok := c.pools[node]
	if !ok {
		return nil, fmt.Errorf("client: no connection pool for node %s", node)
	}
	return pool, nil
}

// do sends request to node and reads one reply per expected frame, retrying
// on network failures with a fresh connection.
func (c *Client) do(node string, request []byte, replies int) ([]protocol.Reply, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		pool, err := c.pool(node)
		if err != nil {
			return nil, err
		}
		conn, err := pool.Get()
		if err != nil {
			lastErr = err
			continue
		}

		out, err := conn.roundTrip(request, replies, c.config.WriteTimeout, c.config.ReadTimeout)
		if err != nil {
			pool.Discard(conn)
			c.log.WithError(err).WithField("node", node).Debug("request failed")
			lastErr = err
			continue
		}
		pool.Put(conn)
		return out, nil
	}
	return nil, fmt.Errorf("client: command failed after %d attempts: %w", c.config.RetryAttempts+1, lastErr)
}

func (c *Client) single(key, name string, data []byte) (protocol.Reply, error) {
	replies, err := c.do(c.ring.GetNode(key), protocol.AppendRequest(nil, name, key, data), 1)
	if err != nil {
		return protocol.Reply{}, err
	}
	return replies[0], nil
}

func (c *Client) store(name, key, value string) error {
	reply, err := c.single(key, name, []byte(value))
	if err != nil {
		return err
	}
	switch {
	case reply.Kind == protocol.KindStatus:
		return nil
	case "-"+reply.Text == protocol.ReplyNotStored:
		return ErrNotStored
	case reply.Kind == protocol.KindError:
		return reply.Err()
	default:
		return fmt.Errorf("%w to %s", ErrUnexpectedReply, name)
	}
}

// Set stores value under key unconditionally.
//
// Example:
//
//	err := c.Set("session:abc", token)
//
// Parameters:
//   - key: Key of at most protocol.MaxKeyLength bytes without whitespace
//   - value: Value of at most protocol.MaxDataLength bytes; any bytes allowed
//
// Returns:
//   - nil once stored
//   - A *protocol.ServerError if the node cannot hold the value, or a transport error
func (c *Client) Set(key, value string) error { return c.store("SET", key, value) }

// Add stores value only if key does not exist.
//
// Example:
//
//	if err := c.Add("lock:job-7", owner); errors.Is(err, client.ErrNotStored) {
//		// someone else holds the lock
//	}
//
// Returns:
//   - nil once stored
//   - ErrNotStored if key already exists, or a transport or server error
func (c *Client) Add(key, value string) error { return c.store("ADD", key, value) }

// Replace stores value only if key exists. It returns ErrNotStored otherwise.
func (c *Client) Replace(key, value string) error { return c.store("REPLACE", key, value) }

// Append adds value to the end of an existing value. It returns ErrNotStored
// for a missing key or when the result would exceed protocol.MaxDataLength.
func (c *Client) Append(key, value string) error { return c.store("APPEND", key, value) }

// Prepend adds value to the front of an existing value, with the same
// failure modes as Append.
func (c *Client) Prepend(key, value string) error { return c.store("PREPEND", key, value) }

// Get retrieves the value of key.
//
// Example:
//
//	value, err := c.Get("user:123")
//	switch {
//	case errors.Is(err, client.ErrNotFound):
//		// missing
//	case err != nil:
//		return err
//	}
//
// Parameters:
//   - key: The key to look up
//
// Returns:
//   - The stored value
//   - ErrNotFound if the key is missing, or a transport or server error
func (c *Client) Get(key string) (string, error) {
	reply, err := c.single(key, "GET", nil)
	if err != nil {
		return "", err
	}
	return bulk(reply)
}

// Delete removes key and reports whether it existed.
//
// Returns:
//   - true if the key was present and has been removed
//   - A transport or server error
func (c *Client) Delete(key string) (bool, error) {
	reply, err := c.single(key, "DELETE", nil)
	if err != nil {
		return false, err
	}
	if err := reply.Err(); err != nil {
		return false, err
	}
	if reply.Kind != protocol.KindInteger {
		return false, fmt.Errorf("%w to DELETE", ErrUnexpectedReply)
	}
	return reply.Integer == 1, nil
}

// MGet fetches several keys, pipelining the requests that share a node.
// Missing keys are absent from the result.
//
// Example:
//
//	values, err := c.MGet("user:1", "user:2", "user:3")
//	if err != nil {
//		return err
//	}
//	name, ok := values["user:2"]
//
// Parameters:
//   - keys: Keys to fetch; duplicates are fetched once per occurrence
//
// Returns:
//   - A map from each found key to its value
//   - The first transport or server error; partial results are discarded
func (c *Client) MGet(keys ...string) (map[string]string, error) {
	byNode := make(map[string][]string)
	for _, key := range keys {
		node := c.ring.GetNode(key)
		if node == "" {
			return nil, ErrNoNodes
		}
		byNode[node] = append(byNode[node], key)
	}

	result := make(map[string]string, len(keys))
	for node, nodeKeys := range byNode {
		var request []byte
		for _, key := range nodeKeys {
			request = protocol.AppendRequest(request, "GET", key, nil)
		}
		replies, err := c.do(node, request, len(nodeKeys))
		if err != nil {
			return nil, err
		}
		for i, reply := range replies {
			value, err := bulk(reply)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			result[nodeKeys[i]] = value
		}
	}
	return result, nil
}

// Ping checks every node and joins the failures.
//
// Returns:
//   - nil if every node answered +PONG
//   - An errors.Join of per-node errors, each prefixed with the node address
func (c *Client) Ping() error {
	var errs []error
	for _, node := range c.ring.GetNodes() {
		replies, err := c.do(node, protocol.AppendRequest(nil, "PING", "", nil), 1)
		if err == nil && "+"+replies[0].Text != protocol.ReplyPong {
			err = fmt.Errorf("%w to PING", ErrUnexpectedReply)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every pooled connection. The client must not be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for address, pool := range c.pools {
		pool.Close()
		delete(c.pools, address)
	}
	return nil
}

func bulk(reply protocol.Reply) (string, error) {
	switch reply.Kind {
	case protocol.KindBulk:
		return reply.Text, nil
	case protocol.KindMissing:
		return "", ErrNotFound
	case protocol.KindError:
		return "", reply.Err()
	default:
		return "", fmt.Errorf("%w to GET", ErrUnexpectedReply)
	}
}
