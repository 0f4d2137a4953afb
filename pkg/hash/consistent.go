// Package hash implements the consistent hash ring the mirkv client uses to
// spread keys over server nodes.
//
// Each physical node is placed on a 64-bit ring at several virtual points
// so that keys spread evenly and adding or removing a node only moves the keys
// adjacent to its points. A key belongs to the first point clockwise from the
// key's own hash. Hashing uses xxhash.
//
// Example usage:
//
//	ring := hash.New(150)
//	ring.AddNode("cache-1:8080")
//	ring.AddNode("cache-2:8080")
//
//	node := ring.GetNode("user:123") // always the same node for this key
package hash

import (
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring points per node when New is given
// a non-positive count.
const DefaultVirtualNodes = 150

// ConsistentHash is a thread-safe consistent hash ring.
//
// Each physical node owns virtualNodes points on a 64-bit ring. A key is
// served by the node owning the first point at or after the key's hash,
// wrapping around at the end of the ring.
type ConsistentHash struct {
	mu           sync.RWMutex
	ring         map[uint64]string // Point -> node
	sortedHashes []uint64          // Ring points in ascending order
	nodes        map[string]struct{}
	virtualNodes int
}

// Stats describes the ring layout.
type Stats struct {
	Nodes        int `json:"nodes"`
	VirtualNodes int `json:"virtual_nodes"`
	RingSize     int `json:"ring_size"`
}

// New creates an empty ring placing virtualNodes points per node.
// If virtualNodes is <= 0, DefaultVirtualNodes is used.
//
// Example:
//
//	ring := hash.New(100)
//
// Parameters:
//   - virtualNodes: Number of ring points per physical node
//
// Returns:
//   - An empty ConsistentHash ready for AddNode
func New(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHash{
		ring:         make(map[uint64]string),
		nodes:        make(map[string]struct{}),
		virtualNodes: virtualNodes,
	}
}

// AddNode places node on the ring. Adding a known node does nothing.
//
// Only keys hashing just before one of the new points move to the new node;
// every other key keeps its owner.
//
// Example:
//
//	ring.AddNode("cache-1:8080")
//	ring.AddNode("cache-2:8080")
//
// Parameters:
//   - node: The node identifier, typically "host:port"
func (c *ConsistentHash) AddNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node]; ok {
		return
	}
	c.nodes[node] = struct{}{}

	for i := 0; i < c.virtualNodes; i++ {
		point := pointHash(node, i)
		if _, taken := c.ring[point]; taken {
			continue
		}
		c.ring[point] = node
		c.sortedHashes = append(c.sortedHashes, point)
	}
	slices.Sort(c.sortedHashes)
}

// RemoveNode takes node off the ring. Its keys move to the following points.
// Removing an unknown node does nothing.
//
// Example:
//
//	ring.RemoveNode("cache-1:8080")
//
// Parameters:
//   - node: The node identifier to remove
func (c *ConsistentHash) RemoveNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[node]; !ok {
		return
	}
	delete(c.nodes, node)

	for i := 0; i < c.virtualNodes; i++ {
		point := pointHash(node, i)
		if c.ring[point] == node {
			delete(c.ring, point)
		}
	}
	c.sortedHashes = slices.DeleteFunc(c.sortedHashes, func(h uint64) bool {
		_, ok := c.ring[h]
		return !ok
	})
}

// GetNode returns the node owning key, or "" for an empty ring.
// A key maps to the same node until the ring topology changes.
//
// Example:
//
//	node := ring.GetNode("user:123")
//	if node == "" {
//		// no nodes configured
//	}
//
// Parameters:
//   - key: The key to place
//
// Returns:
//   - The owning node identifier, or "" when the ring is empty
func (c *ConsistentHash) GetNode(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sortedHashes) == 0 {
		return ""
	}
	return c.ring[c.sortedHashes[c.search(xxhash.Sum64String(key))]]
}

// GetNodes returns every node on the ring in sorted order.
//
// Returns:
//   - A fresh slice of node identifiers; the caller may modify it
func (c *ConsistentHash) GetNodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodes := make([]string, 0, len(c.nodes))
	for node := range c.nodes {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

// Stats returns the ring layout.
//
// Returns:
//   - Node count, virtual nodes per node and the number of points on the ring
func (c *ConsistentHash) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Nodes:        len(c.nodes),
		VirtualNodes: c.virtualNodes,
		RingSize:     len(c.sortedHashes),
	}
}

// search returns the index of the first point at or after h, wrapping around.
func (c *ConsistentHash) search(h uint64) int {
	idx, _ := slices.BinarySearch(c.sortedHashes, h)
	if idx == len(c.sortedHashes) {
		idx = 0
	}
	return idx
}

func pointHash(node string, i int) uint64 {
	return xxhash.Sum64String(node + "#" + strconv.Itoa(i))
}
