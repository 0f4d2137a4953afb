package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistentHash(t *testing.T) {
	ch := New(3)

	nodes := []string{"node1:8080", "node2:8080", "node3:8080"}
	for _, node := range nodes {
		ch.AddNode(node)
	}
	ch.AddNode("node1:8080")

	assert.Equal(t, nodes, ch.GetNodes())
	assert.Equal(t, Stats{Nodes: 3, VirtualNodes: 3, RingSize: 9}, ch.Stats())

	node1 := ch.GetNode("test_key_1")
	require.NotEmpty(t, node1)
	for i := 0; i < 10; i++ {
		assert.Equal(t, node1, ch.GetNode("test_key_1"), "lookups must be stable")
	}

	ch.RemoveNode("node1:8080")
	ch.RemoveNode("unknown:1")
	assert.Equal(t, []string{"node2:8080", "node3:8080"}, ch.GetNodes())
	assert.Equal(t, 6, ch.Stats().RingSize)
	assert.NotEqual(t, "node1:8080", ch.GetNode("test_key_1"))
}

func TestConsistentHashEmpty(t *testing.T) {
	ch := New(0)
	assert.Equal(t, "", ch.GetNode("k"))
	assert.Equal(t, DefaultVirtualNodes, ch.Stats().VirtualNodes)
}

func TestConsistentHashDistribution(t *testing.T) {
	ch := New(150)
	for _, node := range []string{"node1:8080", "node2:8080", "node3:8080"} {
		ch.AddNode(node)
	}

	distribution := make(map[string]int)
	for i := 0; i < 3000; i++ {
		distribution[ch.GetNode(fmt.Sprintf("key_%d", i))]++
	}

	require.Len(t, distribution, 3)
	for node, count := range distribution {
		assert.True(t, count > 600 && count < 1500, "poor distribution for node %s: %d keys", node, count)
	}
}

func TestConsistentHashMinimalMovement(t *testing.T) {
	ch := New(150)
	for _, node := range []string{"a:1", "b:1", "c:1"} {
		ch.AddNode(node)
	}

	before := make(map[string]string)
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key_%d", i)
		before[key] = ch.GetNode(key)
	}

	ch.AddNode("d:1")
	for key, owner := range before {
		now := ch.GetNode(key)
		if now != owner {
			assert.Equal(t, "d:1", now, "key %s moved between existing nodes", key)
		}
	}
}
