package client

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirkv/pkg/config"
)

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(nodes ...string) *config.ClientConfig {
	return &config.ClientConfig{
		Nodes:           nodes,
		MaxConnsPerNode: 2,
		ConnTimeout:     200 * time.Millisecond,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		RetryAttempts:   1,
		VirtualNodes:    50,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = New([]string{"missing-port"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNodeManagement(t *testing.T) {
	c, err := NewWithConfig(testConfig("a:1", "b:1"), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"a:1", "b:1"}, c.Nodes())
	c.AddNode("c:1")
	assert.Len(t, c.Nodes(), 3)

	c.RemoveNode("a:1")
	c.RemoveNode("b:1")
	c.RemoveNode("c:1")
	assert.Empty(t, c.Nodes())

	_, err = c.Get("k")
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestUnreachableNodeRetries(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c, err := NewWithConfig(testConfig(addr), nil)
	require.NoError(t, err)
	defer c.Close()

	err = c.Set("k", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")

	assert.Error(t, c.Ping())
}

func TestPoolLimitAndClose(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			defer nc.Close()
		}
	}()

	cfg := testConfig(l.Addr().String())
	pool := newConnectionPool(l.Addr().String(), cfg, quietLog())

	c1, err := pool.Get()
	require.NoError(t, err)
	c2, err := pool.Get()
	require.NoError(t, err)

	_, err = pool.Get()
	assert.Error(t, err, "third Get waits for a free connection and times out")

	pool.Put(c1)
	c3, err := pool.Get()
	require.NoError(t, err)
	assert.Same(t, c1, c3)

	pool.Discard(c2)
	c4, err := pool.Get()
	require.NoError(t, err, "discard frees a slot")

	pool.Close()
	pool.Put(c3)
	pool.Put(c4)
	_, err = pool.Get()
	assert.ErrorIs(t, err, ErrPoolClosed)
}
