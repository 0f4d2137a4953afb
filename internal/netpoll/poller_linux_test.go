//go:build linux

package netpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func collect(t *testing.T, p *Poller, timeout time.Duration) (map[int]Mask, bool) {
	t.Helper()
	got := map[int]Mask{}
	woken, err := p.Wait(timeout, func(fd int, ready Mask) { got[fd] |= ready })
	require.NoError(t, err)
	return got, woken
}

func TestPollerReportsReadiness(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	r, w := pipe(t)
	require.NoError(t, p.Add(r, Readable))

	got, _ := collect(t, p, 0)
	assert.Empty(t, got)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	got, woken := collect(t, p, time.Second)
	assert.False(t, woken)
	assert.Equal(t, Readable, got[r]&Readable)
}

func TestPollerOneShotNeedsRearm(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	r, w := pipe(t)
	require.NoError(t, p.Add(r, Readable|OneShot))
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	got, _ := collect(t, p, time.Second)
	assert.Contains(t, got, r)

	got, _ = collect(t, p, 10*time.Millisecond)
	assert.NotContains(t, got, r, "disarmed until modified")

	require.NoError(t, p.Modify(r, Readable|OneShot))
	got, _ = collect(t, p, time.Second)
	assert.Contains(t, got, r)
}

func TestPollerWritableAndRemove(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	_, w := pipe(t)
	require.NoError(t, p.Add(w, Writable))
	got, _ := collect(t, p, time.Second)
	assert.Equal(t, Writable, got[w]&Writable)

	require.NoError(t, p.Remove(w))
	got, _ = collect(t, p, 0)
	assert.Empty(t, got)
}

func TestPollerWake(t *testing.T) {
	p, err := New(8)
	require.NoError(t, err)
	defer p.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Wake()
	}()

	got, woken := collect(t, p, -1)
	assert.True(t, woken)
	assert.Empty(t, got)

	// The wakeup is consumed.
	_, woken = collect(t, p, 0)
	assert.False(t, woken)
}

func TestPollerClosed(t *testing.T) {
	p, err := New(0)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Wait(0, func(int, Mask) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Add(0, Readable), ErrClosed)
	assert.ErrorIs(t, p.Wake(), ErrClosed)
}
