package network

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/mirkv/pkg/storage"
)

// fakeSocket replays scripted reads and records writes.
type fakeSocket struct {
	reads      [][]byte
	readErrs   []error // consumed once reads run dry; nil entry means ErrWouldBlock
	written    bytes.Buffer
	writeLimit int // bytes accepted per Writev, 0 for unlimited
	writeErr   error
	writevCall int
	lastIOV    int

	readClosed  bool
	writeClosed bool
	closed      bool
}

func (s *fakeSocket) feed(chunks ...string) {
	for _, c := range chunks {
		s.reads = append(s.reads, []byte(c))
	}
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		if len(s.readErrs) > 0 {
			err := s.readErrs[0]
			s.readErrs = s.readErrs[1:]
			if err != nil {
				return 0, err
			}
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, s.reads[0])
	if n == len(s.reads[0]) {
		s.reads = s.reads[1:]
	} else {
		s.reads[0] = s.reads[0][n:]
	}
	return n, nil
}

func (s *fakeSocket) Writev(bufs [][]byte) (int, error) {
	s.writevCall++
	s.lastIOV = len(bufs)
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	total := 0
	for _, b := range bufs {
		if s.writeLimit > 0 && total+len(b) > s.writeLimit {
			b = b[:s.writeLimit-total]
		}
		s.written.Write(b)
		total += len(b)
		if s.writeLimit > 0 && total == s.writeLimit {
			break
		}
	}
	return total, nil
}

func (s *fakeSocket) CloseRead() error {
	s.readClosed = true
	return nil
}

func (s *fakeSocket) CloseWrite() error {
	s.writeClosed = true
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

// recordingStorage counts Put calls on top of a real LRU.
type recordingStorage struct {
	storage.Storage
	puts []string
}

func (r *recordingStorage) Put(key, value string) bool {
	r.puts = append(r.puts, key+"="+value)
	return r.Storage.Put(key, value)
}

func quiet() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestConn(sock *fakeSocket, opts Options) (*Connection, *recordingStorage) {
	store := &recordingStorage{Storage: storage.NewSimpleLRU(1 << 20)}
	opts.Logger = quiet()
	c := New(sock, store, opts)
	c.Start()
	return c, store
}

func drain(c *Connection) {
	for i := 0; i < 10000 && c.Pending() > 0 && c.State() != StateClosed; i++ {
		c.DoWrite()
	}
}

func TestConnectionStartInterest(t *testing.T) {
	c, _ := newTestConn(&fakeSocket{}, Options{})
	assert.True(t, c.IsAlive())
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, EventRead|EventHangup|EventError, c.Events())
	assert.NotEmpty(t, c.ID())
}

func TestConnectionSetSplitAcrossReads(t *testing.T) {
	sock := &fakeSocket{}
	c, store := newTestConn(sock, Options{})

	sock.feed("SET foo 3\r\nb")
	c.DoRead()
	assert.Empty(t, store.puts)
	assert.Equal(t, 0, c.Pending())
	assert.Zero(t, c.Events()&EventWrite)

	sock.feed("ar\r\n")
	c.DoRead()
	assert.Equal(t, []string{"foo=bar"}, store.puts)
	assert.Equal(t, 1, c.Pending())
	assert.NotZero(t, c.Events()&EventWrite)

	c.DoWrite()
	assert.Equal(t, "+OK\r\n", sock.written.String())
	assert.Zero(t, c.Events()&EventWrite)
	assert.NotZero(t, c.Events()&EventRead)
}

const script = "SET foo 3\r\nbar\r\nGET foo\r\nAPPEND foo 4\r\n-baz\r\nGET foo\r\n" +
	"FROB\r\nADD foo 1\r\nx\r\nDELETE foo\r\nGET foo\r\n\r\nPING\r\n"

const scriptReplies = "+OK\r\n$3\r\nbar\r\n+OK\r\n$7\r\nbar-baz\r\n" +
	"-ERR unknown command 'FROB'\r\n-NOT_STORED\r\n:1\r\n$-1\r\n+PONG\r\n"

func TestConnectionPipelinedScript(t *testing.T) {
	sock := &fakeSocket{}
	c, _ := newTestConn(sock, Options{})

	sock.feed(script)
	c.DoRead()
	drain(c)

	assert.Equal(t, scriptReplies, sock.written.String())
}

func TestConnectionByteAtATimeMatchesWholeRead(t *testing.T) {
	sock := &fakeSocket{}
	c, store := newTestConn(sock, Options{})

	for i := 0; i < len(script); i++ {
		sock.feed(script[i : i+1])
		c.DoRead()
	}
	drain(c)

	assert.Equal(t, scriptReplies, sock.written.String())
	assert.Equal(t, []string{"foo=bar"}, store.puts)
}

func TestConnectionDataLargerThanReadBuffer(t *testing.T) {
	sock := &fakeSocket{}
	c, store := newTestConn(sock, Options{ReadBufferSize: 64})

	value := strings.Repeat("v", 1000)
	payload := "SET big 1000\r\n" + value + "\r\nGET big\r\n"
	for i := 0; i < len(payload); i += 50 {
		sock.feed(payload[i:min(i+50, len(payload))])
	}
	c.DoRead()
	drain(c)

	assert.Equal(t, []string{"big=" + value}, store.puts)
	assert.Equal(t, "+OK\r\n$1000\r\n"+value+"\r\n", sock.written.String())
}

func TestConnectionBadDataChunk(t *testing.T) {
	sock := &fakeSocket{}
	c, store := newTestConn(sock, Options{})

	sock.feed("SET foo 3\r\nbarXXPING\r\n")
	c.DoRead()
	drain(c)

	assert.Empty(t, store.puts)
	assert.Equal(t, "-ERR bad data chunk\r\n+PONG\r\n", sock.written.String())
}

func TestConnectionBackpressureHysteresis(t *testing.T) {
	sock := &fakeSocket{writeLimit: len("+PONG\r\n")}
	c, _ := newTestConn(sock, Options{QueueHigh: 100, QueueLow: 90})

	sock.feed(strings.Repeat("PING\r\n", 150))
	c.DoRead()

	require.Equal(t, 150, c.Pending())
	assert.Zero(t, c.Events()&EventRead, "read interest must be off above the high threshold")
	assert.NotZero(t, c.Events()&EventWrite)

	for c.Pending() >= 90 {
		c.DoWrite()
		if c.Pending() >= 90 {
			assert.Zero(t, c.Events()&EventRead, "still off at %d pending", c.Pending())
		}
	}
	assert.NotZero(t, c.Events()&EventRead, "read interest back on below the low threshold")

	for c.Pending() > 85 {
		c.DoWrite()
	}
	assert.NotZero(t, c.Events()&EventRead)
	assert.Equal(t, 85, c.Pending())
}

func TestConnectionStopsReadingWhileThrottled(t *testing.T) {
	sock := &fakeSocket{}
	c, _ := newTestConn(sock, Options{ReadBufferSize: 16, QueueHigh: 4, QueueLow: 2})

	sock.feed(strings.Repeat("PING\r\n", 10))
	c.DoRead()

	pending := c.Pending()
	assert.GreaterOrEqual(t, pending, 4)
	assert.Less(t, pending, 10, "reading must stop once throttled")
	assert.NotEmpty(t, sock.reads, "unread bytes stay in the socket")

	c.DoRead()
	assert.Equal(t, pending, c.Pending(), "DoRead is a no-op while throttled")
}

func TestConnectionHangupFollowsReadInterest(t *testing.T) {
	sock := &fakeSocket{writeLimit: len("+PONG\r\n"), readErrs: []error{io.EOF}}
	c, _ := newTestConn(sock, Options{QueueHigh: 4, QueueLow: 2})

	sock.feed(strings.Repeat("PING\r\n", 10))
	c.DoRead()
	require.Equal(t, 10, c.Pending())
	assert.Zero(t, c.Events()&EventRead)
	assert.Zero(t, c.Events()&EventHangup, "a half-closed peer must not report readiness while throttled")

	// A hangup report delivered anyway leaves the EOF unread.
	c.DoRead()
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, 10, c.Pending())

	for c.Pending() >= 2 {
		c.DoWrite()
	}
	assert.Equal(t, EventRead|EventWrite|EventHangup|EventError, c.Events())

	c.DoRead()
	assert.Equal(t, StateWriteOnly, c.State())
	drain(c)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, strings.Repeat("+PONG\r\n", 10), sock.written.String())
	assert.True(t, sock.writeClosed)
}

func TestConnectionPartialWrites(t *testing.T) {
	sock := &fakeSocket{writeLimit: 3}
	c, _ := newTestConn(sock, Options{})

	sock.feed("SET foo 3\r\nbar\r\nGET foo\r\nGET nope\r\n")
	c.DoRead()
	require.Equal(t, 3, c.Pending())

	calls := 0
	for c.Pending() > 0 {
		c.DoWrite()
		calls++
	}
	assert.Equal(t, "+OK\r\n$3\r\nbar\r\n$-1\r\n", sock.written.String())
	assert.Equal(t, (len(sock.written.String())+2)/3, calls)
}

func TestConnectionIOVecLimit(t *testing.T) {
	sock := &fakeSocket{}
	c, _ := newTestConn(sock, Options{MaxIOVec: 32})

	sock.feed(strings.Repeat("PING\r\n", 40))
	c.DoRead()
	require.Equal(t, 40, c.Pending())

	c.DoWrite()
	assert.Equal(t, 32, sock.lastIOV)
	assert.Equal(t, 8, c.Pending())

	c.DoWrite()
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, strings.Repeat("+PONG\r\n", 40), sock.written.String())
}

func TestConnectionEOFDrainsThenCloses(t *testing.T) {
	sock := &fakeSocket{readErrs: []error{io.EOF}}
	c, _ := newTestConn(sock, Options{})

	sock.feed("PING\r\n")
	c.DoRead()

	assert.Equal(t, StateWriteOnly, c.State())
	assert.True(t, c.IsAlive())
	assert.Equal(t, EventWrite|EventError, c.Events())

	c.DoWrite()
	assert.Equal(t, "+PONG\r\n", sock.written.String())
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.IsAlive())
	assert.True(t, sock.writeClosed)
}

func TestConnectionEOFWithEmptyQueueClosesAtOnce(t *testing.T) {
	sock := &fakeSocket{readErrs: []error{io.EOF}}
	c, _ := newTestConn(sock, Options{})

	c.DoRead()
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.IsAlive())
	assert.True(t, sock.writeClosed)
}

func TestConnectionEOFDropsPartialCommand(t *testing.T) {
	sock := &fakeSocket{readErrs: []error{io.EOF}}
	c, store := newTestConn(sock, Options{})

	sock.feed("SET foo 3\r\nba")
	c.DoRead()
	assert.Empty(t, store.puts)
	assert.False(t, c.IsAlive())
}

func TestConnectionFatalReadError(t *testing.T) {
	sock := &fakeSocket{readErrs: []error{errors.New("connection reset by peer")}}
	c, _ := newTestConn(sock, Options{})

	sock.feed("PING\r\n")
	c.DoRead()

	assert.True(t, sock.readClosed)
	assert.Equal(t, StateWriteOnly, c.State())
	assert.Equal(t, 2, c.Pending())

	drain(c)
	assert.Equal(t, "+PONG\r\n-ERR connection reset by peer\r\n", sock.written.String())
	assert.False(t, c.IsAlive())
}

func TestConnectionTransientReadErrors(t *testing.T) {
	sock := &fakeSocket{readErrs: []error{ErrInterrupted, nil}}
	c, _ := newTestConn(sock, Options{})

	c.DoRead()
	assert.Equal(t, StateActive, c.State())
	assert.True(t, c.IsAlive())
}

func TestConnectionLineTooLong(t *testing.T) {
	sock := &fakeSocket{}
	c, _ := newTestConn(sock, Options{ReadBufferSize: 32})

	sock.feed(strings.Repeat("G", 100))
	c.DoRead()

	assert.Equal(t, StateWriteOnly, c.State())
	assert.True(t, sock.readClosed)
	drain(c)
	assert.Equal(t, "-ERR line too long\r\n", sock.written.String())
	assert.False(t, c.IsAlive())
}

func TestConnectionFatalWriteError(t *testing.T) {
	sock := &fakeSocket{writeErr: errors.New("broken pipe")}
	c, _ := newTestConn(sock, Options{})

	sock.feed("PING\r\n")
	c.DoRead()
	c.DoWrite()

	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.IsAlive())
}

func TestConnectionTransientWriteError(t *testing.T) {
	sock := &fakeSocket{writeErr: ErrWouldBlock}
	c, _ := newTestConn(sock, Options{})

	sock.feed("PING\r\n")
	c.DoRead()
	c.DoWrite()

	assert.True(t, c.IsAlive())
	assert.Equal(t, 1, c.Pending())

	sock.writeErr = nil
	c.DoWrite()
	assert.Equal(t, "+PONG\r\n", sock.written.String())
}

func TestConnectionOnErrorAndOnClose(t *testing.T) {
	c, _ := newTestConn(&fakeSocket{}, Options{})
	c.OnError()
	assert.False(t, c.IsAlive())
	assert.Equal(t, Events(0), c.Events())

	sock := &fakeSocket{}
	c, _ = newTestConn(sock, Options{})
	c.OnClose()
	assert.False(t, c.IsAlive())

	require.NoError(t, c.Close())
	assert.True(t, sock.closed)
	c.DoRead()
	c.DoWrite()
	assert.Equal(t, 0, sock.written.Len())
}

type countingObserver struct {
	commands map[string]int
	in, out  int
}

func (o *countingObserver) Command(name string) { o.commands[name]++ }
func (o *countingObserver) BytesRead(n int)     { o.in += n }
func (o *countingObserver) BytesWritten(n int)  { o.out += n }

func TestConnectionObserver(t *testing.T) {
	obs := &countingObserver{commands: map[string]int{}}
	sock := &fakeSocket{}
	c, _ := newTestConn(sock, Options{Observer: obs})

	sock.feed("PING\r\nPING\r\nGET x\r\n")
	c.DoRead()
	drain(c)

	assert.Equal(t, map[string]int{"PING": 2, "GET": 1}, obs.commands)
	assert.Equal(t, len("PING\r\nPING\r\nGET x\r\n"), obs.in)
	assert.Equal(t, sock.written.Len(), obs.out)
}
