package coroutine

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// none marks an empty list link or the idle context.
const none int32 = -1

var (
	// ErrDeadlock is returned by Start when every remaining coroutine is blocked
	// and the unblocker hook could not make any of them runnable.
	ErrDeadlock = errors.New("coroutine: all coroutines are blocked")

	// ErrRunning is returned by Start when the engine is already running.
	ErrRunning = errors.New("coroutine: engine already started")
)

// ID is a stable handle to a coroutine. The zero ID is the null handle.
// An ID outlives its coroutine but is never reused for another one.
type ID uint64

// contractError is raised when a caller hands the engine a handle it does not
// manage. It is never recovered.
type contractError string

func (e contractError) Error() string { return string(e) }

// record is one arena slot. A live record is linked into exactly one of the
// engine's alive or blocked lists.
type record struct {
	resume  chan bool     // true resumes, false cancels
	done    chan struct{} // closed once the goroutine has fully unwound
	gen     uint32
	next    int32
	prev    int32
	used    bool
	blocked bool
}

// Engine schedules coroutines cooperatively. See the package documentation.
type Engine struct {
	log       logrus.FieldLogger
	unblocker func(*Engine)

	recs []record
	free []int32

	alive   int32 // head of the alive list
	blocked int32 // head of the blocked list
	nAlive  int
	nBlock  int

	cur     int32     // running coroutine, none while idle runs
	idle    chan bool // run token for the idle (scheduler) context
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used to report coroutine panics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithUnblocker installs a hook that the idle context calls whenever no
// coroutine is alive but some are blocked. The hook runs on the idle context
// and is expected to Unblock coroutines whose wait condition has been met,
// typically by polling for I/O readiness.
func WithUnblocker(fn func(*Engine)) Option {
	return func(e *Engine) { e.unblocker = fn }
}

// New creates an idle Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:     logrus.StandardLogger(),
		alive:   none,
		blocked: none,
		cur:     none,
		idle:    make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start spawns main as the first coroutine and runs the scheduler on the
// calling goroutine until no coroutine is left. It returns ErrDeadlock
// (wrapped) if only blocked coroutines remain and the unblocker could not
// release any of them; those coroutines are cancelled, running their deferred
// calls but nothing else, and Start returns only after they have unwound.
func (e *Engine) Start(main func()) error {
	if e.running {
		return ErrRunning
	}
	e.running = true
	defer func() { e.running = false }()

	e.Run(main)

	for {
		if e.alive == none {
			if e.blocked == none {
				return nil
			}
			if e.unblocker != nil {
				e.unblocker(e)
			}
			if e.alive == none {
				n := e.cancelBlocked()
				return fmt.Errorf("%w: %d cancelled", ErrDeadlock, n)
			}
		}

		next := e.alive
		e.cur = next
		e.recs[next].resume <- true
		e.park(e.idle)
	}
}

// Run spawns fn as a new coroutine linked at the head of the alive list.
// It does not switch to it. Run may be called before Start, from the idle
// context, or from any running coroutine of this engine.
func (e *Engine) Run(fn func()) ID {
	idx := e.alloc()
	r := &e.recs[idx]
	ch, done := r.resume, r.done
	id := e.id(idx)
	e.pushFront(&e.alive, idx)
	e.nAlive++

	go func() {
		defer close(done)
		e.park(ch)
		e.invoke(id, fn)
		e.exit(idx)
	}()
	return id
}

// Current returns the running coroutine, or the zero ID while the idle
// context runs.
func (e *Engine) Current() ID {
	if e.cur == none {
		return 0
	}
	return e.id(e.cur)
}

// Alive returns the number of coroutines in the alive list, including the
// running one.
func (e *Engine) Alive() int { return e.nAlive }

// Blocked returns the number of blocked coroutines.
func (e *Engine) Blocked() int { return e.nBlock }

// Yield switches to the alive coroutine after the current one, wrapping to
// the head of the list. It returns immediately when no other coroutine is
// alive or when called from the idle context.
func (e *Engine) Yield() {
	cur := e.cur
	if cur == none {
		return
	}
	next := e.recs[cur].next
	if next == none {
		next = e.alive
	}
	if next == cur || next == none {
		return
	}
	e.switchTo(next)
}

// Sched switches to the given coroutine. With the zero ID it picks the head of
// the alive list, or the one after it if the head is running. Switching to a
// blocked coroutine or to the current one is refused and Sched returns at once.
// When the caller is switched back in, Sched returns to it.
func (e *Engine) Sched(id ID) {
	var target int32
	if id == 0 {
		if e.alive == none {
			return
		}
		target = e.alive
		if target == e.cur {
			target = e.recs[target].next
		}
		if target == none {
			return
		}
	} else {
		target = e.lookup(id)
	}

	if target == e.cur || e.recs[target].blocked {
		return
	}
	e.switchTo(target)
}

// Block moves a coroutine from the alive list to the blocked list. The zero ID
// blocks the current coroutine, which then gives control to the idle context
// and only returns once it has been unblocked and scheduled again. Blocking an
// already blocked coroutine does nothing.
func (e *Engine) Block(id ID) {
	var idx int32
	if id == 0 {
		if e.cur == none {
			panic(contractError("coroutine: Block(0) called outside a coroutine"))
		}
		idx = e.cur
	} else {
		idx = e.lookup(id)
	}

	r := &e.recs[idx]
	if r.blocked {
		return
	}
	e.unlink(&e.alive, idx)
	e.nAlive--
	r.blocked = true
	e.pushFront(&e.blocked, idx)
	e.nBlock++

	if idx == e.cur {
		ch := r.resume
		e.cur = none
		e.idle <- true
		e.park(ch)
	}
}

// Unblock moves a blocked coroutine to the head of the alive list. It is a
// no-op for the zero ID or a coroutine that is not blocked, and it never
// switches execution.
func (e *Engine) Unblock(id ID) {
	if id == 0 {
		return
	}
	idx := e.lookup(id)
	r := &e.recs[idx]
	if !r.blocked {
		return
	}
	e.unlink(&e.blocked, idx)
	e.nBlock--
	r.blocked = false
	e.pushFront(&e.alive, idx)
	e.nAlive++
}

// switchTo hands the run token from the current context to target and parks
// the caller until the token comes back. Engine state is only touched while
// holding the token.
func (e *Engine) switchTo(target int32) {
	own := e.idle
	if e.cur != none {
		own = e.recs[e.cur].resume
	}
	e.cur = target
	e.recs[target].resume <- true
	e.park(own)
}

// park waits for the run token. A cancelled coroutine unwinds its goroutine.
func (e *Engine) park(ch chan bool) {
	if !<-ch {
		runtime.Goexit()
	}
}

// invoke runs a coroutine body, isolating panics other than contract
// violations.
func (e *Engine) invoke(id ID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(contractError); ok {
				panic(ce)
			}
			e.log.WithField("coroutine", uint64(id)).Errorf("coroutine panic: %v", r)
		}
	}()
	fn()
}

// exit destroys the finished current coroutine and returns the token to idle.
func (e *Engine) exit(idx int32) {
	e.unlink(&e.alive, idx)
	e.nAlive--
	e.release(idx)
	e.cur = none
	e.idle <- true
}

func (e *Engine) cancelBlocked() int {
	n := 0
	for e.blocked != none {
		idx := e.blocked
		ch, done := e.recs[idx].resume, e.recs[idx].done
		e.unlink(&e.blocked, idx)
		e.nBlock--
		e.release(idx)
		ch <- false
		<-done
		n++
	}
	return n
}

func (e *Engine) alloc() int32 {
	var idx int32
	if n := len(e.free); n > 0 {
		idx = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		e.recs = append(e.recs, record{})
		idx = int32(len(e.recs) - 1)
	}
	r := &e.recs[idx]
	r.used = true
	r.blocked = false
	r.next, r.prev = none, none
	r.resume = make(chan bool, 1)
	r.done = make(chan struct{})
	return idx
}

func (e *Engine) release(idx int32) {
	r := &e.recs[idx]
	r.used = false
	r.blocked = false
	r.resume = nil
	r.done = nil
	r.gen++
	e.free = append(e.free, idx)
}

func (e *Engine) id(idx int32) ID {
	return ID(uint64(e.recs[idx].gen)<<32 | uint64(uint32(idx)+1))
}

// lookup resolves a handle and panics if the engine does not manage it.
func (e *Engine) lookup(id ID) int32 {
	idx := int64(uint32(id)) - 1
	gen := uint32(id >> 32)
	if idx < 0 || idx >= int64(len(e.recs)) {
		panic(contractError(fmt.Sprintf("coroutine: unknown context %#x", uint64(id))))
	}
	r := &e.recs[idx]
	if !r.used || r.gen != gen {
		panic(contractError(fmt.Sprintf("coroutine: unknown context %#x", uint64(id))))
	}
	return int32(idx)
}

func (e *Engine) pushFront(head *int32, idx int32) {
	r := &e.recs[idx]
	r.prev = none
	r.next = *head
	if *head != none {
		e.recs[*head].prev = idx
	}
	*head = idx
}

func (e *Engine) unlink(head *int32, idx int32) {
	r := &e.recs[idx]
	if r.prev != none {
		e.recs[r.prev].next = r.next
	} else if *head == idx {
		*head = r.next
	}
	if r.next != none {
		e.recs[r.next].prev = r.prev
	}
	r.next, r.prev = none, none
}
