// Package executor provides a self-sizing pool of worker goroutines for the mirkv server.
//
// An Executor runs submitted tasks on between Low and High workers. The pool
// starts with Low workers, grows by one worker whenever a task is queued while
// every worker is busy, and shrinks again when a worker sits idle for longer
// than IdleWait while the pool is above Low. The task queue is FIFO and bounded
// by MaxQueue; Execute refuses work once it is full or the executor is stopping.
//
// Example usage:
//
//	pool, err := executor.New(executor.Options{
//		Name:     "network",
//		MaxQueue: 64,
//		Low:      2,
//		High:     8,
//		IdleWait: time.Second,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Stop(true)
//
//	if !pool.Execute(func() { handle(conn) }) {
//		// queue full or pool stopping
//	}
//
// Shutdown comes in two flavors:
//   - Stop drains every queued task before the workers exit
//   - StopNow discards queued tasks; running tasks still finish
//
// A panic inside a task is recovered and logged; it never kills the worker or
// corrupts the pool accounting.
package executor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the executor lifecycle state.
type State int

const (
	StateRun      State = iota // Accepting and running tasks
	StateStopping              // Draining, no new tasks accepted
	StateStopped               // All workers have exited
)

func (s State) String() string {
	switch s {
	case StateRun:
		return "run"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task results reported to an Observer.
const (
	ResultCompleted = "completed"
	ResultPanicked  = "panicked"
	ResultRejected  = "rejected"
	ResultDiscarded = "discarded"
)

// ErrInvalidOptions is wrapped by New for every parameter validation failure.
var ErrInvalidOptions = errors.New("executor: invalid options")

// Observer receives pool accounting updates. Implementations must be cheap:
// they are called with the pool lock held.
type Observer interface {
	// Gauges reports the current number of workers, busy workers and queued tasks.
	Gauges(threads, working, queued int)
	// Task reports the outcome of one submission or execution.
	Task(result string)
}

// Options configures an Executor.
type Options struct {
	Logger   logrus.FieldLogger // Defaults to the logrus standard logger
	Observer Observer           // Optional accounting hook
	Name     string             // Used in logs and metrics
	MaxQueue int                // Maximum number of queued tasks
	Low      int                // Minimum number of workers while running
	High     int                // Maximum number of workers
	IdleWait time.Duration      // Idle time after which a surplus worker exits
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Threads   int    `json:"threads"`
	Working   int    `json:"working"`
	Queued    int    `json:"queued"`
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Executor is a bounded, elastically sized worker pool.
type Executor struct {
	log      logrus.FieldLogger
	obs      Observer
	name     string
	maxQueue int
	low      int
	high     int
	idleWait time.Duration

	mu       sync.Mutex
	notEmpty *sync.Cond // queue became non-empty or state changed
	drained  *sync.Cond // worker set became empty

	tasks   []func()
	workers map[uint64]time.Time
	nextID  uint64
	working int
	state   State

	accepted  uint64
	rejected  uint64
	completed uint64
	failed    uint64
}

// New validates opts and starts an executor with opts.Low workers.
//
// Returns:
//   - The running Executor
//   - An error wrapping ErrInvalidOptions if any size is not positive or Low > High
func New(opts Options) (*Executor, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Executor{
		log:      log.WithField("executor", opts.Name),
		obs:      opts.Observer,
		name:     opts.Name,
		maxQueue: opts.MaxQueue,
		low:      opts.Low,
		high:     opts.High,
		idleWait: opts.IdleWait,
		workers:  make(map[uint64]time.Time),
		state:    StateRun,
	}
	e.notEmpty = sync.NewCond(&e.mu)
	e.drained = sync.NewCond(&e.mu)

	e.mu.Lock()
	for i := 0; i < e.low; i++ {
		e.spawn()
	}
	e.observe()
	e.mu.Unlock()

	e.log.Debugf("started with %d workers", e.low)
	return e, nil
}

func validate(opts Options) error {
	switch {
	case opts.MaxQueue <= 0:
		return fmt.Errorf("%w: max queue must be positive, got %d", ErrInvalidOptions, opts.MaxQueue)
	case opts.Low <= 0:
		return fmt.Errorf("%w: low watermark must be positive, got %d", ErrInvalidOptions, opts.Low)
	case opts.High <= 0:
		return fmt.Errorf("%w: high watermark must be positive, got %d", ErrInvalidOptions, opts.High)
	case opts.Low > opts.High:
		return fmt.Errorf("%w: low watermark %d exceeds high watermark %d", ErrInvalidOptions, opts.Low, opts.High)
	case opts.IdleWait <= 0:
		return fmt.Errorf("%w: idle wait must be positive, got %s", ErrInvalidOptions, opts.IdleWait)
	}
	return nil
}

// Execute queues task for execution. It returns false if the executor is not
// running or the queue already holds MaxQueue tasks. A worker is added when
// the queued tasks outnumber the idle workers and the pool is below High.
//
// Example:
//
//	if !pool.Execute(func() { serve(conn) }) {
//		serve(conn) // queue full: run on the caller
//	}
//
// Parameters:
//   - task: Function to run on a worker; nil is rejected
//
// Returns:
//   - true if the task was queued and will run
func (e *Executor) Execute(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if task == nil || e.state != StateRun || len(e.tasks) >= e.maxQueue {
		e.rejected++
		e.report(ResultRejected)
		return false
	}

	e.tasks = append(e.tasks, task)
	e.accepted++

	idle := len(e.workers) - e.working
	if len(e.tasks) > idle && len(e.workers) < e.high {
		e.spawn()
	}

	e.observe()
	e.notEmpty.Signal()
	return true
}

// Stop moves the executor to Stopping and wakes every worker so it drains the
// queue and exits. With await it blocks until all workers are gone; otherwise
// the last worker to exit marks the executor Stopped. Stop is a no-op once the
// executor has left the Run state.
//
// Parameters:
//   - await: Block until every worker has exited
func (e *Executor) Stop(await bool) {
	e.stop(await, false)
}

// StopNow stops the executor without draining: queued tasks are dropped, tasks
// already running finish. It waits for the workers to exit and returns the
// number of discarded tasks.
//
// Returns:
//   - Number of queued tasks that never ran
func (e *Executor) StopNow() int {
	return e.stop(true, true)
}

// Await blocks until the executor reaches Stopped. It returns immediately if
// Stop has not been called.
func (e *Executor) Await() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.state == StateStopping {
		e.drained.Wait()
	}
}

func (e *Executor) stop(await, discard bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRun {
		return 0
	}
	e.state = StateStopping

	dropped := 0
	if discard {
		dropped = len(e.tasks)
		for i := range e.tasks {
			e.tasks[i] = nil
			e.report(ResultDiscarded)
		}
		e.tasks = nil
	}

	e.log.Debugf("stopping, %d queued, %d dropped", len(e.tasks), dropped)
	e.notEmpty.Broadcast()

	if len(e.workers) == 0 {
		e.state = StateStopped
		e.drained.Broadcast()
		return dropped
	}
	if await {
		for len(e.workers) > 0 {
			e.drained.Wait()
		}
		e.state = StateStopped
	}
	e.observe()
	return dropped
}

// Stats returns a snapshot of the pool accounting.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Name:      e.name,
		State:     e.state.String(),
		Threads:   len(e.workers),
		Working:   e.working,
		Queued:    len(e.tasks),
		Accepted:  e.accepted,
		Rejected:  e.rejected,
		Completed: e.completed,
		Failed:    e.failed,
	}
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// spawn adds one worker. Called with e.mu held.
func (e *Executor) spawn() {
	e.nextID++
	id := e.nextID
	e.workers[id] = time.Now()
	go e.perform(id)
}

// perform is the worker loop.
func (e *Executor) perform(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.state == StateRun || len(e.tasks) > 0 {
		if len(e.tasks) == 0 {
			if !e.waitTask() && len(e.workers) > e.low {
				break
			}
			continue
		}

		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.working++
		e.observe()

		e.mu.Unlock()
		ok := e.run(task)
		e.mu.Lock()

		e.working--
		if ok {
			e.completed++
			e.report(ResultCompleted)
		} else {
			e.failed++
			e.report(ResultPanicked)
		}
		e.observe()
	}

	e.retire(id)
}

// waitTask waits up to IdleWait for a task or a state change. It returns false
// on timeout. Called with e.mu held.
func (e *Executor) waitTask() bool {
	deadline := time.Now().Add(e.idleWait)
	timer := time.AfterFunc(e.idleWait, func() {
		e.mu.Lock()
		e.notEmpty.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	for e.state == StateRun && len(e.tasks) == 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		e.notEmpty.Wait()
	}
	return true
}

// run executes one task outside the lock and reports whether it returned normally.
func (e *Executor) run(task func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("task panic: %v", r)
			ok = false
		}
	}()
	task()
	return true
}

// retire removes an exiting worker. Called with e.mu held.
func (e *Executor) retire(id uint64) {
	if _, ok := e.workers[id]; !ok {
		panic(fmt.Sprintf("executor %s: worker %d missing from worker set", e.name, id))
	}
	delete(e.workers, id)
	e.observe()

	if len(e.workers) == 0 && e.state != StateRun {
		e.state = StateStopped
		e.drained.Broadcast()
		e.log.Debug("stopped")
	}
}

func (e *Executor) observe() {
	if e.obs != nil {
		e.obs.Gauges(len(e.workers), e.working, len(e.tasks))
	}
}

func (e *Executor) report(result string) {
	if e.obs != nil {
		e.obs.Task(result)
	}
}
