// Package coroutine implements a cooperative coroutine engine for the mirkv server.
//
// An Engine multiplexes any number of coroutines onto a single logical thread
// of control. Exactly one coroutine of an engine executes at any moment and it
// keeps executing until it explicitly gives up control through Yield, Sched or
// Block. There is no preemption and no timeout: a coroutine that never yields
// starves every other coroutine on its engine.
//
// Coroutines are stackful. Each one runs on its own goroutine stack and a
// context switch passes a single run token from the current coroutine to the
// target, parking the current one at its switch point. When the token comes
// back, execution continues right after the Yield/Sched/Block call that gave it
// away, with locals and stack contents exactly as they were.
//
// Lifecycle:
//   - Run spawns a coroutine and links it at the head of the alive list
//   - Block moves a coroutine from alive to blocked
//   - Unblock moves it back to the head of alive; it does not switch
//   - A coroutine is destroyed when its function returns
//
// Example usage:
//
//	engine := coroutine.New()
//	err := engine.Start(func() {
//		worker := engine.Run(func() {
//			engine.Block(0) // park until someone unblocks us
//			fmt.Println("resumed")
//		})
//		engine.Yield()
//		engine.Unblock(worker)
//	})
//
// An Engine is confined to the coroutines it runs and the goroutine that called
// Start. Its methods must never be called from anywhere else while Start is
// running; there is no locking.
package coroutine
