// Package sched provides the execution primitives the kernel core is built
// on: a single kernel-wide monitor, condition variables bound to it, and
// suspended execution contexts that start running once woken.
//
// Every kernel entry point runs while holding the Monitor. The only way to
// give it up mid-operation is to block on a CondVar, which releases the
// monitor atomically and re-acquires it before returning. Wakeups are
// neither FIFO nor single-target, so callers always wait in a loop:
//
//	for predicate() {
//		cv.Wait()
//	}
package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor is the kernel-wide exclusion lock.
type Monitor struct {
	mu sync.Mutex
	// running counts execution contexts that were woken and have not ended.
	running atomic.Int64
}

// NewMonitor creates an unlocked monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Lock acquires the monitor.
func (m *Monitor) Lock() {
	m.mu.Lock()
}

// Unlock releases the monitor.
func (m *Monitor) Unlock() {
	m.mu.Unlock()
}

// Do runs fn while holding the monitor. The monitor is released even if fn
// ends the calling context with SleepForever.
func (m *Monitor) Do(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// Running returns the number of woken execution contexts that have not yet
// ended.
func (m *Monitor) Running() int {
	return int(m.running.Load())
}

// Idle blocks until no woken execution context is still running, or ctx
// is done. The caller must not hold the monitor.
func (m *Monitor) Idle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for m.Running() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// CondVar is a condition variable whose lock is the kernel monitor.
type CondVar struct {
	m    *Monitor
	cond *sync.Cond
}

// NewCondVar creates a condition variable bound to m.
func NewCondVar(m *Monitor) *CondVar {
	return &CondVar{m: m, cond: sync.NewCond(&m.mu)}
}

// Wait releases the monitor, blocks until woken, and re-acquires the
// monitor. The caller must hold the monitor. Wakeups may be spurious.
func (cv *CondVar) Wait() {
	cv.cond.Wait()
}

// TimedWait is Wait with a timeout. It reports false when the timeout
// elapsed before any wakeup arrived. A negative timeout waits without a
// deadline; a zero timeout returns false immediately without releasing
// the monitor.
func (cv *CondVar) TimedWait(timeout time.Duration) bool {
	if timeout < 0 {
		cv.cond.Wait()
		return true
	}
	if timeout == 0 {
		return false
	}

	// expired is only touched with the monitor held.
	expired := false
	timer := time.AfterFunc(timeout, func() {
		cv.m.mu.Lock()
		expired = true
		cv.cond.Broadcast()
		cv.m.mu.Unlock()
	})
	cv.cond.Wait()
	timer.Stop()
	return !expired
}

// Signal wakes one waiter, if any.
func (cv *CondVar) Signal() {
	cv.cond.Signal()
}

// Broadcast wakes every waiter.
func (cv *CondVar) Broadcast() {
	cv.cond.Broadcast()
}

// Context is a suspended execution context created by Spawn.
type Context struct {
	start chan struct{}
	woken atomic.Bool
}

// Spawn creates an execution context that will run entry in its own
// goroutine once Wake is called. Spawn does not block.
func (m *Monitor) Spawn(entry func()) *Context {
	c := &Context{start: make(chan struct{})}
	go func() {
		<-c.start
		defer m.running.Add(-1)
		entry()
	}()
	return c
}

// Wake lets a spawned context begin running. Waking twice is a no-op.
func (m *Monitor) Wake(c *Context) {
	if c.woken.CompareAndSwap(false, true) {
		m.running.Add(1)
		close(c.start)
	}
}

// SleepForever ends the calling execution context. Deferred calls of the
// context run as it unwinds, so a caller that deferred Unlock gives up the
// monitor exactly once.
func SleepForever() {
	runtime.Goexit()
}
