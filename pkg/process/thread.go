package process

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"kcore/pkg/sched"
)

// Thread errors.
var (
	ErrInvalidThread = errors.New("invalid thread")
	ErrNotJoinable   = errors.New("thread is not joinable")
	ErrThreadExited  = errors.New("thread already exited")
)

// Tid is a thread handle. The low half is the arena slot plus one, the
// high half the slot generation, so a handle goes stale the moment its
// entry is freed.
type Tid uint64

// NoThread is the invalid thread handle.
const NoThread Tid = 0

func makeTid(idx int, gen uint32) Tid {
	return Tid(uint64(gen)<<32 | uint64(idx+1))
}

func (tid Tid) index() int {
	return int(uint32(tid)) - 1
}

func (tid Tid) generation() uint32 {
	return uint32(tid >> 32)
}

// tcb is a thread arena entry.
type tcb struct {
	gen   uint32
	inUse bool

	tid   Tid
	owner *pcb

	exited   bool
	detached bool
	exitval  int
	// waiters counts joiners blocked on exitCV.
	waiters int
	exitCV  *sched.CondVar

	sctx *sched.Context
}

// thread resolves a handle to a live arena entry.
func (k *Kernel) thread(tid Tid) (*tcb, bool) {
	idx := tid.index()
	if tid == NoThread || idx < 0 || idx >= len(k.threads) {
		return nil, false
	}
	t := k.threads[idx]
	if !t.inUse || t.gen != tid.generation() {
		return nil, false
	}
	return t, true
}

func (k *Kernel) allocThread() *tcb {
	var idx int
	if n := len(k.freeThreads); n > 0 {
		idx = k.freeThreads[n-1]
		k.freeThreads = k.freeThreads[:n-1]
	} else {
		idx = len(k.threads)
		k.threads = append(k.threads, &tcb{gen: 1})
	}
	t := k.threads[idx]
	*t = tcb{gen: t.gen, inUse: true, tid: makeTid(idx, t.gen)}
	return t
}

// freeThread unlinks t from its owner and recycles its arena slot.
func (k *Kernel) freeThread(t *tcb) {
	if !t.inUse {
		return
	}
	if t.owner != nil {
		t.owner.threads = removeTid(t.owner.threads, t.tid)
	}
	idx := t.tid.index()
	k.log.Debug("thread freed", zap.Uint64("tid", uint64(t.tid)))
	*t = tcb{gen: t.gen + 1}
	k.freeThreads = append(k.freeThreads, idx)
}

// spawnThread links a new entry into p and starts its execution context.
func (k *Kernel) spawnThread(p *pcb, task Task, args []byte, main bool) Tid {
	t := k.allocThread()
	t.owner = p
	t.exitCV = sched.NewCondVar(k.mon)

	p.threads = append(p.threads, t.tid)
	p.threadCount++

	ctx := &Context{k: k, tid: t.tid}
	t.sctx = k.mon.Spawn(func() {
		status := task(ctx, args)
		if main {
			ctx.Exit(status)
		}
		ctx.ThreadExit(status)
	})

	k.metrics.ThreadSpawned()
	k.log.Debug("thread spawned",
		zap.Int("pid", int(p.pid)),
		zap.Uint64("tid", uint64(t.tid)),
		zap.Bool("main", main),
	)
	k.mon.Wake(t.sctx)
	return t.tid
}

// join waits for tid, a thread of the caller's process, to exit.
func (k *Kernel) join(cur *tcb, tid Tid) (int, error) {
	t, ok := k.thread(tid)
	if !ok || t.owner != cur.owner {
		return 0, ErrInvalidThread
	}
	if t == cur || t.detached {
		return 0, ErrNotJoinable
	}

	self := cur.tid
	t.waiters++
	leave := func() {
		// The entry may have been freed and reused while we slept.
		if w, ok := k.thread(tid); ok {
			w.waiters--
		}
	}
	for !t.exited && !t.detached {
		t.exitCV.Wait()
		k.checkAlive(self, leave)
	}
	t.waiters--

	exitval, detached := t.exitval, t.detached
	if t.exited && t.waiters == 0 {
		k.freeThread(t)
	}
	if detached {
		return 0, ErrNotJoinable
	}
	return exitval, nil
}

// detach makes tid unjoinable and releases its joiners.
func (k *Kernel) detach(cur *tcb, tid Tid) error {
	t, ok := k.thread(tid)
	if !ok || t.owner != cur.owner {
		return ErrInvalidThread
	}
	if t.exited {
		return ErrThreadExited
	}
	t.detached = true
	t.exitCV.Broadcast()
	return nil
}

// exitThread marks t exited. The entry is freed right away when nobody
// waits on it; once the last thread of a dead process is gone every entry
// left over is swept.
func (k *Kernel) exitThread(t *tcb, exitval int) {
	if t.exited {
		return
	}
	t.exited = true
	t.exitval = exitval
	t.exitCV.Broadcast()

	p := t.owner
	p.threadCount--
	k.metrics.ThreadExited()
	k.log.Debug("thread exited",
		zap.Int("pid", int(p.pid)),
		zap.Uint64("tid", uint64(t.tid)),
		zap.Int("exitval", exitval),
	)

	if t.waiters == 0 {
		k.freeThread(t)
	}
	if p.threadCount == 0 && p.state != StateAlive {
		for _, tid := range slices.Clone(p.threads) {
			if left, ok := k.thread(tid); ok {
				k.freeThread(left)
			}
		}
	}
}

func removeTid(tids []Tid, tid Tid) []Tid {
	if i := slices.Index(tids, tid); i >= 0 {
		return slices.Delete(tids, i, i+1)
	}
	return tids
}
