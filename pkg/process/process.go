package process

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"kcore/pkg/sched"
	"kcore/pkg/stream"
)

// Process errors.
var (
	ErrNoFreePID  = errors.New("process table full")
	ErrInvalidPID = errors.New("invalid PID")
	// ErrNoChildren is an ErrInvalidPID: waiting for any child without
	// having one names no valid target.
	ErrNoChildren = fmt.Errorf("%w: no child processes", ErrInvalidPID)
)

// Pid is a process identifier: the index of the process table slot.
type Pid int

// NoProc is the invalid pid. WaitChild(NoProc) waits for any child.
const NoProc Pid = -1

// Task is the entry point of a process or thread. Its return value is the
// exit status of the process (for a main thread) or the thread.
type Task func(ctx *Context, args []byte) int

// pcb is a process table slot.
type pcb struct {
	pid Pid
	// gen is bumped every time the slot is recycled.
	gen   uint64
	state ProcessState

	parent Pid
	// children lists every child that has not been collected, in creation
	// order.
	children []Pid
	// exited lists children that became zombies, in the order they did.
	exited []Pid
	// childExit is broadcast whenever a child exits.
	childExit *sched.CondVar

	fidt *stream.Table

	// threads owns every thread entry of the process that is not freed.
	threads []Tid
	// threadCount counts entries that have not exited.
	threadCount int
	mainThread  Tid

	mainTask Task
	args     []byte
	exitval  int

	createdAt time.Time
	exitedAt  time.Time
}

// createProcess fills a free slot. The bootstrap processes have no parent
// and inherit nothing; everyone else inherits the parent's descriptors. A
// nil task creates a process with no thread, which is how the idle
// process exists.
func (k *Kernel) createProcess(parent *pcb, task Task, args []byte) (*pcb, error) {
	if len(k.free) == 0 {
		k.log.Warn("process table full", zap.Int("max_proc", k.cfg.MaxProc))
		return nil, ErrNoFreePID
	}
	pid := k.free[len(k.free)-1]
	k.free = k.free[:len(k.free)-1]

	p := k.procs[pid]
	if err := p.transitionTo(StateAlive); err != nil {
		k.free = append(k.free, pid)
		return nil, err
	}
	p.parent = NoProc
	p.children = nil
	p.exited = nil
	p.childExit = sched.NewCondVar(k.mon)
	p.fidt = stream.NewTable(k.files, k.cfg.MaxFileID)
	p.threads = nil
	p.threadCount = 0
	p.mainThread = NoThread
	p.mainTask = task
	p.args = slices.Clone(args)
	p.exitval = 0

	if parent != nil {
		p.parent = parent.pid
		parent.children = append(parent.children, pid)
		p.fidt.InheritFrom(parent.fidt)
	}

	k.metrics.ProcessCreated()
	k.log.Debug("process created",
		zap.Int("pid", int(pid)),
		zap.Int("ppid", int(p.parent)),
		zap.Int("argl", len(p.args)),
	)

	// The main thread may run as soon as it is woken, so it comes last.
	if task != nil {
		p.mainThread = k.spawnThread(p, task, p.args, true)
	}
	return p, nil
}

// waitChild collects a zombie child of t's process. With pid == NoProc it
// takes the child that exited first.
func (k *Kernel) waitChild(t *tcb, pid Pid) (Pid, int, error) {
	if pid == NoProc {
		return k.waitAny(t)
	}
	p, self := t.owner, t.tid
	if pid < 0 || int(pid) >= len(k.procs) {
		return NoProc, 0, ErrInvalidPID
	}
	child := k.procs[pid]
	if child.state == StateFree || child.parent != p.pid {
		return NoProc, 0, ErrInvalidPID
	}

	gen := child.gen
	for child.state == StateAlive {
		p.childExit.Wait()
		k.checkAlive(self, nil)
		if child.gen != gen || child.parent != p.pid {
			// Another thread of this process collected it meanwhile.
			return NoProc, 0, ErrInvalidPID
		}
	}
	return k.reap(p, child)
}

func (k *Kernel) waitAny(t *tcb) (Pid, int, error) {
	p, self := t.owner, t.tid
	if len(p.children) == 0 {
		return NoProc, 0, ErrNoChildren
	}
	for len(p.exited) == 0 {
		p.childExit.Wait()
		k.checkAlive(self, nil)
		if len(p.children) == 0 {
			return NoProc, 0, ErrNoChildren
		}
	}
	return k.reap(p, k.procs[p.exited[0]])
}

// reap detaches a zombie from its parent and recycles its slot.
func (k *Kernel) reap(parent, child *pcb) (Pid, int, error) {
	parent.children = removePid(parent.children, child.pid)
	parent.exited = removePid(parent.exited, child.pid)

	pid, status, lifetime := child.pid, child.exitval, child.lifetime()

	// Threads still running user code lose their entries here and end at
	// their next kernel call.
	for _, tid := range slices.Clone(child.threads) {
		if th, ok := k.thread(tid); ok {
			if !th.exited {
				k.metrics.ThreadExited()
			}
			k.freeThread(th)
		}
	}

	if err := child.transitionTo(StateFree); err != nil {
		return NoProc, 0, err
	}
	child.gen++
	child.parent = NoProc
	child.children = nil
	child.exited = nil
	child.childExit = nil
	child.fidt = nil
	child.threads = nil
	child.threadCount = 0
	child.mainThread = NoThread
	child.mainTask = nil
	child.args = nil
	k.free = append(k.free, pid)

	k.metrics.ProcessReaped()
	k.log.Debug("process reaped",
		zap.Int("pid", int(pid)),
		zap.Int("ppid", int(parent.pid)),
		zap.Int("status", status),
		zap.Duration("lifetime", lifetime),
	)
	return pid, status, nil
}

// exitProcess turns t's process into a zombie and ends t. The bootstrap
// processes first collect every descendant.
func (k *Kernel) exitProcess(t *tcb, status int) {
	p := t.owner
	if p.pid == IdlePid || p.pid == InitPid {
		for len(p.children) > 0 {
			if _, _, err := k.waitAny(t); err != nil {
				break
			}
		}
	}

	p.exitval = status
	p.fidt.CloseAll()

	k.reparent(p)

	if p.parent != NoProc {
		parent := k.procs[p.parent]
		parent.exited = append(parent.exited, p.pid)
		parent.childExit.Broadcast()
	}

	if err := p.transitionTo(StateZombie); err != nil {
		k.log.Error("exit from unexpected state", zap.Int("pid", int(p.pid)), zap.String("state", string(p.state)))
	}
	k.metrics.ProcessExited()
	// Wake other threads of p blocked in wait or join so they can end.
	p.childExit.Broadcast()
	for _, tid := range p.threads {
		if th, ok := k.thread(tid); ok {
			th.exitCV.Broadcast()
		}
	}
	k.log.Debug("process exited", zap.Int("pid", int(p.pid)), zap.Int("status", status))

	if p.pid == InitPid {
		k.finish(status)
	}
	k.exitThread(t, status)
}

// reparent hands every child of p to init. Children that already exited
// stay collectable, now by init.
func (k *Kernel) reparent(p *pcb) {
	if len(p.children) == 0 {
		return
	}
	initp := k.procs[InitPid]
	if p == initp || initp.state != StateAlive {
		for _, c := range p.children {
			k.procs[c].parent = NoProc
		}
		p.children, p.exited = nil, nil
		return
	}

	for _, c := range p.children {
		k.procs[c].parent = InitPid
	}
	initp.children = append(initp.children, p.children...)
	if len(p.exited) > 0 {
		initp.exited = append(initp.exited, p.exited...)
		initp.childExit.Broadcast()
	}
	p.children, p.exited = nil, nil
}

// checkAlive ends the calling thread if its process exited, or was even
// collected, while the thread was blocked. release, if set, runs first to
// undo what the caller registered before blocking. The caller's deferred
// unlock releases the monitor.
func (k *Kernel) checkAlive(self Tid, release func()) {
	t, ok := k.thread(self)
	if ok && t.owner.state == StateAlive {
		return
	}
	if release != nil {
		release()
	}
	if ok {
		k.exitThread(t, 0)
	}
	sched.SleepForever()
}

func removePid(pids []Pid, pid Pid) []Pid {
	if i := slices.Index(pids, pid); i >= 0 {
		return slices.Delete(pids, i, i+1)
	}
	return pids
}
