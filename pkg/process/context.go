package process

import (
	"kcore/pkg/sched"
	"kcore/pkg/stream"
)

// Context is the kernel call surface handed to every task. It is bound to
// the calling thread; handing it to another goroutine makes that goroutine
// act as the thread.
type Context struct {
	k   *Kernel
	tid Tid
}

// lock enters the kernel on behalf of the thread. A thread whose entry is
// gone, or whose process has exited, never returns from here.
func (c *Context) lock() *tcb {
	c.k.mon.Lock()
	t, ok := c.k.thread(c.tid)
	if !ok {
		c.k.mon.Unlock()
		sched.SleepForever()
	}
	if t.owner.state != StateAlive {
		c.k.exitThread(t, 0)
		c.k.mon.Unlock()
		sched.SleepForever()
	}
	return t
}

// Exec creates a child process running task with a private copy of args.
// The child inherits every open descriptor of the caller.
func (c *Context) Exec(task Task, args []byte) (Pid, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	if task == nil {
		return NoProc, ErrNilTask
	}
	p, err := c.k.createProcess(t.owner, task, args)
	if err != nil {
		return NoProc, err
	}
	return p.pid, nil
}

// GetPid returns the caller's pid.
func (c *Context) GetPid() Pid {
	t := c.lock()
	defer c.k.mon.Unlock()
	return t.owner.pid
}

// GetPPid returns the pid of the caller's parent, or NoProc.
func (c *Context) GetPPid() Pid {
	t := c.lock()
	defer c.k.mon.Unlock()
	return t.owner.parent
}

// WaitChild collects the child pid, or with NoProc the child that exited
// first, and returns its pid and exit status. It blocks while the child is
// alive.
func (c *Context) WaitChild(pid Pid) (Pid, int, error) {
	t := c.lock()
	defer c.k.mon.Unlock()
	return c.k.waitChild(t, pid)
}

// Exit ends the caller's process with status. It does not return.
func (c *Context) Exit(status int) {
	t := c.lock()
	defer c.k.mon.Unlock()
	c.k.exitProcess(t, status)
	sched.SleepForever()
}

// CreateThread starts task as a new thread of the caller's process.
func (c *Context) CreateThread(task Task, args []byte) (Tid, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	if task == nil {
		return NoThread, ErrNilTask
	}
	return c.k.spawnThread(t.owner, task, append([]byte(nil), args...), false), nil
}

// ThreadSelf returns the caller's thread handle.
func (c *Context) ThreadSelf() Tid {
	t := c.lock()
	defer c.k.mon.Unlock()
	return t.tid
}

// ThreadJoin waits for tid to exit and returns its exit value.
func (c *Context) ThreadJoin(tid Tid) (int, error) {
	t := c.lock()
	defer c.k.mon.Unlock()
	return c.k.join(t, tid)
}

// ThreadDetach makes tid unjoinable.
func (c *Context) ThreadDetach(tid Tid) error {
	t := c.lock()
	defer c.k.mon.Unlock()
	return c.k.detach(t, tid)
}

// ThreadExit ends the calling thread. When it is the last live thread of
// its process the process exits with exitval. It does not return.
func (c *Context) ThreadExit(exitval int) {
	t := c.lock()
	defer c.k.mon.Unlock()

	if t.owner.threadCount == 1 {
		c.k.exitProcess(t, exitval)
	} else {
		c.k.exitThread(t, exitval)
	}
	sched.SleepForever()
}

// Read reads from the stream behind fid.
func (c *Context) Read(fid stream.FID, buf []byte) (int, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	f, err := t.owner.fidt.Lookup(fid)
	if err != nil {
		return 0, err
	}
	// Hold the block so a concurrent Close cannot free the stream under a
	// blocked read.
	f.Incref()
	defer func() { _ = f.Decref() }()
	return f.Stream().Read(buf)
}

// Write writes to the stream behind fid.
func (c *Context) Write(fid stream.FID, buf []byte) (int, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	f, err := t.owner.fidt.Lookup(fid)
	if err != nil {
		return 0, err
	}
	f.Incref()
	defer func() { _ = f.Decref() }()
	return f.Stream().Write(buf)
}

// Close closes fid. The stream itself closes with its last descriptor.
func (c *Context) Close(fid stream.FID) error {
	t := c.lock()
	defer c.k.mon.Unlock()
	return t.owner.fidt.Close(fid)
}

// Dup2 makes newfid name the stream behind oldfid.
func (c *Context) Dup2(oldfid, newfid stream.FID) error {
	t := c.lock()
	defer c.k.mon.Unlock()
	return t.owner.fidt.Dup2(oldfid, newfid)
}
