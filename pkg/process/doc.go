/*
Package process provides the process and thread management of the kernel
core, and the kernel call surface tasks use to reach it.

It implements a fixed-size process table with Unix-style parent/child
bookkeeping and a thread arena on top of the sched package:

  - Process lifecycle (creation, exit, collection by wait)
  - Reparenting of orphans to init
  - Threads that can be joined, by several joiners at once, or detached
  - Descriptor inheritance across Exec
  - Pipes and sockets reached through descriptors
  - A process-info stream for introspection

# Process States

Every process table slot is in one of three states:

  - Free: the slot is on the free list
  - Alive: the process has been created and has not exited
  - Zombie: the process exited; its parent has not collected its status

A slot returns to Free only when its parent (or init, once the parent is
gone) collects it with WaitChild.

# Booting

A kernel runs one process tree. Boot creates the idle process (pid 0, no
thread) and init (pid 1), then returns once init has exited:

	k, err := process.NewKernel(process.DefaultConfig(), process.WithLogger(log))
	if err != nil {
		// Handle error
	}

	status, err := k.Boot(ctx, func(c *process.Context, args []byte) int {
		child, err := c.Exec(worker, []byte("job"))
		if err != nil {
			return 1
		}
		_, code, _ := c.WaitChild(child)
		return code
	}, nil)

# Kernel Calls

Tasks call into the kernel through the *Context they receive. Each call
runs with the kernel monitor held, so at most one kernel call is in flight
at a time; calls that block (WaitChild, ThreadJoin, Accept, Connect, and
Read or Write on pipes and sockets) give the monitor up while they wait.

A task returning from its entry point exits: a main thread exits the
process with the returned status, any other thread exits with it as its
exit value. Threads left running when their process exits end at their
next kernel call.
*/
package process
