package process

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kcore/internal/monitoring"
	"kcore/pkg/netstack/socket"
	"kcore/pkg/sched"
	"kcore/pkg/stream"
)

// Kernel errors.
var (
	ErrAlreadyBooted = errors.New("kernel already booted")
	ErrNilTask       = errors.New("nil task")
)

// Pids of the bootstrap processes.
const (
	IdlePid Pid = 0
	InitPid Pid = 1
)

// Kernel owns the process table, the thread arena, the file control
// block pool and the port registry. Every field is guarded by the monitor.
type Kernel struct {
	mon     *sched.Monitor
	cfg     Config
	log     *zap.Logger
	metrics *monitoring.Metrics
	bootID  uuid.UUID

	// procs is the process table, indexed by Pid.
	procs []*pcb
	// free is a stack of free slots; the lowest pid is on top.
	free []Pid

	// threads is the thread arena, indexed by Tid.index().
	threads     []*tcb
	freeThreads []int

	files   *stream.Pool
	sockets *socket.Registry

	booted bool
	// done is closed when the terminal process exits.
	done   chan struct{}
	status int
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(log *zap.Logger) Option {
	return func(k *Kernel) {
		if log != nil {
			k.log = log
		}
	}
}

// WithMetrics sets the metrics sink. A nil sink disables metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(k *Kernel) {
		k.metrics = m
	}
}

// NewKernel creates a kernel with empty tables. Nothing runs until Boot.
func NewKernel(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		mon:    sched.NewMonitor(),
		cfg:    cfg,
		log:    zap.NewNop(),
		bootID: uuid.New(),
		procs:  make([]*pcb, cfg.MaxProc),
		free:   make([]Pid, 0, cfg.MaxProc),
		files:  stream.NewPool(cfg.MaxFiles),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.log.With(zap.String("boot_id", k.bootID.String()))

	for i := range k.procs {
		k.procs[i] = &pcb{pid: Pid(i), state: StateFree, parent: NoProc}
	}
	for i := cfg.MaxProc - 1; i >= 0; i-- {
		k.free = append(k.free, Pid(i))
	}

	k.sockets = socket.NewRegistry(k.mon, socket.Port(cfg.MaxPort), cfg.PipeBufferSize, k.metrics, k.log.Named("socket"))
	return k, nil
}

// BootID returns the identifier attached to every log line of this kernel.
func (k *Kernel) BootID() uuid.UUID {
	return k.bootID
}

// Config returns the table sizes the kernel was built with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Metrics returns the metrics sink, possibly nil.
func (k *Kernel) Metrics() *monitoring.Metrics {
	return k.metrics
}

// Boot creates the idle process (pid 0, no thread) and the init process
// (pid 1) running initTask, then waits until init has exited. Init only
// exits after collecting every descendant, so the returned status is the
// last word of the whole process tree.
func (k *Kernel) Boot(ctx context.Context, initTask Task, args []byte) (int, error) {
	if initTask == nil {
		return 0, ErrNilTask
	}

	k.mon.Lock()
	if k.booted {
		k.mon.Unlock()
		return 0, ErrAlreadyBooted
	}
	k.booted = true
	if _, err := k.createProcess(nil, nil, nil); err != nil {
		k.mon.Unlock()
		return 0, err
	}
	if _, err := k.createProcess(nil, initTask, args); err != nil {
		k.mon.Unlock()
		return 0, err
	}
	k.log.Info("kernel booted", zap.Int("max_proc", k.cfg.MaxProc))
	k.mon.Unlock()

	select {
	case <-k.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	k.mon.Lock()
	defer k.mon.Unlock()
	k.log.Info("init exited", zap.Int("status", k.status))
	return k.status, nil
}

// Done is closed once init has exited.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// Idle waits until every thread context has ended.
func (k *Kernel) Idle(ctx context.Context) error {
	return k.mon.Idle(ctx)
}

// finish records the status of the terminal process.
func (k *Kernel) finish(status int) {
	select {
	case <-k.done:
		return
	default:
	}
	k.status = status
	close(k.done)
}
