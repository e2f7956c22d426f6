package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kcore/internal/config"
	"kcore/internal/logging"
	"kcore/internal/monitoring"
	"kcore/pkg/netstack/socket"
	"kcore/pkg/process"
	"kcore/pkg/stream"
)

type scenario struct {
	name string
	// pipeSize overrides the configured pipe buffer when non-zero.
	pipeSize int
	task     func(out *report) process.Task
}

// report collects the lines a scenario prints once it finishes, so
// concurrent scenarios do not interleave their output.
type report struct {
	lines []string
}

func (r *report) printf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

var scenarios = []scenario{
	{name: "A: pipe", pipeSize: 4, task: pipeScenario},
	{name: "B: wait", task: waitScenario},
	{name: "C: join", task: joinScenario},
	{name: "D: sockets", task: socketScenario},
}

func main() {
	only := flag.String("run", "", "run only scenarios whose name contains this string")
	timeout := flag.Duration("timeout", 10*time.Second, "deadline for all scenarios")
	showMetrics := flag.Bool("metrics", false, "print kernel metrics after each scenario")
	flag.Parse()

	cfg := config.LoadOrDefault()
	logger, err := logging.New(logging.FromLogConfig(cfg.Logging))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Println("=== kcore Kernel Demo ===")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var selected []scenario
	for _, s := range scenarios {
		if strings.Contains(s.name, *only) {
			selected = append(selected, s)
		}
	}

	reports := make([]*report, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range selected {
		reports[i] = &report{}
		g.Go(func() error {
			return run(gctx, cfg, logger, s, reports[i], *showMetrics)
		})
	}
	err = g.Wait()

	for i, s := range selected {
		fmt.Printf("--- Scenario %s ---\n", s.name)
		for _, line := range reports[i].lines {
			fmt.Println(line)
		}
		fmt.Println()
	}

	if err != nil {
		logger.Error("Demo failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Println("=== Demo Complete ===")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger, s scenario, out *report, showMetrics bool) error {
	kc := cfg.Kernel
	if s.pipeSize != 0 {
		kc.PipeBufferSize = s.pipeSize
	}

	opts := []process.Option{process.WithLogger(logger.Kernel(s.name))}
	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.NewMetrics()
		opts = append(opts, process.WithMetrics(metrics))
	}

	k, err := process.NewKernel(process.FromKernelConfig(kc), opts...)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", s.name, err)
	}
	out.printf("Booted kernel %s", k.BootID())

	status, err := k.Boot(ctx, s.task(out), nil)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", s.name, err)
	}
	out.printf("Init exited with status %d", status)
	if status != 0 {
		return fmt.Errorf("scenario %s: init exited with status %d", s.name, status)
	}

	if showMetrics && metrics != nil {
		printMetrics(out, metrics)
	}
	return nil
}

func printMetrics(out *report, m *monitoring.Metrics) {
	families, err := m.Registry().Gather()
	if err != nil {
		out.printf("metrics: %v", err)
		return
	}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			v := metric.GetGauge().GetValue() + metric.GetCounter().GetValue()
			label := ""
			for _, lp := range metric.GetLabel() {
				label += fmt.Sprintf("{%s=%s}", lp.GetName(), lp.GetValue())
			}
			out.printf("  %s%s %g", f.GetName(), label, v)
		}
	}
}

// pipeScenario pushes five bytes through a four byte pipe while a reader
// asks for ten at a time.
func pipeScenario(out *report) process.Task {
	return func(c *process.Context, _ []byte) int {
		fds, err := c.Pipe()
		if err != nil {
			out.printf("pipe: %v", err)
			return 1
		}

		writer, err := c.CreateThread(func(c *process.Context, _ []byte) int {
			n, err := c.Write(fds.Write, []byte("ABCDE"))
			if err != nil {
				return 1
			}
			if err := c.Close(fds.Write); err != nil {
				return 1
			}
			return n
		}, nil)
		if err != nil {
			out.printf("create thread: %v", err)
			return 1
		}

		var got []byte
		buf := make([]byte, 10)
		for {
			n, err := c.Read(fds.Read, buf)
			if err != nil {
				out.printf("read: %v", err)
				return 1
			}
			if n == 0 {
				break
			}
			out.printf("Read %d byte(s): %q", n, buf[:n])
			got = append(got, buf[:n]...)
		}
		written, err := c.ThreadJoin(writer)
		if err != nil && !errors.Is(err, process.ErrInvalidThread) {
			out.printf("join: %v", err)
			return 1
		}
		if err == nil {
			out.printf("Writer moved %s", humanize.Bytes(uint64(written)))
		}
		out.printf("Reader received %s: %q", humanize.Bytes(uint64(len(got))), got)
		if err := c.Close(fds.Read); err != nil {
			return 1
		}
		if string(got) != "ABCDE" {
			return 1
		}
		return 0
	}
}

// waitScenario collects an exited child by pid, then waits for any.
func waitScenario(out *report) process.Task {
	return func(c *process.Context, _ []byte) int {
		c1, err := c.Exec(func(*process.Context, []byte) int { return 7 }, []byte("c1"))
		if err != nil {
			out.printf("exec: %v", err)
			return 1
		}
		c2, err := c.Exec(func(c *process.Context, _ []byte) int {
			time.Sleep(20 * time.Millisecond)
			return 0
		}, []byte("c2"))
		if err != nil {
			out.printf("exec: %v", err)
			return 1
		}
		out.printf("Created children %d and %d", c1, c2)
		printProcInfo(c, out)

		pid, status, err := c.WaitChild(c1)
		if err != nil {
			out.printf("wait(%d): %v", c1, err)
			return 1
		}
		out.printf("wait(%d) = (%d, %d)", c1, pid, status)

		pid, status, err = c.WaitChild(process.NoProc)
		if err != nil {
			out.printf("wait(ANY): %v", err)
			return 1
		}
		out.printf("wait(ANY) = (%d, %d)", pid, status)
		if pid != c2 {
			return 1
		}
		return 0
	}
}

// printProcInfo reads the process-info stream one record at a time.
func printProcInfo(c *process.Context, out *report) {
	fid, err := c.OpenInfo()
	if err != nil {
		out.printf("open info: %v", err)
		return
	}
	defer func() { _ = c.Close(fid) }()

	buf := make([]byte, 256)
	for {
		n, err := c.Read(fid, buf)
		if err != nil || n == 0 {
			return
		}
		pi, err := process.DecodeProcInfo(buf[:n])
		if err != nil {
			out.printf("decode: %v", err)
			return
		}
		out.printf("  %s", pi)
	}
}

// joinScenario joins a thread that is still running.
func joinScenario(out *report) process.Task {
	return func(c *process.Context, _ []byte) int {
		t2, err := c.CreateThread(func(c *process.Context, _ []byte) int {
			time.Sleep(20 * time.Millisecond)
			c.ThreadExit(42)
			return 0
		}, nil)
		if err != nil {
			out.printf("create thread: %v", err)
			return 1
		}
		out.printf("Thread %#x joining %#x", uint64(c.ThreadSelf()), uint64(t2))

		v, err := c.ThreadJoin(t2)
		if err != nil {
			out.printf("join: %v", err)
			return 1
		}
		out.printf("join returned %d", v)

		_, err = c.ThreadJoin(t2)
		out.printf("Second join: %v", err)
		if v != 42 {
			return 1
		}
		return 0
	}
}

// socketScenario exchanges bytes over a connection on port 100.
func socketScenario(out *report) process.Task {
	const port socket.Port = 100
	return func(c *process.Context, _ []byte) int {
		a, err := c.Socket(port)
		if err != nil {
			out.printf("socket: %v", err)
			return 1
		}
		if err := c.Listen(a); err != nil {
			out.printf("listen: %v", err)
			return 1
		}

		client, err := c.CreateThread(func(c *process.Context, _ []byte) int {
			b, err := c.Socket(socket.NoPort)
			if err != nil {
				return 1
			}
			if err := c.Connect(b, port, socket.NoTimeout); err != nil {
				return 1
			}
			if _, err := c.Write(b, []byte("hello over port 100")); err != nil {
				return 1
			}
			if err := c.ShutDown(b, socket.ShutdownWrite); err != nil {
				return 1
			}
			reply := drain(c, b)
			_ = c.Close(b)
			return len(reply)
		}, nil)
		if err != nil {
			out.printf("create thread: %v", err)
			return 1
		}

		conn, err := c.Accept(a)
		if err != nil {
			out.printf("accept: %v", err)
			return 1
		}
		msg := drain(c, conn)
		out.printf("Accepted connection read %s: %q", humanize.Bytes(uint64(len(msg))), msg)

		if _, err := c.Write(conn, []byte("ack")); err != nil {
			out.printf("write: %v", err)
			return 1
		}
		if err := c.ShutDown(conn, socket.ShutdownBoth); err != nil {
			out.printf("shutdown: %v", err)
			return 1
		}
		if n, err := c.ThreadJoin(client); err == nil {
			out.printf("Client read %s back", humanize.Bytes(uint64(n)))
		}
		_ = c.Close(conn)
		_ = c.Close(a)
		return 0
	}
}

func drain(c *process.Context, fid stream.FID) []byte {
	var data []byte
	buf := make([]byte, 8)
	for {
		n, err := c.Read(fid, buf)
		if err != nil || n == 0 {
			return data
		}
		data = append(data, buf[:n]...)
	}
}
