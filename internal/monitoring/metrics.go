package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connect outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRefused  = "refused"
	OutcomeTimeout  = "timeout"
)

// Metrics holds the Prometheus metrics of one kernel instance. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Process metrics
	ProcessesLive    prometheus.Gauge
	ProcessesZombie  prometheus.Gauge
	ProcessesCreated prometheus.Counter
	ProcessesReaped  prometheus.Counter

	// Thread metrics
	ThreadsLive    prometheus.Gauge
	ThreadsSpawned prometheus.Counter

	// Pipe metrics
	PipesOpen prometheus.Gauge
	PipeBytes *prometheus.CounterVec

	// Socket metrics
	SocketsListening prometheus.Gauge
	SocketsPeer      prometheus.Gauge
	Connects         *prometheus.CounterVec
}

// NewMetrics creates a metrics set registered on its own registry, so
// several kernels can coexist in one binary.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProcessesLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kcore_processes_alive",
			Help: "Number of process table slots in the ALIVE state",
		}),
		ProcessesZombie: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kcore_processes_zombie",
			Help: "Number of exited processes not yet collected",
		}),
		ProcessesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "kcore_processes_created_total",
			Help: "Total number of processes created",
		}),
		ProcessesReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "kcore_processes_reaped_total",
			Help: "Total number of zombie processes collected by wait",
		}),

		ThreadsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kcore_threads_live",
			Help: "Number of threads that have not exited",
		}),
		ThreadsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "kcore_threads_spawned_total",
			Help: "Total number of threads spawned, main threads included",
		}),

		PipesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kcore_pipes_open",
			Help: "Number of pipes with at least one open end",
		}),
		PipeBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kcore_pipe_bytes_total",
				Help: "Bytes moved through pipes",
			},
			[]string{"direction"},
		),

		SocketsListening: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kcore_sockets_listening",
			Help: "Number of sockets bound to a port as listeners",
		}),
		SocketsPeer: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kcore_sockets_peer",
			Help: "Number of open peer sockets",
		}),
		Connects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kcore_connects_total",
				Help: "Connect attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ProcessCreated records a new ALIVE process.
func (m *Metrics) ProcessCreated() {
	if m == nil {
		return
	}
	m.ProcessesCreated.Inc()
	m.ProcessesLive.Inc()
}

// ProcessExited records an ALIVE to ZOMBIE transition.
func (m *Metrics) ProcessExited() {
	if m == nil {
		return
	}
	m.ProcessesLive.Dec()
	m.ProcessesZombie.Inc()
}

// ProcessReaped records a zombie collected by wait.
func (m *Metrics) ProcessReaped() {
	if m == nil {
		return
	}
	m.ProcessesZombie.Dec()
	m.ProcessesReaped.Inc()
}

// ThreadSpawned records a new thread.
func (m *Metrics) ThreadSpawned() {
	if m == nil {
		return
	}
	m.ThreadsSpawned.Inc()
	m.ThreadsLive.Inc()
}

// ThreadExited records a thread exit.
func (m *Metrics) ThreadExited() {
	if m == nil {
		return
	}
	m.ThreadsLive.Dec()
}

// PipeOpened records a new pipe.
func (m *Metrics) PipeOpened() {
	if m == nil {
		return
	}
	m.PipesOpen.Inc()
}

// PipeReleased records a pipe whose both ends are closed.
func (m *Metrics) PipeReleased() {
	if m == nil {
		return
	}
	m.PipesOpen.Dec()
}

// PipeRead records bytes consumed from a pipe.
func (m *Metrics) PipeRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PipeBytes.WithLabelValues("read").Add(float64(n))
}

// PipeWritten records bytes stored into a pipe.
func (m *Metrics) PipeWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PipeBytes.WithLabelValues("write").Add(float64(n))
}

// ListenerAdded records a socket bound as listener.
func (m *Metrics) ListenerAdded() {
	if m == nil {
		return
	}
	m.SocketsListening.Inc()
}

// ListenerRemoved records a listener leaving the port registry.
func (m *Metrics) ListenerRemoved() {
	if m == nil {
		return
	}
	m.SocketsListening.Dec()
}

// PeerOpened records a socket entering the PEER state.
func (m *Metrics) PeerOpened() {
	if m == nil {
		return
	}
	m.SocketsPeer.Inc()
}

// PeerClosed records a peer socket being closed.
func (m *Metrics) PeerClosed() {
	if m == nil {
		return
	}
	m.SocketsPeer.Dec()
}

// Connect records the outcome of a connect call.
func (m *Metrics) Connect(outcome string) {
	if m == nil {
		return
	}
	m.Connects.WithLabelValues(outcome).Inc()
}
