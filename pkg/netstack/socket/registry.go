package socket

import (
	"go.uber.org/zap"

	"kcore/internal/monitoring"
	"kcore/pkg/sched"
)

// Registry owns the port table and creates sockets. Like every kernel
// object it is guarded by the kernel monitor.
type Registry struct {
	mon      *sched.Monitor
	maxPort  Port
	pipeSize int
	// ports maps a port to its listener, if any.
	ports   []*Socket
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewRegistry creates a registry for ports 1..maxPort whose peer links use
// pipes of pipeSize bytes.
func NewRegistry(mon *sched.Monitor, maxPort Port, pipeSize int, metrics *monitoring.Metrics, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if maxPort < 0 {
		maxPort = 0
	}
	return &Registry{
		mon:      mon,
		maxPort:  maxPort,
		pipeSize: pipeSize,
		ports:    make([]*Socket, maxPort+1),
		metrics:  metrics,
		log:      log,
	}
}

// MaxPort returns the highest legal port.
func (r *Registry) MaxPort() Port {
	return r.maxPort
}

// ValidPort reports whether port can be named by a socket. NoPort is
// valid for sockets that never listen.
func (r *Registry) ValidPort(port Port) bool {
	return port >= NoPort && port <= r.maxPort
}

// Listener returns the socket listening on port, or nil.
func (r *Registry) Listener(port Port) *Socket {
	if port <= NoPort || port > r.maxPort {
		return nil
	}
	return r.ports[port]
}

// NewSocket creates an unbound socket on port holding one reference.
func (r *Registry) NewSocket(port Port) (*Socket, error) {
	if !r.ValidPort(port) {
		return nil, ErrBadPort
	}
	return r.newSocket(port), nil
}

func (r *Registry) newSocket(port Port) *Socket {
	return &Socket{
		reg:      r,
		refcount: 1,
		port:     port,
		mode:     ModeUnbound,
	}
}
