package socket

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"kcore/internal/monitoring"
	"kcore/pkg/process/ipc"
	"kcore/pkg/sched"
)

// Socket errors.
var (
	ErrBadPort      = errors.New("illegal port")
	ErrPortInUse    = errors.New("port already has a listener")
	ErrNoListener   = errors.New("no listener on port")
	ErrNotUnbound   = errors.New("socket is not unbound")
	ErrNotListener  = errors.New("socket is not a listener")
	ErrNotPeer      = errors.New("socket is not connected")
	ErrClosed       = errors.New("socket closed")
	ErrTimedOut     = errors.New("connection timed out")
	ErrRefused      = errors.New("connection refused")
	ErrShutdownMode = errors.New("invalid shutdown mode")
	ErrListenerGone = errors.New("listener closed while accepting")
	ErrNotSocket    = errors.New("file id does not name a socket")
	ErrConnecting   = errors.New("connect already in progress")
)

// Port is a socket port number.
type Port int

// NoPort is the port of a socket that will only ever connect.
const NoPort Port = 0

// NoTimeout makes Connect wait without a deadline.
const NoTimeout time.Duration = -1

// Mode is the socket state. A socket starts Unbound and moves exactly once
// to Listener or Peer.
type Mode uint8

const (
	ModeUnbound Mode = iota
	ModeListener
	ModePeer
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeUnbound:
		return "unbound"
	case ModeListener:
		return "listener"
	case ModePeer:
		return "peer"
	}
	return "unknown"
}

// ShutdownMode selects the direction(s) ShutDown closes.
type ShutdownMode uint8

const (
	ShutdownRead ShutdownMode = iota + 1
	ShutdownWrite
	ShutdownBoth
)

// Socket is a connection-oriented byte-stream endpoint.
type Socket struct {
	reg *Registry
	// refcount counts the descriptor holding the socket plus every
	// blocked accept or connect on it.
	refcount int
	port     Port
	mode     Mode
	closed   bool
	released bool

	// Listener state
	queue   []*request
	arrived *sched.CondVar

	// pending is the request of the one in-flight Connect; Close wakes it.
	pending *request

	// Peer state
	send *ipc.Pipe
	recv *ipc.Pipe
	peer *Socket
}

// request is a connect waiting on a listener's queue.
type request struct {
	sock     *Socket
	cv       *sched.CondVar
	admitted bool
	// resolved is set by whichever side takes the request off the queue.
	resolved bool
}

// Port returns the port the socket was created on.
func (s *Socket) Port() Port {
	return s.port
}

// Mode returns the current socket state.
func (s *Socket) Mode() Mode {
	return s.mode
}

// Closed reports whether Close has run.
func (s *Socket) Closed() bool {
	return s.closed
}

// Released reports whether the reference count dropped to zero.
func (s *Socket) Released() bool {
	return s.released
}

// Refcount returns the current reference count.
func (s *Socket) Refcount() int {
	return s.refcount
}

// Peer returns the other end of an established link, or nil.
func (s *Socket) Peer() *Socket {
	return s.peer
}

// Pending returns the number of queued connect requests on a listener.
func (s *Socket) Pending() int {
	return len(s.queue)
}

// Incref takes a reference.
func (s *Socket) Incref() {
	s.refcount++
}

// Decref drops a reference; the last one releases the socket.
func (s *Socket) Decref() {
	s.refcount--
	if s.refcount <= 0 && !s.released {
		s.released = true
		s.queue = nil
		s.send = nil
		s.recv = nil
		s.peer = nil
	}
}

// Read reads from the receive pipe of a peer socket.
func (s *Socket) Read(buf []byte) (int, error) {
	if s.mode != ModePeer || s.recv == nil {
		return 0, ErrNotPeer
	}
	return s.recv.Read(buf)
}

// Write writes to the send pipe of a peer socket.
func (s *Socket) Write(buf []byte) (int, error) {
	if s.mode != ModePeer || s.send == nil {
		return 0, ErrNotPeer
	}
	return s.send.Write(buf)
}

// Listen binds an unbound socket to its port as the port's only listener.
func (s *Socket) Listen() error {
	r := s.reg
	if s.closed {
		return ErrClosed
	}
	if s.mode != ModeUnbound {
		return ErrNotUnbound
	}
	if s.port == NoPort || !r.ValidPort(s.port) {
		return ErrBadPort
	}
	if r.ports[s.port] != nil {
		return ErrPortInUse
	}

	r.ports[s.port] = s
	s.mode = ModeListener
	s.queue = make([]*request, 0)
	s.arrived = sched.NewCondVar(r.mon)
	r.metrics.ListenerAdded()
	r.log.Debug("socket listening", zap.Int("port", int(s.port)))
	return nil
}

// Connect asks the listener on port to pair with s and waits for the
// outcome. A negative timeout waits forever; otherwise the call fails with
// ErrTimedOut once the deadline passes without an answer.
func (s *Socket) Connect(port Port, timeout time.Duration) error {
	r := s.reg
	if s.closed {
		return ErrClosed
	}
	if s.mode != ModeUnbound {
		return ErrNotUnbound
	}
	if s.pending != nil {
		return ErrConnecting
	}
	if port == NoPort || !r.ValidPort(port) {
		return ErrBadPort
	}
	l := r.ports[port]
	if l == nil {
		r.metrics.Connect(monitoring.OutcomeRefused)
		return ErrNoListener
	}

	req := &request{sock: s, cv: sched.NewCondVar(r.mon)}
	l.queue = append(l.queue, req)
	l.arrived.Signal()

	s.pending = req
	s.Incref()
	defer func() {
		s.pending = nil
		s.Decref()
	}()

	deadline := time.Now().Add(timeout)
	for !req.resolved && !s.closed {
		if timeout < 0 {
			req.cv.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		req.cv.TimedWait(remaining)
	}

	if !req.resolved {
		req.resolved = true
		l.dequeue(req)
		if s.closed {
			return ErrClosed
		}
		r.metrics.Connect(monitoring.OutcomeTimeout)
		r.log.Debug("connect timed out", zap.Int("port", int(port)))
		return ErrTimedOut
	}
	if !req.admitted {
		r.metrics.Connect(monitoring.OutcomeRefused)
		return ErrRefused
	}
	return nil
}

// Accept waits for the next connect request on a listener, pairs it with a
// fresh socket on the same port and returns that socket. Requests are served
// in arrival order.
func (s *Socket) Accept() (*Socket, error) {
	r := s.reg
	if s.closed || s.mode != ModeListener {
		return nil, ErrNotListener
	}

	s.Incref()
	defer s.Decref()

	for {
		for len(s.queue) == 0 && !s.closed {
			s.arrived.Wait()
		}
		if s.closed {
			return nil, ErrListenerGone
		}

		req := s.queue[0]
		s.queue = s.queue[1:]
		req.resolved = true

		client := req.sock
		if client.closed || client.mode != ModeUnbound {
			req.admitted = false
			req.cv.Signal()
			continue
		}

		server := r.newSocket(s.port)
		toServer := ipc.NewPipe(r.mon, r.pipeSize, r.metrics)
		toClient := ipc.NewPipe(r.mon, r.pipeSize, r.metrics)

		client.mode = ModePeer
		client.send = toServer
		client.recv = toClient
		client.peer = server

		server.mode = ModePeer
		server.send = toClient
		server.recv = toServer
		server.peer = client

		r.metrics.PeerOpened()
		r.metrics.PeerOpened()
		r.metrics.Connect(monitoring.OutcomeAccepted)

		req.admitted = true
		req.cv.Signal()
		r.log.Debug("connection accepted", zap.Int("port", int(s.port)))
		return server, nil
	}
}

// ShutDown closes one or both directions of a peer socket. Closing the
// read side makes remote writes fail; closing the write side lets remote
// reads drain and then see end of stream.
func (s *Socket) ShutDown(how ShutdownMode) error {
	if s.mode != ModePeer || s.closed {
		return ErrNotPeer
	}
	switch how {
	case ShutdownRead:
		return s.recv.CloseReader()
	case ShutdownWrite:
		return s.send.CloseWriter()
	case ShutdownBoth:
		rerr := s.recv.CloseReader()
		werr := s.send.CloseWriter()
		return errors.Join(rerr, werr)
	}
	return ErrShutdownMode
}

// Close tears the socket down according to its mode and drops the
// descriptor's reference. Closing twice is a no-op.
func (s *Socket) Close() error {
	r := s.reg
	if s.closed {
		return nil
	}
	s.closed = true

	switch s.mode {
	case ModeUnbound:
		if s.pending != nil {
			s.pending.cv.Signal()
		}
	case ModeListener:
		if r.ports[s.port] == s {
			r.ports[s.port] = nil
		}
		for _, req := range s.queue {
			req.resolved = true
			req.admitted = false
			req.cv.Signal()
		}
		s.queue = nil
		s.arrived.Broadcast()
		r.metrics.ListenerRemoved()
		r.log.Debug("listener closed", zap.Int("port", int(s.port)))
	case ModePeer:
		_ = s.recv.CloseReader()
		_ = s.send.CloseWriter()
		if s.peer != nil {
			s.peer.peer = nil
			s.peer = nil
		}
		r.metrics.PeerClosed()
	}

	s.Decref()
	return nil
}

func (s *Socket) dequeue(req *request) {
	for i, q := range s.queue {
		if q == req {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}
