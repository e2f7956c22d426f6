package process

import (
	"time"

	"go.uber.org/zap"

	"kcore/pkg/netstack/socket"
	"kcore/pkg/process/ipc"
	"kcore/pkg/stream"
)

// PipeFIDs names the two ends of a pipe.
type PipeFIDs struct {
	Read  stream.FID
	Write stream.FID
}

// Pipe creates a pipe and returns a descriptor for each end.
func (c *Context) Pipe() (PipeFIDs, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	none := PipeFIDs{Read: stream.NoFile, Write: stream.NoFile}
	fids, fcbs, err := t.owner.fidt.Reserve(2)
	if err != nil {
		c.k.log.Warn("pipe: no descriptors", zap.Int("pid", int(t.owner.pid)), zap.Error(err))
		return none, err
	}

	p := ipc.NewPipe(c.k.mon, c.k.cfg.PipeBufferSize, c.k.metrics)
	fcbs[0].Install(p.Reader())
	fcbs[1].Install(p.Writer())
	c.k.log.Debug("pipe created",
		zap.Int("pid", int(t.owner.pid)),
		zap.Int("read_fid", int(fids[0])),
		zap.Int("write_fid", int(fids[1])),
	)
	return PipeFIDs{Read: fids[0], Write: fids[1]}, nil
}

// Socket creates an unbound socket on port. Use socket.NoPort for a socket
// that will only connect.
func (c *Context) Socket(port socket.Port) (stream.FID, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	if !c.k.sockets.ValidPort(port) {
		return stream.NoFile, socket.ErrBadPort
	}
	fids, fcbs, err := t.owner.fidt.Reserve(1)
	if err != nil {
		return stream.NoFile, err
	}
	s, err := c.k.sockets.NewSocket(port)
	if err != nil {
		t.owner.fidt.Unreserve(fids)
		return stream.NoFile, err
	}
	fcbs[0].Install(s)
	return fids[0], nil
}

// Listen makes the socket behind fid the listener of its port.
func (c *Context) Listen(fid stream.FID) error {
	t := c.lock()
	defer c.k.mon.Unlock()

	s, err := c.socket(t, fid)
	if err != nil {
		return err
	}
	return s.Listen()
}

// Accept waits for a connection on the listener behind fid and returns a
// descriptor for the local end of the new link.
func (c *Context) Accept(fid stream.FID) (stream.FID, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	l, err := c.socket(t, fid)
	if err != nil {
		return stream.NoFile, err
	}
	if l.Mode() != socket.ModeListener {
		return stream.NoFile, socket.ErrNotListener
	}

	// Reserve before blocking so a full table fails fast.
	fidt := t.owner.fidt
	fids, fcbs, err := fidt.Reserve(1)
	if err != nil {
		return stream.NoFile, err
	}

	s, err := l.Accept()
	if err != nil {
		if fidt.Holds(fids[0], fcbs[0]) {
			fidt.Unreserve(fids)
		}
		return stream.NoFile, err
	}
	if !fidt.Holds(fids[0], fcbs[0]) {
		// The reserved slot was overwritten or the process exited while
		// accept was blocked.
		_ = s.Close()
		return stream.NoFile, stream.ErrBadFID
	}
	fcbs[0].Install(s)
	return fids[0], nil
}

// Connect links the unbound socket behind fid with the listener on port.
// A negative timeout waits as long as it takes.
func (c *Context) Connect(fid stream.FID, port socket.Port, timeout time.Duration) error {
	t := c.lock()
	defer c.k.mon.Unlock()

	s, err := c.socket(t, fid)
	if err != nil {
		return err
	}
	return s.Connect(port, timeout)
}

// ShutDown closes one or both directions of the peer socket behind fid.
func (c *Context) ShutDown(fid stream.FID, how socket.ShutdownMode) error {
	t := c.lock()
	defer c.k.mon.Unlock()

	s, err := c.socket(t, fid)
	if err != nil {
		return err
	}
	return s.ShutDown(how)
}

func (c *Context) socket(t *tcb, fid stream.FID) (*socket.Socket, error) {
	f, err := t.owner.fidt.Lookup(fid)
	if err != nil {
		return nil, err
	}
	s, ok := f.Stream().(*socket.Socket)
	if !ok {
		return nil, socket.ErrNotSocket
	}
	return s, nil
}
