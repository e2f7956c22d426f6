package process

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"kcore/pkg/netstack/socket"
	"kcore/pkg/stream"
)

func readAll(t *testing.T, c *Context, fid stream.FID, chunk int) []byte {
	var out []byte
	buf := make([]byte, chunk)
	for {
		n, err := c.Read(fid, buf)
		if !assert.NoError(t, err) || n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestPipeDescriptors(t *testing.T) {
	tk, status := bootAndWait(t, func(c *Context, _ []byte) int {
		fds, err := c.Pipe()
		if !assert.NoError(t, err) {
			return 1
		}
		assert.NotEqual(t, fds.Read, fds.Write)

		n, err := c.Write(fds.Write, []byte("abc"))
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
		buf := make([]byte, 3)
		n, err = c.Read(fds.Read, buf)
		assert.NoError(t, err)
		assert.Equal(t, "abc", string(buf[:n]))

		_, err = c.Write(fds.Read, []byte("x"))
		assert.ErrorIs(t, err, stream.ErrNotSupported)
		_, err = c.Read(fds.Write, buf)
		assert.ErrorIs(t, err, stream.ErrNotSupported)

		// A duplicate keeps the writer end open after the original closes.
		assert.NoError(t, c.Dup2(fds.Write, 5))
		assert.NoError(t, c.Close(fds.Write))
		_, err = c.Write(5, []byte("xyz"))
		assert.NoError(t, err)
		assert.NoError(t, c.Close(5))

		assert.Equal(t, "xyz", string(readAll(t, c, fds.Read, 2)))
		assert.NoError(t, c.Close(fds.Read))

		_, err = c.Read(fds.Read, buf)
		assert.ErrorIs(t, err, stream.ErrBadFID)
		assert.ErrorIs(t, c.Close(99), stream.ErrBadFID)
		assert.ErrorIs(t, c.Dup2(fds.Read, 1), stream.ErrBadFID)
		return 0
	})
	assert.Equal(t, 0, status)
	assert.Equal(t, 0.0, testutil.ToFloat64(tk.metrics.PipesOpen))
	assert.Equal(t, 6.0, testutil.ToFloat64(tk.metrics.PipeBytes.WithLabelValues("write")))
}

func TestPipeNeedsTwoDescriptors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileID = 3
	tk := startKernel(t, cfg, func(c *Context, _ []byte) int {
		first, err := c.Pipe()
		assert.NoError(t, err)

		fds, err := c.Pipe()
		assert.ErrorIs(t, err, stream.ErrNoFreeFID)
		assert.Equal(t, stream.NoFile, fds.Read)
		assert.Equal(t, stream.NoFile, fds.Write)

		// The failed call left the last slot free.
		fid, err := c.OpenInfo()
		assert.NoError(t, err)
		assert.Equal(t, stream.FID(2), fid)

		assert.NoError(t, c.Close(first.Read))
		assert.NoError(t, c.Close(first.Write))
		return 0
	}, nil)
	assert.Equal(t, 0, tk.wait(t))
}

// B connects to A's port, A's accept yields C, B and C talk, and after B
// shuts its write side C drains the rest and sees end of stream.
func TestSocketDescriptors(t *testing.T) {
	tk, status := bootAndWait(t, func(c *Context, _ []byte) int {
		lfd, err := c.Socket(100)
		if !assert.NoError(t, err) {
			return 1
		}
		assert.NoError(t, c.Listen(lfd))

		client, err := c.CreateThread(func(c *Context, _ []byte) int {
			fd, err := c.Socket(socket.NoPort)
			assert.NoError(t, err)
			if !assert.NoError(t, c.Connect(fd, 100, socket.NoTimeout)) {
				return 1
			}
			_, err = c.Write(fd, []byte("hello from B"))
			assert.NoError(t, err)
			assert.NoError(t, c.ShutDown(fd, socket.ShutdownWrite))

			assert.Equal(t, "ack", string(readAll(t, c, fd, 16)))
			assert.NoError(t, c.Close(fd))
			return 0
		}, nil)
		assert.NoError(t, err)

		cfd, err := c.Accept(lfd)
		if !assert.NoError(t, err) {
			return 1
		}
		assert.Equal(t, "hello from B", string(readAll(t, c, cfd, 4)))

		_, err = c.Write(cfd, []byte("ack"))
		assert.NoError(t, err)
		assert.NoError(t, c.ShutDown(cfd, socket.ShutdownWrite))

		v, err := c.ThreadJoin(client)
		if err == nil {
			assert.Equal(t, 0, v)
		}
		assert.NoError(t, c.Close(cfd))
		assert.NoError(t, c.Close(lfd))
		return 0
	})
	assert.Equal(t, 0, status)
	assert.Equal(t, 0.0, testutil.ToFloat64(tk.metrics.SocketsListening))
	assert.Equal(t, 0.0, testutil.ToFloat64(tk.metrics.SocketsPeer))
	assert.Equal(t, 0.0, testutil.ToFloat64(tk.metrics.PipesOpen))
}

func TestSocketCallErrors(t *testing.T) {
	_, status := bootAndWait(t, func(c *Context, _ []byte) int {
		_, err := c.Socket(256)
		assert.ErrorIs(t, err, socket.ErrBadPort)
		_, err = c.Socket(-1)
		assert.ErrorIs(t, err, socket.ErrBadPort)

		fds, err := c.Pipe()
		assert.NoError(t, err)
		assert.ErrorIs(t, c.Listen(fds.Read), socket.ErrNotSocket)
		_, err = c.Accept(fds.Write)
		assert.ErrorIs(t, err, socket.ErrNotSocket)
		assert.ErrorIs(t, c.Listen(42), stream.ErrBadFID)

		a, err := c.Socket(7)
		assert.NoError(t, err)
		b, err := c.Socket(7)
		assert.NoError(t, err)
		assert.NoError(t, c.Listen(a))
		assert.ErrorIs(t, c.Listen(b), socket.ErrPortInUse)

		_, err = c.Accept(b)
		assert.ErrorIs(t, err, socket.ErrNotListener)
		assert.ErrorIs(t, c.Connect(b, 8, 0), socket.ErrNoListener)
		assert.ErrorIs(t, c.Connect(b, 7, 0), socket.ErrTimedOut)
		assert.ErrorIs(t, c.ShutDown(b, socket.ShutdownBoth), socket.ErrNotPeer)
		_, err = c.Read(b, make([]byte, 1))
		assert.ErrorIs(t, err, socket.ErrNotPeer)
		return 0
	})
	assert.Equal(t, 0, status)
}

func (k *Kernel) listenerRefs(port socket.Port) int {
	k.mon.Lock()
	defer k.mon.Unlock()
	if l := k.sockets.Listener(port); l != nil {
		return l.Refcount()
	}
	return 0
}

func TestAcceptEndsWhenListenerCloses(t *testing.T) {
	closeNow := make(chan struct{})
	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		lfd, err := c.Socket(9)
		assert.NoError(t, err)
		assert.NoError(t, c.Listen(lfd))

		closer, err := c.CreateThread(func(c *Context, _ []byte) int {
			<-closeNow
			assert.NoError(t, c.Close(lfd))
			return 0
		}, nil)
		assert.NoError(t, err)

		fid, err := c.Accept(lfd)
		assert.ErrorIs(t, err, socket.ErrListenerGone)
		assert.Equal(t, stream.NoFile, fid)
		_, _ = c.ThreadJoin(closer)
		return 0
	}, nil)

	// The blocked accept holds a second reference on the listener.
	eventually(t, func() bool { return tk.k.listenerRefs(9) == 2 }, "accept never blocked")
	close(closeNow)
	assert.Equal(t, 0, tk.wait(t))
}
