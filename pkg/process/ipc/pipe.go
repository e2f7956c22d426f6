package ipc

import (
	"errors"

	"kcore/internal/monitoring"
	"kcore/pkg/sched"
	"kcore/pkg/stream"
)

// Pipe errors.
var (
	ErrReaderClosed = errors.New("pipe reader end is closed")
	ErrWriterClosed = errors.New("pipe writer end is closed")
	ErrBrokenPipe   = errors.New("pipe is broken")
)

// DefaultCapacity is the ring size used when a pipe is created with a
// non-positive capacity.
const DefaultCapacity = 8192

// Pipe is a bounded single-producer single-consumer byte channel with a
// reader end and a writer end that close independently. The block is
// released when both ends are closed.
//
// All methods must be called with the kernel monitor held.
type Pipe struct {
	// buffer is the ring; nil once released.
	buffer []byte
	// readPos is where the next byte is consumed from.
	readPos int
	// writePos is where the next byte is stored.
	writePos int
	// count is the number of buffered bytes, 0 <= count <= len(buffer).
	count int

	readerClosed bool
	writerClosed bool
	released     bool

	// dataAvailable wakes a reader waiting on an empty ring.
	dataAvailable *sched.CondVar
	// spaceAvailable wakes a writer waiting on a full ring.
	spaceAvailable *sched.CondVar

	capacity int
	metrics  *monitoring.Metrics
}

// NewPipe creates a pipe of the given capacity.
func NewPipe(mon *sched.Monitor, capacity int, metrics *monitoring.Metrics) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	metrics.PipeOpened()
	return &Pipe{
		buffer:         make([]byte, capacity),
		capacity:       capacity,
		dataAvailable:  sched.NewCondVar(mon),
		spaceAvailable: sched.NewCondVar(mon),
		metrics:        metrics,
	}
}

// Capacity returns the ring size.
func (p *Pipe) Capacity() int {
	return p.capacity
}

// Buffered returns the number of bytes waiting to be read.
func (p *Pipe) Buffered() int {
	return p.count
}

// ReaderClosed reports whether the reader end is closed.
func (p *Pipe) ReaderClosed() bool {
	return p.readerClosed
}

// WriterClosed reports whether the writer end is closed.
func (p *Pipe) WriterClosed() bool {
	return p.writerClosed
}

// Released reports whether both ends are closed and the block is gone.
func (p *Pipe) Released() bool {
	return p.released
}

// Read copies up to len(buf) bytes out of the pipe, blocking while the
// ring is empty and both ends are open. It returns fewer bytes when the
// writer closes with the ring drained, and 0 at end of stream.
func (p *Pipe) Read(buf []byte) (int, error) {
	if p.readerClosed {
		return 0, ErrReaderClosed
	}
	if p.count == 0 && p.writerClosed {
		return 0, nil
	}

	n := 0
	for n < len(buf) {
		if p.count == 0 && p.writerClosed {
			break
		}
		for p.count == 0 && !p.readerClosed && !p.writerClosed {
			p.spaceAvailable.Broadcast()
			p.dataAvailable.Wait()
		}
		if p.readerClosed {
			p.metrics.PipeRead(n)
			return n, nil
		}
		if p.count > 0 {
			buf[n] = p.buffer[p.readPos]
			p.readPos = (p.readPos + 1) % p.capacity
			p.count--
			n++
		}
	}

	p.spaceAvailable.Broadcast()
	p.metrics.PipeRead(n)
	return n, nil
}

// Write copies buf into the pipe, blocking while the ring is full and the
// reader is open. It fails with ErrBrokenPipe if the reader closes while
// the writer waits, and returns a short count if the writer end itself is
// closed mid-transfer.
func (p *Pipe) Write(buf []byte) (int, error) {
	if p.writerClosed {
		return 0, ErrWriterClosed
	}
	if p.readerClosed {
		return 0, ErrBrokenPipe
	}

	n := 0
	for n < len(buf) {
		for p.count == p.capacity && !p.readerClosed && !p.writerClosed {
			p.dataAvailable.Broadcast()
			p.spaceAvailable.Wait()
		}
		if p.readerClosed {
			return 0, ErrBrokenPipe
		}
		if p.writerClosed {
			break
		}
		p.buffer[p.writePos] = buf[n]
		p.writePos = (p.writePos + 1) % p.capacity
		p.count++
		n++
	}

	p.dataAvailable.Broadcast()
	p.metrics.PipeWritten(n)
	return n, nil
}

// CloseReader closes the reader end. Closing twice is a no-op.
func (p *Pipe) CloseReader() error {
	if p.readerClosed {
		return nil
	}
	p.readerClosed = true
	p.spaceAvailable.Broadcast()
	p.dataAvailable.Broadcast()
	if p.writerClosed {
		p.release()
	}
	return nil
}

// CloseWriter closes the writer end. Closing twice is a no-op.
func (p *Pipe) CloseWriter() error {
	if p.writerClosed {
		return nil
	}
	p.writerClosed = true
	p.dataAvailable.Broadcast()
	p.spaceAvailable.Broadcast()
	if p.readerClosed {
		p.release()
	}
	return nil
}

func (p *Pipe) release() {
	if p.released {
		return
	}
	p.released = true
	p.buffer = nil
	p.count = 0
	p.metrics.PipeReleased()
}

// Reader returns the reader end as a stream.
func (p *Pipe) Reader() stream.StreamOps {
	return &PipeReader{pipe: p}
}

// Writer returns the writer end as a stream.
func (p *Pipe) Writer() stream.StreamOps {
	return &PipeWriter{pipe: p}
}

// PipeReader is the reader end of a pipe.
type PipeReader struct {
	pipe *Pipe
}

// Read reads from the pipe.
func (r *PipeReader) Read(b []byte) (int, error) {
	return r.pipe.Read(b)
}

// Write always fails: the reader end is read-only.
func (r *PipeReader) Write(b []byte) (int, error) {
	return 0, stream.ErrNotSupported
}

// Close closes the reader end.
func (r *PipeReader) Close() error {
	return r.pipe.CloseReader()
}

// Pipe returns the underlying pipe.
func (r *PipeReader) Pipe() *Pipe {
	return r.pipe
}

// PipeWriter is the writer end of a pipe.
type PipeWriter struct {
	pipe *Pipe
}

// Read always fails: the writer end is write-only.
func (w *PipeWriter) Read(b []byte) (int, error) {
	return 0, stream.ErrNotSupported
}

// Write writes to the pipe.
func (w *PipeWriter) Write(b []byte) (int, error) {
	return w.pipe.Write(b)
}

// Close closes the writer end.
func (w *PipeWriter) Close() error {
	return w.pipe.CloseWriter()
}

// Pipe returns the underlying pipe.
func (w *PipeWriter) Pipe() *Pipe {
	return w.pipe
}
