// Package stream implements the per-process descriptor table: small integer
// file ids naming reference-counted file control blocks, each of which
// wraps one stream object (a pipe end, a socket, an info cursor).
//
// Nothing in this package locks. Every method must be called with the
// kernel monitor held.
package stream

import (
	"errors"
)

// Descriptor table errors.
var (
	ErrBadFID       = errors.New("bad file id")
	ErrNoFreeFID    = errors.New("descriptor table full")
	ErrNoFreeFCB    = errors.New("file control block pool exhausted")
	ErrNotSupported = errors.New("operation not supported by stream")
)

// FID is a file id: an index into a process's descriptor table.
type FID int

// NoFile is the invalid file id.
const NoFile FID = -1

// StreamOps is implemented by every object that can sit behind a file id.
type StreamOps interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// FCB is a file control block.
type FCB struct {
	pool     *Pool
	refcount int
	obj      StreamOps
}

// Stream returns the stream object, or nil while the block is only
// reserved.
func (f *FCB) Stream() StreamOps {
	return f.obj
}

// Install attaches the stream object to a reserved block.
func (f *FCB) Install(obj StreamOps) {
	f.obj = obj
}

// Refcount returns the number of descriptor slots and in-flight operations
// holding the block.
func (f *FCB) Refcount() int {
	return f.refcount
}

// Incref takes another reference.
func (f *FCB) Incref() {
	f.refcount++
}

// Decref drops a reference. The last one closes the stream object and
// returns the block to its pool.
func (f *FCB) Decref() error {
	f.refcount--
	if f.refcount > 0 {
		return nil
	}
	obj := f.obj
	f.obj = nil
	f.pool.release(f)
	if obj != nil {
		return obj.Close()
	}
	return nil
}

// Pool bounds the number of file control blocks in the whole system.
type Pool struct {
	capacity int
	inUse    int
}

// NewPool creates a pool of capacity blocks.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// InUse returns the number of blocks currently allocated.
func (p *Pool) InUse() int {
	return p.inUse
}

// Available returns the number of blocks that can still be allocated.
func (p *Pool) Available() int {
	return p.capacity - p.inUse
}

func (p *Pool) acquire() *FCB {
	if p.inUse >= p.capacity {
		return nil
	}
	p.inUse++
	return &FCB{pool: p, refcount: 1}
}

func (p *Pool) release(f *FCB) {
	if f.pool != p || p.inUse == 0 {
		return
	}
	f.pool = nil
	p.inUse--
}
