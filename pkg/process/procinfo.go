package process

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"

	"kcore/pkg/stream"
)

// ErrShortRecord is returned by DecodeProcInfo for a truncated record.
var ErrShortRecord = errors.New("process info record too short")

// procInfoHeader is the fixed part of a record:
// pid, ppid (int32), alive (uint8), thread count (uint32),
// main task (uint64), arg length (uint32).
const procInfoHeader = 4 + 4 + 1 + 4 + 8 + 4

// ProcInfo is a snapshot of one process table slot.
type ProcInfo struct {
	Pid         Pid
	PPid        Pid
	Alive       bool
	ThreadCount int
	// MainTask identifies the entry point; zero for the idle process.
	MainTask uint64
	// ArgLen is the full argument length; Args holds at most the
	// configured number of leading bytes.
	ArgLen int
	Args   []byte
}

// String formats the record for humans.
func (pi ProcInfo) String() string {
	state := "zombie"
	if pi.Alive {
		state = "alive"
	}
	return fmt.Sprintf("pid=%d ppid=%d %s threads=%d task=%#x args=%s",
		pi.Pid, pi.PPid, state, pi.ThreadCount, pi.MainTask, humanize.Bytes(uint64(pi.ArgLen)))
}

// ProcInfoSize returns the size of the records OpenInfo streams.
func (k *Kernel) ProcInfoSize() int {
	return procInfoHeader + k.cfg.ProcInfoMaxArgs
}

// DecodeProcInfo parses one record read from an info descriptor. The
// argument capacity is whatever follows the fixed header.
func DecodeProcInfo(rec []byte) (ProcInfo, error) {
	if len(rec) < procInfoHeader {
		return ProcInfo{}, ErrShortRecord
	}
	pi := ProcInfo{
		Pid:         Pid(int32(binary.LittleEndian.Uint32(rec[0:]))),
		PPid:        Pid(int32(binary.LittleEndian.Uint32(rec[4:]))),
		Alive:       rec[8] == 1,
		ThreadCount: int(binary.LittleEndian.Uint32(rec[9:])),
		MainTask:    binary.LittleEndian.Uint64(rec[13:]),
		ArgLen:      int(binary.LittleEndian.Uint32(rec[21:])),
	}
	n := min(pi.ArgLen, len(rec)-procInfoHeader)
	pi.Args = append([]byte(nil), rec[procInfoHeader:procInfoHeader+n]...)
	return pi, nil
}

func (k *Kernel) encodeProcInfo(p *pcb) []byte {
	rec := make([]byte, k.ProcInfoSize())
	binary.LittleEndian.PutUint32(rec[0:], uint32(int32(p.pid)))
	binary.LittleEndian.PutUint32(rec[4:], uint32(int32(p.parent)))
	if p.state == StateAlive {
		rec[8] = 1
	}
	binary.LittleEndian.PutUint32(rec[9:], uint32(p.threadCount))
	binary.LittleEndian.PutUint64(rec[13:], taskID(p.mainTask))
	binary.LittleEndian.PutUint32(rec[21:], uint32(len(p.args)))
	copy(rec[procInfoHeader:], p.args)
	return rec
}

func (k *Kernel) procInfo(p *pcb) ProcInfo {
	pi, _ := DecodeProcInfo(k.encodeProcInfo(p))
	return pi
}

func taskID(task Task) uint64 {
	if task == nil {
		return 0
	}
	return uint64(reflect.ValueOf(task).Pointer())
}

// Snapshot returns a record for every alive or zombie process, in pid
// order.
func (k *Kernel) Snapshot() []ProcInfo {
	k.mon.Lock()
	defer k.mon.Unlock()

	var out []ProcInfo
	for _, p := range k.procs {
		if p.state != StateFree {
			out = append(out, k.procInfo(p))
		}
	}
	return out
}

// infoCursor is the stream behind an OpenInfo descriptor. Each read yields
// the record of the next used slot; 0 means the table is exhausted.
type infoCursor struct {
	k      *Kernel
	cursor int
}

func (ic *infoCursor) Read(buf []byte) (int, error) {
	for ic.cursor < len(ic.k.procs) {
		p := ic.k.procs[ic.cursor]
		ic.cursor++
		if p.state == StateFree {
			continue
		}
		return copy(buf, ic.k.encodeProcInfo(p)), nil
	}
	return 0, nil
}

func (ic *infoCursor) Write([]byte) (int, error) {
	return 0, stream.ErrNotSupported
}

func (ic *infoCursor) Close() error {
	return nil
}

// OpenInfo returns a descriptor streaming one ProcInfo record per read.
func (c *Context) OpenInfo() (stream.FID, error) {
	t := c.lock()
	defer c.k.mon.Unlock()

	fids, fcbs, err := t.owner.fidt.Reserve(1)
	if err != nil {
		return stream.NoFile, err
	}
	fcbs[0].Install(&infoCursor{k: c.k})
	return fids[0], nil
}
