package process

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/pkg/stream"
)

func TestOpenInfoStreamsEveryProcess(t *testing.T) {
	cfg := testConfig()
	size := procInfoHeader + cfg.ProcInfoMaxArgs
	release := make(chan struct{})
	longArgs := bytes.Repeat([]byte("a"), 40)
	records := make(chan []ProcInfo, 1)

	tk := startKernel(t, cfg, func(c *Context, _ []byte) int {
		child, err := c.Exec(blockUntil(release, 0), longArgs)
		assert.NoError(t, err)

		fid, err := c.OpenInfo()
		if !assert.NoError(t, err) {
			return 1
		}
		_, err = c.Write(fid, []byte("x"))
		assert.ErrorIs(t, err, stream.ErrNotSupported)

		var got []ProcInfo
		buf := make([]byte, size)
		for {
			n, err := c.Read(fid, buf)
			assert.NoError(t, err)
			if n == 0 {
				break
			}
			assert.Equal(t, size, n)
			pi, err := DecodeProcInfo(buf[:n])
			assert.NoError(t, err)
			got = append(got, pi)
		}
		records <- got
		assert.NoError(t, c.Close(fid))

		close(release)
		_, _, err = c.WaitChild(child)
		assert.NoError(t, err)
		return 0
	}, []byte("init-args"))

	got := recv(t, records)
	require.Len(t, got, 3)

	idle, initInfo, child := got[0], got[1], got[2]
	assert.Equal(t, IdlePid, idle.Pid)
	assert.Equal(t, NoProc, idle.PPid)
	assert.True(t, idle.Alive)
	assert.Zero(t, idle.ThreadCount)
	assert.Zero(t, idle.MainTask)

	assert.Equal(t, InitPid, initInfo.Pid)
	assert.Equal(t, NoProc, initInfo.PPid)
	assert.Equal(t, 1, initInfo.ThreadCount)
	assert.NotZero(t, initInfo.MainTask)
	assert.Equal(t, 9, initInfo.ArgLen)
	assert.Equal(t, "init-args", string(initInfo.Args))

	assert.Equal(t, InitPid, child.PPid)
	assert.True(t, child.Alive)
	assert.Equal(t, 40, child.ArgLen)
	assert.Equal(t, longArgs[:cfg.ProcInfoMaxArgs], child.Args)

	assert.Equal(t, 0, tk.wait(t))
}

func TestDecodeProcInfoShortRecord(t *testing.T) {
	_, err := DecodeProcInfo(make([]byte, procInfoHeader-1))
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestProcInfoString(t *testing.T) {
	pi := ProcInfo{Pid: 3, PPid: 1, Alive: true, ThreadCount: 2, MainTask: 0xbeef, ArgLen: 2048}
	s := pi.String()
	assert.Contains(t, s, "pid=3 ppid=1 alive threads=2")
	assert.Contains(t, s, "task=0xbeef")
	assert.Contains(t, s, "args=2.0 kB")

	pi.Alive = false
	assert.Contains(t, pi.String(), "zombie")
}

func TestSnapshotMatchesTable(t *testing.T) {
	tk, _ := bootAndWait(t, exitWith(0))
	snap := tk.k.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, tk.k.ProcInfoSize(), procInfoHeader+testConfig().ProcInfoMaxArgs)
}
