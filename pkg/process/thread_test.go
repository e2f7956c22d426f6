package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joinResult struct {
	exitval int
	err     error
}

func TestTidEncoding(t *testing.T) {
	tests := []struct {
		idx int
		gen uint32
	}{
		{0, 1},
		{5, 1},
		{5, 2},
		{1 << 20, 1<<32 - 1},
	}
	for _, tt := range tests {
		tid := makeTid(tt.idx, tt.gen)
		assert.NotEqual(t, NoThread, tid)
		assert.Equal(t, tt.idx, tid.index())
		assert.Equal(t, tt.gen, tid.generation())
	}
	assert.NotEqual(t, makeTid(5, 1), makeTid(5, 2))
}

// T1 joins T2 before T2 finishes; T2 exits with 42 and its entry is freed.
func TestJoinBlocksUntilThreadExits(t *testing.T) {
	release := make(chan struct{})
	t2ch := make(chan Tid, 1)
	joined := make(chan joinResult, 1)

	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		t2, err := c.CreateThread(blockUntil(release, 42), nil)
		assert.NoError(t, err)
		t2ch <- t2

		v, err := c.ThreadJoin(t2)
		joined <- joinResult{v, err}

		_, err = c.ThreadJoin(t2)
		assert.ErrorIs(t, err, ErrInvalidThread)
		return 0
	}, nil)

	t2 := recv(t, t2ch)
	eventually(t, func() bool { return tk.k.joinWaiters(t2) == 1 }, "join never blocked")
	select {
	case <-joined:
		t.Fatal("join returned before the thread exited")
	default:
	}

	close(release)
	res := recv(t, joined)
	require.NoError(t, res.err)
	assert.Equal(t, 42, res.exitval)
	assert.Equal(t, -1, tk.k.joinWaiters(t2))
	assert.Equal(t, 0, tk.wait(t))
}

func TestConcurrentJoinersSeeSameValue(t *testing.T) {
	const joiners = 3
	release := make(chan struct{})
	targetCh := make(chan Tid, 1)
	results := make(chan joinResult, joiners)

	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		target, err := c.CreateThread(blockUntil(release, 42), nil)
		assert.NoError(t, err)
		targetCh <- target

		var js []Tid
		for range joiners {
			j, err := c.CreateThread(func(c *Context, _ []byte) int {
				v, err := c.ThreadJoin(target)
				results <- joinResult{v, err}
				return 0
			}, nil)
			assert.NoError(t, err)
			js = append(js, j)
		}
		for _, j := range js {
			// A joiner may already be gone; either way it exited with 0.
			v, err := c.ThreadJoin(j)
			if err == nil {
				assert.Equal(t, 0, v)
			} else {
				assert.ErrorIs(t, err, ErrInvalidThread)
			}
		}
		return 0
	}, nil)

	target := recv(t, targetCh)
	eventually(t, func() bool { return tk.k.joinWaiters(target) == joiners }, "joiners never blocked")
	close(release)

	for range joiners {
		res := recv(t, results)
		assert.NoError(t, res.err)
		assert.Equal(t, 42, res.exitval)
	}
	eventually(t, func() bool { return tk.k.joinWaiters(target) == -1 }, "last joiner did not free the entry")
	assert.Equal(t, 0, tk.wait(t))
}

func TestDetachThenJoinFails(t *testing.T) {
	release := make(chan struct{})
	_, status := bootAndWait(t, func(c *Context, _ []byte) int {
		tid, err := c.CreateThread(blockUntil(release, 1), nil)
		assert.NoError(t, err)

		assert.NoError(t, c.ThreadDetach(tid))
		assert.NoError(t, c.ThreadDetach(tid))
		_, err = c.ThreadJoin(tid)
		assert.ErrorIs(t, err, ErrNotJoinable)

		close(release)
		return 0
	})
	assert.Equal(t, 0, status)
}

func TestDetachReleasesBlockedJoiner(t *testing.T) {
	release := make(chan struct{})
	detachNow := make(chan struct{})
	targetCh := make(chan Tid, 1)
	joined := make(chan joinResult, 1)

	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		target, err := c.CreateThread(blockUntil(release, 5), nil)
		assert.NoError(t, err)
		targetCh <- target

		joiner, err := c.CreateThread(func(c *Context, _ []byte) int {
			v, err := c.ThreadJoin(target)
			joined <- joinResult{v, err}
			return 0
		}, nil)
		assert.NoError(t, err)

		<-detachNow
		assert.NoError(t, c.ThreadDetach(target))
		_, _ = c.ThreadJoin(joiner)
		close(release)
		return 0
	}, nil)

	target := recv(t, targetCh)
	eventually(t, func() bool { return tk.k.joinWaiters(target) == 1 }, "joiner never blocked")
	close(detachNow)

	res := recv(t, joined)
	assert.ErrorIs(t, res.err, ErrNotJoinable)
	assert.Equal(t, 0, tk.wait(t))
}

func TestJoinRejectsInvalidTargets(t *testing.T) {
	childMain := make(chan Tid, 1)
	release := make(chan struct{})

	_, status := bootAndWait(t, func(c *Context, _ []byte) int {
		self := c.ThreadSelf()
		assert.NotEqual(t, NoThread, self)

		_, err := c.ThreadJoin(self)
		assert.ErrorIs(t, err, ErrNotJoinable)
		_, err = c.ThreadJoin(NoThread)
		assert.ErrorIs(t, err, ErrInvalidThread)
		_, err = c.ThreadJoin(makeTid(500, 1))
		assert.ErrorIs(t, err, ErrInvalidThread)
		assert.ErrorIs(t, c.ThreadDetach(NoThread), ErrInvalidThread)

		_, err = c.CreateThread(nil, nil)
		assert.ErrorIs(t, err, ErrNilTask)

		child, err := c.Exec(func(c *Context, _ []byte) int {
			childMain <- c.ThreadSelf()
			<-release
			return 0
		}, nil)
		assert.NoError(t, err)

		// Threads of another process are out of reach.
		other := <-childMain
		_, err = c.ThreadJoin(other)
		assert.ErrorIs(t, err, ErrInvalidThread)
		assert.ErrorIs(t, c.ThreadDetach(other), ErrInvalidThread)

		close(release)
		_, _, err = c.WaitChild(child)
		assert.NoError(t, err)
		return 0
	})
	assert.Equal(t, 0, status)
}

func TestStaleTidNeverResolves(t *testing.T) {
	t1ch := make(chan Tid, 1)
	proceed := make(chan struct{})

	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		t1, err := c.CreateThread(exitWith(1), nil)
		assert.NoError(t, err)
		t1ch <- t1
		<-proceed

		t2, err := c.CreateThread(func(c *Context, _ []byte) int {
			time.Sleep(5 * time.Millisecond)
			return 2
		}, nil)
		assert.NoError(t, err)
		assert.NotEqual(t, t1, t2)
		assert.Equal(t, t1.index(), t2.index())

		_, err = c.ThreadJoin(t1)
		assert.ErrorIs(t, err, ErrInvalidThread)
		assert.ErrorIs(t, c.ThreadDetach(t1), ErrInvalidThread)
		return 0
	}, nil)

	t1 := recv(t, t1ch)
	eventually(t, func() bool { return tk.k.joinWaiters(t1) == -1 }, "exited thread was not freed")
	close(proceed)
	assert.Equal(t, 0, tk.wait(t))
}

func TestMainThreadIsJoinable(t *testing.T) {
	mainCh := make(chan Tid, 1)
	joined := make(chan joinResult, 1)
	release := make(chan struct{})

	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		child, err := c.Exec(func(c *Context, _ []byte) int {
			main := c.ThreadSelf()
			mainCh <- main
			_, err := c.CreateThread(func(c *Context, _ []byte) int {
				v, err := c.ThreadJoin(main)
				joined <- joinResult{v, err}
				return 0
			}, nil)
			assert.NoError(t, err)
			<-release
			c.ThreadExit(8)
			return 0
		}, nil)
		assert.NoError(t, err)

		// The helper thread exits last and takes the process with it.
		_, code, err := c.WaitChild(child)
		assert.NoError(t, err)
		assert.Equal(t, 0, code)
		return 0
	}, nil)

	main := recv(t, mainCh)
	eventually(t, func() bool { return tk.k.joinWaiters(main) == 1 }, "main thread join never blocked")
	close(release)

	res := recv(t, joined)
	assert.NoError(t, res.err)
	assert.Equal(t, 8, res.exitval)
	assert.Equal(t, 0, tk.wait(t))
}

func TestEndedJoinerDropsItsWait(t *testing.T) {
	release := make(chan struct{})
	exitNow := make(chan struct{})
	collect := make(chan struct{})
	targetCh := make(chan Tid, 1)

	tk := startKernel(t, testConfig(), func(c *Context, _ []byte) int {
		child, err := c.Exec(func(c *Context, _ []byte) int {
			target, err := c.CreateThread(blockUntil(release, 0), nil)
			assert.NoError(t, err)
			targetCh <- target

			_, err = c.CreateThread(func(c *Context, _ []byte) int {
				_, _ = c.ThreadJoin(target)
				return 0
			}, nil)
			assert.NoError(t, err)
			<-exitNow
			return 3
		}, nil)
		assert.NoError(t, err)

		<-collect
		_, code, err := c.WaitChild(child)
		assert.NoError(t, err)
		assert.Equal(t, 3, code)
		return 0
	}, nil)

	target := recv(t, targetCh)
	eventually(t, func() bool { return tk.k.joinWaiters(target) == 1 }, "join never blocked")

	// The process exits under the joiner; the target keeps running.
	close(exitNow)
	eventually(t, func() bool { return tk.k.joinWaiters(target) == 0 }, "ended joiner still counted")

	close(release)
	close(collect)
	assert.Equal(t, 0, tk.wait(t))
}
