package executor

import (
	"errors"
	"io/fs"
	"math/rand"
	"testing"

	"github.com/migadu/mailscan/consts"
	"github.com/migadu/mailscan/uring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeRing completes every submitted request at Submit time and hands the
// completions back in random order.
type fakeRing struct {
	entries int
	rng     *rand.Rand
	respond func(req uring.Request) int32
	hold    bool

	queued []pushedReq
	ready  []uring.Completion
	closed bool
}

type pushedReq struct {
	req      uring.Request
	userData uint64
}

func newFakeRing(entries int, respond func(uring.Request) int32) *fakeRing {
	return &fakeRing{entries: entries, rng: rand.New(rand.NewSource(1)), respond: respond}
}

func (r *fakeRing) Push(req uring.Request, userData uint64) bool {
	if len(r.queued) >= r.entries {
		return false
	}
	r.queued = append(r.queued, pushedReq{req: req, userData: userData})
	return true
}

func (r *fakeRing) Submit(wait bool) error {
	if r.hold {
		return nil
	}
	for _, p := range r.queued {
		r.ready = append(r.ready, uring.Completion{UserData: p.userData, Res: r.respond(p.req)})
	}
	r.queued = r.queued[:0]
	r.rng.Shuffle(len(r.ready), func(i, j int) { r.ready[i], r.ready[j] = r.ready[j], r.ready[i] })
	return nil
}

func (r *fakeRing) Completion() (uring.Completion, bool) {
	if len(r.ready) == 0 {
		return uring.Completion{}, false
	}
	c := r.ready[0]
	r.ready = r.ready[1:]
	return c, true
}

func (r *fakeRing) Close() error {
	r.closed = true
	return nil
}

func echoOffset(req uring.Request) int32 {
	return int32(req.Offset)
}

// echoTask issues steps sequential reads whose results the fake ring derives
// from the request offset.
type echoTask struct {
	base  uint64
	steps int
	op    *Operation
	got   []int32
}

func (t *echoTask) Poll(ctx *Context) Status {
	for {
		if t.op == nil {
			if len(t.got) == t.steps {
				return Ready
			}
			t.op = newOperation(uring.Request{Op: uring.OpRead, Fd: 3, Offset: t.base + uint64(len(t.got))})
		}
		res, done, err := t.op.Poll(ctx)
		if !done {
			return Pending
		}
		if err != nil {
			return Ready
		}
		t.got = append(t.got, res)
		t.op = nil
	}
}

func TestExecutorCorrelatesShuffledCompletions(t *testing.T) {
	const window = 4
	ring := newFakeRing(window, echoOffset)
	ex := New(ring, window)

	var tasks []*echoTask
	for i := 0; i < 25; i++ {
		tasks = append(tasks, &echoTask{base: uint64(i * 100), steps: 3})
	}

	queue := append([]*echoTask(nil), tasks...)
	finished := 0
	for len(queue) > 0 || ex.Live() > 0 {
		for len(queue) > 0 {
			status, err := ex.Spawn(queue[0])
			if errors.Is(err, consts.ErrExhausted) {
				break
			}
			require.NoError(t, err)
			require.Equal(t, Pending, status)
			queue = queue[1:]
		}
		require.LessOrEqual(t, ex.Live(), ex.Window())

		res, err := ex.Poll(true)
		require.NoError(t, err)
		require.NotEqual(t, WouldBlock, res)
		if res == Finished {
			finished++
		}
	}

	assert.Equal(t, len(tasks), finished)
	for i, task := range tasks {
		base := int32(i * 100)
		assert.Equal(t, []int32{base, base + 1, base + 2}, task.got, "task %d", i)
	}
	require.NoError(t, ex.Close())
	assert.True(t, ring.closed)
}

func TestExecutorWindowNeverExceeded(t *testing.T) {
	const window = 2
	ex := New(newFakeRing(window, echoOffset), window)

	for i := 0; i < window; i++ {
		_, err := ex.Spawn(&echoTask{steps: 1})
		require.NoError(t, err)
	}
	_, err := ex.Spawn(&echoTask{steps: 1})
	assert.True(t, errors.Is(err, consts.ErrExhausted))
	assert.Equal(t, window, ex.Live())

	res, err := ex.Poll(true)
	require.NoError(t, err)
	assert.Equal(t, Finished, res)

	_, err = ex.Spawn(&echoTask{steps: 1})
	assert.NoError(t, err)
	assert.Equal(t, window, ex.Live())
}

func TestExecutorImmediateTaskNotResident(t *testing.T) {
	ex := New(newFakeRing(2, echoOffset), 2)

	var openErr error
	status, err := ex.Spawn(TaskFunc(func(ctx *Context) Status {
		_, done, err := Open("bad\x00path").Poll(ctx)
		require.True(t, done)
		openErr = err
		return Ready
	}))
	require.NoError(t, err)
	assert.Equal(t, Ready, status)
	assert.Zero(t, ex.Live())

	var pathErr *fs.PathError
	require.ErrorAs(t, openErr, &pathErr)
	assert.Equal(t, "open", pathErr.Op)
}

func TestExecutorPollIdle(t *testing.T) {
	ex := New(newFakeRing(2, echoOffset), 2)

	res, err := ex.Poll(true)
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, res, "blocking poll with no live task must not wait")
}

func TestExecutorNonBlockingPoll(t *testing.T) {
	ring := newFakeRing(2, echoOffset)
	ring.hold = true
	ex := New(ring, 2)

	_, err := ex.Spawn(&echoTask{steps: 1})
	require.NoError(t, err)

	res, err := ex.Poll(false)
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, res)
	assert.Equal(t, 1, ex.Live())

	ring.hold = false
	res, err = ex.Poll(false)
	require.NoError(t, err)
	assert.Equal(t, Finished, res)
}

func TestExecutorErrnoMapping(t *testing.T) {
	ring := newFakeRing(2, func(uring.Request) int32 { return -int32(unix.ENOENT) })
	ex := New(ring, 2)

	var openErr error
	_, err := ex.Spawn(TaskFunc(func() func(*Context) Status {
		op := Open("/no/such/file")
		return func(ctx *Context) Status {
			_, done, err := op.Poll(ctx)
			if !done {
				return Pending
			}
			openErr = err
			return Ready
		}
	}()))
	require.NoError(t, err)

	res, err := ex.Poll(true)
	require.NoError(t, err)
	assert.Equal(t, Finished, res)
	assert.True(t, errors.Is(openErr, fs.ErrNotExist))
	assert.True(t, errors.Is(openErr, unix.ENOENT))
}

func TestExecutorUnknownSlotPanics(t *testing.T) {
	ring := newFakeRing(4, echoOffset)
	ring.hold = true
	ex := New(ring, 4)

	_, err := ex.Spawn(&echoTask{steps: 1})
	require.NoError(t, err)
	ring.ready = append(ring.ready, uring.Completion{UserData: 3})

	assert.PanicsWithValue(t, "executor: completion for slot 3 with no live task", func() {
		ex.Poll(false)
	})
}

func TestExecutorIgnoredCompletionPanics(t *testing.T) {
	ex := New(newFakeRing(2, echoOffset), 2)

	polls := 0
	_, err := ex.Spawn(TaskFunc(func() func(*Context) Status {
		op := newOperation(uring.Request{Op: uring.OpClose, Fd: 3})
		return func(ctx *Context) Status {
			polls++
			if polls == 1 {
				op.Poll(ctx)
				return Pending
			}
			return Ready
		}
	}()))
	require.NoError(t, err)

	assert.Panics(t, func() { ex.Poll(true) })
}

func TestExecutorSuspendWithoutSubmitPanics(t *testing.T) {
	ex := New(newFakeRing(2, echoOffset), 2)

	assert.Panics(t, func() {
		ex.Spawn(TaskFunc(func(*Context) Status { return Pending }))
	})
}

func TestOperationThirdPollPanics(t *testing.T) {
	ring := newFakeRing(2, echoOffset)
	ctx := &Context{ring: ring, slot: 1}
	op := newOperation(uring.Request{Op: uring.OpRead, Fd: 3, Offset: 7})

	_, done, err := op.Poll(ctx)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, ring.Submit(false))
	c, ok := ring.Completion()
	require.True(t, ok)
	assert.Equal(t, uint64(1), c.UserData)

	ctx.result, ctx.ready = c.Res, true
	res, done, err := op.Poll(ctx)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, int32(7), res)

	assert.Panics(t, func() { op.Poll(ctx) })
}

func TestOperationSecondPollWithoutResultPanics(t *testing.T) {
	ctx := &Context{ring: newFakeRing(2, echoOffset)}
	op := newOperation(uring.Request{Op: uring.OpClose, Fd: 3})

	op.Poll(ctx)
	assert.Panics(t, func() { op.Poll(ctx) })
}

func TestExecutorCloseWithLiveTasksLeaks(t *testing.T) {
	ring := newFakeRing(2, echoOffset)
	ring.hold = true
	ex := New(ring, 2)

	_, err := ex.Spawn(&echoTask{steps: 1})
	require.NoError(t, err)

	leakedMu.Lock()
	before := len(leaked)
	leakedMu.Unlock()

	require.NoError(t, ex.Close())
	assert.False(t, ring.closed, "ring with operations in flight stays open")

	leakedMu.Lock()
	assert.Equal(t, before+2, len(leaked))
	leakedMu.Unlock()

	_, err = ex.Spawn(&echoTask{steps: 1})
	assert.Error(t, err)
}

func TestPollResultString(t *testing.T) {
	assert.Equal(t, "would-block", WouldBlock.String())
	assert.Equal(t, "polled", Polled.String())
	assert.Equal(t, "finished", Finished.String())
}
