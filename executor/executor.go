// Package executor runs per-file tasks cooperatively on a single goroutine,
// suspending them at ring operations and resuming each when the ring reports
// the completion tagged with its slot id.
//
// An Executor is owned by one goroutine. Tasks are explicit state machines
// that receive the execution Context on every poll; the executor polls them
// only when they can make progress, so no wake-up mechanism exists.
package executor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/uring"
)

// Ring is the submission/completion queue pair an Executor drives. It is
// satisfied by *uring.Ring and *uring.SyncRing.
type Ring interface {
	Push(req uring.Request, userData uint64) bool
	Submit(wait bool) error
	Completion() (uring.Completion, bool)
	Close() error
}

// Status is the outcome of polling a task.
type Status uint8

const (
	Pending Status = iota
	Ready
)

// Task is a resumable computation. Poll runs until the task either finishes
// (Ready) or suspends on an Operation it has just submitted (Pending).
type Task interface {
	Poll(ctx *Context) Status
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx *Context) Status

func (f TaskFunc) Poll(ctx *Context) Status { return f(ctx) }

// PollResult reports what Executor.Poll did.
type PollResult uint8

const (
	// WouldBlock: no completion was available; no task ran.
	WouldBlock PollResult = iota
	// Polled: a task was resumed and suspended again.
	Polled
	// Finished: a task was resumed and completed; its slot is free.
	Finished
)

func (r PollResult) String() string {
	switch r {
	case WouldBlock:
		return "would-block"
	case Polled:
		return "polled"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("PollResult(%d)", uint8(r))
	}
}

// Context is the execution context threaded through every task poll. It
// carries the ring, the slot id of the running task and the completion
// result waiting to be consumed by the task's Operation.
type Context struct {
	ring      Ring
	slot      SlotID
	result    int32
	ready     bool
	submitted bool
}

// Slot returns the slot id of the task being polled.
func (c *Context) Slot() SlotID {
	return c.slot
}

func (c *Context) take() (int32, bool) {
	if !c.ready {
		return 0, false
	}
	c.ready = false
	return c.result, true
}

// Executor owns one ring and one slab of tasks.
type Executor struct {
	ring   Ring
	slab   *Slab[Task]
	ctx    Context
	closed bool
}

// leaked holds tasks and rings abandoned with operations in flight. Their
// buffers stay pinned and reachable for the life of the process.
var (
	leakedMu sync.Mutex
	leaked   []any
)

// New creates an executor keeping at most window tasks resident. The ring's
// submission queue should hold at least window entries.
func New(ring Ring, window int) *Executor {
	return &Executor{
		ring: ring,
		slab: NewSlab[Task](window),
		ctx:  Context{ring: ring},
	}
}

// Spawn stores t in a free slot and polls it once. A task that is Ready on
// its first poll is released immediately. consts.ErrExhausted means the
// window is full; keep t and retry after the next Poll.
func (e *Executor) Spawn(t Task) (Status, error) {
	if e.closed {
		return Ready, errors.New("executor: spawn on closed executor")
	}
	id, err := e.slab.Allocate()
	if err != nil {
		metrics.SpawnExhaustedTotal.Inc()
		return Pending, err
	}
	slot, _ := e.slab.Get(id)
	*slot = t

	if e.run(id, t) == Ready {
		e.slab.Free(id)
		return Ready, nil
	}
	metrics.TasksInFlight.Inc()
	return Pending, nil
}

// Poll flushes pending submissions and resumes the task owning the next
// completion. Without blocking it returns WouldBlock when no completion is
// ready; with blocking it waits for one. Either way it returns WouldBlock
// when no task is live.
func (e *Executor) Poll(blocking bool) (PollResult, error) {
	if e.slab.Live() == 0 {
		return WouldBlock, nil
	}

	var c uring.Completion
	for {
		if err := e.ring.Submit(blocking); err != nil {
			return WouldBlock, fmt.Errorf("executor: submit: %w", err)
		}
		var ok bool
		if c, ok = e.ring.Completion(); ok {
			break
		}
		if !blocking {
			return WouldBlock, nil
		}
	}

	id := SlotID(c.UserData)
	if uint64(id) != c.UserData {
		panic(fmt.Sprintf("executor: completion tag %#x is not a slot id", c.UserData))
	}
	t, live := e.slab.Get(id)
	if !live || *t == nil {
		panic(fmt.Sprintf("executor: completion for slot %d with no live task", id))
	}

	result := "ok"
	if c.Res < 0 {
		result = "error"
	}
	metrics.RingCompletionsTotal.WithLabelValues(result).Inc()

	e.ctx.result = c.Res
	e.ctx.ready = true
	if e.run(id, *t) == Ready {
		e.slab.Free(id)
		metrics.TasksInFlight.Dec()
		return Finished, nil
	}
	return Polled, nil
}

func (e *Executor) run(id SlotID, t Task) Status {
	e.ctx.slot = id
	e.ctx.submitted = false

	status := t.Poll(&e.ctx)

	if e.ctx.ready {
		panic(fmt.Sprintf("executor: task in slot %d ignored its completion", id))
	}
	if status == Pending && !e.ctx.submitted {
		panic(fmt.Sprintf("executor: task in slot %d suspended without submitting an operation", id))
	}
	return status
}

// Live returns the number of resident tasks.
func (e *Executor) Live() int {
	return e.slab.Live()
}

// Window returns the maximum number of resident tasks.
func (e *Executor) Window() int {
	return e.slab.Cap()
}

// Close releases the ring. If tasks are still resident their operations may
// be in flight, so the tasks and the ring are leaked instead: the kernel may
// still write into their buffers.
func (e *Executor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if live := e.slab.Live(); live > 0 {
		logger.Warn("Executor: closing with tasks in flight, leaking their buffers and the ring", "tasks", live)
		leakedMu.Lock()
		e.slab.Range(func(_ SlotID, t *Task) bool {
			leaked = append(leaked, *t)
			return true
		})
		leaked = append(leaked, e.ring)
		leakedMu.Unlock()
		metrics.TasksInFlight.Sub(float64(live))
		return nil
	}
	return e.ring.Close()
}
