package executor

import (
	"fmt"
	"runtime"

	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/uring"
	"golang.org/x/sys/unix"
)

type opState uint8

const (
	opInactive opState = iota
	opSubmitted
	opCompleted
)

// Operation is one ring request awaited by a task. It is polled exactly
// twice: the first poll submits the request tagged with the task's slot id
// and reports not done; the second poll, made after the executor has matched
// the completion to the task, returns the result. Polling a completed
// operation panics.
//
// The request's buffers are pinned from submission until the result is
// consumed. An operation abandoned while submitted keeps them pinned.
type Operation struct {
	req    uring.Request
	state  opState
	err    error
	pinner runtime.Pinner
}

func newOperation(req uring.Request) *Operation {
	return &Operation{req: req}
}

// failedOperation completes on its first poll with err and never reaches
// the ring.
func failedOperation(err error) *Operation {
	return &Operation{err: err}
}

// Poll advances the operation. done is false while the request is in
// flight. A negative kernel result is returned as a unix.Errno.
func (op *Operation) Poll(ctx *Context) (res int32, done bool, err error) {
	switch op.state {
	case opInactive:
		if op.err != nil {
			op.state = opCompleted
			return 0, true, op.err
		}
		op.submit(ctx)
		return 0, false, nil

	case opSubmitted:
		res, ok := ctx.take()
		if !ok {
			panic(fmt.Sprintf("executor: %s operation in slot %d polled before its completion", op.req.Op, ctx.slot))
		}
		op.state = opCompleted
		op.pinner.Unpin()
		op.req = uring.Request{}
		if res < 0 {
			return res, true, unix.Errno(-res)
		}
		return res, true, nil

	default:
		panic(fmt.Sprintf("executor: completed operation polled again in slot %d", ctx.slot))
	}
}

func (op *Operation) submit(ctx *Context) {
	if len(op.req.Path) > 0 {
		op.pinner.Pin(&op.req.Path[0])
	}
	if len(op.req.Buf) > 0 {
		op.pinner.Pin(&op.req.Buf[0])
	}

	userData := uint64(ctx.slot)
	if !ctx.ring.Push(op.req, userData) {
		// Queue is full of earlier pushes from this poll cycle; flush and retry.
		if err := ctx.ring.Submit(false); err != nil {
			panic(fmt.Sprintf("executor: flushing submission queue: %v", err))
		}
		if !ctx.ring.Push(op.req, userData) {
			panic("executor: submission queue full after flush")
		}
	}

	op.state = opSubmitted
	ctx.submitted = true
	metrics.RingSubmissionsTotal.WithLabelValues(op.req.Op.String()).Inc()
}
