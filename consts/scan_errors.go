package consts

import "errors"

var (
	// ErrExhausted signals that a task slab has no free slot. It is flow
	// control, not a failure: the caller queues the work and retries after
	// the next poll.
	ErrExhausted = errors.New("task slab exhausted")

	ErrRingUnsupported   = errors.New("io_uring is not supported on this system")
	ErrInvalidQueueDepth = errors.New("queue depth must be a power of two")
	ErrRingClosed        = errors.New("ring closed")

	ErrHeaderTooLarge = errors.New("header block exceeds size limit")
	ErrMalformedField = errors.New("malformed header field")
)
