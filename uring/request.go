// Package uring exposes the submission/completion queue pair the executor
// drives. Ring talks to the kernel io_uring through raw syscalls; SyncRing
// emulates the same queue pair with blocking syscalls for systems where
// io_uring is unavailable or disabled.
package uring

import (
	"fmt"

	"github.com/migadu/mailscan/consts"
)

// Opcode values are the kernel's IORING_OP_* numbers.
type Opcode uint8

const (
	OpOpenAt Opcode = 18
	OpClose  Opcode = 19
	OpRead   Opcode = 22
)

func (o Opcode) String() string {
	switch o {
	case OpOpenAt:
		return "openat"
	case OpClose:
		return "close"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Request describes one submission.
//
// For OpOpenAt, Fd is the directory descriptor (AT_FDCWD for relative
// paths), Path is NUL-terminated, Flags and Mode are passed to openat.
// For OpRead, Buf is the destination and Offset the file position.
// For OpClose only Fd is used.
//
// Path and Buf are handed to the kernel by address. They must stay reachable
// and unmoved until the matching completion has been consumed.
type Request struct {
	Op     Opcode
	Fd     int32
	Path   []byte
	Flags  uint32
	Mode   uint32
	Buf    []byte
	Offset uint64
}

// Completion is one completion queue entry. Res is the syscall result, or a
// negated errno.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func validateEntries(entries uint32) error {
	if entries == 0 || entries&(entries-1) != 0 {
		return fmt.Errorf("%w: got %d", consts.ErrInvalidQueueDepth, entries)
	}
	return nil
}
