//go:build linux

package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/migadu/mailscan/consts"
	"golang.org/x/sys/unix"
)

const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000

	featSingleMmap = 1 << 0
	enterGetEvents = 1 << 0
)

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// params mirrors struct io_uring_params.
type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

// sqe mirrors the 64-byte struct io_uring_sqe.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	_           uint64
}

// cqe mirrors the 16-byte struct io_uring_cqe.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// Ring is a kernel io_uring instance. It is not safe for concurrent use;
// each worker owns its own.
type Ring struct {
	fd int

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []sqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []cqe

	tail     uint32
	toSubmit uint32
	closed   bool
}

// NewRing sets up an io_uring with the given number of submission entries,
// which must be a power of two.
func NewRing(entries uint32) (*Ring, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	var p params
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		switch errno {
		case unix.ENOSYS, unix.EPERM, unix.EACCES:
			return nil, fmt.Errorf("%w: io_uring_setup: %w", consts.ErrRingUnsupported, errno)
		}
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd)}
	if err := r.mmap(&p); err != nil {
		r.unmap()
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmap(p *params) error {
	sqSize := int(p.sqOff.array) + int(p.sqEntries)*4
	cqSize := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(cqe{}))
	single := p.features&featSingleMmap != 0
	if single {
		sqSize = max(sqSize, cqSize)
	}

	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_SHARED | unix.MAP_POPULATE

	var err error
	if r.sqMem, err = unix.Mmap(r.fd, offSQRing, sqSize, prot, flags); err != nil {
		return fmt.Errorf("mmap submission ring: %w", err)
	}
	if single {
		r.cqMem = r.sqMem
	} else if r.cqMem, err = unix.Mmap(r.fd, offCQRing, cqSize, prot, flags); err != nil {
		return fmt.Errorf("mmap completion ring: %w", err)
	}
	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(sqe{}))
	if r.sqeMem, err = unix.Mmap(r.fd, offSQEs, sqeSize, prot, flags); err != nil {
		return fmt.Errorf("mmap submission entries: %w", err)
	}

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqMem[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqMem[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqMem[p.sqOff.ringMask]))
	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqMem[p.sqOff.ringEntries]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqMem[p.sqOff.array])), p.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMem[0])), p.sqEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&r.cqMem[p.cqOff.cqes])), p.cqEntries)

	r.tail = atomic.LoadUint32(r.sqTail)
	return nil
}

func (r *Ring) unmap() {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqMem != nil && (r.sqMem == nil || &r.cqMem[0] != &r.sqMem[0]) {
		unix.Munmap(r.cqMem)
	}
	r.cqMem = nil
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
		r.sqMem = nil
	}
}

// Entries returns the submission queue size granted by the kernel.
func (r *Ring) Entries() uint32 {
	return r.sqEntries
}

// Push queues req tagged with userData. It returns false when the
// submission queue is full; call Submit and try again.
func (r *Ring) Push(req Request, userData uint64) bool {
	if r.closed {
		return false
	}
	head := atomic.LoadUint32(r.sqHead)
	if r.tail-head >= r.sqEntries {
		return false
	}

	idx := r.tail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{opcode: uint8(req.Op), fd: req.Fd, userData: userData}

	switch req.Op {
	case OpOpenAt:
		if len(req.Path) > 0 {
			e.addr = uint64(uintptr(unsafe.Pointer(&req.Path[0])))
		}
		e.len = req.Mode
		e.opFlags = req.Flags
	case OpRead:
		if len(req.Buf) > 0 {
			e.addr = uint64(uintptr(unsafe.Pointer(&req.Buf[0])))
		}
		e.len = uint32(len(req.Buf))
		e.off = req.Offset
	}

	r.sqArray[idx] = idx
	r.tail++
	atomic.StoreUint32(r.sqTail, r.tail)
	r.toSubmit++
	return true
}

// Submit hands queued entries to the kernel. With wait it also blocks until
// at least one completion is available, unless one already is.
func (r *Ring) Submit(wait bool) error {
	if r.closed {
		return consts.ErrRingClosed
	}

	var flags, minComplete uint32
	if wait && !r.hasCompletion() {
		flags |= enterGetEvents
		minComplete = 1
	}
	if r.toSubmit == 0 && minComplete == 0 {
		return nil
	}

	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd),
			uintptr(r.toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return fmt.Errorf("io_uring_enter: %w", errno)
		}
		r.toSubmit -= uint32(n)
		return nil
	}
}

func (r *Ring) hasCompletion() bool {
	return atomic.LoadUint32(r.cqHead) != atomic.LoadUint32(r.cqTail)
}

// Completion pops one entry off the completion queue.
func (r *Ring) Completion() (Completion, bool) {
	if r.closed {
		return Completion{}, false
	}
	head := atomic.LoadUint32(r.cqHead)
	if head == atomic.LoadUint32(r.cqTail) {
		return Completion{}, false
	}
	c := r.cqes[head&r.cqMask]
	atomic.StoreUint32(r.cqHead, head+1)
	return Completion{UserData: c.userData, Res: c.res, Flags: c.flags}, true
}

// Close unmaps the rings and closes the io_uring descriptor. It must not be
// called while requests are in flight.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.unmap()
	if err := unix.Close(r.fd); err != nil {
		return fmt.Errorf("close io_uring: %w", err)
	}
	return nil
}
