package uring

import (
	"errors"

	"github.com/migadu/mailscan/consts"
	"golang.org/x/sys/unix"
)

// SyncRing has the method set of Ring but performs each request with a
// blocking syscall when Submit is called. Completions are delivered in
// submission order.
type SyncRing struct {
	entries int
	queued  []syncEntry
	done    []Completion
	closed  bool
}

type syncEntry struct {
	req      Request
	userData uint64
}

// NewSyncRing creates an emulated ring with the given submission capacity,
// which must be a power of two.
func NewSyncRing(entries uint32) (*SyncRing, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	return &SyncRing{
		entries: int(entries),
		queued:  make([]syncEntry, 0, entries),
	}, nil
}

func (r *SyncRing) Entries() uint32 {
	return uint32(r.entries)
}

func (r *SyncRing) Push(req Request, userData uint64) bool {
	if r.closed || len(r.queued) >= r.entries {
		return false
	}
	r.queued = append(r.queued, syncEntry{req: req, userData: userData})
	return true
}

// Submit executes every queued request. wait is ignored: after Submit any
// previously queued request has a completion.
func (r *SyncRing) Submit(wait bool) error {
	if r.closed {
		return consts.ErrRingClosed
	}
	for i := range r.queued {
		e := &r.queued[i]
		r.done = append(r.done, Completion{UserData: e.userData, Res: execute(&e.req)})
		*e = syncEntry{}
	}
	r.queued = r.queued[:0]
	return nil
}

func (r *SyncRing) Completion() (Completion, bool) {
	if len(r.done) == 0 {
		return Completion{}, false
	}
	c := r.done[0]
	r.done = r.done[1:]
	if len(r.done) == 0 {
		r.done = nil
	}
	return c, true
}

func (r *SyncRing) Close() error {
	r.closed = true
	r.queued = nil
	r.done = nil
	return nil
}

func execute(req *Request) int32 {
	switch req.Op {
	case OpOpenAt:
		fd, err := unix.Openat(int(req.Fd), unix.ByteSliceToString(req.Path), int(req.Flags), req.Mode)
		if err != nil {
			return errnoResult(err)
		}
		return int32(fd)
	case OpRead:
		for {
			n, err := unix.Pread(int(req.Fd), req.Buf, int64(req.Offset))
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return errnoResult(err)
			}
			return int32(n)
		}
	case OpClose:
		if err := unix.Close(int(req.Fd)); err != nil {
			return errnoResult(err)
		}
		return 0
	default:
		return -int32(unix.EINVAL)
	}
}

func errnoResult(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
