package executor

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/migadu/mailscan/consts"
)

// SlotID identifies a slab slot. The executor uses it as the correlation id
// of every request the slot's task submits.
type SlotID uint32

const noSlot uint32 = math.MaxUint32

type slot[T any] struct {
	value T
	next  atomic.Uint32
	live  atomic.Bool
}

// Slab is a fixed-capacity slot allocator. Free slots form a singly-linked
// list threaded through the slots themselves. The list head packs the first
// free index with a generation tag that changes on every update, so a
// compare-and-swap cannot succeed against a head that was popped and pushed
// back in between.
//
// Allocate and Free are safe for concurrent use. The stored values are not:
// only the goroutine that allocated a slot may touch its value.
type Slab[T any] struct {
	slots []slot[T]
	head  atomic.Uint64
	live  atomic.Int64
}

func packHead(idx uint32, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(idx)
}

func unpackHead(h uint64) (idx uint32, tag uint32) {
	return uint32(h), uint32(h >> 32)
}

// NewSlab creates a slab with room for capacity live values.
func NewSlab[T any](capacity int) *Slab[T] {
	if capacity <= 0 || uint64(capacity) >= uint64(noSlot) {
		panic(fmt.Sprintf("executor: invalid slab capacity %d", capacity))
	}
	s := &Slab[T]{slots: make([]slot[T], capacity)}
	for i := range s.slots {
		next := uint32(i + 1)
		if i == capacity-1 {
			next = noSlot
		}
		s.slots[i].next.Store(next)
	}
	s.head.Store(packHead(0, 0))
	return s
}

// Allocate pops a free slot. It returns consts.ErrExhausted when every slot
// is live.
func (s *Slab[T]) Allocate() (SlotID, error) {
	for {
		old := s.head.Load()
		idx, tag := unpackHead(old)
		if idx == noSlot {
			return 0, consts.ErrExhausted
		}
		next := s.slots[idx].next.Load()
		if s.head.CompareAndSwap(old, packHead(next, tag+1)) {
			s.slots[idx].live.Store(true)
			s.live.Add(1)
			return SlotID(idx), nil
		}
	}
}

// Free zeroes the slot's value and returns it to the free list. Freeing a
// slot that is not live panics.
func (s *Slab[T]) Free(id SlotID) {
	if int(id) >= len(s.slots) {
		panic(fmt.Sprintf("executor: free of out-of-range slot %d (capacity %d)", id, len(s.slots)))
	}
	sl := &s.slots[id]
	if !sl.live.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("executor: slot %d freed twice", id))
	}
	var zero T
	sl.value = zero
	s.live.Add(-1)

	for {
		old := s.head.Load()
		idx, tag := unpackHead(old)
		sl.next.Store(idx)
		if s.head.CompareAndSwap(old, packHead(uint32(id), tag+1)) {
			return
		}
	}
}

// Get returns the slot's value and whether the slot is live.
func (s *Slab[T]) Get(id SlotID) (*T, bool) {
	if int(id) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[id]
	return &sl.value, sl.live.Load()
}

// Range calls fn for every live slot until fn returns false.
func (s *Slab[T]) Range(fn func(SlotID, *T) bool) {
	for i := range s.slots {
		if s.slots[i].live.Load() && !fn(SlotID(i), &s.slots[i].value) {
			return
		}
	}
}

func (s *Slab[T]) Live() int {
	return int(s.live.Load())
}

func (s *Slab[T]) Cap() int {
	return len(s.slots)
}
