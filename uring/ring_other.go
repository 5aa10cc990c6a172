//go:build !linux

package uring

import (
	"fmt"

	"github.com/migadu/mailscan/consts"
)

// Ring is unavailable outside Linux; NewRing always fails.
type Ring struct{}

func NewRing(entries uint32) (*Ring, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: not linux", consts.ErrRingUnsupported)
}

func (r *Ring) Entries() uint32                        { return 0 }
func (r *Ring) Push(req Request, userData uint64) bool { return false }
func (r *Ring) Submit(wait bool) error                 { return consts.ErrRingUnsupported }
func (r *Ring) Completion() (Completion, bool)         { return Completion{}, false }
func (r *Ring) Close() error                           { return nil }
