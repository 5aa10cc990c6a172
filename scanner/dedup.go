package scanner

import (
	"sync"

	"lukechampine.com/blake3"
)

// dedupSet remembers the BLAKE3 digests of header blocks already counted.
// It is shared by all workers.
type dedupSet struct {
	seen sync.Map
}

// first reports whether header has not been seen before, and records it.
func (d *dedupSet) first(header []byte) bool {
	sum := blake3.Sum256(header)
	_, loaded := d.seen.LoadOrStore(sum, struct{}{})
	return !loaded
}
