// Package ids hands out monotonic 64-bit identifiers.
package ids

import "sync/atomic"

// Sequence is a lock-free monotonic ID source. The zero value is ready to use
// and yields 1 on its first Next call; 0 is never issued.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose next ID is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Observe advances the sequence past id so that a later Next never returns
// an ID that was assigned externally.
func (s *Sequence) Observe(id uint64) {
	for {
		cur := s.last.Load()
		if id <= cur {
			return
		}
		if s.last.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Last reports the most recent ID issued or observed.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
