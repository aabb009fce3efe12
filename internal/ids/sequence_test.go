package ids

import (
	"sync"
	"testing"
)

func TestSequenceNextStartsAtOne(t *testing.T) {
	var s Sequence
	if got := s.Next(); got != 1 {
		t.Fatalf("first id=%d want=1", got)
	}
	if got := s.Next(); got != 2 {
		t.Fatalf("second id=%d want=2", got)
	}
}

func TestSequenceObserveAdvancesPastExternalIDs(t *testing.T) {
	s := NewSequence(0)
	s.Observe(41)
	if got := s.Next(); got != 42 {
		t.Fatalf("next after observe=%d want=42", got)
	}
	s.Observe(10)
	if got := s.Next(); got != 43 {
		t.Fatalf("observe of smaller id must not rewind, got %d", got)
	}
}

func TestSequenceConcurrentNextIsUnique(t *testing.T) {
	var s Sequence
	const workers, perWorker = 8, 500
	seen := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seen <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{}, workers*perWorker)
	for id := range seen {
		if _, dup := unique[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		unique[id] = struct{}{}
	}
	if s.Last() != workers*perWorker {
		t.Fatalf("last=%d want=%d", s.Last(), workers*perWorker)
	}
}
