package pool

import (
	"sync"
	"sync/atomic"
)

// connSet is a copy-on-write, snapshot-safe container of connections. Reads
// (snapshot, len) never block and never observe a torn state; every
// mutation builds a new backing slice and swaps it in — a plain
// mutex-guarded slice would force borrow's scan to hold a lock for the
// duration of iteration.
type connSet struct {
	mu  sync.Mutex // serializes writers; readers never take it
	val atomic.Value
}

func newConnSet() *connSet {
	s := &connSet{}
	s.val.Store([]Connection{})
	return s
}

// snapshot returns the current backing slice. Callers must not mutate it.
func (s *connSet) snapshot() []Connection {
	return s.val.Load().([]Connection)
}

func (s *connSet) len() int {
	return len(s.snapshot())
}

// add appends c to the set.
func (s *connSet) add(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	next := make([]Connection, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, c)
	s.val.Store(next)
}

// remove removes c from the set. Returns false if c was not present.
func (s *connSet) remove(c Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot()
	idx := -1
	for i, x := range cur {
		if x == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	next := make([]Connection, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	s.val.Store(next)
	return true
}

// moveConn removes c from src and then adds it to dst, returning false (and
// adding nothing) if c was not in src. The two steps each take only their
// own set's lock, one after the other, so no lock is held across both sets;
// a concurrent reader may briefly see c in neither set, never in both.
func moveConn(src, dst *connSet, c Connection) bool {
	if !src.remove(c) {
		return false
	}
	dst.add(c)
	return true
}
