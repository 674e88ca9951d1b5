package session

import "github.com/sarwaaaar/pwn0gotchi/pkg/envelope"

// DefaultSeenCapacity bounds the number of inbound ids remembered per session.
const DefaultSeenCapacity = 1000

// SeenSet is a bounded set of inbound envelope ids. Once full, adding a new
// id evicts the oldest one.
type SeenSet struct {
	ring []envelope.ID
	next int
	full bool
	set  map[envelope.ID]struct{}
}

// NewSeenSet returns an empty set holding at most capacity ids.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSet{
		ring: make([]envelope.ID, capacity),
		set:  make(map[envelope.ID]struct{}, capacity),
	}
}

// Add records id and reports whether it was new.
func (s *SeenSet) Add(id envelope.ID) bool {
	if _, ok := s.set[id]; ok {
		return false
	}
	if s.full {
		delete(s.set, s.ring[s.next])
	}
	s.ring[s.next] = id
	s.set[id] = struct{}{}
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
	return true
}

// Contains reports whether id is in the set.
func (s *SeenSet) Contains(id envelope.ID) bool {
	_, ok := s.set[id]
	return ok
}

// Len returns the number of ids held.
func (s *SeenSet) Len() int { return len(s.set) }

// Cap returns the capacity.
func (s *SeenSet) Cap() int { return len(s.ring) }

// Reset forgets every id.
func (s *SeenSet) Reset() {
	clear(s.ring)
	clear(s.set)
	s.next = 0
	s.full = false
}
