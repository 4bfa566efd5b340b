package coordinator

import "sync"

// recentSet is a bounded FIFO set. The oldest entry is evicted when full.
type recentSet struct {
	mu   sync.Mutex
	max  int
	gen  uint64
	ids  map[string]uint64 // id -> generation of its live ring slot
	ring []slot
	next int
}

type slot struct {
	id  string
	gen uint64
}

func newRecentSet(max int) *recentSet {
	return &recentSet{max: max, ids: make(map[string]uint64, max)}
}

// Add inserts id and reports whether it was absent.
func (s *recentSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.gen++
	e := slot{id: id, gen: s.gen}
	if len(s.ring) < s.max {
		s.ring = append(s.ring, e)
	} else {
		old := s.ring[s.next]
		// a removed and re-added id owns a newer slot
		if g, ok := s.ids[old.id]; ok && g == old.gen {
			delete(s.ids, old.id)
		}
		s.ring[s.next] = e
		s.next = (s.next + 1) % s.max
	}
	s.ids[id] = e.gen
	return true
}

// Remove forgets id.
func (s *recentSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *recentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
