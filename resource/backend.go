package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("handle table closed")
	ErrFull   = errors.New("handle table full")
	ErrPinned = errors.New("handle is pinned")
)

// store is a slot array with a free list. Handles encode the slot index
// and are reused after a drop.
type store struct {
	entries  []entry
	freeList []Handle
	limit    int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value any
	kind  Kind
	pins  uint32
	valid bool
}

func newStore(limit int) *store {
	return &store{
		entries:  make([]entry, 0, 16),
		freeList: make([]Handle, 0, 8),
		limit:    limit,
	}
}

func (s *store) create(kind Kind, value any) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	e := entry{kind: kind, value: value, valid: true}
	if n := len(s.freeList); n > 0 {
		h := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.entries[h-1] = e
		return h, nil
	}
	if s.limit > 0 && len(s.entries) >= s.limit {
		return 0, ErrFull
	}
	s.entries = append(s.entries, e)
	return Handle(len(s.entries)), nil
}

// lookup returns the live entry for h. Callers hold the lock.
func (s *store) lookup(h Handle) *entry {
	if h == 0 || int(h) > len(s.entries) {
		return nil
	}
	e := &s.entries[h-1]
	if !e.valid {
		return nil
	}
	return e
}

func (s *store) get(h Handle) (any, Kind, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.lookup(h)
	if e == nil {
		return nil, 0, false
	}
	return e.value, e.kind, true
}

func (s *store) drop(h Handle) (any, Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(h)
	if e == nil {
		return nil, 0, nil
	}
	if e.pins > 0 {
		return nil, 0, ErrPinned
	}
	value, kind := e.value, e.kind
	*e = entry{}
	s.freeList = append(s.freeList, h)
	return value, kind, nil
}

func (s *store) pin(h Handle, delta int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(h)
	if e == nil {
		return false
	}
	if delta < 0 {
		if e.pins == 0 {
			return false
		}
		e.pins--
		return true
	}
	e.pins++
	return true
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries) - len(s.freeList)
}

func (s *store) each(fn func(Handle, Kind, any) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, e := range s.entries {
		if e.valid && !fn(Handle(i+1), e.kind, e.value) {
			return
		}
	}
}

// close invalidates every entry and returns the values that were live.
func (s *store) close() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var live []any
	for _, e := range s.entries {
		if e.valid {
			live = append(live, e.value)
		}
	}
	s.entries = nil
	s.freeList = nil
	return live
}
