package answer

import "sync"

// ChangeFunc is called after an item's answer changes.
type ChangeFunc func(itemID string, a Answer)

// Store is the in-memory answer map of one attempt. Writes are
// last-write-wins per item. Listeners run synchronously after the write,
// outside the store lock.
type Store struct {
	mu        sync.RWMutex
	answers   map[string]Answer
	listeners map[int]ChangeFunc
	nextID    int
	frozen    bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		answers:   make(map[string]Answer),
		listeners: make(map[int]ChangeFunc),
	}
}

// Set overwrites the answer for itemID. It returns false once the store is frozen.
func (s *Store) Set(itemID string, a Answer) bool {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return false
	}
	s.answers[itemID] = a
	fns := make([]ChangeFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(itemID, a)
	}
	return true
}

// Get returns the answer for itemID, if any.
func (s *Store) Get(itemID string) (Answer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.answers[itemID]
	return a, ok
}

// Has reports whether itemID has an answer.
func (s *Store) Has(itemID string) bool {
	_, ok := s.Get(itemID)
	return ok
}

// Len returns the number of answered items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.answers)
}

// Snapshot returns a copy of all answers.
func (s *Store) Snapshot() map[string]Answer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Answer, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Subscribe registers fn for change notifications. The returned func removes it.
func (s *Store) Subscribe(fn ChangeFunc) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Freeze rejects all further writes.
func (s *Store) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}
