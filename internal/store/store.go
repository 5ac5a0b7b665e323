// Package store provides id-indexed storage for the control plane tables.
package store

// Store holds items keyed by id and lists them in insertion order.
// Implementations are not required to be safe for concurrent use; the owning
// component serializes access under its own lock.
type Store[T any] interface {
	// Put inserts or replaces the item with the same id
	Put(item *T)

	// Get returns the item for id
	Get(id string) (*T, bool)

	// Delete removes the item for id and reports whether it existed
	Delete(id string) bool

	// List returns all items in insertion order
	List() []*T

	// Len returns the number of stored items
	Len() int
}

// MemoryStore is an arena of slots plus an id index. Deleted slots are
// tombstoned and compacted once they outnumber live items, which keeps
// listing order stable across deletes.
type MemoryStore[T any] struct {
	idOf  func(*T) string
	slots []*T
	index map[string]int
	dead  int
}

// NewMemoryStore creates an empty store. idOf extracts the key of an item.
func NewMemoryStore[T any](idOf func(*T) string) *MemoryStore[T] {
	return &MemoryStore[T]{
		idOf:  idOf,
		index: make(map[string]int),
	}
}

// Put implements Store.Put
func (s *MemoryStore[T]) Put(item *T) {
	id := s.idOf(item)
	if i, ok := s.index[id]; ok {
		s.slots[i] = item
		return
	}
	s.index[id] = len(s.slots)
	s.slots = append(s.slots, item)
}

// Get implements Store.Get
func (s *MemoryStore[T]) Get(id string) (*T, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.slots[i], true
}

// Delete implements Store.Delete
func (s *MemoryStore[T]) Delete(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.slots[i] = nil
	delete(s.index, id)
	s.dead++
	if s.dead > len(s.index) {
		s.compact()
	}
	return true
}

// List implements Store.List
func (s *MemoryStore[T]) List() []*T {
	out := make([]*T, 0, len(s.index))
	for _, item := range s.slots {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

// Len implements Store.Len
func (s *MemoryStore[T]) Len() int {
	return len(s.index)
}

func (s *MemoryStore[T]) compact() {
	live := make([]*T, 0, len(s.index))
	for _, item := range s.slots {
		if item != nil {
			s.index[s.idOf(item)] = len(live)
			live = append(live, item)
		}
	}
	s.slots = live
	s.dead = 0
}
