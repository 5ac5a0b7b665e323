package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type item struct {
	ID    string
	Value int
}

func newItemStore() *MemoryStore[item] {
	return NewMemoryStore(func(i *item) string { return i.ID })
}

func ids(items []*item) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.ID)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	s := newItemStore()

	t.Run("Put and Get", func(t *testing.T) {
		s.Put(&item{ID: "a", Value: 1})
		s.Put(&item{ID: "b", Value: 2})
		s.Put(&item{ID: "c", Value: 3})

		got, ok := s.Get("b")
		require.True(t, ok)
		assert.Equal(t, 2, got.Value)
		assert.Equal(t, 3, s.Len())
	})

	t.Run("Replace keeps position", func(t *testing.T) {
		s.Put(&item{ID: "a", Value: 10})
		assert.Equal(t, []string{"a", "b", "c"}, ids(s.List()))

		got, _ := s.Get("a")
		assert.Equal(t, 10, got.Value)
	})

	t.Run("Delete", func(t *testing.T) {
		assert.True(t, s.Delete("b"))
		assert.False(t, s.Delete("b"))

		_, ok := s.Get("b")
		assert.False(t, ok)
		assert.Equal(t, []string{"a", "c"}, ids(s.List()))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("Compaction preserves order", func(t *testing.T) {
		s.Put(&item{ID: "d"})
		s.Put(&item{ID: "e"})
		s.Delete("a")
		s.Delete("c")
		s.Delete("d")

		assert.Equal(t, []string{"e"}, ids(s.List()))
		got, ok := s.Get("e")
		require.True(t, ok)
		assert.Equal(t, "e", got.ID)

		s.Put(&item{ID: "f"})
		assert.Equal(t, []string{"e", "f"}, ids(s.List()))
	})
}

func TestMemoryStoreMatchesReferenceModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := newItemStore()
		var order []string
		present := make(map[string]bool)

		ops := rapid.SliceOfN(rapid.IntRange(0, 9), 1, 200).Draw(t, "ops")
		for n, op := range ops {
			id := string(rune('a' + op))
			if n%3 == 2 {
				deleted := s.Delete(id)
				if deleted != present[id] {
					t.Fatalf("delete %s returned %v, want %v", id, deleted, present[id])
				}
				if present[id] {
					delete(present, id)
					for i, o := range order {
						if o == id {
							order = append(order[:i], order[i+1:]...)
							break
						}
					}
				}
				continue
			}
			s.Put(&item{ID: id})
			if !present[id] {
				present[id] = true
				order = append(order, id)
			}
		}

		got := ids(s.List())
		if len(got) != len(order) {
			t.Fatalf("list has %d items, want %d", len(got), len(order))
		}
		for i := range order {
			if got[i] != order[i] {
				t.Fatalf("list order %v, want %v", got, order)
			}
		}
		if s.Len() != len(order) {
			t.Fatalf("len %d, want %d", s.Len(), len(order))
		}
	})
}
