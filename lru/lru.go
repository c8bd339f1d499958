// Package lru tracks the least recently used item in a keyed collection.
// Unlike a regular LRU cache there is no key/value distinction: the index
// only stores handles and answers "which one is oldest".
package lru

import "github.com/google/btree"

type entry[V comparable] struct {
	seq int64
	v   V
}

// Index is a sequence-numbered LRU index. Insertion, refresh and removal are
// O(log n); popping the oldest element is O(log n) as well.
//
// Not safe for concurrent use; callers hold their own lock.
type Index[V comparable] struct {
	current int64
	seq     map[V]int64
	tree    *btree.BTreeG[entry[V]]
}

func New[V comparable]() *Index[V] {
	return &Index[V]{
		seq: make(map[V]int64),
		tree: btree.NewG[entry[V]](8, func(a, b entry[V]) bool {
			return a.seq < b.seq
		}),
	}
}

func (x *Index[V]) put(v V, oldest bool) {
	if old, ok := x.seq[v]; ok {
		x.tree.Delete(entry[V]{seq: old})
	}
	seq := x.current
	if oldest {
		seq = -seq
	}
	x.current++
	x.seq[v] = seq
	x.tree.ReplaceOrInsert(entry[V]{seq: seq, v: v})
}

// Put inserts v as the most recently used element, or refreshes it if
// already present.
func (x *Index[V]) Put(v V) { x.put(v, false) }

// PutOldest inserts or refreshes v as the least recently used element, so
// the next PopOldest returns it first.
func (x *Index[V]) PutOldest(v V) { x.put(v, true) }

// Remove deletes v from the index if present. Reports whether it was there.
func (x *Index[V]) Remove(v V) bool {
	seq, ok := x.seq[v]
	if !ok {
		return false
	}
	x.tree.Delete(entry[V]{seq: seq})
	delete(x.seq, v)
	return true
}

// Contains reports whether v is in the index.
func (x *Index[V]) Contains(v V) bool {
	_, ok := x.seq[v]
	return ok
}

// PopOldest removes and returns the least recently used element.
func (x *Index[V]) PopOldest() (V, bool) {
	e, ok := x.tree.DeleteMin()
	if !ok {
		var zero V
		return zero, false
	}
	delete(x.seq, e.v)
	return e.v, true
}

// Len returns the number of tracked elements.
func (x *Index[V]) Len() int { return len(x.seq) }
