package thumbcache

import (
	"sort"

	"github.com/wudi/pagedeck/pages"
)

// Viewport tracks the bounded set of hot indices. Eviction removes the hot
// index farthest from the most recently touched one; on a tie the lower
// index goes first. A capacity of zero disables eviction entirely.
//
// Viewport belongs to the edit context and is not safe for concurrent use.
type Viewport struct {
	capacity int
	hot      map[int]struct{}
	last     int
	hasLast  bool
}

func NewViewport(capacity int) *Viewport {
	if capacity < 0 {
		capacity = 0
	}
	return &Viewport{capacity: capacity, hot: make(map[int]struct{})}
}

func (v *Viewport) Capacity() int { return v.capacity }

func (v *Viewport) Len() int { return len(v.hot) }

func (v *Viewport) Contains(index int) bool {
	_, ok := v.hot[index]
	return ok
}

// Last returns the most recently touched index.
func (v *Viewport) Last() (int, bool) { return v.last, v.hasLast }

// Hot returns the hot indices in ascending order.
func (v *Viewport) Hot() []int {
	out := make([]int, 0, len(v.hot))
	for i := range v.hot {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Touch marks index hot and returns the indices evicted to stay within
// capacity. The touched index itself is never evicted.
func (v *Viewport) Touch(index int) []int {
	if index < 0 {
		return nil
	}
	v.hot[index] = struct{}{}
	v.last, v.hasLast = index, true
	if v.capacity == 0 {
		return nil
	}
	var evicted []int
	for len(v.hot) > v.capacity {
		victim := v.farthest(index)
		delete(v.hot, victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

func (v *Viewport) farthest(from int) int {
	victim, best := -1, -1
	for i := range v.hot {
		if i == from {
			continue
		}
		d := i - from
		if d < 0 {
			d = -d
		}
		if d > best || (d == best && i < victim) {
			victim, best = i, d
		}
	}
	return victim
}

// OnInsert shifts hot indices at or after first up by count.
func (v *Viewport) OnInsert(first, count int) {
	v.Remap(pages.Event{Kind: pages.EventInsert, Index: first, Count: count}.MapIndex)
}

// OnRemove drops hot indices inside the removed range and shifts those
// after it down by count.
func (v *Viewport) OnRemove(first, count int) {
	v.Remap(pages.Event{Kind: pages.EventRemove, Index: first, Count: count}.MapIndex)
}

// Remap applies fn to every hot index; indices for which fn reports false
// are dropped.
func (v *Viewport) Remap(fn func(int) (int, bool)) {
	if len(v.hot) > 0 {
		next := make(map[int]struct{}, len(v.hot))
		for i := range v.hot {
			if ni, ok := fn(i); ok {
				next[ni] = struct{}{}
			}
		}
		v.hot = next
	}
	if v.hasLast {
		v.last, v.hasLast = fn(v.last)
	}
}

// Reset forgets every hot index.
func (v *Viewport) Reset() {
	clear(v.hot)
	v.last, v.hasLast = 0, false
}
