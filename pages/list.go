package pages

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned by CheckIndex. Mutations on List never return
// it; they ignore stale indices instead.
var ErrOutOfRange = errors.New("page index out of range")

// EventKind identifies a structural change of a List.
type EventKind int

const (
	EventInsert EventKind = iota
	EventRemove
	EventMove
	EventRotate
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventRemove:
		return "remove"
	case EventMove:
		return "move"
	case EventRotate:
		return "rotate"
	case EventReset:
		return "reset"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event describes one mutation. Indices are expressed in pre-mutation
// coordinates.
type Event struct {
	Kind  EventKind
	Index int // first affected index
	Count int // number of affected indices
	To    int // destination index of a move
	Delta int // rotation delta of a rotate
	// Pages holds the inserted or removed descriptors. For a rotate it holds
	// the descriptor after rotation; for a reset, the new sequence.
	Pages []Descriptor
	// Replaced holds the previous sequence of a reset.
	Replaced []Descriptor
}

// MapIndex translates a pre-mutation index into its post-mutation position.
// The second result is false when the index no longer exists.
func (e Event) MapIndex(i int) (int, bool) {
	switch e.Kind {
	case EventInsert:
		if i >= e.Index {
			return i + e.Count, true
		}
	case EventRemove:
		if i >= e.Index && i < e.Index+e.Count {
			return 0, false
		}
		if i >= e.Index+e.Count {
			return i - e.Count, true
		}
	case EventMove:
		switch {
		case i == e.Index:
			return e.To, true
		case e.Index < e.To && i > e.Index && i <= e.To:
			return i - 1, true
		case e.To < e.Index && i >= e.To && i < e.Index:
			return i + 1, true
		}
	case EventReset:
		return 0, false
	}
	return i, true
}

// Observer receives structural change events in registration order.
type Observer interface {
	PageEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) PageEvent(e Event) { f(e) }

// List is the ordered page sequence. Operations are index based so that
// duplicate identities stay legal. List is not safe for concurrent use; it
// belongs to the edit context.
type List struct {
	pages     []Descriptor
	observers []Observer
}

// NewList returns a list holding a copy of ds.
func NewList(ds ...Descriptor) *List {
	l := &List{}
	l.pages = append(l.pages, normalized(ds)...)
	return l
}

// Observe registers o. Observers are notified in the order they were added.
func (l *List) Observe(o Observer) {
	if o != nil {
		l.observers = append(l.observers, o)
	}
}

func (l *List) Count() int { return len(l.pages) }

// Get returns the descriptor at index.
func (l *List) Get(index int) (Descriptor, bool) {
	if index < 0 || index >= len(l.pages) {
		return Descriptor{}, false
	}
	return l.pages[index], true
}

// Pages returns a copy of the current sequence.
func (l *List) Pages() []Descriptor {
	out := make([]Descriptor, len(l.pages))
	copy(out, l.pages)
	return out
}

// CheckIndex reports ErrOutOfRange for an index outside [0, Count()).
func (l *List) CheckIndex(index int) error {
	if index < 0 || index >= len(l.pages) {
		return fmt.Errorf("index %d of %d: %w", index, len(l.pages), ErrOutOfRange)
	}
	return nil
}

func (l *List) Insert(index int, d Descriptor) {
	l.InsertMany(index, []Descriptor{d})
}

// InsertMany inserts ds before index as one structural change.
func (l *List) InsertMany(index int, ds []Descriptor) {
	if index < 0 || index > len(l.pages) || len(ds) == 0 {
		return
	}
	ins := normalized(ds)
	l.pages = append(l.pages, ins...)
	copy(l.pages[index+len(ins):], l.pages[index:])
	copy(l.pages[index:], ins)
	l.emit(Event{Kind: EventInsert, Index: index, Count: len(ins), Pages: ins})
}

func (l *List) RemoveAt(index int) {
	if index < 0 || index >= len(l.pages) {
		return
	}
	removed := l.pages[index]
	l.pages = append(l.pages[:index], l.pages[index+1:]...)
	l.emit(Event{Kind: EventRemove, Index: index, Count: 1, Pages: []Descriptor{removed}})
}

// Move relocates the page at oldIndex so that it ends up at newIndex.
func (l *List) Move(oldIndex, newIndex int) {
	n := len(l.pages)
	if oldIndex < 0 || oldIndex >= n || newIndex < 0 || newIndex >= n || oldIndex == newIndex {
		return
	}
	d := l.pages[oldIndex]
	if oldIndex < newIndex {
		copy(l.pages[oldIndex:newIndex], l.pages[oldIndex+1:newIndex+1])
	} else {
		copy(l.pages[newIndex+1:oldIndex+1], l.pages[newIndex:oldIndex])
	}
	l.pages[newIndex] = d
	l.emit(Event{Kind: EventMove, Index: oldIndex, Count: 1, To: newIndex, Pages: []Descriptor{d}})
}

// RotateAt adds delta degrees to the rotation of the page at index.
func (l *List) RotateAt(index, delta int) {
	if index < 0 || index >= len(l.pages) || delta%360 == 0 {
		return
	}
	d := l.pages[index]
	d.Rotation = NormalizeRotation(d.Rotation + delta)
	l.pages[index] = d
	l.emit(Event{Kind: EventRotate, Index: index, Count: 1, Delta: delta, Pages: []Descriptor{d}})
}

// Reset replaces the whole sequence.
func (l *List) Reset(ds []Descriptor) {
	old := l.pages
	l.pages = normalized(ds)
	l.emit(Event{Kind: EventReset, Index: 0, Count: len(old), Pages: l.Pages(), Replaced: old})
}

func (l *List) emit(e Event) {
	for _, o := range l.observers {
		o.PageEvent(e)
	}
}

func normalized(ds []Descriptor) []Descriptor {
	out := make([]Descriptor, len(ds))
	for i, d := range ds {
		d.Rotation = NormalizeRotation(d.Rotation)
		out[i] = d
	}
	return out
}
