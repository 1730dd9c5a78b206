// Package history records reversible page collection edits.
//
// Elementary operations arrive through the page list event path (PageEvent)
// or, for document level snapshots, through Record. Undo and Redo replay
// through a Target, normally the same page list, with recording suspended so
// that the replayed operations are not recorded again.
package history

import (
	"fmt"

	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pages"
)

// DefaultLimit is the number of entries kept when no limit is configured.
const DefaultLimit = 30

type Kind int

const (
	Insert Kind = iota
	Remove
	Move
	Rotate
	MetadataChange
	EncryptionChange
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	case Move:
		return "move"
	case Rotate:
		return "rotate"
	case MetadataChange:
		return "metadata"
	case EncryptionChange:
		return "encryption"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Param is one elementary operation. Which fields are meaningful depends
// on the entry kind:
//
//	Insert, Remove:   Index, Page
//	Move:             Index (from), To
//	Rotate:           Index, Delta
//	MetadataChange,
//	EncryptionChange: Before, After
type Param struct {
	Index  int
	To     int
	Delta  int
	Page   pages.Descriptor
	Before any
	After  any
}

// Entry is one undoable unit.
type Entry struct {
	Kind        Kind
	Params      []Param
	Description string
}

// Target receives replayed operations.
type Target interface {
	Insert(index int, d pages.Descriptor)
	RemoveAt(index int)
	Move(oldIndex, newIndex int)
	RotateAt(index, delta int)
	RestoreMetadata(snapshot any)
	RestoreEncryption(snapshot any)
}

// InconsistencyError is the panic value raised when batch bookkeeping finds
// the open batch entry is no longer the head of the undo stack.
type InconsistencyError struct {
	Kind Kind
	Head *Entry
}

func (e InconsistencyError) Error() string {
	head := "none"
	if e.Head != nil {
		head = e.Head.Kind.String()
	}
	return fmt.Sprintf("history inconsistency: appending %s to head %s", e.Kind, head)
}

// History holds the undo and redo stacks. It belongs to the edit context
// and is not safe for concurrent use.
type History struct {
	limit int
	log   observability.Logger

	undo []*Entry
	redo []*Entry

	depth     int
	open      *Entry
	replaying bool
}

func New(limit int, log observability.Logger) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit, log: observability.OrNop(log).With(observability.String("component", "history"))}
}

func (h *History) Limit() int { return h.limit }

// BeginBatch opens a batch. Batches nest; only the outermost EndBatch closes
// the batch.
func (h *History) BeginBatch() {
	h.depth++
}

func (h *History) EndBatch() {
	if h.depth == 0 {
		return
	}
	h.depth--
	if h.depth == 0 {
		h.open = nil
	}
}

// InBatch reports whether a batch is open.
func (h *History) InBatch() bool { return h.depth > 0 }

// Replaying reports whether an undo or redo is in progress.
func (h *History) Replaying() bool { return h.replaying }

// PageEvent records a page list change.
func (h *History) PageEvent(e pages.Event) {
	switch e.Kind {
	case pages.EventInsert:
		// A multi-page insert is one entry.
		h.BeginBatch()
		for i, d := range e.Pages {
			h.Record(Insert, Param{Index: e.Index + i, Page: d})
		}
		h.EndBatch()
	case pages.EventRemove:
		h.BeginBatch()
		for _, d := range e.Pages {
			h.Record(Remove, Param{Index: e.Index, Page: d})
		}
		h.EndBatch()
	case pages.EventMove:
		h.Record(Move, Param{Index: e.Index, To: e.To})
	case pages.EventRotate:
		h.Record(Rotate, Param{Index: e.Index, Delta: e.Delta})
	case pages.EventReset:
		h.Clear()
	}
}

// Record adds one elementary operation. Inside a batch, operations of the
// same kind as the open entry are appended to it; a different kind closes
// the open entry and starts a new one. Recording a forward operation
// clears the redo stack.
func (h *History) Record(kind Kind, p Param) {
	if h.replaying {
		return
	}
	h.redo = nil
	if h.depth > 0 && h.open != nil && h.open.Kind == kind {
		if head := h.head(); head != h.open {
			panic(InconsistencyError{Kind: kind, Head: head})
		}
		h.open.Params = append(h.open.Params, p)
		h.open.Description = describe(kind, len(h.open.Params))
		return
	}
	e := &Entry{Kind: kind, Params: []Param{p}, Description: describe(kind, 1)}
	h.undo = append(h.undo, e)
	if over := len(h.undo) - h.limit; over > 0 {
		clear(h.undo[:over])
		h.undo = h.undo[over:]
	}
	if h.depth > 0 {
		h.open = e
	}
}

// Undo reverts the most recent entry. It returns false when there is
// nothing to undo.
func (h *History) Undo(t Target) bool {
	e := h.pop(&h.undo)
	if e == nil {
		return false
	}
	h.open = nil
	h.replay(func() {
		for i := len(e.Params) - 1; i >= 0; i-- {
			invert(t, e.Kind, e.Params[i])
		}
	})
	h.redo = append(h.redo, e)
	h.log.Debug("undo", observability.String("entry", e.Description), observability.Int("ops", len(e.Params)))
	return true
}

// Redo reapplies the most recently undone entry. It returns false when
// there is nothing to redo.
func (h *History) Redo(t Target) bool {
	e := h.pop(&h.redo)
	if e == nil {
		return false
	}
	h.open = nil
	h.replay(func() {
		for _, p := range e.Params {
			apply(t, e.Kind, p)
		}
	})
	h.undo = append(h.undo, e)
	h.log.Debug("redo", observability.String("entry", e.Description), observability.Int("ops", len(e.Params)))
	return true
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// UndoEntries returns the undo stack, most recent first.
func (h *History) UndoEntries() []Entry { return snapshot(h.undo) }

// RedoEntries returns the redo stack, next to redo first.
func (h *History) RedoEntries() []Entry { return snapshot(h.redo) }

// UndoDescriptions lists undo entry descriptions, most recent first.
func (h *History) UndoDescriptions() []string { return descriptions(h.undo) }

// RedoDescriptions lists redo entry descriptions, next to redo first.
func (h *History) RedoDescriptions() []string { return descriptions(h.redo) }

// Clear drops both stacks and any open batch entry.
func (h *History) Clear() {
	h.undo, h.redo, h.open = nil, nil, nil
}

func (h *History) head() *Entry {
	if len(h.undo) == 0 {
		return nil
	}
	return h.undo[len(h.undo)-1]
}

func (h *History) pop(stack *[]*Entry) *Entry {
	s := *stack
	if len(s) == 0 {
		return nil
	}
	e := s[len(s)-1]
	s[len(s)-1] = nil
	*stack = s[:len(s)-1]
	return e
}

func (h *History) replay(fn func()) {
	h.replaying = true
	defer func() { h.replaying = false }()
	fn()
}

func invert(t Target, kind Kind, p Param) {
	switch kind {
	case Insert:
		t.RemoveAt(p.Index)
	case Remove:
		t.Insert(p.Index, p.Page)
	case Move:
		t.Move(p.To, p.Index)
	case Rotate:
		t.RotateAt(p.Index, -p.Delta)
	case MetadataChange:
		t.RestoreMetadata(p.Before)
	case EncryptionChange:
		t.RestoreEncryption(p.Before)
	}
}

func apply(t Target, kind Kind, p Param) {
	switch kind {
	case Insert:
		t.Insert(p.Index, p.Page)
	case Remove:
		t.RemoveAt(p.Index)
	case Move:
		t.Move(p.Index, p.To)
	case Rotate:
		t.RotateAt(p.Index, p.Delta)
	case MetadataChange:
		t.RestoreMetadata(p.After)
	case EncryptionChange:
		t.RestoreEncryption(p.After)
	}
}

func describe(kind Kind, n int) string {
	noun := "page"
	if n > 1 {
		noun = fmt.Sprintf("%d pages", n)
	}
	switch kind {
	case Insert:
		return "Insert " + noun
	case Remove:
		return "Remove " + noun
	case Move:
		return "Move " + noun
	case Rotate:
		return "Rotate " + noun
	case MetadataChange:
		return "Change document properties"
	case EncryptionChange:
		return "Change security settings"
	}
	return kind.String()
}

func snapshot(stack []*Entry) []Entry {
	out := make([]Entry, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		e := *stack[i]
		e.Params = append([]Param(nil), e.Params...)
		out = append(out, e)
	}
	return out
}

func descriptions(stack []*Entry) []string {
	out := make([]string, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i].Description)
	}
	return out
}
