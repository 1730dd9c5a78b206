// Package scripting runs JavaScript edit macros against a page deck.
package scripting

import (
	"context"
)

// Engine represents a scripting engine (e.g., JavaScript).
type Engine interface {
	// Execute runs script. Deck calls made by the script see ctx.
	Execute(ctx context.Context, script string) (interface{}, error)

	// RegisterDeck exposes deck to scripts as global functions.
	RegisterDeck(deck Deck) error
}

// Deck is the page collection as seen by scripts. Indices are 0-based and
// out-of-range edits are ignored, like the underlying page list.
type Deck interface {
	Count() int

	// GetPage returns the page at index.
	GetPage(index int) (PageProxy, error)

	Rotate(index, delta int)
	Remove(index int)
	Move(from, to int)
	// Duplicate inserts a copy of the page at index before position to.
	Duplicate(index, to int) error

	BeginBatch()
	EndBatch()
	Undo() bool
	Redo() bool

	Title() string
	SetTitle(title string)

	// Merge appends the pages of another document.
	Merge(ctx context.Context, path, password string) error

	// Alert shows a message (if supported by the runner).
	Alert(message string)
}

// PageProxy represents a page exposed to scripts.
type PageProxy interface {
	GetIndex() int
	GetSource() string
	GetNumber() int
	GetRotation() int
	GetLabel() string
}
