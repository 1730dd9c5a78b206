package scripting

import (
	"context"
	"fmt"

	"github.com/wudi/pagedeck/engine"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pages"
)

// EngineDeck exposes an engine to scripts.
type EngineDeck struct {
	e   *engine.Engine
	log observability.Logger
}

func NewEngineDeck(e *engine.Engine, log observability.Logger) *EngineDeck {
	return &EngineDeck{e: e, log: observability.OrNop(log).With(observability.String("component", "script"))}
}

func (d *EngineDeck) Count() int { return d.e.Count() }

func (d *EngineDeck) GetPage(index int) (PageProxy, error) {
	p, ok := d.e.Page(index)
	if !ok {
		return nil, fmt.Errorf("page %d of %d: %w", index, d.e.Count(), pages.ErrOutOfRange)
	}
	return pageProxy{index: index, d: p}, nil
}

func (d *EngineDeck) Rotate(index, delta int) { d.e.RotateAt(index, delta) }
func (d *EngineDeck) Remove(index int)        { d.e.RemoveAt(index) }
func (d *EngineDeck) Move(from, to int)       { d.e.Move(from, to) }

func (d *EngineDeck) Duplicate(index, to int) error {
	p, ok := d.e.Page(index)
	if !ok {
		return fmt.Errorf("duplicate page %d: %w", index, pages.ErrOutOfRange)
	}
	if to < 0 || to > d.e.Count() {
		return fmt.Errorf("duplicate to %d: %w", to, pages.ErrOutOfRange)
	}
	d.e.Insert(to, p)
	return nil
}

func (d *EngineDeck) BeginBatch() { d.e.BeginBatch() }
func (d *EngineDeck) EndBatch()   { d.e.EndBatch() }
func (d *EngineDeck) Undo() bool  { return d.e.Undo() }
func (d *EngineDeck) Redo() bool  { return d.e.Redo() }

func (d *EngineDeck) Title() string { return d.e.Metadata().Title }

func (d *EngineDeck) SetTitle(title string) {
	m := d.e.Metadata()
	m.Title = title
	d.e.SetMetadata(m)
}

func (d *EngineDeck) Merge(ctx context.Context, path, password string) error {
	return d.e.Merge(ctx, path, password)
}

func (d *EngineDeck) Alert(message string) {
	d.log.Info("script alert", observability.String("message", message))
}

type pageProxy struct {
	index int
	d     pages.Descriptor
}

func (p pageProxy) GetIndex() int     { return p.index }
func (p pageProxy) GetSource() string { return p.d.SourceID }
func (p pageProxy) GetNumber() int    { return p.d.PageNumber }
func (p pageProxy) GetRotation() int  { return p.d.Rotation }
func (p pageProxy) GetLabel() string  { return p.d.Label() }
