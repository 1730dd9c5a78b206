// Package engine owns one open document set: the page list, the thumbnail
// cache and viewport, the render scheduler with its backend pool, and the
// edit history.
//
// An Engine belongs to a single edit goroutine. Renders run on the
// scheduler's worker; their results are applied by Dispatch, which the edit
// goroutine calls whenever Ready fires (or through Settle). Listeners
// registered with Subscribe are called from Dispatch and from the edit
// operations, never while an internal lock is held.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/wudi/pagedeck/docservice"
	"github.com/wudi/pagedeck/history"
	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/provider"
	"github.com/wudi/pagedeck/recovery"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/scheduler"
	"github.com/wudi/pagedeck/security"
	"github.com/wudi/pagedeck/thumbcache"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// DefaultThumbnailScale is the render scale of loaded pages.
const DefaultThumbnailScale = 0.25

// Config holds engine settings.
type Config struct {
	// Capacity bounds the number of hot thumbnails. 0 disables eviction.
	Capacity int
	// HistoryLimit is the number of undo entries kept.
	HistoryLimit int
	// ThumbnailScale is the render scale of loaded pages.
	ThumbnailScale float64

	Logger   observability.Logger
	Tracer   observability.Tracer
	Recovery recovery.Strategy
	Arena    *render.Arena
}

func DefaultConfig() Config {
	return Config{
		Capacity:       0,
		HistoryLimit:   history.DefaultLimit,
		ThumbnailScale: DefaultThumbnailScale,
	}
}

type NotificationKind int

const (
	// ItemReady: a thumbnail was rendered and stored.
	ItemReady NotificationKind = iota
	// ItemFailed: the page cannot be rendered; its placeholder is permanent.
	ItemFailed
	// ItemInvalidated: the page changed and its thumbnail is re-rendering.
	ItemInvalidated
)

func (k NotificationKind) String() string {
	switch k {
	case ItemReady:
		return "ready"
	case ItemFailed:
		return "failed"
	case ItemInvalidated:
		return "invalidated"
	}
	return fmt.Sprintf("NotificationKind(%d)", int(k))
}

// Notification tells consumers that the item at Index changed.
type Notification struct {
	Kind   NotificationKind
	Index  int
	Status thumbcache.Status
	Err    error
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Pages     int
	Hot       int
	Sources   int
	Bytes     int
	Statuses  map[thumbcache.Status]int
	Stale     int
	Evicted   int
	Scheduler scheduler.Stats
}

type Engine struct {
	cfg     Config
	log     observability.Logger
	tracer  observability.Tracer
	session string

	docs  docservice.Service
	pool  *render.Pool
	sched *scheduler.Scheduler
	cache *thumbcache.Cache
	view  *thumbcache.Viewport
	list  *pages.List
	hist  *history.History
	prov  *provider.Provider

	path      string
	meta      docservice.Metadata
	sec       security.Settings
	passwords map[string]string

	stale   int
	evicted int
	outbox  []Notification
	closed  bool

	lmu       sync.Mutex
	listeners []func(Notification)
}

// New creates an engine with an empty page list. Pages are rendered by
// backend and loaded and saved through docs.
func New(docs docservice.Service, backend render.Backend, cfg Config) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = history.DefaultLimit
	}
	if cfg.ThumbnailScale <= 0 {
		cfg.ThumbnailScale = DefaultThumbnailScale
	}
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NopTracer()
	}
	if cfg.Arena == nil {
		cfg.Arena = render.DefaultArena
	}
	session := uuid.NewString()
	log := observability.OrNop(cfg.Logger).With(observability.String("session", session))

	e := &Engine{
		cfg:       cfg,
		log:       log,
		tracer:    cfg.Tracer,
		session:   session,
		docs:      docs,
		passwords: make(map[string]string),
	}
	e.pool = render.NewPool(backend, render.PoolConfig{Arena: cfg.Arena, Logger: log, Tracer: cfg.Tracer})
	e.sched = scheduler.New(e.pool, scheduler.Config{Logger: log, Recovery: cfg.Recovery})
	e.cache = thumbcache.New(cfg.Arena)
	e.view = thumbcache.NewViewport(cfg.Capacity)
	e.hist = history.New(cfg.HistoryLimit, log)
	e.list = pages.NewList()

	// Cache and scheduler follow the change before history records it.
	e.list.Observe(pages.ObserverFunc(e.pageEvent))
	e.list.Observe(e.hist)

	e.prov = provider.New(e.list, e.cache, e.view, e.sched, e.evict)
	return e
}

// SessionID identifies this engine in log output.
func (e *Engine) SessionID() string { return e.session }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Path returns the path of the last loaded or saved document.
func (e *Engine) Path() string { return e.path }

func (e *Engine) Count() int { return e.list.Count() }

// Page returns the descriptor at index.
func (e *Engine) Page(index int) (pages.Descriptor, bool) { return e.list.Get(index) }

// Pages returns a copy of the page sequence.
func (e *Engine) Pages() []pages.Descriptor { return e.list.Pages() }

// Item returns the displayable item at index without blocking. A miss
// schedules a render and returns a placeholder.
func (e *Engine) Item(index int) provider.Item {
	if e.closed {
		return provider.Item{Index: index}
	}
	return e.prov.Item(index)
}

// Peek returns the current state of index without touching the viewport.
func (e *Engine) Peek(index int) provider.Item {
	if e.closed {
		return provider.Item{Index: index}
	}
	return e.prov.Peek(index)
}

// Items returns the items in [first, first+n).
func (e *Engine) Items(first, n int) []provider.Item {
	if e.closed {
		return nil
	}
	return e.prov.Range(first, n)
}

// Provider exposes the virtualization contract.
func (e *Engine) Provider() *provider.Provider { return e.prov }

func (e *Engine) Insert(index int, d pages.Descriptor) {
	e.InsertMany(index, []pages.Descriptor{d})
}

// InsertMany inserts ds before index as a single undo entry.
func (e *Engine) InsertMany(index int, ds []pages.Descriptor) {
	if e.closed {
		return
	}
	ds = e.thumbnails(ds, false)
	// Hold the sources while their geometry is read so the pool keeps the
	// opened handle for the insert that follows.
	for _, d := range ds {
		e.pool.Retain(d.SourceID, e.passwords[d.SourceID])
	}
	e.complete(ds)
	e.list.InsertMany(index, ds)
	for _, d := range ds {
		e.pool.Release(d.SourceID)
	}
	e.flush()
}

func (e *Engine) RemoveAt(index int) {
	if e.closed {
		return
	}
	e.list.RemoveAt(index)
	e.flush()
}

func (e *Engine) Move(oldIndex, newIndex int) {
	if e.closed {
		return
	}
	e.list.Move(oldIndex, newIndex)
	e.flush()
}

func (e *Engine) RotateAt(index, delta int) {
	if e.closed {
		return
	}
	e.list.RotateAt(index, delta)
	e.flush()
}

func (e *Engine) BeginBatch() { e.hist.BeginBatch() }
func (e *Engine) EndBatch()   { e.hist.EndBatch() }

// Batch runs fn inside a history batch.
func (e *Engine) Batch(fn func()) {
	e.hist.BeginBatch()
	defer e.hist.EndBatch()
	fn()
}

// Undo reverts the most recent history entry. It reports false when there
// is nothing to undo.
func (e *Engine) Undo() bool {
	if e.closed {
		return false
	}
	_, span := e.tracer.StartSpan(context.Background(), observability.SpanUndo)
	defer span.Finish()
	desc := ""
	if entries := e.hist.UndoEntries(); len(entries) > 0 {
		desc = entries[0].Description
	}
	ok := e.hist.Undo(replayTarget{e})
	span.SetTag("applied", ok)
	if ok {
		e.log.Info("undo", observability.String("entry", desc))
	}
	e.flush()
	return ok
}

// Redo reapplies the most recently undone entry.
func (e *Engine) Redo() bool {
	if e.closed {
		return false
	}
	_, span := e.tracer.StartSpan(context.Background(), observability.SpanRedo)
	defer span.Finish()
	desc := ""
	if entries := e.hist.RedoEntries(); len(entries) > 0 {
		desc = entries[0].Description
	}
	ok := e.hist.Redo(replayTarget{e})
	span.SetTag("applied", ok)
	if ok {
		e.log.Info("redo", observability.String("entry", desc))
	}
	e.flush()
	return ok
}

func (e *Engine) CanUndo() bool { return e.hist.CanUndo() }
func (e *Engine) CanRedo() bool { return e.hist.CanRedo() }

// UndoDescriptions lists undo entries for display, most recent first.
func (e *Engine) UndoDescriptions() []string { return e.hist.UndoDescriptions() }

// RedoDescriptions lists redo entries for display, next to redo first.
func (e *Engine) RedoDescriptions() []string { return e.hist.RedoDescriptions() }

// History exposes the edit history for inspection.
func (e *Engine) History() *history.History { return e.hist }

func (e *Engine) Metadata() docservice.Metadata { return e.meta.Clone() }

// SetMetadata replaces the document metadata as an undoable edit.
func (e *Engine) SetMetadata(m docservice.Metadata) {
	if e.closed || e.meta.Equal(m) {
		return
	}
	before := e.meta.Clone()
	e.meta = m.Clone()
	e.hist.Record(history.MetadataChange, history.Param{Before: before, After: m.Clone()})
}

func (e *Engine) Encryption() security.Settings { return e.sec }

// SetEncryption replaces the security settings as an undoable edit.
func (e *Engine) SetEncryption(s security.Settings) error {
	if e.closed {
		return ErrClosed
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s == e.sec {
		return nil
	}
	before := e.sec
	e.sec = s
	e.hist.Record(history.EncryptionChange, history.Param{Before: before, After: s})
	return nil
}

// Load replaces the page list with the document at path. Any running
// render is cancelled and the history is cleared.
func (e *Engine) Load(ctx context.Context, path, password string) error {
	if e.closed {
		return ErrClosed
	}
	doc, err := e.docs.Open(ctx, path, password)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	e.remember(doc)
	e.path = path
	e.meta = doc.Metadata.Clone()
	e.sec = doc.Security
	e.list.Reset(e.thumbnails(doc.Pages, true))
	e.flush()
	e.log.Info("document loaded", observability.String("path", path), observability.Int("pages", len(doc.Pages)))
	return nil
}

// Merge appends the pages of the document at path as one undoable insert.
// Pages already present stay; duplicates are allowed.
func (e *Engine) Merge(ctx context.Context, path, password string) error {
	return e.MergeAt(ctx, e.list.Count(), path, password)
}

// MergeAt inserts the pages of the document at path before index.
func (e *Engine) MergeAt(ctx context.Context, index int, path, password string) error {
	if e.closed {
		return ErrClosed
	}
	if index < 0 || index > e.list.Count() {
		return fmt.Errorf("merge %s at %d: %w", path, index, pages.ErrOutOfRange)
	}
	doc, err := e.docs.Open(ctx, path, password)
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	e.remember(doc)
	e.list.InsertMany(index, e.thumbnails(doc.Pages, true))
	e.flush()
	e.log.Info("document merged", observability.String("path", path), observability.Int("pages", len(doc.Pages)), observability.Int("index", index))
	return nil
}

// Save writes the current pages, metadata and security settings to path.
// An empty path saves to the loaded document's path.
func (e *Engine) Save(ctx context.Context, path string) error {
	if e.closed {
		return ErrClosed
	}
	if path == "" {
		path = e.path
	}
	doc := &docservice.Document{
		Path:     path,
		Pages:    e.list.Pages(),
		Metadata: e.meta.Clone(),
		Security: e.sec,
	}
	if err := e.docs.Save(ctx, path, doc); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	e.path = path
	e.log.Info("document saved", observability.String("path", path), observability.Int("pages", len(doc.Pages)))
	return nil
}

// Subscribe registers fn for item notifications and returns a function that
// removes it.
func (e *Engine) Subscribe(fn func(Notification)) (cancel func()) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, fn)
	idx := len(e.listeners) - 1
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		if idx < len(e.listeners) {
			e.listeners[idx] = nil
		}
	}
}

// Ready receives a value when render results are waiting for Dispatch.
func (e *Engine) Ready() <-chan struct{} { return e.sched.Ready() }

// Dispatch applies finished renders to the cache and notifies listeners. It
// returns the number of results processed.
func (e *Engine) Dispatch() int {
	results := e.sched.Drain()
	for _, r := range results {
		e.apply(r)
	}
	e.flush()
	return len(results)
}

// Settle renders and dispatches until no work is left or ctx is done.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		if err := e.sched.WaitIdle(ctx); err != nil {
			return err
		}
		if e.Dispatch() == 0 && e.sched.Pending() == 0 && e.sched.State() == scheduler.Idle {
			return nil
		}
	}
}

func (e *Engine) Stats() Stats {
	return Stats{
		Pages:     e.list.Count(),
		Hot:       e.view.Len(),
		Sources:   e.pool.Sources(),
		Bytes:     e.cache.Bytes(),
		Statuses:  e.cache.Counts(),
		Stale:     e.stale,
		Evicted:   e.evicted,
		Scheduler: e.sched.Stats(),
	}
}

// Close stops rendering, releases every thumbnail and disposes all sources.
// Closing twice is a no-op.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.sched.CancelAll()
	e.sched.Close()
	for _, r := range e.sched.Drain() {
		r.Bitmap.Release()
	}
	e.cache.Close()
	e.pool.Close()
	e.log.Info("engine closed", observability.Int("stale", e.stale), observability.Int("evicted", e.evicted))
	return nil
}

// pageEvent keeps cache, viewport, scheduler and pool coherent with a list
// change. It runs before history records the change.
func (e *Engine) pageEvent(ev pages.Event) {
	switch ev.Kind {
	case pages.EventInsert:
		for _, d := range ev.Pages {
			e.pool.Retain(d.SourceID, e.passwords[d.SourceID])
		}
		e.remap(ev)
	case pages.EventRemove:
		e.remap(ev)
		for _, d := range ev.Pages {
			e.pool.Release(d.SourceID)
		}
	case pages.EventMove:
		e.remap(ev)
	case pages.EventRotate:
		d := ev.Pages[0]
		if e.cache.Invalidate(ev.Index, d) {
			e.sched.Enqueue(ev.Index, d)
			e.notify(Notification{Kind: ItemInvalidated, Index: ev.Index, Status: thumbcache.Placeholder})
		} else {
			e.sched.Forget(ev.Index)
		}
	case pages.EventReset:
		e.sched.CancelAll()
		e.cache.Apply(ev)
		e.view.Reset()
		for _, d := range ev.Pages {
			e.pool.Retain(d.SourceID, e.passwords[d.SourceID])
		}
		for _, d := range ev.Replaced {
			e.pool.Release(d.SourceID)
		}
	}
}

func (e *Engine) remap(ev pages.Event) {
	e.cache.Apply(ev)
	e.view.Remap(ev.MapIndex)
	e.sched.Remap(ev.MapIndex)
}

func (e *Engine) evict(indices []int) {
	for _, i := range indices {
		if e.cache.Evict(i) {
			e.evicted++
		}
		e.sched.Forget(i)
	}
}

// apply stores one render result if it still describes the page at its
// index.
func (e *Engine) apply(r scheduler.Result) {
	if r.Discarded {
		return
	}
	cur, ok := e.list.Get(r.Index)
	if !ok || !cur.Matches(r.Descriptor) {
		r.Bitmap.Release()
		e.stale++
		e.log.Debug("stale render dropped", observability.Int("index", r.Index), observability.String("page", r.Descriptor.Identity().String()))
		if ok {
			e.rerequest(r.Index, cur)
		}
		return
	}
	entry, _ := e.cache.Get(r.Index)
	if entry.Status != thumbcache.Placeholder || entry.Err != nil {
		// Evicted or already settled while the render ran.
		r.Bitmap.Release()
		return
	}
	if r.Err != nil {
		mark := r.Action != recovery.ActionSkip
		e.cache.SetFailed(r.Index, r.Err, mark)
		if mark {
			e.notify(Notification{Kind: ItemFailed, Index: r.Index, Status: thumbcache.Placeholder, Err: r.Err})
		}
		return
	}
	if e.cache.SetReady(r.Index, cur, r.Bitmap) {
		e.notify(Notification{Kind: ItemReady, Index: r.Index, Status: thumbcache.Ready})
	}
}

// rerequest queues the current descriptor of index when its placeholder is
// still waiting and nothing else will render it.
func (e *Engine) rerequest(index int, d pages.Descriptor) {
	entry, ok := e.cache.Get(index)
	if !ok || entry.Status != thumbcache.Placeholder || entry.Err != nil || e.sched.Requested(index) {
		return
	}
	e.sched.Enqueue(index, d)
}

func (e *Engine) notify(n Notification) {
	e.outbox = append(e.outbox, n)
}

// flush delivers queued notifications once the triggering operation has
// finished, so listeners may call back into the engine.
func (e *Engine) flush() {
	for len(e.outbox) > 0 {
		batch := e.outbox
		e.outbox = nil
		e.lmu.Lock()
		listeners := slices.Clone(e.listeners)
		e.lmu.Unlock()
		for _, n := range batch {
			for _, fn := range listeners {
				if fn != nil {
					fn(n)
				}
			}
		}
	}
}

func (e *Engine) remember(doc *docservice.Document) {
	for _, d := range doc.Pages {
		if _, ok := e.passwords[d.SourceID]; !ok {
			e.passwords[d.SourceID] = doc.Password
		}
	}
}

// thumbnails returns ds with the configured render scale. With all unset
// only descriptors without a scale are changed.
func (e *Engine) thumbnails(ds []pages.Descriptor, all bool) []pages.Descriptor {
	out := make([]pages.Descriptor, len(ds))
	for i, d := range ds {
		if all || d.Scale <= 0 {
			d.Scale = e.cfg.ThumbnailScale
		}
		out[i] = d
	}
	return out
}

// complete fills in the page size and base rotation of descriptors that only
// carry an identity. Pages whose geometry cannot be read are left as they
// are; their render fails later and marks the placeholder.
func (e *Engine) complete(ds []pages.Descriptor) {
	for i, d := range ds {
		if d.Width > 0 && d.Height > 0 {
			continue
		}
		g, err := e.pool.Geometry(context.Background(), d.SourceID, d.PageNumber)
		if err != nil {
			e.log.Debug("page geometry unavailable", observability.String("page", d.Identity().String()), observability.Error("err", err))
			continue
		}
		d.Width, d.Height = g.Width, g.Height
		d.Rotation = pages.NormalizeRotation(d.Rotation + g.Rotation)
		ds[i] = d
	}
}

// replayTarget routes undo and redo through the page list so the cache and
// scheduler see replayed edits exactly like forward ones.
type replayTarget struct{ e *Engine }

func (t replayTarget) Insert(index int, d pages.Descriptor) { t.e.list.Insert(index, d) }
func (t replayTarget) RemoveAt(index int)                   { t.e.list.RemoveAt(index) }
func (t replayTarget) Move(oldIndex, newIndex int)          { t.e.list.Move(oldIndex, newIndex) }
func (t replayTarget) RotateAt(index, delta int)            { t.e.list.RotateAt(index, delta) }

func (t replayTarget) RestoreMetadata(v any) {
	if m, ok := v.(docservice.Metadata); ok {
		t.e.meta = m.Clone()
	}
}

func (t replayTarget) RestoreEncryption(v any) {
	if s, ok := v.(security.Settings); ok {
		t.e.sec = s
	}
}
