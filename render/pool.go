package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pages"
)

// DefaultGeometryCacheSize is the number of page geometries a Pool keeps.
const DefaultGeometryCacheSize = 4096

// PoolConfig configures a Pool.
type PoolConfig struct {
	Arena  *Arena
	Logger observability.Logger
	Tracer observability.Tracer
	// GeometryCacheSize bounds the page geometry cache shared by all
	// sources. 0 means DefaultGeometryCacheSize.
	GeometryCacheSize int
}

// Pool shares one backend handle per source document. Entries are reference
// counted by the pages that point at the source and disposed when the count
// drops to zero. A Pool is safe for concurrent use.
type Pool struct {
	backend Backend
	arena   *Arena
	log     observability.Logger
	tracer  observability.Tracer

	// geometry is keyed by page identity; entries of a source are dropped
	// when the source is disposed.
	geometry *lru.Cache[pages.Identity, Geometry]

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	sourceID string
	password string
	refs     int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handle  Handle
	openErr error
	opened  bool
	closed  bool
}

func NewPool(backend Backend, cfg PoolConfig) *Pool {
	if cfg.Arena == nil {
		cfg.Arena = DefaultArena
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NopTracer()
	}
	if cfg.GeometryCacheSize <= 0 {
		cfg.GeometryCacheSize = DefaultGeometryCacheSize
	}
	geometry, err := lru.New[pages.Identity, Geometry](cfg.GeometryCacheSize)
	if err != nil {
		// Only a non-positive size fails, which is excluded above.
		panic(err)
	}
	return &Pool{
		backend:  backend,
		arena:    cfg.Arena,
		log:      observability.OrNop(cfg.Logger).With(observability.String("component", "render.pool")),
		tracer:   cfg.Tracer,
		geometry: geometry,
		entries:  make(map[string]*poolEntry),
	}
}

// Arena returns the buffer arena bitmaps are allocated from.
func (p *Pool) Arena() *Arena { return p.arena }

// Retain adds a reference to sourceID. The source is opened lazily by the
// first render or geometry lookup.
func (p *Pool) Retain(sourceID, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sourceID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		e = &poolEntry{sourceID: sourceID, password: password, ctx: ctx, cancel: cancel}
		p.entries[sourceID] = e
	}
	e.refs++
}

// Release drops a reference to sourceID and disposes the entry once no
// page references it.
func (p *Pool) Release(sourceID string) {
	p.mu.Lock()
	e, ok := p.entries[sourceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, sourceID)
	p.mu.Unlock()
	p.dispose(e)
}

// Refs returns the reference count of sourceID.
func (p *Pool) Refs(sourceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[sourceID]; ok {
		return e.refs
	}
	return 0
}

// Sources returns the number of live entries.
func (p *Pool) Sources() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disposes every entry regardless of reference counts.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, e := range entries {
		p.dispose(e)
	}
}

// Geometry returns the cached geometry of one page, opening the source if
// needed.
func (p *Pool) Geometry(ctx context.Context, sourceID string, page int) (Geometry, error) {
	e, err := p.entry(sourceID)
	if err != nil {
		return Geometry{}, err
	}
	id := pages.Identity{SourceID: sourceID, PageNumber: page}
	if g, ok := p.geometry.Get(id); ok {
		return g, nil
	}
	h, err := p.open(ctx, e)
	if err != nil {
		return Geometry{}, err
	}
	return p.lookup(e, h, id)
}

func (p *Pool) lookup(e *poolEntry, h Handle, id pages.Identity) (Geometry, error) {
	if g, ok := p.geometry.Get(id); ok {
		return g, nil
	}
	if e.isClosed() {
		return Geometry{}, ErrCancelled
	}
	g, err := h.Geometry(id.PageNumber)
	if err != nil {
		return Geometry{}, fmt.Errorf("geometry of %s: %w", id, err)
	}
	p.geometry.Add(id, g)
	return g, nil
}

// CachedGeometries returns the number of page geometries held.
func (p *Pool) CachedGeometries() int { return p.geometry.Len() }

// Render rasterizes the page named by d and returns a bitmap of exactly
// d.ViewSize() pixels with d's rotation applied. The caller owns the result.
func (p *Pool) Render(ctx context.Context, d pages.Descriptor) (*Bitmap, error) {
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanRenderPage)
	defer span.Finish()
	span.SetTag("source", d.SourceID)
	span.SetTag("page", d.PageNumber)

	bmp, err := p.render(ctx, d)
	if err != nil {
		span.SetError(err)
	}
	return bmp, err
}

func (p *Pool) render(ctx context.Context, d pages.Descriptor) (*Bitmap, error) {
	e, err := p.entry(d.SourceID)
	if err != nil {
		return nil, err
	}
	rctx, stop := mergeDone(ctx, e.ctx)
	defer stop()

	h, err := p.open(rctx, e)
	if err != nil {
		return nil, err
	}
	if d.Width <= 0 || d.Height <= 0 {
		// Identity-only descriptor; size the bitmap from the page itself.
		g, err := p.lookup(e, h, d.Identity())
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", d.Identity(), err)
		}
		d.Width, d.Height = g.Width, g.Height
	}
	scale := d.Scale
	if scale <= 0 {
		scale = 1
	}
	start := time.Now()
	img, err := h.Render(rctx, d.PageNumber, scale)
	if e.isClosed() || rctx.Err() != nil {
		return nil, fmt.Errorf("render %s: %w", d.Identity(), ErrCancelled)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("render %s: %w", d.Identity(), ErrCancelled)
		}
		return nil, fmt.Errorf("render %s: %w", d.Identity(), err)
	}
	w, hgt := d.ViewSize()
	bmp := p.arena.Get(w, hgt)
	Transform(bmp, img, d.Rotation)
	p.log.Debug("page rendered",
		observability.String("page", d.Identity().String()),
		observability.Int("width", w),
		observability.Int("height", hgt),
		observability.Duration("elapsed", time.Since(start)))
	return bmp, nil
}

func (p *Pool) entry(sourceID string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sourceID]
	if !ok {
		// Nothing references the source any more.
		return nil, fmt.Errorf("source %s not pooled: %w", sourceID, ErrCancelled)
	}
	return e, nil
}

func (p *Pool) open(ctx context.Context, e *poolEntry) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrCancelled
	}
	if e.opened {
		return e.handle, e.openErr
	}
	h, err := p.backend.Open(ctx, e.sourceID, e.password)
	if err != nil {
		if ctx.Err() != nil {
			// Leave the entry unopened so the next render retries.
			return nil, ErrCancelled
		}
		e.opened, e.openErr = true, fmt.Errorf("open %s: %w", e.sourceID, err)
		p.log.Warn("source open failed", observability.String("source", e.sourceID), observability.Error("err", err))
		return nil, e.openErr
	}
	e.opened, e.handle = true, h
	p.log.Debug("source opened", observability.String("source", e.sourceID), observability.Int("pages", h.PageCount()))
	return h, nil
}

func (p *Pool) dispose(e *poolEntry) {
	e.cancel()
	e.mu.Lock()
	h := e.handle
	e.closed = true
	e.handle = nil
	e.mu.Unlock()
	for _, id := range p.geometry.Keys() {
		if id.SourceID == e.sourceID {
			p.geometry.Remove(id)
		}
	}
	if h != nil {
		if err := h.Close(); err != nil {
			p.log.Warn("source close failed", observability.String("source", e.sourceID), observability.Error("err", err))
		}
	}
	p.log.Debug("source disposed", observability.String("source", e.sourceID))
}

func (e *poolEntry) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// mergeDone returns a context cancelled when either ctx or other is done.
func mergeDone(ctx, other context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
