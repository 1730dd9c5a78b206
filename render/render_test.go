package render_test

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/render/synth"
)

func page(src string, n int) pages.Descriptor {
	return pages.Descriptor{SourceID: src, PageNumber: n, Scale: 0.25, Width: 612, Height: 792}
}

func isHeader(c color.RGBA) bool {
	return int(c.B) > int(c.R)+60 && int(c.B) > int(c.G)+40
}

func TestPoolOpensLazilyAndOnce(t *testing.T) {
	backend := synth.New(synth.Source{ID: "a", Pages: synth.Letter(3)})
	pool := render.NewPool(backend, render.PoolConfig{Arena: render.NewArena()})
	pool.Retain("a", "")
	pool.Retain("a", "")

	if backend.Opens() != 0 {
		t.Fatalf("retain must not open the source")
	}
	for i := 1; i <= 3; i++ {
		bmp, err := pool.Render(context.Background(), page("a", i))
		if err != nil {
			t.Fatalf("render page %d: %v", i, err)
		}
		bmp.Release()
	}
	if backend.Opens() != 1 {
		t.Fatalf("expected a single open, got %d", backend.Opens())
	}
	if g, err := pool.Geometry(context.Background(), "a", 2); err != nil || g.Width != 612 {
		t.Fatalf("geometry = %+v, %v", g, err)
	}
}

func TestPoolGeometryCache(t *testing.T) {
	backend := synth.New(
		synth.Source{ID: "a", Pages: synth.Letter(4)},
		synth.Source{ID: "b", Pages: synth.Letter(4)},
	)
	pool := render.NewPool(backend, render.PoolConfig{GeometryCacheSize: 3})
	pool.Retain("a", "")
	pool.Retain("b", "")
	for i := 1; i <= 4; i++ {
		if _, err := pool.Geometry(context.Background(), "a", i); err != nil {
			t.Fatal(err)
		}
	}
	if pool.CachedGeometries() != 3 {
		t.Fatalf("cache should stay bounded, holds %d", pool.CachedGeometries())
	}
	if _, err := pool.Geometry(context.Background(), "b", 1); err != nil {
		t.Fatal(err)
	}
	pool.Release("a")
	if pool.CachedGeometries() != 1 {
		t.Fatalf("disposing a source should drop its geometries, holds %d", pool.CachedGeometries())
	}
	if _, err := pool.Geometry(context.Background(), "a", 1); !errors.Is(err, render.ErrCancelled) {
		t.Fatalf("expected ErrCancelled for a released source, got %v", err)
	}
	if _, err := pool.Geometry(context.Background(), "b", 9); !errors.Is(err, render.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable for a missing page, got %v", err)
	}
}

func TestRenderSizesIdentityOnlyPage(t *testing.T) {
	backend := synth.New(synth.Source{ID: "a", Pages: []render.Geometry{{Width: 200, Height: 100}}})
	pool := render.NewPool(backend, render.PoolConfig{})
	pool.Retain("a", "")
	bmp, err := pool.Render(context.Background(), pages.Descriptor{SourceID: "a", PageNumber: 1, Scale: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	defer bmp.Release()
	if bmp.Width != 100 || bmp.Height != 50 {
		t.Fatalf("bitmap %dx%d, want 100x50", bmp.Width, bmp.Height)
	}
	if pool.CachedGeometries() != 1 {
		t.Fatalf("render should cache the page geometry")
	}
}

func TestPoolReferenceCounting(t *testing.T) {
	backend := synth.New(synth.Source{ID: "a", Pages: synth.Letter(1)})
	pool := render.NewPool(backend, render.PoolConfig{})
	pool.Retain("a", "")
	pool.Retain("a", "")
	pool.Release("a")
	if pool.Refs("a") != 1 || pool.Sources() != 1 {
		t.Fatalf("expected one live reference, refs=%d sources=%d", pool.Refs("a"), pool.Sources())
	}
	pool.Release("a")
	if pool.Sources() != 0 {
		t.Fatalf("expected entry disposed at zero references")
	}
	if _, err := pool.Render(context.Background(), page("a", 1)); !errors.Is(err, render.ErrCancelled) {
		t.Fatalf("expected ErrCancelled after disposal, got %v", err)
	}
	// Releasing an unknown source is harmless.
	pool.Release("a")
}

func TestPoolRenderErrors(t *testing.T) {
	backend := synth.New(
		synth.Source{ID: "gone", Pages: synth.Letter(1), Missing: true},
		synth.Source{ID: "locked", Pages: synth.Letter(1), Password: "secret"},
	)
	pool := render.NewPool(backend, render.PoolConfig{})
	pool.Retain("gone", "")
	pool.Retain("locked", "wrong")

	if _, err := pool.Render(context.Background(), page("gone", 1)); !errors.Is(err, render.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	_, err := pool.Render(context.Background(), page("locked", 1))
	if !errors.Is(err, render.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if !render.IsPermanent(err) {
		t.Fatalf("access denied should be permanent")
	}
}

func TestDisposeCancelsInFlightRender(t *testing.T) {
	backend := synth.New(synth.Source{ID: "a", Pages: synth.Letter(1)})
	backend.Delay = 10 * time.Second
	pool := render.NewPool(backend, render.PoolConfig{})
	pool.Retain("a", "")

	done := make(chan error, 1)
	go func() {
		_, err := pool.Render(context.Background(), page("a", 1))
		done <- err
	}()
	// Wait for the source to be opened before disposing it.
	deadline := time.Now().Add(2 * time.Second)
	for backend.Opens() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pool.Release("a")

	select {
	case err := <-done:
		if !errors.Is(err, render.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight render did not fail fast after disposal")
	}
}

func TestRenderAppliesRotation(t *testing.T) {
	backend := synth.New(synth.Source{ID: "a", Pages: synth.Letter(1)})
	pool := render.NewPool(backend, render.PoolConfig{})
	pool.Retain("a", "")

	d := page("a", 1)
	bmp, err := pool.Render(context.Background(), d)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	w, h := d.ViewSize()
	if bmp.Width != w || bmp.Height != h {
		t.Fatalf("bitmap %dx%d, want %dx%d", bmp.Width, bmp.Height, w, h)
	}
	if c := bmp.Image().RGBAAt(w/2, 2); !isHeader(c) {
		t.Fatalf("expected header band at top, got %v", c)
	}
	bmp.Release()

	d.Rotation = 90
	bmp, err = pool.Render(context.Background(), d)
	if err != nil {
		t.Fatalf("render rotated: %v", err)
	}
	w, h = d.ViewSize()
	if bmp.Width != w || bmp.Height != h || w <= h {
		t.Fatalf("rotated bitmap %dx%d, want landscape %dx%d", bmp.Width, bmp.Height, w, h)
	}
	if c := bmp.Image().RGBAAt(w-3, h/2); !isHeader(c) {
		t.Fatalf("expected header band on the right edge, got %v", c)
	}
	if c := bmp.Image().RGBAAt(w/2, 2); isHeader(c) {
		t.Fatalf("header band should have left the top edge")
	}
	bmp.Release()
}

func TestArenaReuse(t *testing.T) {
	a := render.NewArena()
	b := a.Get(10, 10)
	for i := range b.Pix {
		b.Pix[i] = 0xff
	}
	b.Release()
	b.Release()
	if !b.Released() {
		t.Fatalf("expected released bitmap")
	}

	c := a.Get(10, 10)
	for i, v := range c.Pix {
		if v != 0 {
			t.Fatalf("recycled buffer not cleared at %d", i)
		}
	}
	if c.Bytes() != 400 {
		t.Fatalf("unexpected size %d", c.Bytes())
	}
}

func TestPlaceholderAspect(t *testing.T) {
	d := page("a", 1)
	d.Rotation = 270
	bmp := render.Placeholder(nil, d, "a p.1")
	w, h := d.ViewSize()
	if bmp.Width != w || bmp.Height != h {
		t.Fatalf("placeholder %dx%d, want %dx%d", bmp.Width, bmp.Height, w, h)
	}
	render.MarkFailed(bmp)
	if c := bmp.Image().RGBAAt(1, 1); c.R < 0xc0 || c.G > 0x40 {
		t.Fatalf("expected error mark, got %v", c)
	}
	bmp.Release()
}
