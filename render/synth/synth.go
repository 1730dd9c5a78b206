// Package synth is a deterministic render backend that paints page frames
// instead of real page content. It backs the command line tool, the examples
// and tests, and can simulate missing or encrypted sources.
package synth

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/render"
)

// Header is the colour of the band painted across the top edge of every
// page, which makes orientation visible in rendered thumbnails.
var Header = color.RGBA{R: 0x20, G: 0x50, B: 0xc0, A: 0xff}

var ink = color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}

// Source describes one synthetic document.
type Source struct {
	ID            string
	Pages         []render.Geometry
	Password      string // user password; empty opens without one
	OwnerPassword string // alternative password, accepted as well
	Missing       bool   // simulate a deleted or locked file
}

// Letter returns n US-Letter portrait pages.
func Letter(n int) []render.Geometry {
	out := make([]render.Geometry, n)
	for i := range out {
		out[i] = render.Geometry{Width: 612, Height: 792}
	}
	return out
}

// Descriptors returns page descriptors for every page of src at scale.
func (src Source) Descriptors(scale float64) []pages.Descriptor {
	out := make([]pages.Descriptor, len(src.Pages))
	for i, g := range src.Pages {
		out[i] = pages.Descriptor{
			SourceID:   src.ID,
			PageNumber: i + 1,
			Rotation:   g.Rotation,
			Scale:      scale,
			Width:      g.Width,
			Height:     g.Height,
		}
	}
	return out
}

// Backend serves synthetic sources.
type Backend struct {
	// Delay is slept, interruptibly, before each page render.
	Delay time.Duration

	mu      sync.Mutex
	sources map[string]Source
	opens   atomic.Int64
	renders atomic.Int64
}

func New(sources ...Source) *Backend {
	b := &Backend{sources: make(map[string]Source)}
	for _, s := range sources {
		b.Add(s)
	}
	return b
}

// Add registers or replaces a source.
func (b *Backend) Add(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[src.ID] = src
}

// Opens returns how many times a source was opened.
func (b *Backend) Opens() int { return int(b.opens.Load()) }

// Renders returns how many page renders completed.
func (b *Backend) Renders() int { return int(b.renders.Load()) }

func (b *Backend) Open(ctx context.Context, sourceID, password string) (render.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	src, ok := b.sources[sourceID]
	b.mu.Unlock()
	if !ok || src.Missing {
		return nil, fmt.Errorf("synth source %q: %w", sourceID, render.ErrSourceUnavailable)
	}
	if password != src.Password && (src.OwnerPassword == "" || password != src.OwnerPassword) {
		return nil, fmt.Errorf("synth source %q: %w", sourceID, render.ErrAccessDenied)
	}
	b.opens.Add(1)
	return &handle{backend: b, src: src}, nil
}

type handle struct {
	backend *Backend
	src     Source
	closed  atomic.Bool
}

func (h *handle) PageCount() int { return len(h.src.Pages) }

func (h *handle) Geometry(page int) (render.Geometry, error) {
	if page < 1 || page > len(h.src.Pages) {
		return render.Geometry{}, fmt.Errorf("page %d of %d: %w", page, len(h.src.Pages), render.ErrSourceUnavailable)
	}
	return h.src.Pages[page-1], nil
}

func (h *handle) Render(ctx context.Context, page int, scale float64) (image.Image, error) {
	g, err := h.Geometry(page)
	if err != nil {
		return nil, err
	}
	if h.backend.Delay > 0 {
		t := time.NewTimer(h.backend.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if h.closed.Load() {
		return nil, render.ErrCancelled
	}
	w, hgt := pages.ViewSize(g.Width, g.Height, 0, scale)
	img := image.NewRGBA(image.Rect(0, 0, w, hgt))
	draw.Draw(img, img.Bounds(), image.NewUniform(render.Paper), image.Point{}, draw.Src)
	band := max(1, hgt/8)
	draw.Draw(img, image.Rect(0, 0, w, band), image.NewUniform(Header), image.Point{}, draw.Src)

	label := strconv.Itoa(page)
	face := basicfont.Face7x13
	if tw := font.MeasureString(face, label).Ceil(); tw < w && face.Height < hgt-band {
		d := font.Drawer{Dst: img, Src: image.NewUniform(ink), Face: face, Dot: fixed.P((w-tw)/2, (hgt+band+face.Ascent)/2)}
		d.DrawString(label)
	}
	h.backend.renders.Add(1)
	return img, nil
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("synth source %q already closed", h.src.ID)
	}
	return nil
}
