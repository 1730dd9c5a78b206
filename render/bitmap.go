package render

import (
	"image"
	"math/bits"
	"sync"
)

// Bitmap is an RGBA pixel buffer with a single owner. The owner calls
// Release once the bitmap is evicted or replaced; the buffer then returns to
// its arena and must not be used again.
type Bitmap struct {
	Width, Height int
	Pix           []byte

	arena    *Arena
	released bool
}

// Image returns an image view over the bitmap pixels.
func (b *Bitmap) Image() *image.RGBA {
	return &image.RGBA{Pix: b.Pix, Stride: 4 * b.Width, Rect: image.Rect(0, 0, b.Width, b.Height)}
}

// Bytes is the size of the pixel buffer.
func (b *Bitmap) Bytes() int {
	if b == nil {
		return 0
	}
	return len(b.Pix)
}

// Release hands the buffer back to its arena. Releasing twice or releasing
// a nil bitmap is a no-op.
func (b *Bitmap) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	if b.arena != nil {
		b.arena.put(b.Pix)
	}
	b.Pix = nil
}

// Released reports whether Release has been called.
func (b *Bitmap) Released() bool { return b == nil || b.released }

// Arena recycles pixel buffers by power-of-two size class to reduce GC
// pressure from thumbnails churning in and out of the cache.
type Arena struct {
	mu      sync.Mutex
	classes map[int]*sync.Pool
}

// DefaultArena is shared by pools created without an explicit arena.
var DefaultArena = NewArena()

func NewArena() *Arena {
	return &Arena{classes: make(map[int]*sync.Pool)}
}

// Get returns a zeroed w x h bitmap owned by the caller.
func (a *Arena) Get(w, h int) *Bitmap {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	n := 4 * w * h
	buf := a.pool(sizeClass(n)).Get().(*[]byte)
	pix := (*buf)[:n]
	clear(pix)
	return &Bitmap{Width: w, Height: h, Pix: pix, arena: a}
}

func (a *Arena) put(pix []byte) {
	if cap(pix) == 0 {
		return
	}
	class := sizeClass(cap(pix))
	if 1<<class != cap(pix) {
		// Not one of ours; let the GC have it.
		return
	}
	pix = pix[:0]
	a.pool(class).Put(&pix)
}

func (a *Arena) pool(class int) *sync.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.classes[class]
	if !ok {
		size := 1 << class
		p = &sync.Pool{New: func() interface{} {
			b := make([]byte, 0, size)
			return &b
		}}
		a.classes[class] = p
	}
	return p
}

func sizeClass(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}
