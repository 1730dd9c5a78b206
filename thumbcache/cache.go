// Package thumbcache holds one thumbnail entry per page index and the
// viewport window deciding which entries are worth keeping.
package thumbcache

import (
	"fmt"
	"sync"

	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/render"
)

type Status int

const (
	Empty Status = iota
	Placeholder
	Ready
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Placeholder:
		return "placeholder"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Entry is a snapshot of one cache slot. Bitmap stays owned by the cache and
// is only valid until the slot changes.
type Entry struct {
	Status Status
	Bitmap *render.Bitmap
	Label  string
	// Err is set when the page could not be rendered. The slot then keeps
	// its placeholder until the descriptor changes.
	Err error
	// Descriptor is the page the bitmap was produced for.
	Descriptor pages.Descriptor
}

// Failed reports whether the slot holds a permanent placeholder.
func (e Entry) Failed() bool { return e.Status == Placeholder && e.Err != nil }

type slot struct {
	status Status
	bitmap *render.Bitmap
	label  string
	err    error
	desc   pages.Descriptor
}

// Cache is index addressed and parallel to the page list: exactly one slot
// exists per page. Each slot owns its bitmap and releases it on eviction or
// replacement. Cache is safe for concurrent use.
type Cache struct {
	arena *render.Arena

	mu    sync.Mutex
	slots []*slot
}

func New(arena *render.Arena) *Cache {
	if arena == nil {
		arena = render.DefaultArena
	}
	return &Cache{arena: arena}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *Cache) Get(index int) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(index)
	if s == nil {
		return Entry{}, false
	}
	return s.entry(), true
}

// Apply mirrors a structural page list change. Inserted pages get Empty
// slots; removed slots release their bitmaps; moved slots keep their
// content because the page moved with them. Rotations are handled by
// Invalidate.
func (c *Cache) Apply(e pages.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Kind {
	case pages.EventInsert:
		if e.Index < 0 || e.Index > len(c.slots) {
			return
		}
		fresh := make([]*slot, e.Count)
		for i := range fresh {
			fresh[i] = &slot{label: labelOf(e.Pages, i)}
		}
		c.slots = append(c.slots[:e.Index], append(fresh, c.slots[e.Index:]...)...)
	case pages.EventRemove:
		end := min(e.Index+e.Count, len(c.slots))
		if e.Index < 0 || e.Index >= end {
			return
		}
		for _, s := range c.slots[e.Index:end] {
			s.release()
		}
		c.slots = append(c.slots[:e.Index], c.slots[end:]...)
	case pages.EventMove:
		n := len(c.slots)
		if e.Index < 0 || e.Index >= n || e.To < 0 || e.To >= n {
			return
		}
		s := c.slots[e.Index]
		if e.Index < e.To {
			copy(c.slots[e.Index:e.To], c.slots[e.Index+1:e.To+1])
		} else {
			copy(c.slots[e.To+1:e.Index+1], c.slots[e.To:e.Index])
		}
		c.slots[e.To] = s
	case pages.EventReset:
		for _, s := range c.slots {
			s.release()
		}
		c.slots = make([]*slot, len(e.Pages))
		for i := range c.slots {
			c.slots[i] = &slot{label: labelOf(e.Pages, i)}
		}
	}
}

// Placeholder turns an Empty slot into a Placeholder for d and returns the
// resulting entry. The second result reports whether a render should be
// requested: false for Ready slots and for failed placeholders.
func (c *Cache) Placeholder(index int, d pages.Descriptor) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(index)
	if s == nil {
		return Entry{}, false
	}
	switch s.status {
	case Ready:
		return s.entry(), false
	case Placeholder:
		return s.entry(), s.err == nil
	}
	s.status = Placeholder
	s.desc = d
	s.label = d.Label()
	s.bitmap = render.Placeholder(c.arena, d, s.label)
	return s.entry(), true
}

// Invalidate records that the descriptor at index changed. A slot that was
// in use becomes a fresh placeholder sized for d and the method returns
// true; an Empty slot stays Empty.
func (c *Cache) Invalidate(index int, d pages.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(index)
	if s == nil || s.status == Empty {
		return false
	}
	s.release()
	s.status = Placeholder
	s.desc = d
	s.label = d.Label()
	s.bitmap = render.Placeholder(c.arena, d, s.label)
	return true
}

// SetReady stores bmp for index. The cache takes ownership of bmp in every
// case and releases it when the slot is gone.
func (c *Cache) SetReady(index int, d pages.Descriptor, bmp *render.Bitmap) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(index)
	if s == nil || bmp == nil {
		bmp.Release()
		return false
	}
	s.release()
	s.status = Ready
	s.bitmap = bmp
	s.desc = d
	s.label = d.Label()
	return true
}

// SetFailed pins the placeholder at index and records err. When mark is
// set the placeholder gets an error indicator.
func (c *Cache) SetFailed(index int, err error, mark bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(index)
	if s == nil || s.status != Placeholder {
		return false
	}
	s.err = err
	if mark {
		render.MarkFailed(s.bitmap)
	}
	return true
}

// Evict releases the bitmap at index and returns the slot to Empty.
func (c *Cache) Evict(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotLocked(index)
	if s == nil || s.status == Empty {
		return false
	}
	s.release()
	return true
}

// Counts returns the number of slots per status.
func (c *Cache) Counts() map[Status]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Status]int, 3)
	for _, s := range c.slots {
		out[s.status]++
	}
	return out
}

// Bytes returns the pixel memory held by the cache.
func (c *Cache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, s := range c.slots {
		total += s.bitmap.Bytes()
	}
	return total
}

// Close releases every bitmap and empties the cache.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		s.release()
	}
	c.slots = nil
}

func (c *Cache) slotLocked(index int) *slot {
	if index < 0 || index >= len(c.slots) {
		return nil
	}
	return c.slots[index]
}

func (s *slot) entry() Entry {
	return Entry{Status: s.status, Bitmap: s.bitmap, Label: s.label, Err: s.err, Descriptor: s.desc}
}

// release frees the bitmap and returns the slot to Empty, keeping its label.
func (s *slot) release() {
	s.bitmap.Release()
	s.bitmap = nil
	s.status = Empty
	s.err = nil
}

func labelOf(ds []pages.Descriptor, i int) string {
	if i < len(ds) {
		return ds[i].Label()
	}
	return ""
}
