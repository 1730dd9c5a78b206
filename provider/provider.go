// Package provider implements the virtualization contract consumed by
// presentation layers: a count plus indexed, non-blocking item access.
package provider

import (
	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/thumbcache"
)

// Item is what a consumer displays at one index. Bitmap is borrowed from
// the cache and stays valid until the next edit or dispatch.
type Item struct {
	Index  int
	Valid  bool // false for indices outside the collection
	Status thumbcache.Status
	Bitmap *render.Bitmap
	Label  string
	Err    error // set for pages that cannot be rendered
}

// Failed reports whether the item is a permanent placeholder.
func (it Item) Failed() bool { return it.Err != nil }

// Source is the page sequence the provider exposes.
type Source interface {
	Count() int
	Get(index int) (pages.Descriptor, bool)
}

// Tracker records accesses and reports evicted indices.
type Tracker interface {
	Touch(index int) []int
}

// Requester accepts render requests.
type Requester interface {
	Enqueue(index int, d pages.Descriptor)
}

// Provider answers item requests from the cache and schedules renders on
// misses. It never blocks.
type Provider struct {
	pages   Source
	cache   *thumbcache.Cache
	tracker Tracker
	sched   Requester
	onEvict func(indices []int)
}

// New wires a provider. onEvict, when non-nil, is called with the indices the
// tracker evicted so their cache slots can be released.
func New(src Source, cache *thumbcache.Cache, tracker Tracker, sched Requester, onEvict func([]int)) *Provider {
	return &Provider{pages: src, cache: cache, tracker: tracker, sched: sched, onEvict: onEvict}
}

func (p *Provider) Count() int { return p.pages.Count() }

// Item returns the displayable state of index. A miss produces a
// placeholder with the page's aspect ratio and queues a render.
func (p *Provider) Item(index int) Item {
	d, ok := p.pages.Get(index)
	if !ok {
		return Item{Index: index}
	}
	entry, needRender := p.cache.Placeholder(index, d)
	if evicted := p.tracker.Touch(index); len(evicted) > 0 && p.onEvict != nil {
		p.onEvict(evicted)
	}
	if needRender {
		p.sched.Enqueue(index, d)
	}
	return Item{
		Index:  index,
		Valid:  true,
		Status: entry.Status,
		Bitmap: entry.Bitmap,
		Label:  entry.Label,
		Err:    entry.Err,
	}
}

// Peek returns the cached state of index without recording an access or
// scheduling a render.
func (p *Provider) Peek(index int) Item {
	if _, ok := p.pages.Get(index); !ok {
		return Item{Index: index}
	}
	entry, _ := p.cache.Get(index)
	return Item{
		Index:  index,
		Valid:  true,
		Status: entry.Status,
		Bitmap: entry.Bitmap,
		Label:  entry.Label,
		Err:    entry.Err,
	}
}

// Range returns items for [first, first+n), clipped to the collection.
func (p *Provider) Range(first, n int) []Item {
	first = max(first, 0)
	last := min(first+n, p.Count())
	if last <= first {
		return nil
	}
	out := make([]Item, 0, last-first)
	for i := first; i < last; i++ {
		out = append(out, p.Item(i))
	}
	return out
}
