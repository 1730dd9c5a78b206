// Package scheduler runs page renders one at a time on a background worker.
//
// Requests are coalesced by page index: a newer request for an index
// replaces the pending one. Results are queued and announced on Ready; the
// edit context drains them with Drain and decides, against its current page
// list, whether each result is still valid. The scheduler never touches the
// page list or the thumbnail cache itself.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/pagedeck/observability"
	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/recovery"
	"github.com/wudi/pagedeck/render"
)

// Renderer produces the thumbnail bitmap of one descriptor. render.Pool
// implements it.
type Renderer interface {
	Render(ctx context.Context, d pages.Descriptor) (*render.Bitmap, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, d pages.Descriptor) (*render.Bitmap, error)

func (f RendererFunc) Render(ctx context.Context, d pages.Descriptor) (*render.Bitmap, error) {
	return f(ctx, d)
}

type State int

const (
	Idle State = iota
	Rendering
)

func (s State) String() string {
	if s == Rendering {
		return "rendering"
	}
	return "idle"
}

// Request asks for the page at Index as described by Descriptor.
type Request struct {
	Index      int
	Descriptor pages.Descriptor
}

// Result is the outcome of one request. Index reflects any remapping that
// happened while the render was running.
type Result struct {
	Request
	Bitmap *render.Bitmap // owned by the receiver
	Err    error
	// Discarded results were cancelled or dropped; they carry no bitmap.
	Discarded bool
	// Action is the recovery decision for a failed render.
	Action recovery.Action
}

// Stats counts scheduler outcomes.
type Stats struct {
	Rendered   int
	Discarded  int
	Failed     int
	Retried    int
	PeakActive int
}

type Config struct {
	Logger   observability.Logger
	Recovery recovery.Strategy
}

type pendingRequest struct {
	Request
	attempt int
}

type job struct {
	pendingRequest
	ctx       context.Context
	cancel    context.CancelFunc
	discarded bool
}

// Scheduler is a single-flight render worker. All methods are safe for
// concurrent use.
type Scheduler struct {
	renderer Renderer
	log      observability.Logger
	strategy recovery.Strategy

	mu      sync.Mutex
	pending map[int]pendingRequest
	active  *job
	state   State
	results []Result
	closed  bool
	stats   Stats
	changed chan struct{}

	running atomic.Int32
	wake    chan struct{}
	ready   chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New starts the worker goroutine. Call Close to stop it.
func New(r Renderer, cfg Config) *Scheduler {
	if cfg.Recovery == nil {
		cfg.Recovery = recovery.NewStrictStrategy()
	}
	s := &Scheduler{
		renderer: r,
		log:      observability.OrNop(cfg.Logger).With(observability.String("component", "scheduler")),
		strategy: cfg.Recovery,
		pending:  make(map[int]pendingRequest),
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue requests a render of d at index, replacing any pending request
// for the same index. A request identical to the one being rendered is
// ignored.
func (s *Scheduler) Enqueue(index int, d pages.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || index < 0 {
		return
	}
	if a := s.active; a != nil && !a.discarded && a.Index == index && a.Descriptor.Matches(d) {
		delete(s.pending, index)
		return
	}
	s.pending[index] = pendingRequest{Request: Request{Index: index, Descriptor: d}}
	s.signal(s.wake)
}

// CancelAll drops every pending request and asks the active render to stop.
// The active render still produces a Result, marked Discarded.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.pending)
	if s.active != nil {
		s.active.discarded = true
		s.active.cancel()
	}
	s.broadcast()
}

// Forget drops the pending request for index, if any.
func (s *Scheduler) Forget(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, index)
}

// Remap moves pending and in-flight requests to new indices. fn reports
// false for indices that no longer exist; their requests are dropped and an
// in-flight render for them is cancelled.
func (s *Scheduler) Remap(fn func(int) (int, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		next := make(map[int]pendingRequest, len(s.pending))
		for idx, req := range s.pending {
			ni, ok := fn(idx)
			if !ok {
				continue
			}
			req.Index = ni
			next[ni] = req
		}
		s.pending = next
	}
	if a := s.active; a != nil && !a.discarded {
		ni, ok := fn(a.Index)
		if !ok {
			a.discarded = true
			a.cancel()
			return
		}
		a.Index = ni
	}
}

// Pending returns the number of queued requests, excluding the active one.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Requested reports whether index is queued or being rendered.
func (s *Scheduler) Requested(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[index]; ok {
		return true
	}
	return s.active != nil && !s.active.discarded && s.active.Index == index
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Ready receives a value whenever new results are available to Drain.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Drain removes and returns the queued results in completion order.
func (s *Scheduler) Drain() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.results
	s.results = nil
	return out
}

// WaitIdle blocks until nothing is pending or rendering, or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.closed || (s.active == nil && len(s.pending) == 0)
		changed := s.changed
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close cancels all work, stops the worker and waits for it to exit.
// Results already queued can still be drained.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.closed = true
	clear(s.pending)
	if s.active != nil {
		s.active.discarded = true
		s.active.cancel()
	}
	s.broadcast()
	s.mu.Unlock()
	close(s.done)
	<-s.stopped
}

func (s *Scheduler) run() {
	defer close(s.stopped)
	for {
		j, ok := s.next()
		if !ok {
			return
		}
		s.execute(j)
	}
}

// next blocks until a request is available and makes it active.
func (s *Scheduler) next() (*job, bool) {
	s.mu.Lock()
	for {
		if s.closed {
			s.state = Idle
			s.mu.Unlock()
			return nil, false
		}
		if req, ok := s.pickLocked(); ok {
			delete(s.pending, req.Index)
			ctx, cancel := context.WithCancel(context.Background())
			j := &job{pendingRequest: req, ctx: ctx, cancel: cancel}
			s.active = j
			s.state = Rendering
			s.mu.Unlock()
			return j, true
		}
		if s.state != Idle {
			s.state = Idle
			s.broadcast()
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.done:
		}
		s.mu.Lock()
	}
}

// pickLocked selects the pending request with the lowest index.
func (s *Scheduler) pickLocked() (pendingRequest, bool) {
	var best pendingRequest
	found := false
	for idx, req := range s.pending {
		if !found || idx < best.Index {
			best, found = req, true
		}
	}
	return best, found
}

func (s *Scheduler) execute(j *job) {
	n := int(s.running.Add(1))
	start := time.Now()
	bmp, err := s.renderer.Render(j.ctx, j.Descriptor)
	s.running.Add(-1)
	s.finish(j, n, bmp, err, time.Since(start))
}

func (s *Scheduler) finish(j *job, running int, bmp *render.Bitmap, err error, elapsed time.Duration) {
	s.mu.Lock()
	s.active = nil
	j.cancel()
	if running > s.stats.PeakActive {
		s.stats.PeakActive = running
	}
	res := Result{Request: j.Request, Bitmap: bmp, Err: err}
	deliver := true
	switch {
	case j.discarded || isCancellation(err):
		res.Discarded = true
		res.Bitmap.Release()
		res.Bitmap = nil
		s.stats.Discarded++
	case err != nil:
		res.Bitmap.Release()
		res.Bitmap = nil
		res.Action = s.strategy.OnError(j.ctx, err, recovery.Location{
			Component:  "scheduler",
			Index:      j.Index,
			SourceID:   j.Descriptor.SourceID,
			PageNumber: j.Descriptor.PageNumber,
		})
		_, superseded := s.pending[j.Index]
		if res.Action == recovery.ActionFix && j.attempt == 0 && !superseded && !s.closed {
			s.pending[j.Index] = pendingRequest{Request: j.Request, attempt: j.attempt + 1}
			s.stats.Retried++
			deliver = false
			break
		}
		if res.Action == recovery.ActionFix {
			res.Action = recovery.ActionFail
		}
		s.stats.Failed++
	default:
		s.stats.Rendered++
	}
	if deliver {
		s.results = append(s.results, res)
	}
	s.broadcast()
	s.mu.Unlock()

	if deliver {
		s.signal(s.ready)
	}
	fields := []observability.Field{
		observability.Int("index", res.Index),
		observability.String("page", res.Descriptor.Identity().String()),
		observability.Duration("elapsed", elapsed),
	}
	switch {
	case res.Discarded:
		s.log.Debug("render discarded", fields...)
	case err != nil && !deliver:
		s.log.Debug("render retried", append(fields, observability.Error("err", err))...)
	case err != nil && res.Action == recovery.ActionWarn:
		s.log.Warn("render failed", append(fields, observability.Error("err", err))...)
	case err != nil:
		s.log.Debug("render failed", append(fields, observability.Error("err", err), observability.String("action", res.Action.String()))...)
	default:
		s.log.Debug("render finished", fields...)
	}
}

// broadcast wakes WaitIdle callers. Callers hold s.mu.
func (s *Scheduler) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, render.ErrCancelled) || errors.Is(err, context.Canceled)
}
