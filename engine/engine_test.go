package engine_test

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/wudi/pagedeck/docservice"
	"github.com/wudi/pagedeck/engine"
	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/render/synth"
	"github.com/wudi/pagedeck/security"
	"github.com/wudi/pagedeck/thumbcache"
)

func settle(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Settle(ctx); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func newEngine(t *testing.T, cfg engine.Config, docs ...string) (*engine.Engine, *docservice.Memory) {
	t.Helper()
	mem := docservice.NewMemory(synth.New())
	for _, path := range docs {
		mem.Add(path, synth.Letter(9), docservice.Metadata{Title: path}, security.Settings{})
	}
	e := engine.New(mem, mem.Backend(), cfg)
	t.Cleanup(func() { e.Close() })
	if len(docs) > 0 {
		if err := e.Load(context.Background(), docs[0], ""); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
	return e, mem
}

func numbers(e *engine.Engine) []int {
	var out []int
	for _, d := range e.Pages() {
		out = append(out, d.PageNumber)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRemoveScenario(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	e.RemoveAt(0)
	e.RemoveAt(2)
	e.RemoveAt(e.Count() - 1)

	// Page numbers are 1-based: original indices {1,2,4,5,6,7}.
	if got, want := numbers(e), []int{2, 3, 5, 6, 7, 8}; !equalInts(got, want) {
		t.Fatalf("pages = %v, want %v", got, want)
	}
	for e.Undo() {
	}
	if got := numbers(e); !equalInts(got, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Fatalf("undo left %v", got)
	}
}

func TestItemsBecomeReady(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	var ready []int
	e.Subscribe(func(n engine.Notification) {
		if n.Kind == engine.ItemReady {
			ready = append(ready, n.Index)
		}
	})
	for _, it := range e.Items(0, 3) {
		if it.Status != thumbcache.Placeholder || it.Bitmap == nil {
			t.Fatalf("first access should return a placeholder: %+v", it)
		}
	}
	settle(t, e)
	if len(ready) != 3 {
		t.Fatalf("expected three ready notifications, got %v", ready)
	}
	for _, it := range e.Items(0, 3) {
		if it.Status != thumbcache.Ready {
			t.Fatalf("item %d not ready: %v", it.Index, it.Status)
		}
	}
	if it := e.Item(42); it.Valid {
		t.Fatalf("out of range item should be invalid")
	}
}

// gate is a backend whose renders block until released.
type gate struct {
	started chan int
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan int, 64), release: make(chan struct{})}
}

func (g *gate) Open(context.Context, string, string) (render.Handle, error) { return gateHandle{g}, nil }

type gateHandle struct{ g *gate }

func (gateHandle) PageCount() int { return 100 }

func (gateHandle) Geometry(int) (render.Geometry, error) {
	return render.Geometry{Width: 612, Height: 792}, nil
}

func (h gateHandle) Render(ctx context.Context, page int, scale float64) (image.Image, error) {
	h.g.started <- page
	select {
	case <-h.g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	w, ht := pages.ViewSize(612, 792, 0, scale)
	return image.NewRGBA(image.Rect(0, 0, w, ht)), nil
}

func (gateHandle) Close() error { return nil }

func waitStarted(t *testing.T, g *gate) int {
	t.Helper()
	select {
	case p := <-g.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("render did not start")
	}
	return 0
}

func waitReady(t *testing.T, e *engine.Engine) {
	t.Helper()
	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("no render result")
	}
}

func TestStaleRenderIsDiscarded(t *testing.T) {
	mem := docservice.NewMemory(nil)
	mem.Add("a.pdf", synth.Letter(3), docservice.Metadata{}, security.Settings{})
	g := newGate()
	e := engine.New(mem, g, engine.DefaultConfig())
	defer e.Close()
	if err := e.Load(context.Background(), "a.pdf", ""); err != nil {
		t.Fatal(err)
	}

	e.Item(0)
	waitStarted(t, g)
	e.RotateAt(0, 90)
	g.release <- struct{}{}
	waitReady(t, e)
	e.Dispatch()

	if it := e.Item(0); it.Status == thumbcache.Ready {
		t.Fatalf("a render of the unrotated page must not become ready")
	}
	if e.Stats().Stale != 1 {
		t.Fatalf("expected one stale result, got %d", e.Stats().Stale)
	}

	waitStarted(t, g)
	g.release <- struct{}{}
	settle(t, e)
	it := e.Item(0)
	if it.Status != thumbcache.Ready {
		t.Fatalf("rotated page should be ready, got %v", it.Status)
	}
	if it.Bitmap.Width <= it.Bitmap.Height {
		t.Fatalf("rotated thumbnail should be landscape, got %dx%d", it.Bitmap.Width, it.Bitmap.Height)
	}
}

func TestRequestFollowsPageAcrossRemove(t *testing.T) {
	mem := docservice.NewMemory(nil)
	mem.Add("a.pdf", synth.Letter(5), docservice.Metadata{}, security.Settings{})
	g := newGate()
	e := engine.New(mem, g, engine.DefaultConfig())
	defer e.Close()
	if err := e.Load(context.Background(), "a.pdf", ""); err != nil {
		t.Fatal(err)
	}

	e.Item(3)
	if p := waitStarted(t, g); p != 4 {
		t.Fatalf("expected page 4 to render, got %d", p)
	}
	e.RemoveAt(0)
	g.release <- struct{}{}
	settle(t, e)

	if it := e.Item(2); it.Status != thumbcache.Ready {
		t.Fatalf("page 4 moved to index 2 and should be ready, got %v", it.Status)
	}
	if e.Stats().Stale != 0 {
		t.Fatalf("a shifted render is still valid")
	}
}

func TestUndoReplaysThroughCache(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	var invalidated int
	e.Subscribe(func(n engine.Notification) {
		if n.Kind == engine.ItemInvalidated {
			invalidated++
		}
	})
	e.Items(0, 3)
	settle(t, e)

	e.RotateAt(1, 90)
	if it := e.Item(1); it.Status != thumbcache.Placeholder {
		t.Fatalf("rotation should invalidate the thumbnail")
	}
	settle(t, e)
	if it := e.Item(1); it.Status != thumbcache.Ready || it.Bitmap.Width <= it.Bitmap.Height {
		t.Fatalf("rotated thumbnail not ready: %+v", it)
	}

	if !e.Undo() {
		t.Fatalf("undo failed")
	}
	if it := e.Item(1); it.Status != thumbcache.Placeholder {
		t.Fatalf("undo should invalidate the thumbnail as well")
	}
	settle(t, e)
	if it := e.Item(1); it.Status != thumbcache.Ready || it.Bitmap.Width >= it.Bitmap.Height {
		t.Fatalf("restored thumbnail not ready: %+v", it)
	}
	if invalidated != 2 {
		t.Fatalf("expected two invalidations, got %d", invalidated)
	}
	if d, _ := e.Page(1); d.Rotation != 0 {
		t.Fatalf("rotation = %d after undo", d.Rotation)
	}
}

func TestBatchUndoesAsOne(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	e.Batch(func() {
		e.RotateAt(0, 90)
		e.RotateAt(1, 90)
	})
	if got := e.UndoDescriptions(); len(got) != 1 || got[0] != "Rotate 2 pages" {
		t.Fatalf("descriptions = %v", got)
	}
	e.Undo()
	for i := 0; i < 2; i++ {
		if d, _ := e.Page(i); d.Rotation != 0 {
			t.Fatalf("page %d still rotated", i)
		}
	}
	if e.CanUndo() || !e.CanRedo() {
		t.Fatalf("unexpected stack state")
	}
}

func TestFailedPageKeepsPlaceholder(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	e.Insert(1, pages.Descriptor{SourceID: "gone", PageNumber: 1, Width: 612, Height: 792})

	var failed []engine.Notification
	e.Subscribe(func(n engine.Notification) {
		if n.Kind == engine.ItemFailed {
			failed = append(failed, n)
		}
	})
	e.Items(0, 3)
	settle(t, e)

	if len(failed) != 1 || failed[0].Index != 1 || !errors.Is(failed[0].Err, render.ErrSourceUnavailable) {
		t.Fatalf("expected one SourceUnavailable failure at index 1, got %+v", failed)
	}
	it := e.Item(1)
	if !it.Failed() || it.Status != thumbcache.Placeholder {
		t.Fatalf("failed page should stay a placeholder: %+v", it)
	}
	for _, i := range []int{0, 2} {
		if e.Item(i).Status != thumbcache.Ready {
			t.Fatalf("page %d should render despite the failure", i)
		}
	}
	settle(t, e)
	if n := e.Stats().Scheduler.Failed; n != 1 {
		t.Fatalf("failed page was re-rendered: %d failures", n)
	}
}

func TestIdentityOnlyInsertUsesPageGeometry(t *testing.T) {
	e, mem := newEngine(t, engine.DefaultConfig(), "a.pdf")
	id := mem.Add("wide.pdf", []render.Geometry{{Width: 400, Height: 200, Rotation: 90}}, docservice.Metadata{}, security.Settings{})
	e.Insert(0, pages.Descriptor{SourceID: id, PageNumber: 1})

	d, _ := e.Page(0)
	if d.Width != 400 || d.Height != 200 || d.Rotation != 90 {
		t.Fatalf("descriptor not completed from the source: %+v", d)
	}
	e.Item(0)
	e.Item(1)
	settle(t, e)

	want, _ := e.Page(0)
	w, h := want.ViewSize()
	it := e.Item(0)
	if it.Status != thumbcache.Ready || it.Bitmap.Width != w || it.Bitmap.Height != h {
		t.Fatalf("item 0: status %v bitmap %dx%d, want ready %dx%d", it.Status, it.Bitmap.Width, it.Bitmap.Height, w, h)
	}
	if w != 50 || h != 100 {
		t.Fatalf("rotated thumbnail should be portrait, got %dx%d", w, h)
	}
	sibling, _ := e.Page(1)
	sw, sh := sibling.ViewSize()
	if b := e.Item(1).Bitmap; b.Width != sw || b.Height != sh {
		t.Fatalf("loaded page %dx%d, want %dx%d", b.Width, b.Height, sw, sh)
	}
	if e.Stats().Sources != 2 {
		t.Fatalf("sources = %d", e.Stats().Sources)
	}
	e.Undo()
	if e.Stats().Sources != 1 {
		t.Fatalf("undo should release the inserted source")
	}
}

func TestCapacityEvicts(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Capacity = 2
	e, _ := newEngine(t, cfg, "a.pdf")
	e.Item(0)
	e.Item(1)
	e.Item(8)
	settle(t, e)

	st := e.Stats()
	if st.Hot != 2 || st.Evicted != 1 {
		t.Fatalf("hot=%d evicted=%d", st.Hot, st.Evicted)
	}
	if e.Item(8).Status != thumbcache.Ready {
		t.Fatalf("most recent page should be cached")
	}
}

func TestMergeAndSources(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf", "b.pdf")
	if e.Stats().Sources != 1 {
		t.Fatalf("expected one pooled source")
	}
	if err := e.Merge(context.Background(), "b.pdf", ""); err != nil {
		t.Fatal(err)
	}
	if e.Count() != 18 || e.Stats().Sources != 2 {
		t.Fatalf("count=%d sources=%d", e.Count(), e.Stats().Sources)
	}
	if got := e.UndoDescriptions(); len(got) != 1 || got[0] != "Insert 9 pages" {
		t.Fatalf("descriptions = %v", got)
	}
	e.Undo()
	if e.Count() != 9 || e.Stats().Sources != 1 {
		t.Fatalf("undo merge: count=%d sources=%d", e.Count(), e.Stats().Sources)
	}
	if err := e.MergeAt(context.Background(), 99, "b.pdf", ""); !errors.Is(err, pages.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestMetadataAndEncryptionUndo(t *testing.T) {
	e, mem := newEngine(t, engine.DefaultConfig(), "a.pdf")
	e.SetMetadata(docservice.Metadata{Title: "Report"})
	sec := security.Settings{Algorithm: security.AES_256, UserPassword: "u", OwnerPassword: "o", Permissions: security.AllPermissions()}
	if err := e.SetEncryption(sec); err != nil {
		t.Fatal(err)
	}
	if err := e.SetEncryption(security.Settings{Algorithm: "ROT13"}); !errors.Is(err, security.ErrInvalidSettings) {
		t.Fatalf("expected invalid settings, got %v", err)
	}

	e.Undo()
	if e.Encryption().Encrypted() {
		t.Fatalf("encryption should be undone")
	}
	e.Undo()
	if e.Metadata().Title != "a.pdf" {
		t.Fatalf("title = %q", e.Metadata().Title)
	}
	e.Redo()
	e.Redo()
	if e.Metadata().Title != "Report" || e.Encryption() != sec {
		t.Fatalf("redo did not restore both snapshots")
	}

	if err := e.Save(context.Background(), "out.pdf"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Open(context.Background(), "out.pdf", "x"); !errors.Is(err, docservice.ErrWrongPassword) {
		t.Fatalf("saved document should be encrypted, got %v", err)
	}
	doc, err := mem.Open(context.Background(), "out.pdf", "u")
	if err != nil || len(doc.Pages) != 9 || doc.Metadata.Title != "Report" {
		t.Fatalf("saved document mismatch: %+v %v", doc, err)
	}
}

func TestLoadErrors(t *testing.T) {
	e, mem := newEngine(t, engine.DefaultConfig())
	if err := e.Load(context.Background(), "missing.pdf", ""); !errors.Is(err, docservice.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	mem.Add("locked.pdf", synth.Letter(1), docservice.Metadata{}, security.Settings{Algorithm: security.AES_128, UserPassword: "pw"})
	if err := e.Load(context.Background(), "locked.pdf", "nope"); !errors.Is(err, docservice.ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	if err := e.Load(context.Background(), "locked.pdf", "pw"); err != nil {
		t.Fatal(err)
	}
	e.Item(0)
	settle(t, e)
	if e.Item(0).Status != thumbcache.Ready {
		t.Fatalf("encrypted source should render with its password")
	}
}

func TestLoadClearsHistoryAndReleasesSources(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf", "b.pdf")
	e.RotateAt(0, 90)
	if err := e.Load(context.Background(), "b.pdf", ""); err != nil {
		t.Fatal(err)
	}
	if e.CanUndo() {
		t.Fatalf("loading a document should clear history")
	}
	if e.Stats().Sources != 1 {
		t.Fatalf("previous source should be released, have %d", e.Stats().Sources)
	}
}

func TestClose(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	e.Items(0, 9)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Load(context.Background(), "a.pdf", ""); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if it := e.Item(0); it.Valid {
		t.Fatalf("closed engine should not serve items")
	}
	if e.Stats().Sources != 0 || e.Stats().Bytes != 0 {
		t.Fatalf("close should release everything: %+v", e.Stats())
	}
	e.RotateAt(0, 90)
	if e.CanUndo() {
		t.Fatalf("edits after close must be ignored")
	}
}

func TestListenerMayReenter(t *testing.T) {
	e, _ := newEngine(t, engine.DefaultConfig(), "a.pdf")
	seen := 0
	cancel := e.Subscribe(func(n engine.Notification) {
		seen++
		e.Item(n.Index)
	})
	e.Item(0)
	settle(t, e)
	cancel()
	e.Item(1)
	settle(t, e)
	if seen != 1 {
		t.Fatalf("listener called %d times", seen)
	}
}
