package docservice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/render"
	"github.com/wudi/pagedeck/render/synth"
	"github.com/wudi/pagedeck/security"
)

// Memory is a document service whose "files" live in memory. Every added
// document becomes a synthetic render source with a fresh identifier, so a
// Memory paired with its backend is a complete stand-in for real PDF files.
type Memory struct {
	backend *synth.Backend

	mu    sync.Mutex
	files map[string]*Document
}

func NewMemory(backend *synth.Backend) *Memory {
	if backend == nil {
		backend = synth.New()
	}
	return &Memory{backend: backend, files: make(map[string]*Document)}
}

// Backend returns the render backend serving the documents of m.
func (m *Memory) Backend() *synth.Backend { return m.backend }

// Add stores a document at path with the given page geometries and returns
// the source identifier of its pages.
func (m *Memory) Add(path string, geometry []render.Geometry, meta Metadata, sec security.Settings) string {
	id := uuid.NewString()
	src := synth.Source{ID: id, Pages: geometry}
	if sec.Encrypted() {
		src.Password, src.OwnerPassword = sec.UserPassword, sec.OwnerPassword
	}
	m.backend.Add(src)

	doc := &Document{Path: path, Pages: src.Descriptors(1), Metadata: meta.Clone(), Security: sec}
	m.mu.Lock()
	m.files[path] = doc
	m.mu.Unlock()
	return id
}

// Open returns a copy of the document at path. Encrypted documents accept
// either their user or owner password.
func (m *Memory) Open(ctx context.Context, path, password string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	doc, ok := m.files[path]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
	}
	if sec := doc.Security; sec.Encrypted() && password != sec.UserPassword && password != sec.OwnerPassword {
		return nil, fmt.Errorf("open %s: %w", path, ErrWrongPassword)
	}
	out := copyDocument(doc)
	out.Password = password
	return out, nil
}

// Save stores doc at path, replacing any previous content.
func (m *Memory) Save(ctx context.Context, path string, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("save %s: nil document", path)
	}
	if err := doc.Security.Validate(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	stored := copyDocument(doc)
	stored.Path = path
	m.mu.Lock()
	m.files[path] = stored
	m.mu.Unlock()
	return nil
}

// Paths lists the stored documents in lexical order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func copyDocument(d *Document) *Document {
	out := *d
	out.Pages = append([]pages.Descriptor(nil), d.Pages...)
	out.Metadata = d.Metadata.Clone()
	return &out
}
