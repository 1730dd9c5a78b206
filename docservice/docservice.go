// Package docservice defines the document service the engine loads pages
// from and saves them through, plus an in-memory implementation.
package docservice

import (
	"context"
	"errors"

	"github.com/wudi/pagedeck/pages"
	"github.com/wudi/pagedeck/security"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrWrongPassword = errors.New("wrong password")
)

// Metadata is the document information dictionary.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Creator  string
	Producer string
	Keywords []string
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	m.Keywords = append([]string(nil), m.Keywords...)
	return m
}

// Equal compares two metadata values field by field.
func (m Metadata) Equal(o Metadata) bool {
	if m.Title != o.Title || m.Author != o.Author || m.Subject != o.Subject || m.Creator != o.Creator || m.Producer != o.Producer {
		return false
	}
	if len(m.Keywords) != len(o.Keywords) {
		return false
	}
	for i := range m.Keywords {
		if m.Keywords[i] != o.Keywords[i] {
			return false
		}
	}
	return true
}

// Document is what a service returns from Open and accepts in Save.
type Document struct {
	Path     string
	Password string // password used to open the sources of Pages
	Pages    []pages.Descriptor
	Metadata Metadata
	Security security.Settings
}

// Service opens and saves documents.
type Service interface {
	Open(ctx context.Context, path, password string) (*Document, error)
	Save(ctx context.Context, path string, doc *Document) error
}
