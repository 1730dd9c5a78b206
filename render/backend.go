package render

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrSourceUnavailable reports a source document that is missing or locked.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrAccessDenied reports insufficient rights to decrypt a source.
	ErrAccessDenied = errors.New("access denied")
	// ErrCancelled is an internal signal for renders abandoned because of
	// cancellation or disposal. It is never shown to users.
	ErrCancelled = errors.New("render cancelled")
)

// Geometry is the untransformed size and base rotation of a source page.
type Geometry struct {
	Width    float64
	Height   float64
	Rotation int
}

// Handle is an opened source document.
//
// Close may be called while Render is running on another goroutine; Render
// must then return promptly with an error.
type Handle interface {
	PageCount() int
	Geometry(page int) (Geometry, error)
	// Render rasterizes page at scale without applying any rotation.
	Render(ctx context.Context, page int, scale float64) (image.Image, error)
	Close() error
}

// Backend opens source documents for rendering.
type Backend interface {
	Open(ctx context.Context, sourceID, password string) (Handle, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, sourceID, password string) (Handle, error)

func (f BackendFunc) Open(ctx context.Context, sourceID, password string) (Handle, error) {
	return f(ctx, sourceID, password)
}

// IsPermanent reports whether err leaves a page unrenderable until its
// source changes.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrAccessDenied)
}
