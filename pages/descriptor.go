package pages

import (
	"fmt"
	"math"
)

// Identity names the page content a list entry refers to, independent of
// the display transform.
type Identity struct {
	SourceID   string
	PageNumber int
}

func (id Identity) String() string { return fmt.Sprintf("%s#%d", id.SourceID, id.PageNumber) }

// Descriptor describes one page of the collection.
type Descriptor struct {
	SourceID   string
	PageNumber int     // 1-based page number inside the source document
	Rotation   int     // degrees, normalized into [0, 360)
	Scale      float64 // thumbnail scale factor; 0 means 1
	Width      float64 // original page width in points
	Height     float64 // original page height in points
}

// Identity returns the (source, page number) pair of d.
func (d Descriptor) Identity() Identity {
	return Identity{SourceID: d.SourceID, PageNumber: d.PageNumber}
}

// Equal reports whether d and o refer to the same page content. Rotation and
// scale are ignored.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.SourceID == o.SourceID && d.PageNumber == o.PageNumber
}

// Matches reports whether a bitmap rendered for o is valid for d: same
// identity, same rotation and same scale.
func (d Descriptor) Matches(o Descriptor) bool {
	return d.Equal(o) && d.Rotation == o.Rotation && d.effectiveScale() == o.effectiveScale()
}

// Label is the short caption shown under a thumbnail.
func (d Descriptor) Label() string {
	return fmt.Sprintf("%s p.%d", shortID(d.SourceID), d.PageNumber)
}

// ViewSize returns the pixel size of the page displayed with its own
// rotation and scale.
func (d Descriptor) ViewSize() (int, int) {
	return ViewSize(d.Width, d.Height, d.Rotation, d.effectiveScale())
}

func (d Descriptor) effectiveScale() float64 {
	if d.Scale <= 0 {
		return 1
	}
	return d.Scale
}

// ViewSize computes the bounding size of a w x h page rotated by rotation
// degrees and scaled by scale. Sizes never drop below one pixel.
func ViewSize(w, h float64, rotation int, scale float64) (int, int) {
	if scale <= 0 {
		scale = 1
	}
	var vw, vh float64
	switch NormalizeRotation(rotation) {
	case 0, 180:
		vw, vh = w, h
	case 90, 270:
		vw, vh = h, w
	default:
		rad := float64(rotation) * math.Pi / 180
		sin, cos := math.Abs(math.Sin(rad)), math.Abs(math.Cos(rad))
		vw = w*cos + h*sin
		vh = w*sin + h*cos
	}
	return atLeastOne(vw * scale), atLeastOne(vh * scale)
}

// NormalizeRotation folds deg into [0, 360).
func NormalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

func atLeastOne(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
