package render

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wudi/pagedeck/pages"
)

var (
	placeholderFill   = color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
	placeholderBorder = color.RGBA{R: 0xbb, G: 0xbb, B: 0xbb, A: 0xff}
	placeholderInk    = color.RGBA{R: 0x77, G: 0x77, B: 0x77, A: 0xff}
	errorMark         = color.RGBA{R: 0xd0, G: 0x30, B: 0x30, A: 0xff}
)

// Placeholder allocates a blank bitmap with the aspect ratio of d as it will
// be displayed, framed and captioned with label when it fits.
func Placeholder(a *Arena, d pages.Descriptor, label string) *Bitmap {
	if a == nil {
		a = DefaultArena
	}
	w, h := d.ViewSize()
	bmp := a.Get(w, h)
	img := bmp.Image()
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderFill), image.Point{}, draw.Src)
	frame(img, placeholderBorder)
	caption(img, label, placeholderInk)
	return bmp
}

// MarkFailed paints an error indicator into the top-left corner of a
// placeholder.
func MarkFailed(b *Bitmap) {
	if b == nil || b.Released() {
		return
	}
	img := b.Image()
	size := min(b.Width, b.Height, 8)
	draw.Draw(img, image.Rect(0, 0, size, size), image.NewUniform(errorMark), image.Point{}, draw.Src)
}

func frame(img *image.RGBA, c color.Color) {
	r := img.Bounds()
	for x := r.Min.X; x < r.Max.X; x++ {
		img.Set(x, r.Min.Y, c)
		img.Set(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.Set(r.Min.X, y, c)
		img.Set(r.Max.X-1, y, c)
	}
}

func caption(img *image.RGBA, label string, c color.Color) {
	if label == "" {
		return
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	r := img.Bounds()
	if width+4 > r.Dx() || face.Height+4 > r.Dy() {
		return
	}
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P((r.Dx()-width)/2, (r.Dy()+face.Ascent)/2),
	}
	d.DrawString(label)
}
