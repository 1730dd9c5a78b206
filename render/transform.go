package render

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/wudi/pagedeck/pages"
)

// Paper is the background thumbnails are composed on.
var Paper = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// Transform scales src into dst and rotates it clockwise by rotation
// degrees. dst is expected to already have the rotated aspect ratio; the
// source is stretched to fill it.
func Transform(dst *Bitmap, src image.Image, rotation int) {
	out := dst.Image()
	draw.Draw(out, out.Bounds(), image.NewUniform(Paper), image.Point{}, draw.Src)
	if src == nil {
		return
	}
	sb := src.Bounds()
	if sb.Empty() {
		return
	}

	rotation = pages.NormalizeRotation(rotation)
	// Unrotated target size: the pre-rotation footprint inside dst.
	tw, th := float64(dst.Width), float64(dst.Height)
	if rotation == 90 || rotation == 270 {
		tw, th = th, tw
	} else if rotation%90 != 0 {
		tw, th = unrotatedFit(float64(dst.Width), float64(dst.Height), float64(sb.Dx()), float64(sb.Dy()), rotation)
	}

	kx := tw / float64(sb.Dx())
	ky := th / float64(sb.Dy())
	rad := float64(rotation) * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	if rotation%90 == 0 {
		sin, cos = math.Round(sin), math.Round(cos)
	}

	scx := float64(sb.Min.X) + float64(sb.Dx())/2
	scy := float64(sb.Min.Y) + float64(sb.Dy())/2
	dcx := float64(dst.Width) / 2
	dcy := float64(dst.Height) / 2

	// dst = T(dc) * R * S * T(-sc)
	a, b := cos*kx, -sin*ky
	d, e := sin*kx, cos*ky
	m := f64.Aff3{
		a, b, dcx - (a*scx + b*scy),
		d, e, dcy - (d*scx + e*scy),
	}
	draw.ApproxBiLinear.Transform(out, m, src, sb, draw.Over, nil)
}

// unrotatedFit finds the size of a page with source aspect sw:sh whose
// rotated bounding box fits w x h.
func unrotatedFit(w, h, sw, sh float64, rotation int) (float64, float64) {
	rad := float64(rotation) * math.Pi / 180
	sin, cos := math.Abs(math.Sin(rad)), math.Abs(math.Cos(rad))
	bw := sw*cos + sh*sin
	bh := sw*sin + sh*cos
	k := math.Min(w/bw, h/bh)
	return sw * k, sh * k
}
