package draw

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/vector"

	"github.com/tessone/quire/internal/models"
)

// vec is a point in device (pixel) space.
type vec struct {
	x, y float32
}

func dev(p models.Point, scale float64) vec {
	return vec{float32(p.X * scale), float32(p.Y * scale)}
}

// kappa is the control-point distance for approximating a quarter
// circle with a cubic Bézier.
const kappa = 0.5522847498

func fillPoly(dst *image.RGBA, poly []vec, col color.Color) {
	if len(poly) < 3 {
		return
	}
	r := vector.NewRasterizer(dst.Bounds().Dx(), dst.Bounds().Dy())
	r.MoveTo(poly[0].x, poly[0].y)
	for _, p := range poly[1:] {
		r.LineTo(p.x, p.y)
	}
	r.ClosePath()
	r.Draw(dst, dst.Bounds(), image.NewUniform(col), image.Point{})
}

// strokePolyline rasterizes a thick polyline as one path: a quad per
// segment plus round caps at every vertex. Overlap saturates, so the
// joints do not double-darken even at low opacity.
func strokePolyline(dst *image.RGBA, pts []vec, width float32, col color.Color, closed bool) {
	if len(pts) < 2 || width <= 0 {
		return
	}
	r := vector.NewRasterizer(dst.Bounds().Dx(), dst.Bounds().Dy())
	half := width / 2

	seg := func(a, b vec) {
		dx, dy := b.x-a.x, b.y-a.y
		l := float32(math.Hypot(float64(dx), float64(dy)))
		if l == 0 {
			return
		}
		// Unit normal.
		nx, ny := -dy/l*half, dx/l*half
		r.MoveTo(a.x+nx, a.y+ny)
		r.LineTo(b.x+nx, b.y+ny)
		r.LineTo(b.x-nx, b.y-ny)
		r.LineTo(a.x-nx, a.y-ny)
		r.ClosePath()
	}
	for i := 0; i+1 < len(pts); i++ {
		seg(pts[i], pts[i+1])
	}
	if closed {
		seg(pts[len(pts)-1], pts[0])
	}
	for _, p := range pts {
		addCircle(r, p, half)
	}
	r.Draw(dst, dst.Bounds(), image.NewUniform(col), image.Point{})
}

func addCircle(r *vector.Rasterizer, c vec, radius float32) {
	if radius <= 0 {
		return
	}
	k := radius * kappa
	r.MoveTo(c.x+radius, c.y)
	r.CubeTo(c.x+radius, c.y+k, c.x+k, c.y+radius, c.x, c.y+radius)
	r.CubeTo(c.x-k, c.y+radius, c.x-radius, c.y+k, c.x-radius, c.y)
	r.CubeTo(c.x-radius, c.y-k, c.x-k, c.y-radius, c.x, c.y-radius)
	r.CubeTo(c.x+k, c.y-radius, c.x+radius, c.y-k, c.x+radius, c.y)
	r.ClosePath()
}

// ellipsePoints flattens the ellipse inscribed in the box (a, b) into
// a closed polyline.
func ellipsePoints(a, b vec, segments int) []vec {
	cx, cy := (a.x+b.x)/2, (a.y+b.y)/2
	rx := float32(math.Abs(float64(b.x-a.x))) / 2
	ry := float32(math.Abs(float64(b.y-a.y))) / 2
	out := make([]vec, 0, segments)
	for i := 0; i < segments; i++ {
		t := 2 * math.Pi * float64(i) / float64(segments)
		out = append(out, vec{
			cx + rx*float32(math.Cos(t)),
			cy + ry*float32(math.Sin(t)),
		})
	}
	return out
}

// smooth runs Catmull-Rom interpolation through the input points and
// returns a denser polyline. Freehand strokes arrive as raw pointer
// samples; this rounds off the corners between them.
func smooth(pts []vec, steps int) []vec {
	if len(pts) < 3 {
		return pts
	}
	out := make([]vec, 0, (len(pts)-1)*steps+1)
	out = append(out, pts[0])
	for i := 0; i+1 < len(pts); i++ {
		p0 := pts[maxInt(i-1, 0)]
		p1 := pts[i]
		p2 := pts[i+1]
		p3 := pts[minInt(i+2, len(pts)-1)]
		for s := 1; s <= steps; s++ {
			t := float32(s) / float32(steps)
			t2 := t * t
			t3 := t2 * t
			out = append(out, vec{
				0.5 * ((2 * p1.x) + (-p0.x+p2.x)*t + (2*p0.x-5*p1.x+4*p2.x-p3.x)*t2 + (-p0.x+3*p1.x-3*p2.x+p3.x)*t3),
				0.5 * ((2 * p1.y) + (-p0.y+p2.y)*t + (2*p0.y-5*p1.y+4*p2.y-p3.y)*t2 + (-p0.y+3*p1.y-3*p2.y+p3.y)*t3),
			})
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// multiplyRect composites col over the rectangle with a multiply
// blend at the given opacity. Overlapping highlights darken instead
// of occluding. Where the destination is transparent or only partly
// covered, as on an overlay layer whose alpha later becomes a soft
// mask, the uncovered remainder is filled with the highlight color
// at the same opacity so the blend survives channel separation.
func multiplyRect(dst *image.RGBA, rect image.Rectangle, col color.RGBA, opacity float64) {
	rect = rect.Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	fr := 1 - opacity*(1-float64(col.R)/255)
	fg := 1 - opacity*(1-float64(col.G)/255)
	fb := 1 - opacity*(1-float64(col.B)/255)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := dst.Pix[dst.PixOffset(rect.Min.X, y):dst.PixOffset(rect.Max.X, y)]
		for i := 0; i+4 <= len(row); i += 4 {
			// Fraction of the pixel not already covered by ink.
			gap := opacity * (1 - float64(row[i+3])/255)
			row[i] = clamp8(float64(row[i])*fr + float64(col.R)*gap)
			row[i+1] = clamp8(float64(row[i+1])*fg + float64(col.G)*gap)
			row[i+2] = clamp8(float64(row[i+2])*fb + float64(col.B)*gap)
			row[i+3] = clamp8(float64(row[i+3]) + 255*gap)
		}
	}
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func withAlpha(c color.RGBA, opacity float64) color.RGBA {
	a := uint8(math.Round(opacity * 255))
	// Premultiplied.
	return color.RGBA{
		R: uint8(float64(c.R) * opacity),
		G: uint8(float64(c.G) * opacity),
		B: uint8(float64(c.B) * opacity),
		A: a,
	}
}

func parseColor(s string, fallback color.RGBA) color.RGBA {
	if len(s) != 7 || s[0] != '#' {
		return fallback
	}
	var v uint32
	for _, c := range s[1:] {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		default:
			return fallback
		}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
