// Package draw renders annotations onto raster surfaces. Every entry
// point is pure and stateless: coordinates come in unscaled PDF space
// and are projected through the caller's scale factor before any
// vector call is issued.
package draw

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/tessone/quire/internal/models"
)

const (
	defaultLineWidth = 2.0
	defaultOpacity   = 1.0
	defaultFontSize  = 14.0

	highlightOpacity = 0.35

	// Export output goes through lossy re-encoding, so hairlines and
	// faint strokes get floored to stay visible afterwards.
	exportMinLineWidth = 1.75
	exportMinOpacity   = 0.85
	exportMinHighlight = 0.45
)

var (
	fallbackColor = color.RGBA{R: 0xcc, G: 0x2a, B: 0x36, A: 0xff}
	stickyFill    = color.RGBA{R: 0xff, G: 0xee, B: 0x8c, A: 0xff}
	stickyBorder  = color.RGBA{R: 0xd4, G: 0xb1, B: 0x06, A: 0xff}

	stampColors = map[models.Kind]color.RGBA{
		models.KindStampApproved: {R: 0x2e, G: 0x85, B: 0x40, A: 0xff},
		models.KindStampRejected: {R: 0xcc, G: 0x2a, B: 0x36, A: 0xff},
		models.KindStampDraft:    {R: 0x6b, G: 0x72, B: 0x80, A: 0xff},
		models.KindStampReviewed: {R: 0x1f, G: 0x6f, B: 0xeb, A: 0xff},
	}

	stampLabels = map[models.Kind]string{
		models.KindStampApproved: "APPROVED",
		models.KindStampRejected: "REJECTED",
		models.KindStampDraft:    "DRAFT",
		models.KindStampReviewed: "REVIEWED",
	}
)

// pen is the resolved stroke parameters for one annotation at one
// scale.
type pen struct {
	color   color.RGBA
	width   float32
	opacity float64
}

func resolvePen(ann models.Annotation, scale float64, forExport bool) pen {
	w := ann.Style.LineWidth
	if w <= 0 {
		w = defaultLineWidth
	}
	w *= scale
	op := ann.Style.Opacity
	if op <= 0 || op > 1 {
		op = defaultOpacity
	}
	if forExport {
		if w < exportMinLineWidth {
			w = exportMinLineWidth
		}
		if op < exportMinOpacity {
			op = exportMinOpacity
		}
	}
	return pen{
		color:   parseColor(ann.Style.Color, fallbackColor),
		width:   float32(w),
		opacity: op,
	}
}

// Draw renders one annotation onto dst. Unknown variants and variants
// without enough points are skipped; integrity filtering happens
// upstream so this never fails.
func Draw(dst *image.RGBA, ann models.Annotation, scale float64, forExport bool) {
	if len(ann.Points) == 0 || scale <= 0 {
		return
	}
	p := resolvePen(ann, scale, forExport)
	pts := make([]vec, len(ann.Points))
	for i, pt := range ann.Points {
		pts[i] = dev(pt, scale)
	}

	switch ann.Kind {
	case models.KindFreehand:
		drawFreehand(dst, pts, p)
	case models.KindLine:
		drawLine(dst, pts, p)
	case models.KindArrow:
		drawArrow(dst, pts, p, false)
	case models.KindDoubleArrow:
		drawArrow(dst, pts, p, true)
	case models.KindRect:
		drawRect(dst, pts, p)
	case models.KindCircle:
		drawEllipse(dst, pts, p)
	case models.KindTriangle:
		drawTriangle(dst, pts, p)
	case models.KindStar:
		drawStar(dst, pts, p)
	case models.KindHighlight:
		drawHighlight(dst, pts, p, ann, forExport)
	case models.KindText:
		drawText(dst, pts, p, ann, scale)
	case models.KindSticky:
		drawSticky(dst, pts, p, ann, scale)
	case models.KindStampApproved, models.KindStampRejected,
		models.KindStampDraft, models.KindStampReviewed, models.KindStampCustom:
		drawStamp(dst, pts, p, ann, scale)
	case models.KindCloud:
		drawCloud(dst, pts, p, scale)
	case models.KindDimension:
		drawDimension(dst, pts, p, ann, scale)
	case models.KindNorthArrow:
		drawNorthArrow(dst, pts, p, scale)
	case models.KindSectionMark:
		drawSectionMark(dst, pts, p, ann, scale)
	}
}

// DrawPage renders a page's annotation set in stable order:
// non-highlights first, then highlights multiply-blended on top so
// overlaps darken underlying strokes instead of hiding them.
func DrawPage(dst *image.RGBA, anns []models.Annotation, scale float64, forExport bool) {
	for _, ann := range anns {
		if ann.Kind != models.KindHighlight {
			Draw(dst, ann, scale, forExport)
		}
	}
	for _, ann := range anns {
		if ann.Kind == models.KindHighlight {
			Draw(dst, ann, scale, forExport)
		}
	}
}

func strokeColor(p pen) color.RGBA {
	return withAlpha(p.color, p.opacity)
}

func drawFreehand(dst *image.RGBA, pts []vec, p pen) {
	strokePolyline(dst, smooth(pts, 8), p.width, strokeColor(p), false)
}

func drawLine(dst *image.RGBA, pts []vec, p pen) {
	if len(pts) < 2 {
		return
	}
	strokePolyline(dst, pts[:2], p.width, strokeColor(p), false)
}

func drawArrow(dst *image.RGBA, pts []vec, p pen, both bool) {
	if len(pts) < 2 {
		return
	}
	a, b := pts[0], pts[1]
	strokePolyline(dst, []vec{a, b}, p.width, strokeColor(p), false)
	drawArrowhead(dst, a, b, p)
	if both {
		drawArrowhead(dst, b, a, p)
	}
}

// drawArrowhead fills a triangular head at tip, pointing away from
// tail.
func drawArrowhead(dst *image.RGBA, tail, tip vec, p pen) {
	dx, dy := float64(tip.x-tail.x), float64(tip.y-tail.y)
	l := math.Hypot(dx, dy)
	if l == 0 {
		return
	}
	ux, uy := dx/l, dy/l
	size := math.Max(float64(p.width)*4, 8)
	bx := float64(tip.x) - ux*size
	by := float64(tip.y) - uy*size
	// Perpendicular half-width of the head base.
	hw := size * 0.45
	fillPoly(dst, []vec{
		tip,
		{float32(bx - uy*hw), float32(by + ux*hw)},
		{float32(bx + uy*hw), float32(by - ux*hw)},
	}, strokeColor(p))
}

func boxCorners(pts []vec) (vec, vec, bool) {
	if len(pts) < 2 {
		return vec{}, vec{}, false
	}
	a, b := pts[0], pts[1]
	min := vec{float32(math.Min(float64(a.x), float64(b.x))), float32(math.Min(float64(a.y), float64(b.y)))}
	max := vec{float32(math.Max(float64(a.x), float64(b.x))), float32(math.Max(float64(a.y), float64(b.y)))}
	return min, max, true
}

func drawRect(dst *image.RGBA, pts []vec, p pen) {
	min, max, ok := boxCorners(pts)
	if !ok {
		return
	}
	strokePolyline(dst, []vec{min, {max.x, min.y}, max, {min.x, max.y}}, p.width, strokeColor(p), true)
}

func drawEllipse(dst *image.RGBA, pts []vec, p pen) {
	min, max, ok := boxCorners(pts)
	if !ok {
		return
	}
	strokePolyline(dst, ellipsePoints(min, max, 64), p.width, strokeColor(p), true)
}

func drawTriangle(dst *image.RGBA, pts []vec, p pen) {
	min, max, ok := boxCorners(pts)
	if !ok {
		return
	}
	strokePolyline(dst, []vec{
		{(min.x + max.x) / 2, min.y},
		{max.x, max.y},
		{min.x, max.y},
	}, p.width, strokeColor(p), true)
}

func drawStar(dst *image.RGBA, pts []vec, p pen) {
	min, max, ok := boxCorners(pts)
	if !ok {
		return
	}
	cx, cy := float64(min.x+max.x)/2, float64(min.y+max.y)/2
	outer := math.Min(float64(max.x-min.x), float64(max.y-min.y)) / 2
	inner := outer * 0.4
	star := make([]vec, 0, 10)
	for i := 0; i < 10; i++ {
		r := outer
		if i%2 == 1 {
			r = inner
		}
		t := -math.Pi/2 + float64(i)*math.Pi/5
		star = append(star, vec{float32(cx + r*math.Cos(t)), float32(cy + r*math.Sin(t))})
	}
	strokePolyline(dst, star, p.width, strokeColor(p), true)
}

func drawHighlight(dst *image.RGBA, pts []vec, p pen, ann models.Annotation, forExport bool) {
	min, max, ok := boxCorners(pts)
	if !ok {
		return
	}
	op := ann.Style.Opacity
	if op <= 0 || op > 1 {
		op = highlightOpacity
	}
	if forExport && op < exportMinHighlight {
		op = exportMinHighlight
	}
	multiplyRect(dst, image.Rect(int(min.x), int(min.y), int(math.Ceil(float64(max.x))), int(math.Ceil(float64(max.y)))), p.color, op)
}

func fontSize(ann models.Annotation, scale float64) float64 {
	fs := ann.Style.FontSize
	if fs <= 0 {
		fs = defaultFontSize
	}
	return fs * scale
}

func drawText(dst *image.RGBA, pts []vec, p pen, ann models.Annotation, scale float64) {
	drawString(dst, ann.Style.Text, pts[0].x, pts[0].y, fontSize(ann, scale), strokeColor(p))
}

func drawSticky(dst *image.RGBA, pts []vec, p pen, ann models.Annotation, scale float64) {
	fs := fontSize(ann, scale)
	pad := float32(6 * scale)
	w := measureString(ann.Style.Text, fs) + 2*pad
	if minW := float32(80 * scale); w < minW {
		w = minW
	}
	h := float32(fs) + 2*pad
	o := pts[0]
	box := []vec{o, {o.x + w, o.y}, {o.x + w, o.y + h}, {o.x, o.y + h}}
	fillPoly(dst, box, stickyFill)
	strokePolyline(dst, box, float32(math.Max(scale, 1)), stickyBorder, true)
	drawString(dst, ann.Style.Text, o.x+pad, o.y+pad+float32(fs)*0.8, fs, color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff})
}

func drawStamp(dst *image.RGBA, pts []vec, p pen, ann models.Annotation, scale float64) {
	col, ok := stampColors[ann.Kind]
	if !ok {
		col = p.color
	}
	label := stampLabels[ann.Kind]
	if ann.Kind == models.KindStampCustom {
		label = strings.ToUpper(ann.Style.StampText)
		if label == "" {
			label = "STAMP"
		}
	}
	fs := ann.Style.StampSize
	if fs <= 0 {
		fs = 18
	}
	fs *= scale

	pad := float32(10 * scale)
	w := measureString(label, fs) + 2*pad
	h := float32(fs) + 2*pad
	c := pts[0]
	min := vec{c.x - w/2, c.y - h/2}
	max := vec{c.x + w/2, c.y + h/2}
	box := []vec{min, {max.x, min.y}, max, {min.x, max.y}}
	border := float32(math.Max(2.5*scale, float64(p.width)))
	strokePolyline(dst, box, border, col, true)
	drawStringCentered(dst, label, c.x, c.y+float32(fs)*0.35, fs, col)
}

// drawCloud traces the bounding box with outward-bulging semicircle
// arcs, the revision-cloud convention on construction drawings.
func drawCloud(dst *image.RGBA, pts []vec, p pen, scale float64) {
	min, max, ok := boxCorners(pts)
	if !ok {
		return
	}
	r := float32(9 * scale)
	if d := (max.x - min.x) / 4; d > 0 && r > d {
		r = d
	}
	if d := (max.y - min.y) / 4; d > 0 && r > d {
		r = d
	}
	if r <= 0 {
		return
	}
	var path []vec
	edge := func(a, b vec, outX, outY float32) {
		dx, dy := b.x-a.x, b.y-a.y
		l := float32(math.Hypot(float64(dx), float64(dy)))
		n := int(l / (2 * r))
		if n < 1 {
			n = 1
		}
		step := l / float32(n)
		ux, uy := dx/l, dy/l
		for i := 0; i < n; i++ {
			cx := a.x + ux*step*(float32(i)+0.5)
			cy := a.y + uy*step*(float32(i)+0.5)
			// Half arc from trailing to leading edge, bulging outward.
			base := math.Atan2(float64(-uy), float64(-ux))
			for s := 0; s <= 8; s++ {
				t := base + float64(s)/8*math.Pi*sign(outX*uy-outY*ux)
				path = append(path, vec{
					cx + step/2*float32(math.Cos(t)),
					cy + step/2*float32(math.Sin(t)),
				})
			}
		}
	}
	tl, tr := min, vec{max.x, min.y}
	br, bl := max, vec{min.x, max.y}
	edge(tl, tr, 0, -1)
	edge(tr, br, 1, 0)
	edge(br, bl, 0, 1)
	edge(bl, tl, -1, 0)
	strokePolyline(dst, path, p.width, strokeColor(p), true)
}

func sign(f float32) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// drawDimension draws a measured line: perpendicular end ticks and a
// centered length label in unscaled PDF points.
func drawDimension(dst *image.RGBA, pts []vec, p pen, ann models.Annotation, scale float64) {
	if len(pts) < 2 {
		return
	}
	a, b := pts[0], pts[1]
	col := strokeColor(p)
	strokePolyline(dst, []vec{a, b}, p.width, col, false)

	dx, dy := float64(b.x-a.x), float64(b.y-a.y)
	l := math.Hypot(dx, dy)
	if l == 0 {
		return
	}
	nx, ny := -dy/l, dx/l
	tick := 6 * scale
	for _, e := range []vec{a, b} {
		strokePolyline(dst, []vec{
			{e.x + float32(nx*tick), e.y + float32(ny*tick)},
			{e.x - float32(nx*tick), e.y - float32(ny*tick)},
		}, p.width, col, false)
	}

	label := ann.Style.Text
	if label == "" {
		label = fmt.Sprintf("%.0f pt", l/scale)
	}
	fs := fontSize(ann, scale)
	drawStringCentered(dst, label,
		(a.x+b.x)/2+float32(nx*(tick+float64(fs)*0.6)),
		(a.y+b.y)/2+float32(ny*(tick+float64(fs)*0.6))+float32(fs)*0.35,
		fs, col)
}

func drawNorthArrow(dst *image.RGBA, pts []vec, p pen, scale float64) {
	min, max, ok := boxCorners(pts)
	if !ok {
		// Single anchor point gets a default-sized symbol.
		c := pts[0]
		r := float32(24 * scale)
		min = vec{c.x - r, c.y - r}
		max = vec{c.x + r, c.y + r}
	}
	cx, cy := (min.x+max.x)/2, (min.y+max.y)/2
	r := float32(math.Min(float64(max.x-min.x), float64(max.y-min.y))) / 2
	if r <= 0 {
		return
	}
	col := strokeColor(p)
	strokePolyline(dst, ellipsePoints(vec{cx - r, cy - r}, vec{cx + r, cy + r}, 48), p.width, col, true)
	// North-pointing needle.
	fillPoly(dst, []vec{
		{cx, cy - r*0.75},
		{cx + r*0.25, cy + r*0.35},
		{cx, cy + r*0.1},
		{cx - r*0.25, cy + r*0.35},
	}, col)
	drawStringCentered(dst, "N", cx, cy-r*0.95, float64(r)*0.5, col)
}

// drawSectionMark renders the callout bubble used to reference a
// section cut: a circle with the mark letter inside and a tail toward
// the second point when one is present.
func drawSectionMark(dst *image.RGBA, pts []vec, p pen, ann models.Annotation, scale float64) {
	c := pts[0]
	r := float32(16 * scale)
	col := strokeColor(p)
	if len(pts) > 1 {
		strokePolyline(dst, []vec{c, pts[1]}, p.width, col, false)
	}
	strokePolyline(dst, ellipsePoints(vec{c.x - r, c.y - r}, vec{c.x + r, c.y + r}, 48), p.width, col, true)
	label := ann.Style.Text
	if label == "" {
		label = "A"
	}
	fs := float64(r) * 0.9
	drawStringCentered(dst, label, c.x, c.y+float32(fs)*0.35, fs, col)
}
