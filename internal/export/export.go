// Package export renders annotated pages into PDF and PNG artifacts.
// Exports run on their own off-screen surfaces and never touch the
// live viewer's render pipeline.
package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	imgdraw "image/draw"
	"image/png"
	"log/slog"

	"github.com/tessone/quire/internal/annotio"
	"github.com/tessone/quire/internal/draw"
	"github.com/tessone/quire/internal/models"
	"github.com/tessone/quire/internal/pagesource"
)

// Tier selects the quality/size trade-off for rasterized exports.
type Tier string

const (
	// TierStandard favors small output: moderate upscale, JPEG page
	// images, display intent.
	TierStandard Tier = "standard"
	// TierHD favors fidelity: high upscale, lossless page images,
	// print intent.
	TierHD Tier = "hd"
)

type tierParams struct {
	scale       float64
	lossless    bool
	jpegQuality int
	intent      pagesource.RenderIntent
}

func (t Tier) params() tierParams {
	if t == TierHD {
		return tierParams{scale: 2.5, lossless: true, intent: pagesource.IntentPrint}
	}
	return tierParams{scale: 1.2, lossless: false, jpegQuality: 85, intent: pagesource.IntentDisplay}
}

// DefaultSizeCap bounds a single output artifact. Exports projected
// to exceed it are split into sequential parts.
const DefaultSizeCap = 50 << 20

// Artifact is one produced output file.
type Artifact struct {
	Name string
	Data []byte
}

// PageError records a single page that failed during a multi-page
// export. The export continues past it.
type PageError struct {
	Page int
	Err  error
}

func (e PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

// AnnotationsFor returns the annotation set to composite onto a page.
type AnnotationsFor func(page int) []models.Annotation

// Exporter produces annotated artifacts from an open document.
type Exporter struct {
	SizeCap int64
	Logger  *slog.Logger
}

func (e *Exporter) sizeCap() int64 {
	if e.SizeCap > 0 {
		return e.SizeCap
	}
	return DefaultSizeCap
}

func (e *Exporter) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// renderAnnotated rasterizes one page and composites its annotations
// on top. Returned alongside is the page's unscaled size in PDF
// points, which the PDF writers preserve.
func (e *Exporter) renderAnnotated(ctx context.Context, doc pagesource.Document, page int, anns []models.Annotation, p tierParams) (*image.RGBA, pagesource.Viewport, error) {
	base, err := doc.Render(ctx, page, p.scale, p.intent)
	if err != nil {
		return nil, pagesource.Viewport{}, fmt.Errorf("render: %w", err)
	}
	vp, err := doc.Viewport(page, 1.0)
	if err != nil {
		return nil, pagesource.Viewport{}, fmt.Errorf("viewport: %w", err)
	}

	rgba, ok := base.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(base.Bounds())
		imgdraw.Draw(rgba, rgba.Bounds(), base, base.Bounds().Min, imgdraw.Src)
	}
	draw.DrawPage(rgba, annotio.FilterValid(anns, e.logger()), p.scale, true)
	return rgba, vp, nil
}

// PNG exports a single annotated page as a lossless raster.
func (e *Exporter) PNG(ctx context.Context, doc pagesource.Document, page int, anns []models.Annotation) ([]byte, error) {
	img, _, err := e.renderAnnotated(ctx, doc, page, anns, TierHD.params())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// PDF exports the given pages as one or more rasterized PDF
// artifacts. A failing page is reported and skipped; failure to
// produce the output container aborts. Artifacts are split into parts
// when the cumulative size would exceed the cap.
func (e *Exporter) PDF(ctx context.Context, doc pagesource.Document, name string, pages []int, annsFor AnnotationsFor, tier Tier) ([]Artifact, []PageError, error) {
	if len(pages) == 0 {
		return nil, nil, fmt.Errorf("export: no pages selected")
	}
	p := tier.params()

	var (
		artifacts []Artifact
		pageErrs  []PageError
		w         = newDocWriter()
		parts     = 0
	)

	flush := func() error {
		if w.pageCount() == 0 {
			return nil
		}
		data, err := w.finalize()
		if err != nil {
			return err
		}
		parts++
		artifacts = append(artifacts, Artifact{Name: partName(name, parts), Data: data})
		w = newDocWriter()
		return nil
	}

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, pageErrs, err
		}
		img, vp, err := e.renderAnnotated(ctx, doc, page, annsFor(page), p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, pageErrs, ctx.Err()
			}
			e.logger().Warn("page export failed, continuing",
				slog.Int("page", page), slog.String("error", err.Error()))
			pageErrs = append(pageErrs, PageError{Page: page, Err: err})
			continue
		}
		encoded, err := encodePageImage(img, p)
		if err != nil {
			pageErrs = append(pageErrs, PageError{Page: page, Err: err})
			continue
		}
		if w.pageCount() > 0 && w.projectedLen(len(encoded.data)) > e.sizeCap() {
			if err := flush(); err != nil {
				return nil, pageErrs, fmt.Errorf("export: write part: %w", err)
			}
		}
		w.addPage(encoded, vp.Width, vp.Height)
	}

	if w.pageCount() == 0 && len(artifacts) == 0 {
		return nil, pageErrs, fmt.Errorf("export: every page failed")
	}
	if err := flush(); err != nil {
		return nil, pageErrs, fmt.Errorf("export: write output: %w", err)
	}

	// A single part keeps the plain name.
	if len(artifacts) == 1 {
		artifacts[0].Name = name + ".pdf"
	}
	return artifacts, pageErrs, nil
}

func partName(name string, part int) string {
	return fmt.Sprintf("%s.part%d.pdf", name, part)
}
