// Package preload prepares off-screen page renders ahead of
// navigation so the scheduler can hand a buffer straight to the
// visible surface without a decode on the critical path.
package preload

import (
	"context"
	"image"
	"log/slog"
	"math"
	"sync"

	"github.com/tessone/quire/internal/pagesource"
)

// dimEpsilon is how far (in px) the container may drift from the
// dimensions a buffer was computed against before the buffer is
// considered stale.
const dimEpsilon = 2.0

// Buffer is a prepared render for one page, tagged with the container
// dimensions it was computed against.
type Buffer struct {
	Page   int
	Scale  float64
	Width  float64
	Height float64
	Image  image.Image
}

// Preloader renders pages ahead of anticipated navigation.
type Preloader struct {
	mu     sync.Mutex
	doc    pagesource.Document
	bufs   map[int]*Buffer
	logger *slog.Logger
}

// New creates a preloader over an open document.
func New(doc pagesource.Document, logger *slog.Logger) *Preloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preloader{doc: doc, bufs: make(map[int]*Buffer), logger: logger}
}

// Prepare renders page at scale into an off-screen buffer tagged with
// the current container dimensions. Pages out of range and render
// failures are logged, never fatal: preloading is opportunistic.
func (p *Preloader) Prepare(ctx context.Context, page int, scale, containerW, containerH float64) {
	if page < 1 || page > p.doc.PageCount() {
		return
	}
	p.mu.Lock()
	if b, ok := p.bufs[page]; ok && b.Scale == scale && withinEpsilon(b.Width, containerW) && withinEpsilon(b.Height, containerH) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	img, err := p.doc.Render(ctx, page, scale, pagesource.IntentDisplay)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("preload: render failed", slog.Int("page", page), slog.String("error", err.Error()))
		}
		return
	}

	p.mu.Lock()
	p.bufs[page] = &Buffer{Page: page, Scale: scale, Width: containerW, Height: containerH, Image: img}
	p.mu.Unlock()
}

// Take consumes the buffer for page if one exists, the scale matches,
// and the container dimensions are within epsilon of the buffer's
// tagged dimensions. A stale buffer is discarded.
func (p *Preloader) Take(page int, scale, containerW, containerH float64) (image.Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bufs[page]
	if !ok {
		return nil, false
	}
	delete(p.bufs, page)
	if b.Scale != scale || !withinEpsilon(b.Width, containerW) || !withinEpsilon(b.Height, containerH) {
		return nil, false
	}
	return b.Image, true
}

// Drop discards the buffer for one page, if any.
func (p *Preloader) Drop(page int) {
	p.mu.Lock()
	delete(p.bufs, page)
	p.mu.Unlock()
}

// Invalidate clears all buffers. Called when the document identity
// changes.
func (p *Preloader) Invalidate() {
	p.mu.Lock()
	p.bufs = make(map[int]*Buffer)
	p.mu.Unlock()
}

// Len reports how many pages are buffered.
func (p *Preloader) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

func withinEpsilon(a, b float64) bool {
	return math.Abs(a-b) < dimEpsilon
}
