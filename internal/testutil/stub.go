package testutil

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/tessone/quire/internal/pagesource"
)

// StubDocument is a deterministic pagesource.Document for tests. It
// renders solid rasters sized from PageW/PageH, records every render
// call, can fail the first N renders, and can block until released to
// exercise cancellation paths.
type StubDocument struct {
	mu sync.Mutex

	Pages int
	PageW float64
	PageH float64

	// FailFirst makes the next N Render calls return a transient error.
	FailFirst int

	// Block, when non-nil, makes Render wait for a value (or context
	// cancellation) before producing pixels.
	Block chan struct{}

	calls  []RenderCall
	closed bool
}

// RenderCall records one Render invocation.
type RenderCall struct {
	Page   int
	Scale  float64
	Intent pagesource.RenderIntent
}

// NewStubDocument returns a stub with the given page count and a
// 612x792pt (US Letter) page size.
func NewStubDocument(pages int) *StubDocument {
	return &StubDocument{Pages: pages, PageW: 612, PageH: 792}
}

func (d *StubDocument) PageCount() int { return d.Pages }

func (d *StubDocument) Viewport(page int, scale float64) (pagesource.Viewport, error) {
	if page < 1 || page > d.Pages {
		return pagesource.Viewport{}, fmt.Errorf("stub: page %d out of range", page)
	}
	return pagesource.Viewport{Width: d.PageW * scale, Height: d.PageH * scale}, nil
}

func (d *StubDocument) Render(ctx context.Context, page int, scale float64, intent pagesource.RenderIntent) (image.Image, error) {
	if page < 1 || page > d.Pages {
		return nil, fmt.Errorf("stub: page %d out of range", page)
	}

	d.mu.Lock()
	d.calls = append(d.calls, RenderCall{Page: page, Scale: scale, Intent: intent})
	fail := d.FailFirst > 0
	if fail {
		d.FailFirst--
	}
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail {
		return nil, fmt.Errorf("stub: transient decode failure")
	}
	w := int(d.PageW * scale)
	h := int(d.PageH * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return image.NewRGBA(image.Rect(0, 0, w, h)), nil
}

func (d *StubDocument) Text(page int) (string, error) {
	return fmt.Sprintf("stub page %d", page), nil
}

func (d *StubDocument) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// RenderCalls returns a copy of the recorded calls.
func (d *StubDocument) RenderCalls() []RenderCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RenderCall, len(d.calls))
	copy(out, d.calls)
	return out
}

// RenderCount returns how many times page was rendered.
func (d *StubDocument) RenderCount(page int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Page == page {
			n++
		}
	}
	return n
}

// StubSource opens StubDocuments regardless of input bytes.
type StubSource struct {
	Pages int
}

func (s *StubSource) Open(_ string, _ []byte) (pagesource.Document, error) {
	pages := s.Pages
	if pages == 0 {
		pages = 3
	}
	return NewStubDocument(pages), nil
}

var _ pagesource.Document = (*StubDocument)(nil)
var _ pagesource.Source = (*StubSource)(nil)
