package pagesource

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// baseDPI is the PDF user-space resolution; scale 1.0 renders at 72 dpi.
const baseDPI = 72

// Fitz is the MuPDF-backed Source.
type Fitz struct{}

// NewFitz creates the MuPDF source.
func NewFitz() *Fitz { return &Fitz{} }

// Open decodes the document from memory.
func (f *Fitz) Open(name string, data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("pagesource: open %s: %w", name, err)
	}
	return &fitzDocument{name: name, doc: doc}, nil
}

type fitzDocument struct {
	// MuPDF contexts are not safe for concurrent use; serialize access.
	mu     sync.Mutex
	name   string
	doc    *fitz.Document
	closed bool
}

func (d *fitzDocument) PageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	return d.doc.NumPage()
}

func (d *fitzDocument) Viewport(page int, scale float64) (Viewport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return Viewport{}, err
	}
	bounds, err := d.doc.Bound(page - 1)
	if err != nil {
		return Viewport{}, fmt.Errorf("pagesource: bounds of page %d: %w", page, err)
	}
	return Viewport{
		Width:  float64(bounds.Dx()) * scale,
		Height: float64(bounds.Dy()) * scale,
	}, nil
}

func (d *fitzDocument) Render(ctx context.Context, page int, scale float64, _ RenderIntent) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return nil, err
	}
	img, err := d.doc.ImageDPI(page-1, baseDPI*scale)
	if err != nil {
		return nil, fmt.Errorf("pagesource: render page %d: %w", page, err)
	}
	// The decode may have outlived a cancellation; the caller discards
	// the result in that case.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}

func (d *fitzDocument) Text(page int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkPage(page); err != nil {
		return "", err
	}
	text, err := d.doc.Text(page - 1)
	if err != nil {
		return "", fmt.Errorf("pagesource: text of page %d: %w", page, err)
	}
	return text, nil
}

func (d *fitzDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}

func (d *fitzDocument) checkPage(page int) error {
	if d.closed {
		return fmt.Errorf("pagesource: %s: document closed", d.name)
	}
	if page < 1 || page > d.doc.NumPage() {
		return fmt.Errorf("pagesource: page %d out of range [1, %d]", page, d.doc.NumPage())
	}
	return nil
}
