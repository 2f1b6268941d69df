// Package pagesource wraps the external PDF decoding engine behind a
// small rendering boundary. Everything above this package treats page
// decoding as opaque: open a document, ask for a viewport, render a
// page into pixels, cancel cooperatively via context.
package pagesource

import (
	"context"
	"image"
)

// RenderIntent selects the engine's rendering profile.
type RenderIntent string

const (
	IntentDisplay RenderIntent = "display"
	IntentPrint   RenderIntent = "print"
)

// Viewport is the page size in pixels at a given scale.
type Viewport struct {
	Width  float64
	Height float64
}

// Document is one open PDF instance. Page numbers are 1-based.
type Document interface {
	PageCount() int
	Viewport(page int, scale float64) (Viewport, error)
	// Render rasterizes a page at the given scale. Cancellation is
	// cooperative: implementations check ctx between decode stages and
	// return ctx.Err() when it fires.
	Render(ctx context.Context, page int, scale float64, intent RenderIntent) (image.Image, error)
	// Text returns the page's text content, used for integrity
	// verification only.
	Text(page int) (string, error)
	Close() error
}

// Source opens documents from raw bytes.
type Source interface {
	Open(name string, data []byte) (Document, error)
}
