// Package viewer holds per-document view state: current page, scale,
// scroll offsets and the transition flags that keep rapid navigation
// from stacking redundant renders.
package viewer

import (
	"context"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tessone/quire/internal/pagesource"
	"github.com/tessone/quire/internal/preload"
	"github.com/tessone/quire/internal/render"
)

const (
	zoomInStep   = 1.25
	zoomOutStep  = 0.8
	wheelStep    = 0.10
	maxScale     = 5.0
	minScale     = 0.25
	fitPadding   = 24
	scrollbarGap = 16

	// transitionDelay suppresses reactive render triggers while a
	// multi-step navigation settles.
	transitionDelay = 100 * time.Millisecond

	fallbackWidth  = 800
	fallbackHeight = 1200
)

// Session is one viewer instance over an open document.
type Session struct {
	mu sync.Mutex

	docID string
	doc   pagesource.Document
	sched *render.Scheduler
	pre   *preload.Preloader // nil when double-buffering is off

	page       int
	pages      int
	scale      float64
	quality    float64
	scrollX    float64
	scrollY    float64
	containerW float64
	containerH float64

	navigating bool
	exporting  bool
	transition bool
	transTimer *time.Timer
	autoFit    bool

	logger *slog.Logger
}

// NewSession creates a session positioned at page 1, scale 1.0.
func NewSession(docID string, doc pagesource.Document, sched *render.Scheduler, pre *preload.Preloader, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		docID:      docID,
		doc:        doc,
		sched:      sched,
		pre:        pre,
		page:       1,
		pages:      doc.PageCount(),
		scale:      1.0,
		quality:    1.0,
		containerW: fallbackWidth,
		containerH: fallbackHeight,
		autoFit:    true,
		logger:     logger,
	}
}

// DocumentID returns the session's cache namespace root.
func (s *Session) DocumentID() string { return s.docID }

// CurrentPage returns the displayed page number (1-based).
func (s *Session) CurrentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// PageCount returns the document page count.
func (s *Session) PageCount() int { return s.pages }

// Scale returns the current zoom scale.
func (s *Session) Scale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

// Scroll returns the current scroll offsets.
func (s *Session) Scroll() (x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollX, s.scrollY
}

// InTransition reports whether a navigation is still settling;
// reactive render triggers are suppressed while it is set.
func (s *Session) InTransition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition
}

// Scheduler exposes the session's render scheduler so reconciliation
// observers can invalidate and re-request pages.
func (s *Session) Scheduler() *render.Scheduler { return s.sched }

// SetContainerSize records the measured viewer dimensions. Zero or
// invalid measurements fall back to fixed defaults rather than
// producing NaN scales downstream.
func (s *Session) SetContainerSize(w, h float64) {
	if w <= 0 || h <= 0 || math.IsNaN(w) || math.IsNaN(h) {
		w, h = fallbackWidth, fallbackHeight
	}
	s.mu.Lock()
	s.containerW, s.containerH = w, h
	s.mu.Unlock()
	s.sched.SetContainerSize(w, h)
}

// SetExporting flags an export in flight, which blocks navigation.
func (s *Session) SetExporting(v bool) {
	s.mu.Lock()
	s.exporting = v
	s.mu.Unlock()
}

// GoToPage navigates to target, clamped into [1, pageCount]. It is a
// no-op when the page is unchanged or when a navigation or export is
// already in flight. The preloader is kicked for the target page in
// parallel so the scheduler can take the buffer fast path.
func (s *Session) GoToPage(ctx context.Context, target int) (image.Image, error) {
	if target < 1 {
		target = 1
	}
	if target > s.pages {
		target = s.pages
	}

	s.mu.Lock()
	if target == s.page || s.navigating || s.exporting {
		s.mu.Unlock()
		return nil, nil
	}
	s.navigating = true
	s.beginTransitionLocked()
	scale, quality := s.scale, s.quality
	cw, ch := s.containerW, s.containerH
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.navigating = false
		s.mu.Unlock()
	}()

	s.sched.Cancel()
	if s.pre != nil {
		go s.pre.Prepare(ctx, target, scale, cw, ch)
	}

	s.mu.Lock()
	s.page = target
	s.mu.Unlock()

	return s.sched.Request(ctx, render.Target{Page: target, Scale: scale, Quality: quality})
}

// ZoomIn scales up by 1.25×, capped at 5.0×.
func (s *Session) ZoomIn(ctx context.Context) (image.Image, error) {
	return s.setScale(ctx, s.Scale()*zoomInStep)
}

// ZoomOut scales down by 0.8×, floored at 0.25×.
func (s *Session) ZoomOut(ctx context.Context) (image.Image, error) {
	return s.setScale(ctx, s.Scale()*zoomOutStep)
}

// WheelZoom zooms by ±10% keeping the document-space anchor point
// (the mouse position) fixed in the viewport.
func (s *Session) WheelZoom(ctx context.Context, zoomIn bool, anchorX, anchorY float64) (image.Image, error) {
	old := s.Scale()
	factor := 1 + wheelStep
	if !zoomIn {
		factor = 1 - wheelStep
	}
	next := clampScale(old * factor)
	s.anchorZoom(old, next, anchorX, anchorY)
	return s.applyScale(ctx, next)
}

// anchorZoom recalculates the scroll offsets so the document-space
// anchor keeps its viewport position: the offset scales with the
// new/old ratio plus the anchor delta.
func (s *Session) anchorZoom(old, next, anchorX, anchorY float64) {
	s.mu.Lock()
	viewX := anchorX*old - s.scrollX
	viewY := anchorY*old - s.scrollY
	s.scrollX = anchorX*next - viewX
	s.scrollY = anchorY*next - viewY
	s.mu.Unlock()
}

// FitToWidth computes the scale that fills the container width minus
// padding and scrollbar allowance, and disables automatic re-fit until
// explicitly re-enabled.
func (s *Session) FitToWidth(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	s.autoFit = false
	s.mu.Unlock()
	return s.refit(ctx)
}

// Refit recomputes the fit-to-width scale without touching the
// autofit flag. Called when the container is remeasured.
func (s *Session) Refit(ctx context.Context) (image.Image, error) {
	return s.refit(ctx)
}

func (s *Session) refit(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	page := s.page
	cw := s.containerW
	s.mu.Unlock()

	vp, err := s.doc.Viewport(page, 1.0)
	if err != nil {
		return nil, err
	}
	if vp.Width <= 0 {
		vp.Width = fallbackWidth
	}
	return s.setScale(ctx, (cw-fitPadding-scrollbarGap)/vp.Width)
}

// AutoFit reports whether container resizes should re-fit the page.
func (s *Session) AutoFit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoFit
}

// ResetZoom returns to 1.0× and clears scroll offsets.
func (s *Session) ResetZoom(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	s.scrollX, s.scrollY = 0, 0
	s.mu.Unlock()
	return s.applyScale(ctx, 1.0)
}

// EnableAutoFit re-enables automatic fit-to-width.
func (s *Session) EnableAutoFit() {
	s.mu.Lock()
	s.autoFit = true
	s.mu.Unlock()
}

// setScale preserves the viewport's visual center by scaling the
// scroll offsets with the ratio of new to old scale.
func (s *Session) setScale(ctx context.Context, next float64) (image.Image, error) {
	next = clampScale(next)
	s.mu.Lock()
	ratio := next / s.scale
	s.scrollX *= ratio
	s.scrollY *= ratio
	s.mu.Unlock()
	return s.applyScale(ctx, next)
}

func (s *Session) applyScale(ctx context.Context, next float64) (image.Image, error) {
	s.mu.Lock()
	if next == s.scale {
		page, quality := s.page, s.quality
		s.mu.Unlock()
		return s.sched.Request(ctx, render.Target{Page: page, Scale: next, Quality: quality})
	}
	// Per-scale cache entries age out on their own; scale is part of
	// the cache key, so no explicit purge happens here.
	s.scale = next
	page, quality := s.page, s.quality
	s.mu.Unlock()

	s.sched.Cancel()
	return s.sched.Request(ctx, render.Target{Page: page, Scale: next, Quality: quality})
}

// beginTransitionLocked raises the transition flag and arms its decay.
func (s *Session) beginTransitionLocked() {
	s.transition = true
	if s.transTimer != nil {
		s.transTimer.Stop()
	}
	s.transTimer = time.AfterFunc(transitionDelay, func() {
		s.mu.Lock()
		s.transition = false
		s.mu.Unlock()
	})
}

func clampScale(v float64) float64 {
	if math.IsNaN(v) || v < minScale {
		return minScale
	}
	if v > maxScale {
		return maxScale
	}
	return v
}
