// Package render owns the single in-flight render slot for a viewer
// session. It serializes overlapping render requests, cancels stale
// ones on page or scale changes, retries transient decode failures,
// and drives the raster cache and preload buffers.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tessone/quire/internal/apperr"
	"github.com/tessone/quire/internal/pagesource"
	"github.com/tessone/quire/internal/preload"
	"github.com/tessone/quire/internal/rastercache"
)

// Target identifies what a render request is for.
type Target struct {
	Page    int
	Scale   float64
	Quality float64
}

func (t Target) key() string {
	return fmt.Sprintf("%d|%g|%g", t.Page, t.Scale, t.Quality)
}

// Subscriber is notified after a render commits, with the pixels that
// were blitted. The annotation overlay refresh hangs off this.
type Subscriber func(t Target, img image.Image)

// Config tunes retry and watchdog behavior.
type Config struct {
	Retries          int           // transient failure retries (default 2)
	RetryDelay       time.Duration // delay between retries (default 500ms)
	WatchdogAfter    time.Duration // stuck-slot force-clear (default 5s)
	PreloadNeighbors bool          // warm page±1 after a commit
}

func (c *Config) defaults() {
	if c.Retries == 0 {
		c.Retries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.WatchdogAfter == 0 {
		c.WatchdogAfter = 5 * time.Second
	}
}

// slot is the single mutable record of the in-flight render.
type slot struct {
	target   Target
	cancel   context.CancelFunc
	gen      uint64
	active   bool
	started  time.Time
	watchdog *time.Timer
}

// Scheduler coordinates renders for one open document.
type Scheduler struct {
	doc    pagesource.Document
	cache  *rastercache.Cache
	pre    *preload.Preloader
	cfg    Config
	logger *slog.Logger

	flight singleflight.Group

	mu         sync.Mutex
	state      State
	slot       slot
	gen        uint64
	containerW float64
	containerH float64
	recovering bool
	subs       []Subscriber
}

// New creates a scheduler. pre may be nil to disable the preload fast
// path (the single-buffered viewer variant).
func New(doc pagesource.Document, cache *rastercache.Cache, pre *preload.Preloader, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		doc:        doc,
		cache:      cache,
		pre:        pre,
		cfg:        cfg,
		logger:     logger,
		state:      StateIdle,
		containerW: 800,
		containerH: 1200,
	}
}

// SetContainerSize records the dimensions preload buffers are
// validated against.
func (s *Scheduler) SetContainerSize(w, h float64) {
	s.mu.Lock()
	s.containerW, s.containerH = w, h
	s.mu.Unlock()
}

// OnPageRendered registers a subscriber called after each commit.
func (s *Scheduler) OnPageRendered(fn Subscriber) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel aborts the in-flight render, if any. Cancellation is benign:
// the aborted request returns apperr.ErrCancelled and no error state
// is recorded.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.active {
		s.slot.cancel()
		s.flight.Forget(s.slot.target.key())
	}
}

// Invalidate drops cached rasters and preload buffers for a page so
// the next request renders fresh. Called when the page's annotations
// change.
func (s *Scheduler) Invalidate(page int) {
	s.cache.DropPage(page)
	if s.pre != nil {
		s.pre.Drop(page)
	}
}

// Request renders the target, preferring the preload buffer, then the
// raster cache, then a fresh decode. Concurrent requests for the same
// target share one render; a request for a different target cancels
// the in-flight one first. The returned error is apperr.ErrCancelled
// when a newer request interrupted this one and apperr.ErrRenderStale
// when this render finished after a newer one took the slot.
func (s *Scheduler) Request(ctx context.Context, t Target) (image.Image, error) {
	if t.Page < 1 || t.Page > s.doc.PageCount() {
		return nil, fmt.Errorf("render: page %d out of range [1, %d]", t.Page, s.doc.PageCount())
	}
	if t.Quality == 0 {
		t.Quality = 1
	}
	// The requested page is about to be displayed; protect it from
	// LRU eviction.
	s.cache.Pin(t.Page)

	s.mu.Lock()
	if s.slot.active && s.slot.target != t {
		// Cancel the stale render; its goroutine observes the
		// cancellation and releases the slot itself. Forget its flight
		// key so this request cannot coalesce into the dying render.
		s.slot.cancel()
		s.flight.Forget(s.slot.target.key())
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do(t.key(), func() (any, error) {
		return s.render(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

func (s *Scheduler) render(ctx context.Context, t Target) (image.Image, error) {
	s.mu.Lock()
	cw, ch := s.containerW, s.containerH
	s.mu.Unlock()

	key := rastercache.Key{Page: t.Page, Scale: t.Scale, Quality: t.Quality}

	// Fast path: a prepared buffer for this page at matching container
	// dimensions skips the decode entirely.
	if s.pre != nil && t.Quality == 1 {
		if img, ok := s.pre.Take(t.Page, t.Scale, cw, ch); ok {
			s.cache.Put(key, img)
			s.notify(t, img)
			s.warmNeighbors(t)
			return img, nil
		}
	}
	if img, ok := s.cache.Get(key); ok {
		s.notify(t, img)
		return img, nil
	}

	rctx, gen, err := s.acquire(ctx, t)
	if err != nil {
		return nil, err
	}

	var img image.Image
	var renderErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		img, renderErr = s.doc.Render(rctx, t.Page, t.Scale*t.Quality, pagesource.IntentDisplay)
		if renderErr == nil {
			break
		}
		if rctx.Err() != nil || errors.Is(renderErr, context.Canceled) {
			s.release(gen, StateCancelled)
			return nil, apperr.ErrCancelled
		}
		if attempt < s.cfg.Retries {
			s.logger.Warn("render: transient failure, retrying",
				slog.Int("page", t.Page),
				slog.Int("attempt", attempt+1),
				slog.String("error", renderErr.Error()))
			select {
			case <-time.After(s.cfg.RetryDelay):
			case <-rctx.Done():
				s.release(gen, StateCancelled)
				return nil, apperr.ErrCancelled
			}
		}
	}
	if renderErr != nil {
		s.release(gen, StateFailed)
		return nil, fmt.Errorf("render: page %d after %d retries: %w", t.Page, s.cfg.Retries, renderErr)
	}

	// Discard results that completed after a newer request took the
	// slot. Stale pixels must never reach the visible surface.
	if !s.commit(gen) {
		return nil, apperr.ErrRenderStale
	}

	s.cache.Put(key, img)
	s.notify(t, img)
	s.warmNeighbors(t)
	return img, nil
}

// acquire claims the render slot and arms the stuck-state watchdog.
func (s *Scheduler) acquire(ctx context.Context, t Target) (context.Context, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	gen := s.gen

	rctx, cancel := context.WithCancel(ctx)
	s.transitionLocked(StateRendering)
	s.slot = slot{
		target:  t,
		cancel:  cancel,
		gen:     gen,
		active:  true,
		started: time.Now(),
		watchdog: time.AfterFunc(s.cfg.WatchdogAfter, func() {
			s.watchdogFired(gen)
		}),
	}
	return rctx, gen, nil
}

// commit clears the slot and transitions to Complete, unless a newer
// generation owns the slot.
func (s *Scheduler) commit(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.slot.active || s.slot.gen != gen {
		return false
	}
	s.clearSlotLocked(StateComplete)
	return true
}

// release clears the slot on every non-commit exit path, the
// finally-equivalent guarantee.
func (s *Scheduler) release(gen uint64, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot.active && s.slot.gen == gen {
		s.clearSlotLocked(to)
	}
}

func (s *Scheduler) clearSlotLocked(to State) {
	if s.slot.watchdog != nil {
		s.slot.watchdog.Stop()
	}
	s.slot.cancel()
	// Drop the shared-flight entry for the cleared target so the next
	// request for it, including the watchdog's own recovery render,
	// starts a fresh render instead of inheriting this cancellation.
	s.flight.Forget(s.slot.target.key())
	s.slot = slot{}
	s.transitionLocked(to)
}

func (s *Scheduler) transitionLocked(to State) {
	if !legalTransition(s.state, to) {
		s.logger.Warn("render: illegal state transition",
			slog.String("from", s.state.String()),
			slog.String("to", to.String()))
	}
	s.state = to
}

// watchdogFired force-clears a slot that has been outstanding past the
// bound and attempts one recovery render.
func (s *Scheduler) watchdogFired(gen uint64) {
	s.mu.Lock()
	if !s.slot.active || s.slot.gen != gen {
		s.mu.Unlock()
		return
	}
	target := s.slot.target
	s.logger.Warn("render: stuck slot force-cleared",
		slog.Int("page", target.Page),
		slog.Duration("after", time.Since(s.slot.started)))
	s.clearSlotLocked(StateCancelled)
	alreadyRecovering := s.recovering
	s.recovering = true
	s.mu.Unlock()

	if alreadyRecovering {
		return
	}
	go func() {
		defer func() {
			s.mu.Lock()
			s.recovering = false
			s.mu.Unlock()
		}()
		if _, err := s.Request(context.Background(), target); err != nil &&
			!errors.Is(err, apperr.ErrCancelled) && !errors.Is(err, apperr.ErrRenderStale) {
			s.logger.Error("render: recovery render failed",
				slog.Int("page", target.Page),
				slog.String("error", err.Error()))
		}
	}()
}

func (s *Scheduler) notify(t Target, img image.Image) {
	s.mu.Lock()
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(t, img)
	}
}

// warmNeighbors opportunistically prepares page±1 at the same scale.
func (s *Scheduler) warmNeighbors(t Target) {
	if s.pre == nil || !s.cfg.PreloadNeighbors || t.Quality != 1 {
		return
	}
	s.mu.Lock()
	cw, ch := s.containerW, s.containerH
	s.mu.Unlock()
	go func() {
		s.pre.Prepare(context.Background(), t.Page+1, t.Scale, cw, ch)
		s.pre.Prepare(context.Background(), t.Page-1, t.Scale, cw, ch)
	}()
}
