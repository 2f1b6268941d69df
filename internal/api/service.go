package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	imgdraw "image/draw"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessone/quire/internal/annotio"
	"github.com/tessone/quire/internal/annotstore"
	"github.com/tessone/quire/internal/apperr"
	"github.com/tessone/quire/internal/draw"
	"github.com/tessone/quire/internal/export"
	"github.com/tessone/quire/internal/library"
	"github.com/tessone/quire/internal/models"
	"github.com/tessone/quire/internal/preload"
	"github.com/tessone/quire/internal/rastercache"
	"github.com/tessone/quire/internal/reconcile"
	"github.com/tessone/quire/internal/render"
	"github.com/tessone/quire/internal/sse"
	"github.com/tessone/quire/internal/viewer"
)

// ServiceConfig tunes the per-session render pipeline.
type ServiceConfig struct {
	RenderRetries    int
	RetryDelay       time.Duration
	WatchdogAfter    time.Duration
	PreloadNeighbors bool
	PollInterval     time.Duration
	ExportSizeCap    int64
}

// Service coordinates the library, annotation store, viewer sessions,
// and exports for the API layer.
type Service struct {
	lib    *library.Library
	store  annotstore.Provider
	caches *rastercache.Manager
	broker *sse.Broker
	cfg    ServiceConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	id         string
	docID      string
	session    *viewer.Session
	sched      *render.Scheduler
	reconciler *reconcile.Reconciler
	unsubStore func()
	cancelPoll context.CancelFunc
}

// NewService wires the API service. broker may be nil when SSE is
// disabled.
func NewService(lib *library.Library, store annotstore.Provider, caches *rastercache.Manager, broker *sse.Broker, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = reconcile.DefaultPollInterval
	}
	s := &Service{
		lib:      lib,
		store:    store,
		caches:   caches,
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		sessions: map[string]*sessionEntry{},
	}

	if broker != nil {
		lib.Subscribe(func(ev library.Event) {
			broker.PublishDocumentEvent(ev.Kind, ev.Document.ID, ev.Document.Name)
		})
	}
	// A replaced or deleted document invalidates every session bound
	// to its old identity.
	lib.Subscribe(func(ev library.Event) {
		if ev.Kind == library.EventCreated {
			return
		}
		s.closeSessionsFor(ev.Document.ID)
	})
	return s
}

func (s *Service) exporter() *export.Exporter {
	return &export.Exporter{SizeCap: s.cfg.ExportSizeCap, Logger: s.logger}
}

// SessionState is the view-facing snapshot of one viewer session.
type SessionState struct {
	ID           string  `json:"id"`
	DocumentID   string  `json:"document_id"`
	Page         int     `json:"page"`
	Pages        int     `json:"pages"`
	Scale        float64 `json:"scale"`
	ScrollX      float64 `json:"scroll_x"`
	ScrollY      float64 `json:"scroll_y"`
	InTransition bool    `json:"in_transition"`
}

func (s *Service) stateOf(e *sessionEntry) SessionState {
	x, y := e.session.Scroll()
	return SessionState{
		ID:           e.id,
		DocumentID:   e.docID,
		Page:         e.session.CurrentPage(),
		Pages:        e.session.PageCount(),
		Scale:        e.session.Scale(),
		ScrollX:      x,
		ScrollY:      y,
		InTransition: e.session.InTransition(),
	}
}

// OpenSession opens a viewer session on a document and starts its
// annotation synchronization.
func (s *Service) OpenSession(ctx context.Context, docID string, containerW, containerH float64) (SessionState, error) {
	doc, info, err := s.lib.Open(docID)
	if err != nil {
		return SessionState{}, err
	}

	cache := s.caches.Namespace(info.ID)
	pre := preload.New(doc, s.logger)
	sched := render.New(doc, cache, pre, render.Config{
		Retries:          s.cfg.RenderRetries,
		RetryDelay:       s.cfg.RetryDelay,
		WatchdogAfter:    s.cfg.WatchdogAfter,
		PreloadNeighbors: s.cfg.PreloadNeighbors,
	}, s.logger)
	sess := viewer.NewSession(info.ID, doc, sched, pre, s.logger)
	if containerW > 0 && containerH > 0 {
		sess.SetContainerSize(containerW, containerH)
	}

	rec := reconcile.New(info.ID, s.logger)
	rec.SetCurrentPage(sess.CurrentPage())
	if snap, loadErr := s.store.LoadSnapshot(info.ID); loadErr == nil {
		rec.Reconcile(snap)
	} else {
		s.logger.Warn("initial annotation snapshot failed",
			slog.String("document", info.ID), slog.String("error", loadErr.Error()))
	}
	unsub := s.store.Subscribe(info.ID, func(snap models.Snapshot) {
		rec.Reconcile(snap)
	})

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	go rec.Poll(pollCtx, s.cfg.PollInterval,
		func() bool { return true },
		func() (models.Snapshot, error) { return s.store.LoadSnapshot(info.ID) })

	e := &sessionEntry{
		id:         uuid.NewString(),
		docID:      info.ID,
		session:    sess,
		sched:      sched,
		reconciler: rec,
		unsubStore: unsub,
		cancelPoll: cancelPoll,
	}
	// Annotation changes drop the affected rasters and re-render the
	// page on screen so stale pixels never survive a sync.
	rec.OnAffectedPages(func(pages []int) {
		current := sess.CurrentPage()
		refresh := false
		for _, p := range pages {
			sched.Invalidate(p)
			if p == current {
				refresh = true
			}
		}
		if refresh {
			if _, err := sched.Request(context.Background(), render.Target{Page: current, Scale: sess.Scale()}); err != nil &&
				!errors.Is(err, apperr.ErrCancelled) && !errors.Is(err, apperr.ErrRenderStale) {
				s.logger.Warn("annotation refresh render failed",
					slog.String("session", e.id),
					slog.Int("page", current),
					slog.String("error", err.Error()))
			}
		}
		if s.broker != nil {
			s.broker.Publish(sse.Event{Type: "annotation.pages", Data: map[string]interface{}{
				"document_id": info.ID,
				"pages":       pages,
			}})
		}
	})

	s.mu.Lock()
	s.sessions[e.id] = e
	s.mu.Unlock()

	// Kick off the first page render so the session is warm.
	if _, err := sess.GoToPage(ctx, 1); err != nil && !errors.Is(err, apperr.ErrCancelled) {
		s.logger.Warn("initial render failed", slog.String("session", e.id), slog.String("error", err.Error()))
	}
	return s.stateOf(e), nil
}

func (s *Service) entry(id string) (*sessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return e, nil
}

// Session returns the current state of a session.
func (s *Service) Session(id string) (SessionState, error) {
	e, err := s.entry(id)
	if err != nil {
		return SessionState{}, err
	}
	return s.stateOf(e), nil
}

// CloseSession tears down one session.
func (s *Service) CloseSession(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return apperr.ErrNotFound
	}
	s.teardown(e)
	return nil
}

func (s *Service) teardown(e *sessionEntry) {
	e.cancelPoll()
	e.unsubStore()
	e.sched.Cancel()
}

func (s *Service) closeSessionsFor(docID string) {
	s.mu.Lock()
	var doomed []*sessionEntry
	for id, e := range s.sessions {
		if e.docID == docID {
			doomed = append(doomed, e)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, e := range doomed {
		s.teardown(e)
	}
}

// Close tears down every session.
func (s *Service) Close() {
	s.mu.Lock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.sessions = map[string]*sessionEntry{}
	s.mu.Unlock()
	for _, e := range entries {
		s.teardown(e)
	}
}

// GoToPage navigates a session.
func (s *Service) GoToPage(ctx context.Context, id string, page int) (SessionState, error) {
	e, err := s.entry(id)
	if err != nil {
		return SessionState{}, err
	}
	if _, err := e.session.GoToPage(ctx, page); err != nil && !errors.Is(err, apperr.ErrCancelled) {
		return s.stateOf(e), err
	}
	e.reconciler.SetCurrentPage(e.session.CurrentPage())
	if s.broker != nil {
		s.broker.Publish(sse.Event{Type: "page.rendered", Data: map[string]interface{}{
			"session_id": id,
			"page":       e.session.CurrentPage(),
		}})
	}
	return s.stateOf(e), nil
}

// Zoom operations accepted by Zoom.
const (
	ZoomOpIn       = "in"
	ZoomOpOut      = "out"
	ZoomOpWheelIn  = "wheel-in"
	ZoomOpWheelOut = "wheel-out"
	ZoomOpFitWidth = "fit-width"
	ZoomOpReset    = "reset"
)

// Zoom applies a scale operation to a session.
func (s *Service) Zoom(ctx context.Context, id, op string, anchorX, anchorY float64) (SessionState, error) {
	e, err := s.entry(id)
	if err != nil {
		return SessionState{}, err
	}
	switch op {
	case ZoomOpIn:
		_, err = e.session.ZoomIn(ctx)
	case ZoomOpOut:
		_, err = e.session.ZoomOut(ctx)
	case ZoomOpWheelIn:
		_, err = e.session.WheelZoom(ctx, true, anchorX, anchorY)
	case ZoomOpWheelOut:
		_, err = e.session.WheelZoom(ctx, false, anchorX, anchorY)
	case ZoomOpFitWidth:
		_, err = e.session.FitToWidth(ctx)
	case ZoomOpReset:
		_, err = e.session.ResetZoom(ctx)
	default:
		return SessionState{}, fmt.Errorf("%w: unknown zoom op %q", apperr.ErrInvalid, op)
	}
	if err != nil && !errors.Is(err, apperr.ErrCancelled) {
		return s.stateOf(e), err
	}
	return s.stateOf(e), nil
}

// SetContainer updates a session's measured container dimensions and,
// while autofit is active, re-fits the page to the new width.
func (s *Service) SetContainer(ctx context.Context, id string, w, h float64) (SessionState, error) {
	e, err := s.entry(id)
	if err != nil {
		return SessionState{}, err
	}
	e.session.SetContainerSize(w, h)
	if e.session.AutoFit() {
		if _, err := e.session.Refit(ctx); err != nil && !errors.Is(err, apperr.ErrCancelled) {
			return s.stateOf(e), err
		}
	}
	return s.stateOf(e), nil
}

// Raster renders the session's current page at its current scale,
// composites the page's annotations, and returns PNG bytes.
func (s *Service) Raster(ctx context.Context, id string) ([]byte, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	page := e.session.CurrentPage()
	scale := e.session.Scale()

	base, err := e.sched.Request(ctx, render.Target{Page: page, Scale: scale})
	if err != nil {
		return nil, err
	}
	// Cached rasters are shared; composite onto a copy.
	rgba := image.NewRGBA(base.Bounds())
	imgdraw.Draw(rgba, rgba.Bounds(), base, base.Bounds().Min, imgdraw.Src)

	anns := annotio.FilterValid(e.reconciler.ForPage(page), s.logger)
	pageW := float64(base.Bounds().Dx()) / scale
	pageH := float64(base.Bounds().Dy()) / scale
	for _, ann := range anns {
		annotio.CheckBounds(ann, pageW, pageH, s.logger)
	}
	draw.DrawPage(rgba, anns, scale, false)

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, fmt.Errorf("encode raster: %w", err)
	}
	return buf.Bytes(), nil
}

// Annotations returns the stored annotation set; page 0 means all
// pages.
func (s *Service) Annotations(docID string, page int) (models.Snapshot, error) {
	if _, err := s.lib.Get(docID); err != nil {
		return models.Snapshot{}, err
	}
	snap, err := s.store.LoadSnapshot(docID)
	if err != nil {
		return models.Snapshot{}, err
	}
	if page > 0 {
		filtered := snap.Annotations[:0:0]
		for _, ann := range snap.Annotations {
			if ann.Page == page {
				filtered = append(filtered, ann)
			}
		}
		snap.Annotations = filtered
	}
	return snap, nil
}

// SaveAnnotation validates and persists one annotation, assigning an
// id when absent.
func (s *Service) SaveAnnotation(docID string, ann models.Annotation) (models.Annotation, error) {
	if _, err := s.lib.Get(docID); err != nil {
		return models.Annotation{}, err
	}
	if ann.ID == "" {
		ann.ID = uuid.NewString()
	}
	ann.DocumentID = docID
	if ann.CreatedAt.IsZero() {
		ann.CreatedAt = time.Now().UTC()
	}
	if err := annotio.Validate(ann); err != nil {
		return models.Annotation{}, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	if err := s.store.SaveOne(docID, ann); err != nil {
		return models.Annotation{}, err
	}
	s.publishAnnotationUpdate(docID)
	return ann, nil
}

// DeleteAnnotation removes one annotation. Unknown ids are a no-op,
// matching the store's explicit-delete semantics.
func (s *Service) DeleteAnnotation(docID, annID string) error {
	if _, err := s.lib.Get(docID); err != nil {
		return err
	}
	if err := s.store.Delete(docID, annID); err != nil {
		return err
	}
	s.publishAnnotationUpdate(docID)
	return nil
}

func (s *Service) publishAnnotationUpdate(docID string) {
	if s.broker == nil {
		return
	}
	snap, err := s.store.LoadSnapshot(docID)
	if err != nil {
		return
	}
	s.broker.PublishAnnotationUpdate(docID, snap.Revision)
}

// ExportAnnotations serializes the document's annotation set to the
// interchange format.
func (s *Service) ExportAnnotations(docID string) ([]byte, error) {
	snap, err := s.Annotations(docID, 0)
	if err != nil {
		return nil, err
	}
	return annotio.Export(docID, snap.Annotations)
}

// ImportAnnotations merges an exported annotation file into the
// document's set.
func (s *Service) ImportAnnotations(docID string, data []byte) (int, error) {
	if _, err := s.lib.Get(docID); err != nil {
		return 0, err
	}
	f, err := annotio.Import(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	anns := make([]models.Annotation, len(f.Annotations))
	for i, ann := range f.Annotations {
		ann.DocumentID = docID
		anns[i] = ann
	}
	if err := s.store.Save(docID, anns); err != nil {
		return 0, err
	}
	s.publishAnnotationUpdate(docID)
	return len(anns), nil
}

// ExportPNG exports one annotated page as a PNG.
func (s *Service) ExportPNG(ctx context.Context, docID string, page int) ([]byte, error) {
	doc, info, err := s.lib.Open(docID)
	if err != nil {
		return nil, err
	}
	if page < 1 || page > info.Pages {
		return nil, fmt.Errorf("%w: page %d of %d", apperr.ErrInvalid, page, info.Pages)
	}
	snap, err := s.store.LoadSnapshot(docID)
	if err != nil {
		return nil, err
	}
	s.setExporting(docID, true)
	defer s.setExporting(docID, false)
	return s.exporter().PNG(ctx, doc, page, pageSet(snap.Annotations)[page])
}

// ExportPDF exports the selected pages (all pages when empty) as PDF
// artifacts. With fidelity set, the original bytes are preserved and
// annotations composited via an incremental update; documents whose
// structure cannot be appended to fall back to the rasterized path.
func (s *Service) ExportPDF(ctx context.Context, docID string, pages []int, tier export.Tier, fidelity bool) ([]export.Artifact, []export.PageError, error) {
	doc, info, err := s.lib.Open(docID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.store.LoadSnapshot(docID)
	if err != nil {
		return nil, nil, err
	}
	byPage := pageSet(snap.Annotations)
	annsFor := func(page int) []models.Annotation { return byPage[page] }

	if len(pages) == 0 {
		for p := 1; p <= info.Pages; p++ {
			pages = append(pages, p)
		}
	}
	for _, p := range pages {
		if p < 1 || p > info.Pages {
			return nil, nil, fmt.Errorf("%w: page %d of %d", apperr.ErrInvalid, p, info.Pages)
		}
	}

	s.setExporting(docID, true)
	defer s.setExporting(docID, false)

	if fidelity && len(pages) != info.Pages {
		// The incremental update keeps the whole file; a page subset
		// can only be produced by re-rasterizing.
		s.logger.Warn("fidelity export unsupported for page subset, falling back to raster",
			slog.String("document", docID),
			slog.Int("pages", len(pages)))
	}
	if fidelity && len(pages) == info.Pages {
		original, berr := s.lib.Bytes(docID)
		if berr != nil {
			return nil, nil, berr
		}
		out, oerr := s.exporter().Overlay(ctx, original, annsFor)
		if oerr == nil {
			return []export.Artifact{{Name: info.Name, Data: out}}, nil, nil
		}
		if !errors.Is(oerr, export.ErrXrefStream) {
			return nil, nil, oerr
		}
		s.logger.Warn("fidelity export unavailable, falling back to raster",
			slog.String("document", docID))
	}
	return s.exporter().PDF(ctx, doc, exportName(info.Name), pages, annsFor, tier)
}

// setExporting flips the export guard on every session bound to the
// document so navigation is blocked while pages are being rendered
// off-screen.
func (s *Service) setExporting(docID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessions {
		if e.docID == docID {
			e.session.SetExporting(v)
		}
	}
}

func pageSet(anns []models.Annotation) map[int][]models.Annotation {
	byPage := map[int][]models.Annotation{}
	for _, ann := range anns {
		byPage[ann.Page] = append(byPage[ann.Page], ann)
	}
	return byPage
}

func exportName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i] + "-annotated"
		}
	}
	return name + "-annotated"
}
