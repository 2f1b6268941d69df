package viewer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tessone/quire/internal/rastercache"
	"github.com/tessone/quire/internal/render"
	"github.com/tessone/quire/internal/testutil"
)

func newSession(t *testing.T, pages int) (*Session, *testutil.StubDocument) {
	t.Helper()
	doc := testutil.NewStubDocument(pages)
	cache := rastercache.NewManager(20).Namespace("doc")
	sched := render.New(doc, cache, nil, render.Config{RetryDelay: time.Millisecond}, nil)
	return NewSession("doc", doc, sched, nil, nil), doc
}

func TestGoToPageClamps(t *testing.T) {
	s, _ := newSession(t, 5)

	if _, err := s.GoToPage(context.Background(), 99); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentPage(); got != 5 {
		t.Errorf("page = %d, want 5 (clamped)", got)
	}

	if _, err := s.GoToPage(context.Background(), -3); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentPage(); got != 1 {
		t.Errorf("page = %d, want 1 (clamped)", got)
	}
}

func TestGoToPageSamePageIsNoop(t *testing.T) {
	s, doc := newSession(t, 5)
	img, err := s.GoToPage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if img != nil {
		t.Error("same-page navigation should not render")
	}
	if got := len(doc.RenderCalls()); got != 0 {
		t.Errorf("render calls = %d, want 0", got)
	}
}

func TestGoToPageBlockedWhileExporting(t *testing.T) {
	s, doc := newSession(t, 5)
	s.SetExporting(true)

	img, err := s.GoToPage(context.Background(), 3)
	if err != nil || img != nil {
		t.Errorf("navigation during export should no-op, got img=%v err=%v", img, err)
	}
	if got := s.CurrentPage(); got != 1 {
		t.Errorf("page = %d, want 1", got)
	}
	if got := len(doc.RenderCalls()); got != 0 {
		t.Errorf("render calls = %d, want 0", got)
	}
}

func TestGoToPageSetsTransition(t *testing.T) {
	s, _ := newSession(t, 5)
	if _, err := s.GoToPage(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if !s.InTransition() {
		t.Error("transition flag not raised during navigation settle")
	}
	deadline := time.Now().Add(time.Second)
	for s.InTransition() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.InTransition() {
		t.Error("transition flag never decayed")
	}
}

func TestZoomBounds(t *testing.T) {
	s, _ := newSession(t, 5)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := s.ZoomIn(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Scale(); got != 5.0 {
		t.Errorf("scale = %g, want capped at 5.0", got)
	}

	for i := 0; i < 40; i++ {
		if _, err := s.ZoomOut(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Scale(); got != 0.25 {
		t.Errorf("scale = %g, want floored at 0.25", got)
	}
}

func TestZoomScalesScrollOffsets(t *testing.T) {
	s, _ := newSession(t, 5)
	s.mu.Lock()
	s.scrollX, s.scrollY = 100, 100
	s.mu.Unlock()

	if _, err := s.ZoomIn(context.Background()); err != nil {
		t.Fatal(err)
	}
	x, y := s.Scroll()
	if x != 125 || y != 125 {
		t.Errorf("scroll = (%g,%g), want (125,125)", x, y)
	}
}

func TestWheelZoomPreservesAnchor(t *testing.T) {
	// Scale 1.0, offset (100,100), mouse anchored at document-space
	// (300,300). Zooming to 1.25x must keep the anchor's viewport
	// position: offset x1.25 (=125) plus the anchor delta (=50).
	s, _ := newSession(t, 5)
	s.mu.Lock()
	s.scale = 1.0
	s.scrollX, s.scrollY = 100, 100
	s.mu.Unlock()

	s.anchorZoom(1.0, 1.25, 300, 300)

	x, y := s.Scroll()
	if x != 175 || y != 175 {
		t.Errorf("scroll = (%g,%g), want (175,175)", x, y)
	}
}

func TestWheelZoomStep(t *testing.T) {
	s, _ := newSession(t, 5)
	if _, err := s.WheelZoom(context.Background(), true, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got := s.Scale(); math.Abs(got-1.1) > 1e-9 {
		t.Errorf("scale = %g, want 1.1", got)
	}
	if _, err := s.WheelZoom(context.Background(), false, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got := s.Scale(); math.Abs(got-0.99) > 1e-9 {
		t.Errorf("scale = %g, want 0.99", got)
	}
}

func TestFitToWidth(t *testing.T) {
	s, doc := newSession(t, 5)
	doc.PageW = 612
	s.SetContainerSize(652, 1200)

	if _, err := s.FitToWidth(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := (652.0 - fitPadding - scrollbarGap) / 612.0
	if got := s.Scale(); math.Abs(got-want) > 1e-9 {
		t.Errorf("scale = %g, want %g", got, want)
	}
	s.mu.Lock()
	autoFit := s.autoFit
	s.mu.Unlock()
	if autoFit {
		t.Error("fitToWidth must disable automatic re-fit")
	}
}

func TestRefitKeepsAutoFit(t *testing.T) {
	s, doc := newSession(t, 5)
	doc.PageW = 612

	if !s.AutoFit() {
		t.Fatal("new session should start with autofit on")
	}
	s.SetContainerSize(1000, 1400)
	if _, err := s.Refit(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := (1000.0 - fitPadding - scrollbarGap) / 612.0
	if got := s.Scale(); math.Abs(got-want) > 1e-9 {
		t.Errorf("scale = %g, want %g", got, want)
	}
	if !s.AutoFit() {
		t.Error("refit must not disable autofit")
	}

	if _, err := s.FitToWidth(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.AutoFit() {
		t.Error("explicit fit must disable autofit")
	}
	s.EnableAutoFit()
	if !s.AutoFit() {
		t.Error("EnableAutoFit must restore autofit")
	}
}

func TestInvalidContainerFallsBack(t *testing.T) {
	s, _ := newSession(t, 5)
	s.SetContainerSize(0, math.NaN())
	s.mu.Lock()
	w, h := s.containerW, s.containerH
	s.mu.Unlock()
	if w != fallbackWidth || h != fallbackHeight {
		t.Errorf("container = (%g,%g), want fallback (%d,%d)", w, h, fallbackWidth, fallbackHeight)
	}
}

func TestResetZoom(t *testing.T) {
	s, _ := newSession(t, 5)
	ctx := context.Background()
	if _, err := s.ZoomIn(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResetZoom(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.Scale(); got != 1.0 {
		t.Errorf("scale = %g, want 1.0", got)
	}
	x, y := s.Scroll()
	if x != 0 || y != 0 {
		t.Errorf("scroll = (%g,%g), want origin", x, y)
	}
}
