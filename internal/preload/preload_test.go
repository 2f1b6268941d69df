package preload

import (
	"context"
	"testing"

	"github.com/tessone/quire/internal/testutil"
)

func TestPrepareAndTake(t *testing.T) {
	doc := testutil.NewStubDocument(3)
	p := New(doc, nil)

	p.Prepare(context.Background(), 2, 1.0, 800, 1200)

	if _, ok := p.Take(2, 1.0, 800, 1200); !ok {
		t.Fatal("expected buffer hand-off for exact dimensions")
	}
	// A buffer is consumed on Take.
	if _, ok := p.Take(2, 1.0, 800, 1200); ok {
		t.Fatal("buffer should be consumed by Take")
	}
}

func TestTakeToleratesSubEpsilonDrift(t *testing.T) {
	doc := testutil.NewStubDocument(3)
	p := New(doc, nil)
	p.Prepare(context.Background(), 1, 1.0, 800, 1200)

	if _, ok := p.Take(1, 1.0, 801, 1201); !ok {
		t.Error("drift under 2px should not invalidate the buffer")
	}
}

func TestTakeRejectsResizedContainer(t *testing.T) {
	cases := []struct {
		name string
		w, h float64
	}{
		{"width grew", 802, 1200},
		{"width shrank", 798, 1200},
		{"height grew", 800, 1202},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := testutil.NewStubDocument(3)
			p := New(doc, nil)
			p.Prepare(context.Background(), 1, 1.0, 800, 1200)

			if _, ok := p.Take(1, 1.0, tc.w, tc.h); ok {
				t.Error("buffer for drifted container must be discarded")
			}
			// The stale buffer is gone either way.
			if p.Len() != 0 {
				t.Error("stale buffer retained")
			}
		})
	}
}

func TestTakeRejectsScaleMismatch(t *testing.T) {
	doc := testutil.NewStubDocument(3)
	p := New(doc, nil)
	p.Prepare(context.Background(), 1, 1.0, 800, 1200)

	if _, ok := p.Take(1, 1.25, 800, 1200); ok {
		t.Error("buffer rendered at another scale must not be handed off")
	}
}

func TestPrepareSkipsOutOfRangePages(t *testing.T) {
	doc := testutil.NewStubDocument(3)
	p := New(doc, nil)

	p.Prepare(context.Background(), 0, 1.0, 800, 1200)
	p.Prepare(context.Background(), 4, 1.0, 800, 1200)

	if got := len(doc.RenderCalls()); got != 0 {
		t.Errorf("render calls = %d, want 0", got)
	}
}

func TestPrepareDeduplicates(t *testing.T) {
	doc := testutil.NewStubDocument(3)
	p := New(doc, nil)

	p.Prepare(context.Background(), 2, 1.0, 800, 1200)
	p.Prepare(context.Background(), 2, 1.0, 800, 1200)

	if got := doc.RenderCount(2); got != 1 {
		t.Errorf("render calls for buffered page = %d, want 1", got)
	}
}

func TestInvalidate(t *testing.T) {
	doc := testutil.NewStubDocument(3)
	p := New(doc, nil)
	p.Prepare(context.Background(), 1, 1.0, 800, 1200)
	p.Prepare(context.Background(), 2, 1.0, 800, 1200)

	p.Invalidate()

	if p.Len() != 0 {
		t.Error("expected all buffers cleared")
	}
}
