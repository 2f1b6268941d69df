package annotio_test

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tessone/quire/internal/annotio"
	"github.com/tessone/quire/internal/models"
	"github.com/tessone/quire/internal/testutil"
)

func TestExportImportRoundTrip(t *testing.T) {
	anns := []models.Annotation{
		testutil.Annotation("a1", 1, models.KindFreehand,
			models.Point{X: 10, Y: 10}, models.Point{X: 20, Y: 35}, models.Point{X: 44, Y: 12}),
		testutil.Annotation("a2", 3, models.KindStampApproved, models.Point{X: 100, Y: 200}),
		testutil.Annotation("a3", 3, models.KindText, models.Point{X: 50, Y: 60}),
	}
	anns[1].Style.StampText = "APPROVED"
	anns[2].Style.Text = "check slab thickness"
	anns[2].Style.FontSize = 14

	data, err := annotio.Export("doc-1", anns)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	f, err := annotio.Import(data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if f.DocumentID != "doc-1" {
		t.Errorf("document id = %q, want doc-1", f.DocumentID)
	}
	if diff := cmp.Diff(anns, f.Annotations); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestImportRejectsMalformedJSON(t *testing.T) {
	if _, err := annotio.Import([]byte(`{"version": 1, "annotations": [`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestImportRejectsFutureVersion(t *testing.T) {
	if _, err := annotio.Import([]byte(`{"version": 99, "annotations": []}`)); err == nil {
		t.Fatal("expected error for future format version")
	}
}

func TestValidate(t *testing.T) {
	valid := testutil.Annotation("ok", 1, models.KindRect)

	tests := []struct {
		name   string
		mutate func(*models.Annotation)
		wantOK bool
	}{
		{"valid", func(a *models.Annotation) {}, true},
		{"missing id", func(a *models.Annotation) { a.ID = "" }, false},
		{"missing document", func(a *models.Annotation) { a.DocumentID = "" }, false},
		{"page zero", func(a *models.Annotation) { a.Page = 0 }, false},
		{"unknown kind", func(a *models.Annotation) { a.Kind = "scribble" }, false},
		{"no points", func(a *models.Annotation) { a.Points = nil }, false},
		{"nan point", func(a *models.Annotation) { a.Points = []models.Point{{X: math.NaN(), Y: 1}} }, false},
		{"inf point", func(a *models.Annotation) { a.Points = []models.Point{{X: 1, Y: math.Inf(1)}} }, false},
		{"bad color", func(a *models.Annotation) { a.Style.Color = "red" }, false},
		{"opacity above one", func(a *models.Annotation) { a.Style.Opacity = 1.5 }, false},
		{"negative width", func(a *models.Annotation) { a.Style.LineWidth = -1 }, false},
		{"out of bounds point is fine", func(a *models.Annotation) {
			a.Points = []models.Point{{X: -500, Y: 99999}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ann := valid
			ann.Points = append([]models.Point(nil), valid.Points...)
			tt.mutate(&ann)
			err := annotio.Validate(ann)
			if tt.wantOK && err != nil {
				t.Errorf("Validate: %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Validate: nil, want error")
			}
		})
	}
}

func TestCheckBoundsWarnsOnceForDriftedPoints(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	inside := testutil.Annotation("in", 1, models.KindLine,
		models.Point{X: 10, Y: 10}, models.Point{X: 600, Y: 780})
	annotio.CheckBounds(inside, 612, 792, logger)
	if buf.Len() != 0 {
		t.Fatalf("in-bounds annotation warned: %s", buf.String())
	}

	drifted := testutil.Annotation("out", 1, models.KindLine,
		models.Point{X: -5, Y: 10}, models.Point{X: 700, Y: 900})
	annotio.CheckBounds(drifted, 612, 792, logger)
	if got := strings.Count(buf.String(), "outside page bounds"); got != 1 {
		t.Errorf("warnings = %d, want 1 per annotation:\n%s", got, buf.String())
	}
}

func TestFilterValidDropsBrokenRecords(t *testing.T) {
	good := testutil.Annotation("good", 1, models.KindCircle)
	broken := testutil.Annotation("", 1, models.KindCircle)

	out := annotio.FilterValid([]models.Annotation{good, broken}, slog.Default())
	if len(out) != 1 || out[0].ID != "good" {
		t.Fatalf("FilterValid = %v, want only %q", out, "good")
	}
}
