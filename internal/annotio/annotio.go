// Package annotio implements the JSON interchange format for
// annotation sets and the integrity rules applied before rendering.
// Export→import round trips reproduce equivalent sets.
package annotio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tessone/quire/internal/models"
)

// FormatVersion tags exported files so future revisions can migrate.
const FormatVersion = 1

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// File is the on-disk export envelope.
type File struct {
	Version     int                 `json:"version"`
	DocumentID  string              `json:"document_id"`
	Annotations []models.Annotation `json:"annotations"`
}

// Export serializes an annotation set.
func Export(docID string, anns []models.Annotation) ([]byte, error) {
	if anns == nil {
		anns = []models.Annotation{}
	}
	data, err := json.MarshalIndent(File{
		Version:     FormatVersion,
		DocumentID:  docID,
		Annotations: anns,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("annotio: export: %w", err)
	}
	return data, nil
}

// Import parses an exported file and validates every record.
func Import(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("annotio: import: %w", err)
	}
	if f.Version > FormatVersion {
		return nil, fmt.Errorf("annotio: unsupported format version %d", f.Version)
	}
	for i, ann := range f.Annotations {
		if err := Validate(ann); err != nil {
			return nil, fmt.Errorf("annotio: annotation %d (%s): %w", i, ann.ID, err)
		}
	}
	return &f, nil
}

// Validate applies the integrity rules for one annotation. Out-of-
// bounds points are deliberately NOT an error here; see CheckBounds.
func Validate(ann models.Annotation) error {
	return validation.ValidateStruct(&ann,
		validation.Field(&ann.ID, validation.Required),
		validation.Field(&ann.DocumentID, validation.Required),
		validation.Field(&ann.Page, validation.Required, validation.Min(1)),
		validation.Field(&ann.Kind, validation.Required, validation.By(knownKind)),
		validation.Field(&ann.Points, validation.Required, validation.Length(1, 0), validation.By(finitePoints)),
		validation.Field(&ann.Style, validation.By(validStyle)),
	)
}

func knownKind(value interface{}) error {
	k, _ := value.(models.Kind)
	for _, known := range models.Kinds {
		if k == known {
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", k)
}

func finitePoints(value interface{}) error {
	pts, _ := value.([]models.Point)
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("point %d is not finite", i)
		}
	}
	return nil
}

func validStyle(value interface{}) error {
	s, _ := value.(models.Style)
	if s.Color != "" && !colorPattern.MatchString(s.Color) {
		return fmt.Errorf("color %q is not #rrggbb", s.Color)
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("opacity %g outside [0,1]", s.Opacity)
	}
	if s.LineWidth < 0 {
		return fmt.Errorf("negative line width")
	}
	return nil
}

// FilterValid drops annotations that fail validation, logging each one
// as a warning, and returns the renderable remainder.
func FilterValid(anns []models.Annotation, logger *slog.Logger) []models.Annotation {
	if logger == nil {
		logger = slog.Default()
	}
	out := anns[:0:0]
	for _, ann := range anns {
		if err := Validate(ann); err != nil {
			logger.Warn("annotation failed integrity check, skipping",
				slog.String("id", ann.ID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, ann)
	}
	return out
}

// CheckBounds logs a warning for points outside the page box. The
// annotation still renders (possibly clipped); bounds drift is not an
// integrity failure.
func CheckBounds(ann models.Annotation, pageW, pageH float64, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for i, p := range ann.Points {
		if p.X < 0 || p.Y < 0 || p.X > pageW || p.Y > pageH {
			logger.Warn("annotation point outside page bounds",
				slog.String("id", ann.ID),
				slog.Int("point", i),
				slog.Float64("x", p.X),
				slog.Float64("y", p.Y))
			return
		}
	}
}
