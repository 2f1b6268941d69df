// Package models defines the domain types for Quire.
package models

import "time"

// Kind discriminates the annotation shape variants.
type Kind string

const (
	KindFreehand      Kind = "freehand"
	KindLine          Kind = "line"
	KindArrow         Kind = "arrow"
	KindDoubleArrow   Kind = "double-arrow"
	KindRect          Kind = "rect"
	KindCircle        Kind = "circle"
	KindTriangle      Kind = "triangle"
	KindStar          Kind = "star"
	KindHighlight     Kind = "highlight"
	KindText          Kind = "text"
	KindSticky        Kind = "sticky"
	KindStampApproved Kind = "stamp-approved"
	KindStampRejected Kind = "stamp-rejected"
	KindStampDraft    Kind = "stamp-draft"
	KindStampReviewed Kind = "stamp-reviewed"
	KindStampCustom   Kind = "stamp-custom"
	KindCloud         Kind = "cloud"
	KindDimension     Kind = "dimension"
	KindNorthArrow    Kind = "north-arrow"
	KindSectionMark   Kind = "section-mark"
)

// Kinds lists every supported annotation variant.
var Kinds = []Kind{
	KindFreehand, KindLine, KindArrow, KindDoubleArrow, KindRect,
	KindCircle, KindTriangle, KindStar, KindHighlight, KindText,
	KindSticky, KindStampApproved, KindStampRejected, KindStampDraft,
	KindStampReviewed, KindStampCustom, KindCloud, KindDimension,
	KindNorthArrow, KindSectionMark,
}

// Point is a coordinate in unscaled PDF-space units. All scaling
// happens at draw/export time.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style carries the presentation attributes of an annotation. Optional
// per-variant fields are zero-valued when unused.
type Style struct {
	Color        string  `json:"color"`
	LineWidth    float64 `json:"line_width"`
	Opacity      float64 `json:"opacity"`
	StampText    string  `json:"stamp_text,omitempty"`
	StampSize    float64 `json:"stamp_size,omitempty"`
	DiameterMode bool    `json:"diameter_mode,omitempty"`
	FontSize     float64 `json:"font_size,omitempty"`
	Text         string  `json:"text,omitempty"`
}

// Annotation is one vector markup element on a document page.
type Annotation struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Page       int       `json:"page"` // 1-based
	Kind       Kind      `json:"kind"`
	Points     []Point   `json:"points"`
	Style      Style     `json:"style"`
	Author     string    `json:"author,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Version    int64     `json:"version"`
}

// Equal reports full content equality, used by the reconciler to tell
// a modified annotation from a local-edit echo.
func (a Annotation) Equal(b Annotation) bool {
	if a.ID != b.ID || a.DocumentID != b.DocumentID || a.Page != b.Page ||
		a.Kind != b.Kind || a.Style != b.Style || a.Author != b.Author ||
		a.Version != b.Version || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if len(a.Points) != len(b.Points) {
		return false
	}
	for i := range a.Points {
		if a.Points[i] != b.Points[i] {
			return false
		}
	}
	return true
}

// Snapshot is a full-state delivery from the annotation store. Push is
// at-least-once and always carries the complete current set, never a
// delta. Revision increases monotonically per document on every write;
// Deletions counts delete operations, so an empty Annotations slice at
// a known revision is distinguishable from a transient empty read.
type Snapshot struct {
	DocumentID  string       `json:"document_id"`
	Revision    int64        `json:"revision"`
	Deletions   int64        `json:"deletions"`
	Annotations []Annotation `json:"annotations"`
}
