package api

import (
	"github.com/tessone/quire/internal/models"
)

// OpenSessionRequest is the request body for opening a viewer session.
type OpenSessionRequest struct {
	DocumentID string  `json:"document_id"`
	Width      float64 `json:"width,omitempty"`
	Height     float64 `json:"height,omitempty"`
}

// GoToPageRequest is the request body for page navigation.
type GoToPageRequest struct {
	Page int `json:"page"`
}

// ZoomRequest is the request body for scale operations. AnchorX and
// AnchorY are document-space coordinates, used by the wheel ops.
type ZoomRequest struct {
	Op      string  `json:"op"`
	AnchorX float64 `json:"anchor_x,omitempty"`
	AnchorY float64 `json:"anchor_y,omitempty"`
}

// ContainerRequest is the request body for container resizes.
type ContainerRequest struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ExportPDFRequest selects pages and quality for a PDF export. Empty
// Pages means the whole document.
type ExportPDFRequest struct {
	Pages    []int  `json:"pages,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Fidelity bool   `json:"fidelity,omitempty"`
}

// ExportArtifactDTO is one produced output in an export response.
type ExportArtifactDTO struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// ExportPDFResponse wraps a possibly multi-part export.
type ExportPDFResponse struct {
	Artifacts  []ExportArtifactDTO `json:"artifacts"`
	PageErrors []string            `json:"page_errors,omitempty"`
}

// DocumentListResponse wraps the library listing.
type DocumentListResponse struct {
	Documents []models.DocumentInfo `json:"documents"`
	Total     int                   `json:"total"`
}

// AnnotationListResponse wraps an annotation query.
type AnnotationListResponse struct {
	DocumentID  string              `json:"document_id"`
	Revision    int64               `json:"revision"`
	Annotations []models.Annotation `json:"annotations"`
}

// ImportResponse reports how many annotations an import merged.
type ImportResponse struct {
	Imported int `json:"imported"`
}

// CreateUserRequest is the admin request to provision a user.
type CreateUserRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// CreateUserResponse returns the new user's id.
type CreateUserResponse struct {
	ID string `json:"id"`
}
