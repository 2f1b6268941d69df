package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tessone/quire/internal/apperr"
	"github.com/tessone/quire/internal/export"
	"github.com/tessone/quire/internal/models"
)

const maxUploadBytes = 100 << 20 // 100 MB

// Handler holds API route handlers.
type Handler struct {
	svc      *Service
	identity IdentityProvider
}

// NewHandler creates a new Handler. identity may be nil when no
// identity collaborator is configured.
func NewHandler(svc *Service, identity IdentityProvider) *Handler {
	return &Handler{svc: svc, identity: identity}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error, logMsg string, attrs ...slog.Attr) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("conflict"))
	case errors.Is(err, apperr.ErrDocumentClosed):
		writeJSON(w, http.StatusGone, errorBody("document closed"))
	default:
		args := make([]any, 0, len(attrs)+1)
		for _, a := range attrs {
			args = append(args, a)
		}
		args = append(args, slog.String("error", err.Error()))
		slog.Error(logMsg, args...)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListDocuments handles GET /api/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := h.svc.lib.List()
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs, Total: len(docs)})
}

// GetDocument handles GET /api/documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.lib.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "get document failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// UploadDocument handles POST /api/documents (multipart/form-data,
// field "file").
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		writeJSON(w, http.StatusBadRequest, errorBody("a .pdf filename is required"))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read upload"))
		return
	}
	info, err := h.svc.lib.Upload(name, data)
	if err != nil {
		writeError(w, err, "upload failed", slog.String("name", name))
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// DeleteDocument handles DELETE /api/documents/{id}.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.lib.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err, "delete document failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenSession handles POST /api/sessions.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.DocumentID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("document_id is required"))
		return
	}
	state, err := h.svc.OpenSession(r.Context(), req.DocumentID, req.Width, req.Height)
	if err != nil {
		writeError(w, err, "open session failed", slog.String("document", req.DocumentID))
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "get session failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// CloseSession handles DELETE /api/sessions/{id}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, err, "close session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GoToPage handles POST /api/sessions/{id}/goto.
func (h *Handler) GoToPage(w http.ResponseWriter, r *http.Request) {
	var req GoToPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	state, err := h.svc.GoToPage(r.Context(), chi.URLParam(r, "id"), req.Page)
	if err != nil {
		writeError(w, err, "navigation failed", slog.Int("page", req.Page))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Zoom handles POST /api/sessions/{id}/zoom.
func (h *Handler) Zoom(w http.ResponseWriter, r *http.Request) {
	var req ZoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	state, err := h.svc.Zoom(r.Context(), chi.URLParam(r, "id"), req.Op, req.AnchorX, req.AnchorY)
	if err != nil {
		writeError(w, err, "zoom failed", slog.String("op", req.Op))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SetContainer handles POST /api/sessions/{id}/container.
func (h *Handler) SetContainer(w http.ResponseWriter, r *http.Request) {
	var req ContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	state, err := h.svc.SetContainer(r.Context(), chi.URLParam(r, "id"), req.Width, req.Height)
	if err != nil {
		writeError(w, err, "container update failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Raster handles GET /api/sessions/{id}/raster: the current page at
// the current scale with its annotations composited, as PNG.
func (h *Handler) Raster(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.Raster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "raster failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// ListAnnotations handles GET /api/documents/{id}/annotations.
func (h *Handler) ListAnnotations(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	snap, err := h.svc.Annotations(chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, err, "list annotations failed")
		return
	}
	writeJSON(w, http.StatusOK, AnnotationListResponse{
		DocumentID:  snap.DocumentID,
		Revision:    snap.Revision,
		Annotations: snap.Annotations,
	})
}

// SaveAnnotation handles POST /api/documents/{id}/annotations.
func (h *Handler) SaveAnnotation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var ann models.Annotation
	if err := json.NewDecoder(r.Body).Decode(&ann); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	saved, err := h.svc.SaveAnnotation(chi.URLParam(r, "id"), ann)
	if err != nil {
		writeError(w, err, "save annotation failed")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// DeleteAnnotation handles DELETE /api/documents/{id}/annotations/{annID}.
func (h *Handler) DeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteAnnotation(chi.URLParam(r, "id"), chi.URLParam(r, "annID"))
	if err != nil {
		writeError(w, err, "delete annotation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportAnnotations handles GET /api/documents/{id}/annotations/export.
func (h *Handler) ExportAnnotations(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.ExportAnnotations(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, "annotation export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="annotations.json"`)
	_, _ = w.Write(data)
}

// ImportAnnotations handles POST /api/documents/{id}/annotations/import.
func (h *Handler) ImportAnnotations(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	n, err := h.svc.ImportAnnotations(chi.URLParam(r, "id"), data)
	if err != nil {
		writeError(w, err, "annotation import failed")
		return
	}
	writeJSON(w, http.StatusOK, ImportResponse{Imported: n})
}

// ExportPNG handles GET /api/documents/{id}/export/png?page=N.
func (h *Handler) ExportPNG(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'page' is required"))
		return
	}
	data, err := h.svc.ExportPNG(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, err, "png export failed", slog.Int("page", page))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="page.png"`)
	_, _ = w.Write(data)
}

// ExportPDF handles POST /api/documents/{id}/export/pdf.
func (h *Handler) ExportPDF(w http.ResponseWriter, r *http.Request) {
	var req ExportPDFRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	tier := export.TierStandard
	switch req.Tier {
	case "", string(export.TierStandard):
	case string(export.TierHD):
		tier = export.TierHD
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("tier must be standard or hd"))
		return
	}

	artifacts, pageErrs, err := h.svc.ExportPDF(r.Context(), chi.URLParam(r, "id"), req.Pages, tier, req.Fidelity)
	if err != nil {
		writeError(w, err, "pdf export failed")
		return
	}
	resp := ExportPDFResponse{}
	for _, a := range artifacts {
		resp.Artifacts = append(resp.Artifacts, ExportArtifactDTO{Name: a.Name, Data: a.Data})
	}
	for _, pe := range pageErrs {
		resp.PageErrors = append(resp.PageErrors, pe.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateUser handles POST /api/admin/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody("no identity provider configured"))
		return
	}
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Username == "" || req.Role == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("username and role are required"))
		return
	}
	id, err := h.identity.CreateUser(r.Context(), req.Username, req.Role)
	if err != nil {
		writeError(w, err, "create user failed", slog.String("username", req.Username))
		return
	}
	slog.Info("audit: user created",
		slog.String("username", req.Username),
		slog.String("role", req.Role),
		slog.String("id", id))
	writeJSON(w, http.StatusCreated, CreateUserResponse{ID: id})
}

// DeleteUser handles DELETE /api/admin/users/{id}.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody("no identity provider configured"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.identity.DeleteUser(r.Context(), id); err != nil {
		writeError(w, err, "delete user failed", slog.String("id", id))
		return
	}
	slog.Info("audit: user deleted", slog.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}
