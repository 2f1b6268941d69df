package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth
// group. identity may be nil when no identity collaborator is
// configured; the admin endpoints then answer 501.
func NewRouter(svc *Service, identity IdentityProvider, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc, identity)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Document library.
	r.Get("/documents", h.ListDocuments)
	r.Post("/documents", h.UploadDocument)
	r.Get("/documents/{id}", h.GetDocument)
	r.Delete("/documents/{id}", h.DeleteDocument)

	// Annotations.
	r.Get("/documents/{id}/annotations", h.ListAnnotations)
	r.Post("/documents/{id}/annotations", h.SaveAnnotation)
	r.Delete("/documents/{id}/annotations/{annID}", h.DeleteAnnotation)
	r.Get("/documents/{id}/annotations/export", h.ExportAnnotations)
	r.Post("/documents/{id}/annotations/import", h.ImportAnnotations)

	// Exports.
	r.Post("/documents/{id}/export/pdf", h.ExportPDF)
	r.Get("/documents/{id}/export/png", h.ExportPNG)

	// Viewing sessions.
	r.Post("/sessions", h.OpenSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Delete("/sessions/{id}", h.CloseSession)
	r.Post("/sessions/{id}/goto", h.GoToPage)
	r.Post("/sessions/{id}/zoom", h.Zoom)
	r.Post("/sessions/{id}/container", h.SetContainer)
	r.Get("/sessions/{id}/raster", h.Raster)

	// Admin endpoints require the admin role on top of token auth.
	r.Group(func(r chi.Router) {
		r.Use(RequireRole("admin"))
		r.Post("/admin/users", h.CreateUser)
		r.Delete("/admin/users/{id}", h.DeleteUser)
	})

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
