package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tessone/quire/internal/export"
	"github.com/tessone/quire/internal/library"
	"github.com/tessone/quire/internal/models"
	"github.com/tessone/quire/internal/rastercache"
	"github.com/tessone/quire/internal/testutil"
)

// testEnv wires a temp library, SQLite annotation store, service, and
// router. authToken="" means auth disabled.
func testEnv(t *testing.T, authToken string) (*Service, http.Handler) {
	t.Helper()

	_, files := testutil.TestLibrary(t)
	store := testutil.TestStore(t)
	caches := rastercache.NewManager(32)
	t.Cleanup(caches.CloseAll)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lib := library.New(files, &testutil.StubSource{Pages: 3}, caches, logger)
	t.Cleanup(lib.Close)

	svc := NewService(lib, store, caches, nil, ServiceConfig{
		PollInterval: 50 * time.Millisecond,
	}, logger)
	t.Cleanup(svc.Close)

	router := NewRouter(svc, nil, authToken != "", authToken, nil)
	return svc, router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func uploadPDF(t *testing.T, router http.Handler, name string, data []byte) models.DocumentInfo {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	var info models.DocumentInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	return info
}

func TestUploadAndListDocuments(t *testing.T) {
	_, router := testEnv(t, "")

	info := uploadPDF(t, router, "manual.pdf", []byte("%PDF-1.7 manual contents"))
	if info.ID == "" || info.Name != "manual.pdf" {
		t.Fatalf("unexpected document info: %+v", info)
	}

	w := do(t, router, http.MethodGet, "/documents", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list DocumentListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || list.Documents[0].ID != info.ID {
		t.Errorf("list = %+v", list)
	}

	// Non-PDF filename is rejected.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "notes.txt")
	part.Write([]byte("plain text"))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("txt upload = %d, want 400", rec.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	_, router := testEnv(t, "")
	info := uploadPDF(t, router, "gone.pdf", []byte("%PDF-1.7 soon gone"))

	w := do(t, router, http.MethodDelete, "/documents/"+info.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/documents/"+info.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/documents/"+info.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, router := testEnv(t, "")
	info := uploadPDF(t, router, "spec-sheet.pdf", []byte("%PDF-1.7 spec sheet"))

	w := do(t, router, http.MethodPost, "/sessions", OpenSessionRequest{
		DocumentID: info.ID, Width: 900, Height: 1200,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open session = %d, body = %s", w.Code, w.Body.String())
	}
	var state SessionState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.ID == "" || state.Page != 1 || state.Pages != 3 {
		t.Fatalf("initial state = %+v", state)
	}

	// Navigate.
	w = do(t, router, http.MethodPost, "/sessions/"+state.ID+"/goto", GoToPageRequest{Page: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("goto = %d, body = %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &state)
	if state.Page != 2 {
		t.Errorf("page after goto = %d, want 2", state.Page)
	}

	// Out-of-range targets clamp to the last page.
	w = do(t, router, http.MethodPost, "/sessions/"+state.ID+"/goto", GoToPageRequest{Page: 99})
	if w.Code != http.StatusOK {
		t.Fatalf("goto 99 = %d, body = %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &state)
	if state.Page != 3 {
		t.Errorf("page after goto 99 = %d, want 3", state.Page)
	}

	// Zoom in raises scale.
	before := state.Scale
	w = do(t, router, http.MethodPost, "/sessions/"+state.ID+"/zoom", ZoomRequest{Op: "in"})
	if w.Code != http.StatusOK {
		t.Fatalf("zoom = %d, body = %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &state)
	if state.Scale <= before {
		t.Errorf("scale after zoom in = %v, want > %v", state.Scale, before)
	}

	// Raster returns a decodable PNG at the session's dimensions.
	w = do(t, router, http.MethodGet, "/sessions/"+state.ID+"/raster", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("raster = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("raster content type = %q", ct)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("raster is not a PNG: %v", err)
	}
	if img.Bounds().Dx() < 1 {
		t.Error("raster has no pixels")
	}

	// Close and verify the session is gone.
	w = do(t, router, http.MethodDelete, "/sessions/"+state.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("close = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/sessions/"+state.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get closed session = %d, want 404", w.Code)
	}
}

func TestAnnotationChangeRefreshesCurrentPage(t *testing.T) {
	svc, router := testEnv(t, "")
	info := uploadPDF(t, router, "redline.pdf", []byte("%PDF-1.7 redline"))

	w := do(t, router, http.MethodPost, "/sessions", OpenSessionRequest{
		DocumentID: info.ID, Width: 900, Height: 1200,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open session = %d, body = %s", w.Code, w.Body.String())
	}

	doc, _, err := svc.lib.Open(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	stub := doc.(*testutil.StubDocument)
	before := stub.RenderCount(1)

	ann := testutil.Annotation("", 1, models.KindRect)
	w = do(t, router, http.MethodPost, "/documents/"+info.ID+"/annotations", ann)
	if w.Code != http.StatusCreated {
		t.Fatalf("save = %d, body = %s", w.Code, w.Body.String())
	}

	// The sync observer must drop the page's cached raster and
	// re-render the visible page, not just announce the change.
	deadline := time.Now().Add(2 * time.Second)
	for stub.RenderCount(1) <= before {
		if time.Now().After(deadline) {
			t.Fatalf("page 1 never re-rendered after annotation change (renders = %d)", stub.RenderCount(1))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnnotationCRUD(t *testing.T) {
	_, router := testEnv(t, "")
	info := uploadPDF(t, router, "marked-up.pdf", []byte("%PDF-1.7 marked up"))

	ann := testutil.Annotation("", 2, models.KindRect)
	w := do(t, router, http.MethodPost, "/documents/"+info.ID+"/annotations", ann)
	if w.Code != http.StatusCreated {
		t.Fatalf("save = %d, body = %s", w.Code, w.Body.String())
	}
	var saved models.Annotation
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" {
		t.Error("saved annotation has no id")
	}
	if saved.DocumentID != info.ID {
		t.Errorf("document id = %q, want %q", saved.DocumentID, info.ID)
	}

	// Invalid annotation is rejected.
	bad := ann
	bad.Points = nil
	w = do(t, router, http.MethodPost, "/documents/"+info.ID+"/annotations", bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid save = %d, want 400", w.Code)
	}

	// List filtered by page.
	w = do(t, router, http.MethodGet, "/documents/"+info.ID+"/annotations?page=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list AnnotationListResponse
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Annotations) != 1 || list.Annotations[0].ID != saved.ID {
		t.Fatalf("page 2 annotations = %+v", list.Annotations)
	}
	w = do(t, router, http.MethodGet, "/documents/"+info.ID+"/annotations?page=1", nil)
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Annotations) != 0 {
		t.Errorf("page 1 annotations = %d, want 0", len(list.Annotations))
	}

	// Delete.
	w = do(t, router, http.MethodDelete, "/documents/"+info.ID+"/annotations/"+saved.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete annotation = %d", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/documents/"+info.ID+"/annotations/"+saved.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestAnnotationExportImportRoundTrip(t *testing.T) {
	_, router := testEnv(t, "")
	src := uploadPDF(t, router, "source.pdf", []byte("%PDF-1.7 source"))
	dst := uploadPDF(t, router, "copy.pdf", []byte("%PDF-1.7 copy"))

	for i, kind := range []models.Kind{models.KindFreehand, models.KindHighlight} {
		ann := testutil.Annotation("", i+1, kind)
		w := do(t, router, http.MethodPost, "/documents/"+src.ID+"/annotations", ann)
		if w.Code != http.StatusCreated {
			t.Fatalf("save %s = %d", kind, w.Code)
		}
	}

	w := do(t, router, http.MethodGet, "/documents/"+src.ID+"/annotations/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	exported := w.Body.Bytes()

	req := httptest.NewRequest(http.MethodPost, "/documents/"+dst.ID+"/annotations/import", bytes.NewReader(exported))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp ImportResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Imported != 2 {
		t.Errorf("imported = %d, want 2", resp.Imported)
	}

	w = do(t, router, http.MethodGet, "/documents/"+dst.ID+"/annotations", nil)
	var list AnnotationListResponse
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Annotations) != 2 {
		t.Errorf("annotations after import = %d, want 2", len(list.Annotations))
	}
	for _, a := range list.Annotations {
		if a.DocumentID != dst.ID {
			t.Errorf("imported annotation bound to %q, want %q", a.DocumentID, dst.ID)
		}
	}

	// Garbage payload is rejected.
	req = httptest.NewRequest(http.MethodPost, "/documents/"+dst.ID+"/annotations/import", bytes.NewReader([]byte("not json")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("garbage import = %d, want 400", rec.Code)
	}
}

func TestExportPNGEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	info := uploadPDF(t, router, "poster.pdf", []byte("%PDF-1.7 poster"))

	w := do(t, router, http.MethodGet, "/documents/"+info.ID+"/export/png?page=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export png = %d, body = %s", w.Code, w.Body.String())
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// HD tier renders at 2.5x of a 612x792pt page.
	if img.Bounds().Dx() != 1530 || img.Bounds().Dy() != 1980 {
		t.Errorf("png dims = %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}

	w = do(t, router, http.MethodGet, "/documents/"+info.ID+"/export/png?page=9", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range page = %d, want 400", w.Code)
	}
	w = do(t, router, http.MethodGet, "/documents/"+info.ID+"/export/png", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing page = %d, want 400", w.Code)
	}
}

func TestExportPDFEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	info := uploadPDF(t, router, "report.pdf", []byte("%PDF-1.7 report"))

	ann := testutil.Annotation("", 1, models.KindStampApproved)
	do(t, router, http.MethodPost, "/documents/"+info.ID+"/annotations", ann)

	w := do(t, router, http.MethodPost, "/documents/"+info.ID+"/export/pdf", ExportPDFRequest{
		Pages: []int{1, 2},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("export pdf = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ExportPDFResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(resp.Artifacts))
	}
	if resp.Artifacts[0].Name != "report-annotated.pdf" {
		t.Errorf("artifact name = %q", resp.Artifacts[0].Name)
	}
	if !bytes.HasPrefix(resp.Artifacts[0].Data, []byte("%PDF-")) {
		t.Error("artifact is not a PDF")
	}
	if len(resp.PageErrors) != 0 {
		t.Errorf("page errors = %v", resp.PageErrors)
	}

	w = do(t, router, http.MethodPost, "/documents/"+info.ID+"/export/pdf", ExportPDFRequest{Tier: "ultra"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad tier = %d, want 400", w.Code)
	}
	w = do(t, router, http.MethodPost, "/documents/"+info.ID+"/export/pdf", ExportPDFRequest{Pages: []int{7}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range pages = %d, want 400", w.Code)
	}
}

func TestFidelityPageSubsetFallsBackToRaster(t *testing.T) {
	_, files := testutil.TestLibrary(t)
	store := testutil.TestStore(t)
	caches := rastercache.NewManager(32)
	t.Cleanup(caches.CloseAll)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	lib := library.New(files, &testutil.StubSource{Pages: 3}, caches, logger)
	t.Cleanup(lib.Close)
	svc := NewService(lib, store, caches, nil, ServiceConfig{}, logger)
	t.Cleanup(svc.Close)

	info, err := lib.Upload("plan.pdf", []byte("%PDF-1.7 plan"))
	if err != nil {
		t.Fatal(err)
	}

	arts, perrs, err := svc.ExportPDF(context.Background(), info.ID, []int{1}, export.TierStandard, true)
	if err != nil {
		t.Fatalf("ExportPDF: %v", err)
	}
	if len(perrs) != 0 {
		t.Fatalf("page errors: %v", perrs)
	}
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(arts))
	}
	if !strings.Contains(logBuf.String(), "falling back to raster") {
		t.Errorf("subset fallback not logged:\n%s", logBuf.String())
	}
}

func TestAuthRequired(t *testing.T) {
	_, router := testEnv(t, "sekrit")

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token = %d, want 200", w.Code)
	}
}

func TestAdminEndpointsRequireRole(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/admin/users", CreateUserRequest{Username: "pat", Role: "viewer"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("no role header = %d, want 403", w.Code)
	}

	body, _ := json.Marshal(CreateUserRequest{Username: "pat", Role: "viewer"})
	req := httptest.NewRequest(http.MethodPost, "/admin/users", bytes.NewReader(body))
	req.Header.Set("X-Quire-Role", "admin")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	// No identity provider is configured in tests.
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("admin create without provider = %d, want 501", rec.Code)
	}
}
