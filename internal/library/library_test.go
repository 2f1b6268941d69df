package library_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tessone/quire/internal/apperr"
	"github.com/tessone/quire/internal/library"
	"github.com/tessone/quire/internal/rastercache"
	"github.com/tessone/quire/internal/storage"
	"github.com/tessone/quire/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []library.Event
}

func (r *recorder) observe(ev library.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newLibrary(t *testing.T) (*library.Library, string, *rastercache.Manager) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	caches := rastercache.NewManager(rastercache.DefaultCap)
	return library.New(store, &testutil.StubSource{Pages: 4}, caches, nil), dir, caches
}

func writePDF(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRefreshDiscoversDocuments(t *testing.T) {
	lib, dir, _ := newLibrary(t)
	writePDF(t, dir, "b-plan.pdf", []byte("%PDF-b"))
	writePDF(t, dir, "a-site.pdf", []byte("%PDF-a"))
	writePDF(t, dir, "notes.txt", []byte("not a pdf"))

	if err := lib.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	docs := lib.List()
	if len(docs) != 2 {
		t.Fatalf("List = %d docs, want 2", len(docs))
	}
	if docs[0].Name != "a-site.pdf" || docs[1].Name != "b-plan.pdf" {
		t.Errorf("List order = %q, %q", docs[0].Name, docs[1].Name)
	}
	if docs[0].ID == "" || docs[0].ID == docs[1].ID {
		t.Error("document ids missing or not distinct")
	}
}

func TestUploadAndReplaceChangesIdentity(t *testing.T) {
	lib, _, caches := newLibrary(t)
	rec := &recorder{}
	defer lib.Subscribe(rec.observe)()

	first, err := lib.Upload("plan.pdf", []byte("%PDF-v1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if first.Pages != 4 {
		t.Errorf("upload pages = %d, want 4", first.Pages)
	}

	// Warm the raster namespace for the first identity.
	caches.Namespace(first.ID).Put(rastercache.Key{Page: 1, Scale: 1, Quality: 1}, nil)

	second, err := lib.Upload("plan.pdf", []byte("%PDF-v2"))
	if err != nil {
		t.Fatalf("Upload replacement: %v", err)
	}
	if second.ID == first.ID {
		t.Error("replacement kept the old identity")
	}
	if _, err := lib.Get(first.ID); err != apperr.ErrNotFound {
		t.Errorf("old identity still resolvable: %v", err)
	}
	if got := caches.Namespace(first.ID).Len(); got != 0 {
		t.Errorf("old raster namespace has %d entries, want 0", got)
	}
	if kinds := rec.kinds(); len(kinds) != 2 || kinds[0] != library.EventCreated || kinds[1] != library.EventUpdated {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestUploadSameContentIsIdempotent(t *testing.T) {
	lib, _, _ := newLibrary(t)
	rec := &recorder{}
	defer lib.Subscribe(rec.observe)()

	a, _ := lib.Upload("plan.pdf", []byte("%PDF-v1"))
	b, err := lib.Upload("plan.pdf", []byte("%PDF-v1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if a.ID != b.ID {
		t.Error("identical content produced a new identity")
	}
	if kinds := rec.kinds(); len(kinds) != 1 {
		t.Errorf("events = %v, want a single created", kinds)
	}
}

func TestOpenResolvesPagesAndReusesHandle(t *testing.T) {
	lib, _, _ := newLibrary(t)
	info, err := lib.Upload("plan.pdf", []byte("%PDF-v1"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	doc1, info1, err := lib.Open(info.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info1.Pages != 4 {
		t.Errorf("Pages = %d, want 4", info1.Pages)
	}
	doc2, _, err := lib.Open(info.ID)
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	if doc1 != doc2 {
		t.Error("second open did not reuse the handle")
	}
}

func TestDeleteRetiresDocument(t *testing.T) {
	lib, dir, _ := newLibrary(t)
	rec := &recorder{}
	defer lib.Subscribe(rec.observe)()

	info, _ := lib.Upload("plan.pdf", []byte("%PDF-v1"))
	if err := lib.Delete(info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := lib.Get(info.ID); err != apperr.ErrNotFound {
		t.Errorf("Get after delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "plan.pdf")); !os.IsNotExist(err) {
		t.Error("file still on disk")
	}
	if kinds := rec.kinds(); len(kinds) != 2 || kinds[1] != library.EventDeleted {
		t.Errorf("event kinds = %v", kinds)
	}
	if err := lib.Delete(info.ID); err != apperr.ErrNotFound {
		t.Errorf("second delete: %v", err)
	}
}

func TestBytesReturnsRawContent(t *testing.T) {
	lib, _, _ := newLibrary(t)
	info, _ := lib.Upload("plan.pdf", []byte("%PDF-raw"))
	data, err := lib.Bytes(info.ID)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "%PDF-raw" {
		t.Errorf("Bytes = %q", data)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestWatchTracksDiskChanges(t *testing.T) {
	lib, dir, _ := newLibrary(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lib.Watch(ctx, dir) }()

	// Give the watcher a beat to install before mutating the dir.
	time.Sleep(50 * time.Millisecond)

	writePDF(t, dir, "survey.pdf", []byte("%PDF-v1"))
	waitFor(t, func() bool { return len(lib.List()) == 1 })

	if err := os.Remove(filepath.Join(dir, "survey.pdf")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, func() bool { return len(lib.List()) == 0 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
