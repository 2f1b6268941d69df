// Package testutil provides shared test helpers: a deterministic page
// source stub, temporary annotation stores, and library directories.
package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/tessone/quire/internal/annotstore"
	"github.com/tessone/quire/internal/models"
	"github.com/tessone/quire/internal/storage"
)

// TestStore creates a temporary SQLite annotation store that is
// automatically cleaned up.
func TestStore(t *testing.T) *annotstore.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "quire-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	store, err := annotstore.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestLibrary creates a temporary library directory with a
// storage.Provider.
func TestLibrary(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, files
}

// Annotation builds a minimal valid annotation for tests.
func Annotation(id string, page int, kind models.Kind, pts ...models.Point) models.Annotation {
	if len(pts) == 0 {
		pts = []models.Point{{X: 10, Y: 10}, {X: 50, Y: 50}}
	}
	return models.Annotation{
		ID:         id,
		DocumentID: "doc",
		Page:       page,
		Kind:       kind,
		Points:     pts,
		Style:      models.Style{Color: "#ff0000", LineWidth: 2, Opacity: 1},
		Author:     "tester",
		CreatedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Version:    1,
	}
}
