// Package library manages the PDF collection on disk: document
// identity, open page-source handles, and cache invalidation when
// files change underneath the viewer.
package library

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tessone/quire/internal/apperr"
	"github.com/tessone/quire/internal/checksum"
	"github.com/tessone/quire/internal/models"
	"github.com/tessone/quire/internal/pagesource"
	"github.com/tessone/quire/internal/rastercache"
	"github.com/tessone/quire/internal/storage"
)

// Event kinds delivered to observers.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event describes a change to the document collection.
type Event struct {
	Kind     string
	Document models.DocumentInfo
}

// Observer receives library change events.
type Observer func(Event)

// Library tracks the documents under the storage root. Identity is
// content-derived: replacing a file's bytes produces a new document
// id, so stale rasters can never be served for the new content.
type Library struct {
	store  storage.Provider
	source pagesource.Source
	caches *rastercache.Manager
	logger *slog.Logger

	mu      sync.Mutex
	docs    map[string]models.DocumentInfo // by document id
	byPath  map[string]string              // relative path -> document id
	open    map[string]pagesource.Document
	subs    map[int]Observer
	nextSub int
}

func New(store storage.Provider, source pagesource.Source, caches *rastercache.Manager, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		store:  store,
		source: source,
		caches: caches,
		logger: logger,
		docs:   map[string]models.DocumentInfo{},
		byPath: map[string]string{},
		open:   map[string]pagesource.Document{},
		subs:   map[int]Observer{},
	}
}

// Refresh scans the storage root and reconciles the in-memory
// collection with what is on disk. It is called at startup and by the
// watcher after rename storms.
func (l *Library) Refresh() error {
	metas, err := l.store.List("")
	if err != nil {
		return fmt.Errorf("library: scan: %w", err)
	}

	var events []Event
	l.mu.Lock()
	seen := map[string]bool{}
	for _, m := range metas {
		seen[m.Path] = true
		if ev, changed := l.absorbLocked(m); changed {
			events = append(events, ev)
		}
	}
	for path, id := range l.byPath {
		if !seen[path] {
			events = append(events, l.dropLocked(path, id))
		}
	}
	l.mu.Unlock()

	for _, ev := range events {
		l.publish(ev)
	}
	return nil
}

// absorbLocked records a file's current state. A changed checksum
// retires the previous identity: its open handle is closed and its
// raster namespace dropped.
func (l *Library) absorbLocked(m models.FileMeta) (Event, bool) {
	data, err := l.store.Read(m.Path)
	if err != nil {
		l.logger.Warn("library: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
		return Event{}, false
	}
	id := checksum.DocumentID(m.Path, data)
	if m.Checksum == "" {
		m.Checksum = checksum.Sum(data)
	}

	prevID, existed := l.byPath[m.Path]
	if existed && prevID == id {
		return Event{}, false
	}

	info := models.DocumentInfo{
		ID:        id,
		Name:      m.Path,
		Checksum:  m.Checksum,
		Size:      m.Size,
		UpdatedAt: m.UpdatedAt,
	}
	if existed {
		l.retireLocked(prevID)
	}
	l.byPath[m.Path] = id
	l.docs[id] = info

	kind := EventCreated
	if existed {
		kind = EventUpdated
	}
	return Event{Kind: kind, Document: info}, true
}

func (l *Library) dropLocked(path, id string) Event {
	info := l.docs[id]
	l.retireLocked(id)
	delete(l.byPath, path)
	return Event{Kind: EventDeleted, Document: info}
}

// retireLocked removes one document identity and everything keyed by
// it.
func (l *Library) retireLocked(id string) {
	if doc, ok := l.open[id]; ok {
		if err := doc.Close(); err != nil {
			l.logger.Warn("library: close handle", slog.String("id", id), slog.String("error", err.Error()))
		}
		delete(l.open, id)
	}
	if l.caches != nil {
		l.caches.Drop(id)
	}
	delete(l.docs, id)
}

// List returns the known documents sorted by name.
func (l *Library) List() []models.DocumentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.DocumentInfo, 0, len(l.docs))
	for _, info := range l.docs {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a document by id.
func (l *Library) Get(id string) (models.DocumentInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.docs[id]
	if !ok {
		return models.DocumentInfo{}, apperr.ErrNotFound
	}
	return info, nil
}

// Bytes returns the raw document content, for the fidelity export
// path.
func (l *Library) Bytes(id string) ([]byte, error) {
	l.mu.Lock()
	info, ok := l.docs[id]
	l.mu.Unlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return l.store.Read(info.Name)
}

// Open returns an open page-source handle for the document, reusing
// one if the document is already open. Page count is resolved on
// first open.
func (l *Library) Open(id string) (pagesource.Document, models.DocumentInfo, error) {
	l.mu.Lock()
	info, ok := l.docs[id]
	if !ok {
		l.mu.Unlock()
		return nil, models.DocumentInfo{}, apperr.ErrNotFound
	}
	if doc, isOpen := l.open[id]; isOpen {
		l.mu.Unlock()
		return doc, info, nil
	}
	l.mu.Unlock()

	data, err := l.store.Read(info.Name)
	if err != nil {
		return nil, models.DocumentInfo{}, fmt.Errorf("library: read %s: %w", info.Name, err)
	}
	doc, err := l.source.Open(info.Name, data)
	if err != nil {
		return nil, models.DocumentInfo{}, fmt.Errorf("library: open %s: %w", info.Name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// The file may have been retired while we were decoding.
	if current, stillKnown := l.docs[id]; !stillKnown {
		_ = doc.Close()
		return nil, models.DocumentInfo{}, apperr.ErrDocumentClosed
	} else if existing, raced := l.open[id]; raced {
		_ = doc.Close()
		return existing, current, nil
	}
	info.Pages = doc.PageCount()
	l.docs[id] = info
	l.open[id] = doc
	return doc, info, nil
}

// Upload stores new document bytes and registers the resulting
// identity.
func (l *Library) Upload(name string, data []byte) (models.DocumentInfo, error) {
	if len(data) == 0 {
		return models.DocumentInfo{}, fmt.Errorf("library: empty upload")
	}
	if err := l.store.Write(name, data); err != nil {
		return models.DocumentInfo{}, err
	}
	// Reconcile just this path; the watcher may race us harmlessly
	// since absorb is idempotent per checksum.
	metas, err := l.store.List("")
	if err != nil {
		return models.DocumentInfo{}, err
	}
	for _, m := range metas {
		if m.Path != name {
			continue
		}
		l.mu.Lock()
		ev, changed := l.absorbLocked(m)
		l.mu.Unlock()
		if changed {
			l.publish(ev)
		}
		l.mu.Lock()
		id := l.byPath[name]
		l.mu.Unlock()
		// Resolve the page count now; an upload is about to be viewed.
		if _, info, err := l.Open(id); err == nil {
			return info, nil
		}
		l.mu.Lock()
		info := l.docs[id]
		l.mu.Unlock()
		return info, nil
	}
	return models.DocumentInfo{}, fmt.Errorf("library: uploaded file not visible: %s", name)
}

// Delete removes a document from disk and retires its identity.
func (l *Library) Delete(id string) error {
	l.mu.Lock()
	info, ok := l.docs[id]
	if !ok {
		l.mu.Unlock()
		return apperr.ErrNotFound
	}
	ev := l.dropLocked(info.Name, id)
	l.mu.Unlock()

	if err := l.store.Delete(info.Name); err != nil {
		return err
	}
	l.publish(ev)
	return nil
}

// Close shuts every open document handle.
func (l *Library) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, doc := range l.open {
		_ = doc.Close()
		delete(l.open, id)
	}
}

// Subscribe registers an observer and returns its remove function.
func (l *Library) Subscribe(obs Observer) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = obs
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *Library) publish(ev Event) {
	l.mu.Lock()
	obs := make([]Observer, 0, len(l.subs))
	for _, o := range l.subs {
		obs = append(obs, o)
	}
	l.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}
