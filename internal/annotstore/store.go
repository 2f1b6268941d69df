// Package annotstore persists annotations in SQLite and pushes full
// snapshots to subscribers. Delivery is at-least-once and always
// carries the complete current set for a document, never a delta.
package annotstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tessone/quire/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS annotations (
	doc_id     TEXT NOT NULL,
	id         TEXT NOT NULL,
	page       INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	points     TEXT NOT NULL DEFAULT '[]',
	style      TEXT NOT NULL DEFAULT '{}',
	author     TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (doc_id, id)
);

CREATE INDEX IF NOT EXISTS idx_annotations_doc_page ON annotations(doc_id, page);

CREATE TABLE IF NOT EXISTS revisions (
	doc_id    TEXT PRIMARY KEY,
	revision  INTEGER NOT NULL DEFAULT 0,
	deletions INTEGER NOT NULL DEFAULT 0
);
`

// Provider is the interface viewer components depend on, so tests can
// substitute an in-memory double.
type Provider interface {
	LoadSnapshot(docID string) (models.Snapshot, error)
	Save(docID string, anns []models.Annotation) error
	SaveOne(docID string, ann models.Annotation) error
	Delete(docID, annID string) error
	Subscribe(docID string, fn func(models.Snapshot)) (unsubscribe func())
	Close() error
}

// Store is the SQLite-backed Provider.
type Store struct {
	conn *sql.DB

	mu      sync.Mutex
	subs    map[string]map[int]func(models.Snapshot)
	nextSub int
}

// Verify *Store satisfies Provider at compile time.
var _ Provider = (*Store)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("annotstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("annotstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("annotstore: apply schema: %w", err)
	}
	return &Store{conn: conn, subs: make(map[string]map[int]func(models.Snapshot))}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// LoadSnapshot returns the full current set for a document together
// with its revision and deletion counters. An empty set at a known
// revision is an explicit "all removed" state, not a transient miss.
func (s *Store) LoadSnapshot(docID string) (models.Snapshot, error) {
	snap := models.Snapshot{DocumentID: docID, Annotations: []models.Annotation{}}

	err := s.conn.QueryRow(
		`SELECT revision, deletions FROM revisions WHERE doc_id = ?`, docID,
	).Scan(&snap.Revision, &snap.Deletions)
	if err != nil && err != sql.ErrNoRows {
		return snap, fmt.Errorf("annotstore: load revision: %w", err)
	}

	rows, err := s.conn.Query(`
		SELECT id, page, kind, points, style, author, version, created_at
		FROM annotations WHERE doc_id = ? AND deleted = 0
		ORDER BY created_at, id`, docID)
	if err != nil {
		return snap, fmt.Errorf("annotstore: load snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Annotation
		var points, style string
		a.DocumentID = docID
		if err := rows.Scan(&a.ID, &a.Page, &a.Kind, &points, &style, &a.Author, &a.Version, &a.CreatedAt); err != nil {
			return snap, fmt.Errorf("annotstore: scan annotation: %w", err)
		}
		if err := json.Unmarshal([]byte(points), &a.Points); err != nil {
			return snap, fmt.Errorf("annotstore: decode points for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(style), &a.Style); err != nil {
			return snap, fmt.Errorf("annotstore: decode style for %s: %w", a.ID, err)
		}
		snap.Annotations = append(snap.Annotations, a)
	}
	return snap, rows.Err()
}

// SaveOne upserts a single annotation and pushes the new snapshot.
func (s *Store) SaveOne(docID string, ann models.Annotation) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("annotstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := upsert(tx, docID, ann); err != nil {
		return err
	}
	if err := bumpRevision(tx, docID, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(docID)
	return nil
}

// Save upserts a batch of annotations and pushes the new snapshot.
func (s *Store) Save(docID string, anns []models.Annotation) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("annotstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, ann := range anns {
		if err := upsert(tx, docID, ann); err != nil {
			return err
		}
	}
	if err := bumpRevision(tx, docID, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(docID)
	return nil
}

// Delete tombstones an annotation. The deletion is an explicit signal:
// the revision and the deletion counter both advance, so consumers can
// tell "all removed" apart from a transient empty read.
func (s *Store) Delete(docID, annID string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("annotstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`UPDATE annotations SET deleted = 1 WHERE doc_id = ? AND id = ? AND deleted = 0`, docID, annID)
	if err != nil {
		return fmt.Errorf("annotstore: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil // already gone; deletes are idempotent
	}
	if err := bumpRevision(tx, docID, 1); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(docID)
	return nil
}

// Subscribe registers a push callback for a document and returns its
// unsubscribe function. Callbacks receive the full current snapshot
// after every write.
func (s *Store) Subscribe(docID string, fn func(models.Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[docID] == nil {
		s.subs[docID] = make(map[int]func(models.Snapshot))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[docID][id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs[docID], id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(docID string) {
	snap, err := s.LoadSnapshot(docID)
	if err != nil {
		return
	}
	s.mu.Lock()
	fns := make([]func(models.Snapshot), 0, len(s.subs[docID]))
	for _, fn := range s.subs[docID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func upsert(tx *sql.Tx, docID string, a models.Annotation) error {
	points, _ := json.Marshal(a.Points)
	style, _ := json.Marshal(a.Style)
	_, err := tx.Exec(`
		INSERT INTO annotations (doc_id, id, page, kind, points, style, author, version, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(doc_id, id) DO UPDATE SET
			page       = excluded.page,
			kind       = excluded.kind,
			points     = excluded.points,
			style      = excluded.style,
			author     = excluded.author,
			version    = excluded.version,
			created_at = excluded.created_at,
			deleted    = 0
	`, docID, a.ID, a.Page, string(a.Kind), string(points), string(style), a.Author, a.Version, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("annotstore: upsert %s: %w", a.ID, err)
	}
	return nil
}

func bumpRevision(tx *sql.Tx, docID string, deletions int) error {
	_, err := tx.Exec(`
		INSERT INTO revisions (doc_id, revision, deletions) VALUES (?, 1, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			revision  = revision + 1,
			deletions = deletions + excluded.deletions
	`, docID, deletions)
	if err != nil {
		return fmt.Errorf("annotstore: bump revision: %w", err)
	}
	return nil
}
