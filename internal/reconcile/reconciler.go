// Package reconcile merges local annotation edits, remote push
// updates, and periodic poll snapshots into one source of truth per
// document. Every incoming delivery is treated as a full snapshot;
// changes are detected by identity-set comparison plus content
// equality, so a redelivered echo of a local edit is a no-op and an
// empty snapshot is an explicit "all removed" signal.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tessone/quire/internal/models"
)

// DefaultPollInterval is the fallback poll cadence while a document is
// visible.
const DefaultPollInterval = 3 * time.Second

// State is the reconciler's cycle state.
type State int

const (
	StateIdle State = iota
	StateReconciling
)

// Result describes one reconciliation cycle.
type Result struct {
	Added    []string
	Deleted  []string
	Modified []string
	// AffectedPages is the union of page numbers touched by the diff,
	// always including the currently displayed page when anything
	// changed.
	AffectedPages []int
	NoOp          bool
}

// Reconciler holds the reconciled annotation set for one document.
type Reconciler struct {
	mu          sync.Mutex
	docID       string
	current     map[string]models.Annotation
	revision    int64
	currentPage int
	state       State
	subs        []func(pages []int)
	logger      *slog.Logger
}

// New creates a reconciler for a document, starting empty at page 1.
func New(docID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		docID:       docID,
		current:     make(map[string]models.Annotation),
		currentPage: 1,
		logger:      logger,
	}
}

// SetCurrentPage records the displayed page so it is always included
// in the affected-pages union.
func (r *Reconciler) SetCurrentPage(page int) {
	r.mu.Lock()
	r.currentPage = page
	r.mu.Unlock()
}

// OnAffectedPages registers an observer called after every cycle that
// changed anything, with the sorted affected page numbers.
func (r *Reconciler) OnAffectedPages(fn func(pages []int)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// State returns the current cycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reconcile diffs the incoming full snapshot against the local set and
// replaces it wholesale (last-writer-wins at snapshot level). An empty
// snapshot clears everything — it is a deletion signal, not a missing
// update — unless its revision says it predates what we already saw,
// which marks a stale or transiently empty read.
func (r *Reconciler) Reconcile(snap models.Snapshot) Result {
	r.mu.Lock()
	r.state = StateReconciling

	if snap.Revision != 0 && snap.Revision < r.revision {
		r.state = StateIdle
		r.mu.Unlock()
		r.logger.Debug("reconcile: stale snapshot skipped",
			slog.String("doc", r.docID),
			slog.Int64("revision", snap.Revision),
			slog.Int64("seen", r.revision))
		return Result{NoOp: true}
	}
	if snap.Revision > r.revision {
		r.revision = snap.Revision
	}

	incoming := make(map[string]models.Annotation, len(snap.Annotations))
	for _, a := range snap.Annotations {
		incoming[a.ID] = a
	}

	var res Result
	pages := make(map[int]struct{})

	for id, local := range r.current {
		in, ok := incoming[id]
		if !ok {
			res.Deleted = append(res.Deleted, id)
			pages[local.Page] = struct{}{}
			continue
		}
		if !local.Equal(in) {
			res.Modified = append(res.Modified, id)
			pages[local.Page] = struct{}{}
			pages[in.Page] = struct{}{}
		}
	}
	for id, in := range incoming {
		if _, ok := r.current[id]; !ok {
			res.Added = append(res.Added, id)
			pages[in.Page] = struct{}{}
		}
	}

	if len(res.Added) == 0 && len(res.Deleted) == 0 && len(res.Modified) == 0 {
		// Content-identical delivery: typically the store echoing a
		// local edit back. Do not re-render.
		r.state = StateIdle
		r.mu.Unlock()
		return Result{NoOp: true}
	}

	r.current = incoming
	pages[r.currentPage] = struct{}{}
	res.AffectedPages = sortedPages(pages)

	subs := make([]func([]int), len(r.subs))
	copy(subs, r.subs)
	r.state = StateIdle
	r.mu.Unlock()

	sort.Strings(res.Added)
	sort.Strings(res.Deleted)
	sort.Strings(res.Modified)

	for _, fn := range subs {
		fn(res.AffectedPages)
	}
	return res
}

// ApplyLocal applies a local edit optimistically. The store's later
// echo of the same content reconciles as a no-op.
func (r *Reconciler) ApplyLocal(ann models.Annotation) {
	r.mu.Lock()
	r.current[ann.ID] = ann
	r.mu.Unlock()
}

// RemoveLocal removes a local annotation optimistically.
func (r *Reconciler) RemoveLocal(id string) {
	r.mu.Lock()
	delete(r.current, id)
	r.mu.Unlock()
}

// ForPage returns the reconciled annotations for a page, drawn from
// the live set — never from a filter cached before the last cycle.
func (r *Reconciler) ForPage(page int) []models.Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Annotation
	for _, a := range r.current {
		if a.Page == page {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns the full reconciled set.
func (r *Reconciler) All() []models.Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Annotation, 0, len(r.current))
	for _, a := range r.current {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Poll runs the fallback polling loop until ctx is cancelled, loading
// a snapshot every interval while visible() is true. Push delivery is
// the primary update path; polling papers over missed pushes.
func (r *Reconciler) Poll(ctx context.Context, interval time.Duration, visible func() bool, load func() (models.Snapshot, error)) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if visible != nil && !visible() {
				continue
			}
			snap, err := load()
			if err != nil {
				r.logger.Warn("reconcile: poll failed",
					slog.String("doc", r.docID),
					slog.String("error", err.Error()))
				continue
			}
			r.Reconcile(snap)
		}
	}
}

func sortedPages(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
