package library

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tessone/quire/internal/models"
)

const reconcileDebounce = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the library root and keeps the
// collection in sync with disk until ctx is cancelled.
//
// New directories created at runtime are added to the watch list.
// Rename events fire on the old path only, so a debounced full
// reconciliation pass catches files that landed elsewhere.
func (l *Library) Watch(ctx context.Context, root string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := addDirsRecursive(w, absRoot); err != nil {
		return err
	}

	l.logger.Info("watcher: started", slog.String("root", absRoot))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDebounce)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(reconcileDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			l.logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			if err := l.Refresh(); err != nil {
				l.logger.Warn("watcher: reconcile failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			absPath := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						l.logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					// Its files arrive via the reconcile pass.
					scheduleReconcile()
					continue
				}
			}

			if !strings.HasSuffix(strings.ToLower(absPath), ".pdf") {
				continue
			}
			rel, relErr := filepath.Rel(absRoot, absPath)
			if relErr != nil {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				l.absorbPath(absPath, rel)

			case ev.Op&fsnotify.Remove != 0:
				l.removePath(rel)

			case ev.Op&fsnotify.Rename != 0:
				// Rename fires on the OLD path; the new path shows up
				// as a separate Create if it stayed inside the root.
				l.removePath(rel)
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// absorbPath applies a create/write event for one file.
func (l *Library) absorbPath(absPath, rel string) {
	info, err := os.Stat(absPath)
	if err != nil {
		l.logger.Warn("watcher: stat failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	meta := models.FileMeta{
		Path:      rel,
		Size:      info.Size(),
		UpdatedAt: info.ModTime(),
	}
	l.mu.Lock()
	ev, changed := l.absorbLocked(meta)
	l.mu.Unlock()
	if changed {
		l.logger.Debug("watcher: absorbed", slog.String("path", rel), slog.String("op", ev.Kind))
		l.publish(ev)
	}
}

func (l *Library) removePath(rel string) {
	l.mu.Lock()
	id, ok := l.byPath[rel]
	var ev Event
	if ok {
		ev = l.dropLocked(rel, id)
	}
	l.mu.Unlock()
	if ok {
		l.logger.Debug("watcher: removed", slog.String("path", rel))
		l.publish(ev)
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
