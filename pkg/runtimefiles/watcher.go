package runtimefiles

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher adopts edits made directly to runtime files on disk as overrides
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	// OnAdopt is called with the relative path of every adopted edit
	OnAdopt func(path string)
}

// NewWatcher watches the runtime directory of store and all its
// subdirectories
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{store: store, watcher: fw}
	if err := w.addTree(store.Dir()); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// fsnotify is not recursive, every directory needs its own watch
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		return nil
	})
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn().Err(err).Msg("Runtime file watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.addTree(event.Name); err != nil {
			w.store.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
		}
		return
	}

	rel, err := filepath.Rel(w.store.Dir(), event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	content, err := os.ReadFile(event.Name)
	if err != nil {
		return
	}

	adopted, err := w.store.adopt(rel, content)
	if err != nil {
		w.store.logger.Error().Err(err).Str("path", rel).Msg("Failed to adopt runtime file edit")
		return
	}
	if !adopted {
		return
	}

	w.store.logger.Info().Str("path", rel).Msg("Adopted on-disk edit as override")
	if w.OnAdopt != nil {
		w.OnAdopt(rel)
	}
}
