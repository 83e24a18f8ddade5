package manifest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher watches the contexts directory tree for changes. Manifest
// file changes re-parse the affected project and update the cache. Any
// change inside a project directory calls onChange(project) after a
// debounce window, so the caller can trigger an automatic rebuild.
func StartWatcher(ctx context.Context, contextsDir string, cache *Cache, onChange func(project string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the top-level contexts directory (for new/removed project dirs)
	if err := watcher.Add(contextsDir); err != nil {
		watcher.Close()
		return err
	}

	// Watch each existing project subdirectory
	entries, err := os.ReadDir(contextsDir)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			subdir := filepath.Join(contextsDir, entry.Name())
			if err := watcher.Add(subdir); err != nil {
				slog.Warn("manifest watcher: add subdir", "err", err, "dir", subdir)
			}
		}
	}

	go runWatcher(ctx, watcher, contextsDir, cache, onChange)

	slog.Info("manifest watcher started", "dir", contextsDir)
	return nil
}

// isManifestFile checks if a filename matches any accepted manifest name.
func isManifestFile(name string) bool {
	for _, accepted := range acceptedManifestNames {
		if name == accepted {
			return true
		}
	}
	return false
}

// runWatcher is the main loop for the fsnotify watcher.
func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, contextsDir string, cache *Cache, onChange func(project string)) {
	defer watcher.Close()

	// Debounce: coalesce events for the same project within 200ms
	var debounceMu sync.Mutex
	pending := make(map[string]*time.Timer)

	triggerUpdate := func(project string) {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if timer, ok := pending[project]; ok {
			timer.Stop()
		}
		pending[project] = time.AfterFunc(200*time.Millisecond, func() {
			debounceMu.Lock()
			delete(pending, project)
			debounceMu.Unlock()

			path := FindManifest(contextsDir, project)
			if path == "" {
				cache.Delete(project)
				slog.Debug("manifest watcher: manifest removed", "project", project)
			} else {
				m, err := ParseFile(path)
				if err != nil {
					slog.Warn("manifest watcher: parse", "err", err, "project", project)
				} else {
					cache.Update(project, m)
					slog.Debug("manifest watcher: manifest updated", "project", project)
				}
			}

			if onChange != nil {
				onChange(project)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			name := filepath.Base(event.Name)
			dir := filepath.Dir(event.Name)

			// Case 1: Event in the contexts directory itself (new/removed project dirs)
			if dir == contextsDir {
				if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("manifest watcher: add new subdir", "err", err, "dir", event.Name)
						}
						triggerUpdate(name)
					}
				}
				if event.Op&fsnotify.Remove != 0 {
					cache.Delete(name)
					if onChange != nil {
						onChange(name)
					}
				}
				continue
			}

			// Case 2: Event in a project subdirectory
			project := filepath.Base(dir)
			parentDir := filepath.Dir(dir)

			// Only handle events in direct children of contextsDir
			if parentDir != contextsDir {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				// Manifest edits re-parse; everything else just debounces
				// into onChange for the autobuild path.
				if isManifestFile(name) {
					triggerUpdate(project)
				} else {
					debounceMu.Lock()
					if timer, ok := pending[project]; ok {
						timer.Stop()
					}
					pending[project] = time.AfterFunc(200*time.Millisecond, func() {
						debounceMu.Lock()
						delete(pending, project)
						debounceMu.Unlock()
						if onChange != nil {
							onChange(project)
						}
					})
					debounceMu.Unlock()
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("manifest watcher error", "err", err)
		}
	}
}
