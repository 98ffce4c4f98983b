package catalog

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"tollgate/pkg/logging"
)

// Watch starts a background goroutine reloading the catalog when its file
// changes. The parent directory is watched rather than the file itself so
// atomic rename-based editors keep working.
func (c *Catalog) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(c.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := c.Reload(); err != nil {
					logging.Error("Catalog", err, "Failed to reload catalog after change")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Catalog", "Catalog watcher error: %v", err)
			case <-c.stopWatch:
				return
			}
		}
	}()

	logging.Info("Catalog", "Watching %s for changes", c.path)
	return nil
}

// Stop terminates the watcher goroutine, if any.
func (c *Catalog) Stop() {
	c.watchOnce.Do(func() {
		close(c.stopWatch)
	})
}
