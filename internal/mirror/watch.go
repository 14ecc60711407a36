package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay is how long a file must be quiet before it is reloaded.
const DefaultSettleDelay = 200 * time.Millisecond

// Watch monitors the database directories for collection files edited outside the
// mirror (another process, an editor, `rage doc put`) and marks the edited documents
// dirty. It blocks until ctx is cancelled.
func (m *Mirror) Watch(ctx context.Context, settle time.Duration) error {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]string)
	for _, db := range m.opts.Scope.Databases {
		dir := m.databaseDir(db)
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		dirs[dir] = db
	}

	// Debounce: path -> timer
	var mu sync.Mutex
	pending := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			db, ok := dirs[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			name, ok := collectionName(dirEntry{info})
			if !ok || !m.opts.Scope.Allows(db, name) {
				continue
			}

			path := event.Name
			mu.Lock()
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			pending[path] = time.AfterFunc(settle, func() {
				mu.Lock()
				delete(pending, path)
				mu.Unlock()

				m.handleFileChange(db, name)
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

func (m *Mirror) handleFileChange(db, name string) {
	key := db + "/" + name

	m.mu.Lock()
	c, loaded := m.collections[key]
	m.mu.Unlock()

	if !loaded {
		c, err := m.Collection(db, name)
		if err != nil {
			m.logger.Warn("failed to load new collection file", "collection", key, "error", err)
			return
		}
		ids := make([]string, 0, c.Len())
		for id := range c.Hashes() {
			ids = append(ids, id)
		}
		c.MarkDirty(ids...)
		m.logger.Info("discovered collection file", "collection", key, "documents", len(ids))
		return
	}

	changed, err := c.reload()
	if err != nil {
		m.logger.Warn("failed to reload edited collection", "collection", key, "error", err)
		return
	}
	if len(changed) > 0 {
		m.logger.Info("collection edited on disk", "collection", key, "documents", len(changed))
	}
}

// dirEntry adapts os.FileInfo for collectionName.
type dirEntry struct{ os.FileInfo }

func (d dirEntry) Type() os.FileMode          { return d.Mode().Type() }
func (d dirEntry) Info() (os.FileInfo, error) { return d.FileInfo, nil }
