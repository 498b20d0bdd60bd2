package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// summaryCache holds per-project conversation listings. The agent keeps
// appending to live session logs, so entries are only trusted until the
// watcher sees a write.
type summaryCache struct {
	mu        sync.RWMutex
	byProject map[string][]ConversationSummary
}

func newSummaryCache() *summaryCache {
	return &summaryCache{byProject: map[string][]ConversationSummary{}}
}

func (c *summaryCache) get(project string) ([]ConversationSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byProject[project]
	return s, ok
}

func (c *summaryCache) set(project string, s []ConversationSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byProject[project] = s
}

func (c *summaryCache) invalidate(project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byProject, project)
}

func (c *summaryCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byProject = map[string][]ConversationSummary{}
}

// watchRoot follows the root and every project directory under it. fsnotify
// does not recurse, so newly created project directories are added as their
// create events arrive.
func watchRoot(ctx context.Context, root string, cache *summaryCache, logger zerolog.Logger) error {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug().Msg("history root does not exist, watcher not started")
			return nil
		}
		return errors.Wrap(err, "stat history root")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create history watcher")
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(root); err != nil {
		return errors.Wrap(err, "watch history root")
	}
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := w.Add(filepath.Join(root, e.Name())); err != nil {
					logger.Debug().Err(err).Str("project", e.Name()).Msg("cannot watch project directory")
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil || rel == "." || rel == ".." {
				cache.invalidateAll()
				continue
			}
			project := firstPathElement(rel)
			if project == "" {
				cache.invalidateAll()
				continue
			}
			cache.invalidate(project)
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						logger.Debug().Err(err).Str("project", project).Msg("cannot watch new project directory")
					}
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("history watcher error")
		}
	}
}

func firstPathElement(rel string) string {
	for i := 0; i < len(rel); i++ {
		if os.IsPathSeparator(rel[i]) {
			return rel[:i]
		}
	}
	return rel
}
