package scrapbookd

import (
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// CacheWatcher invalidates cached zip handles and decompressed entry
// content whenever the backing archive file changes on disk, so that a
// reader in one process never sees a stale cached handle after a writer in
// another process replaces the file via the write-rewrite-rename protocol.
type CacheWatcher struct {
	watcher      *fsnotify.Watcher
	archiveCache *ArchiveHandleCache
	entryCache   *EntryContentCache
	logger       *slog.Logger

	stop chan struct{}
}

// NewCacheWatcher constructs a CacheWatcher. Call Watch to add directories
// to observe and Start to begin processing events.
func NewCacheWatcher(archiveCache *ArchiveHandleCache, entryCache *EntryContentCache, logger *slog.Logger) (*CacheWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &CacheWatcher{
		watcher:      w,
		archiveCache: archiveCache,
		entryCache:   entryCache,
		logger:       logger,
		stop:         make(chan struct{}),
	}, nil
}

// Watch adds dir to the set of directories observed for changes.
func (c *CacheWatcher) Watch(dir string) error {
	return c.watcher.Add(dir)
}

// Start runs the event loop until Close is called. Intended to be run in its
// own goroutine.
func (c *CacheWatcher) Start() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			if c.logger != nil {
				c.logger.Warn("cache watcher error", "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *CacheWatcher) handleEvent(event fsnotify.Event) {
	if !isArchivePath(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
		return
	}

	if c.archiveCache != nil {
		c.archiveCache.Remove(event.Name)
	}
	if c.entryCache != nil {
		c.entryCache.Invalidate(event.Name)
	}
}

// isArchivePath reports whether name has one of the archive extensions the
// engine treats specially.
func isArchivePath(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".htz") || strings.HasSuffix(lower, ".maff")
}

// Close stops the event loop and releases the underlying fsnotify watcher.
func (c *CacheWatcher) Close() error {
	close(c.stop)
	return c.watcher.Close()
}
