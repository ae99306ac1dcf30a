package storage

import (
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/virtstor/virtstor"
)

// Monitor watches a file domain's images tree and invalidates the metadata
// cache when another process on this host rewrites a record under the same
// mount. Log-only, best-effort: correctness never depends on it (stale reads
// are fenced by the generation protocol), it just keeps the cache warm and
// honest.
type Monitor struct {
	watcher *fsnotify.Watcher
	cs      *CachingStore
	done    chan struct{}
}

// NewMonitor starts watching the file store under cs. cs must wrap a
// *FileStore.
func NewMonitor(cs *CachingStore) (*Monitor, error) {
	fs, ok := cs.Inner().(*FileStore)
	if !ok {
		return nil, fmt.Errorf("monitor requires a file store, have %T", cs.Inner())
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting repo watcher: %w", err)
	}

	imagesDir := fs.ImagesDir()
	if err := watcher.Add(imagesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", imagesDir, err)
	}
	// Watch existing image directories; new ones are added from events.
	if entries, err := os.ReadDir(imagesDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if werr := watcher.Add(filepath.Join(imagesDir, e.Name())); werr != nil {
					log.Warn("watching image dir failed", "dir", e.Name(), "error", werr.Error())
				}
			}
		}
	}

	m := &Monitor{watcher: watcher, cs: cs, done: make(chan struct{})}
	go m.run()
	return m, nil
}

// Close stops the watcher.
func (m *Monitor) Close() error {
	err := m.watcher.Close()
	<-m.done
	return err
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handle(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("repo watcher error", "error", err.Error())
		}
	}
}

func (m *Monitor) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := m.watcher.Add(ev.Name); err != nil {
				log.Warn("watching new image dir failed", "dir", ev.Name, "error", err.Error())
			}
			return
		}
	}
	if ev.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, metaSuffix) {
		return
	}
	vol, err := virtstor.ParseUUID(strings.TrimSuffix(name, metaSuffix))
	if err != nil {
		return
	}
	m.cs.Invalidate(vol)
	log.Debug("metadata cache invalidated by repo event", "volume", vol.String(), "op", ev.Op.String())
}
