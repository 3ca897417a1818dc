package store

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
)

// diskWatcher calls onChange whenever a store file is replaced on disk
type diskWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
	once sync.Once
}

func watchDisk(dir string, onChange func()) (*diskWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// the directory, not the files: saves rename a temporary file over them
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	d := &diskWatcher{w: w, done: make(chan struct{})}
	go d.run(onChange)
	return d, nil
}

func (d *diskWatcher) run(onChange func()) {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.w.Events:
			if !ok {
				return
			}
			if !isStoreFile(ev.Name) || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			onChange()
		case err, ok := <-d.w.Errors:
			if !ok {
				return
			}
			slog.Warn("File store watcher error", "error", err)
		}
	}
}

func (d *diskWatcher) stop() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		_ = d.w.Close()
		<-d.done
	})
}

func isStoreFile(path string) bool {
	switch filepath.Base(path) {
	case SourcesFileName, CompositionsFileName:
		return true
	}
	return false
}

// reload replaces the in-memory state with the files on disk and notifies
// watchers of every record another process changed
func (f *fileStore) reload() {
	f.mu.Lock()
	state, err := f.load()
	if err != nil {
		f.mu.Unlock()
		slog.Warn("Failed to reload file store", "path", f.basePath, "error", err)
		return
	}
	events := diffSnapshots(&f.state, &state)
	f.state = state
	f.mu.Unlock()

	if len(events) > 0 {
		slog.Debug("File store changed on disk", "path", f.basePath, "changes", len(events))
	}
	for _, ev := range events {
		f.watchers.notify(ev)
	}
}

func diffSnapshots(prev, next *fileSnapshot) []ChangeEvent {
	events := diffKind(prev.sources, next.sources, datasource.KindSource)
	return append(events, diffKind(prev.compositions, next.compositions, datasource.KindComposition)...)
}

func diffKind[T datasource.Config](prev, next map[string]T, kind datasource.Kind) []ChangeEvent {
	var events []ChangeEvent
	for name, rec := range next {
		if old, ok := prev[name]; !ok || old.GetVersion() != rec.GetVersion() {
			events = append(events, ChangeEvent{Name: name, Kind: kind, Op: OpPut})
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			events = append(events, ChangeEvent{Name: name, Kind: kind, Op: OpDelete})
		}
	}
	return events
}
