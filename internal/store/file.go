package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
)

const (
	// SourcesFileName holds every single source of a file store
	SourcesFileName = "sources.json"

	// CompositionsFileName holds every composition of a file store
	CompositionsFileName = "compositions.json"

	lockFileName   = ".store.lock"
	lockRetryDelay = 25 * time.Millisecond
)

// fileSnapshot is the on-disk state of a file store
type fileSnapshot struct {
	sources      map[string]*datasource.SingleSourceConfig
	compositions map[string]*datasource.MultiSourceConfig
}

// fileStore keeps every record in memory and persists one JSON file per kind.
// Writes are serialized in process by mu and across processes by a lock file;
// each write reloads the files under the lock so concurrent writers never
// overwrite each other.
type fileStore struct {
	basePath string
	lock     *flock.Flock
	watchers watchers
	disk     *diskWatcher

	mu    sync.RWMutex
	state fileSnapshot
}

var _ Store = (*fileStore)(nil)

// NewFileStore opens or creates a file store under basePath
func NewFileStore(basePath string) (Store, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &fileStore{
		basePath: basePath,
		lock:     flock.New(filepath.Join(basePath, lockFileName)),
	}

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	f.state = state

	if f.disk, err = watchDisk(basePath, f.reload); err != nil {
		slog.Warn("External edits to the file store will not be picked up", "path", basePath, "error", err)
	}

	slog.Info("File store opened",
		"path", basePath,
		"sources", len(state.sources),
		"compositions", len(state.compositions),
	)
	return f, nil
}

// PutSource implements Store
func (f *fileStore) PutSource(ctx context.Context, src *datasource.SingleSourceConfig) (*datasource.SingleSourceConfig, error) {
	c, err := prepareSource(src)
	if err != nil {
		return nil, err
	}

	external, err := f.write(ctx, func(state *fileSnapshot) (string, error) {
		if _, ok := state.compositions[c.Name]; ok {
			return "", kindMismatchError(c.Name, datasource.KindComposition)
		}
		if !c.IsActive() {
			if refs := referencedBy(state, c.Name); len(refs) > 0 {
				return "", inUseError(c.Name, refs)
			}
		}

		now := time.Now().UTC()
		c.Version, c.CreatedAt, c.UpdatedAt = 1, now, now
		if existing, ok := state.sources[c.Name]; ok {
			c.Version = existing.Version + 1
			c.CreatedAt = existing.CreatedAt
		}
		state.sources[c.Name] = c
		return SourcesFileName, nil
	})
	if err != nil {
		return nil, err
	}

	f.publish(external, ChangeEvent{Name: c.Name, Kind: datasource.KindSource, Op: OpPut})
	return c.Clone(), nil
}

// PutComposition implements Store
func (f *fileStore) PutComposition(ctx context.Context, comp *datasource.MultiSourceConfig) (*datasource.MultiSourceConfig, error) {
	c, err := prepareComposition(comp)
	if err != nil {
		return nil, err
	}

	external, err := f.write(ctx, func(state *fileSnapshot) (string, error) {
		if _, ok := state.sources[c.Name]; ok {
			return "", kindMismatchError(c.Name, datasource.KindSource)
		}
		err := pinMembers(c, func(name string) (datasource.Config, bool) {
			if src, ok := state.sources[name]; ok {
				return src, true
			}
			if other, ok := state.compositions[name]; ok {
				return other, true
			}
			return nil, false
		})
		if err != nil {
			return "", err
		}

		now := time.Now().UTC()
		c.Version, c.CreatedAt, c.UpdatedAt = 1, now, now
		if existing, ok := state.compositions[c.Name]; ok {
			c.Version = existing.Version + 1
			c.CreatedAt = existing.CreatedAt
		}
		state.compositions[c.Name] = c
		return CompositionsFileName, nil
	})
	if err != nil {
		return nil, err
	}

	f.publish(external, ChangeEvent{Name: c.Name, Kind: datasource.KindComposition, Op: OpPut})
	return c.Clone(), nil
}

// Get implements Store
func (f *fileStore) Get(_ context.Context, name string) (datasource.Config, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if src, ok := f.state.sources[name]; ok {
		return src.Clone(), nil
	}
	if comp, ok := f.state.compositions[name]; ok {
		return comp.Clone(), nil
	}
	return nil, notFoundError(name)
}

// GetSource implements Store
func (f *fileStore) GetSource(ctx context.Context, name string) (*datasource.SingleSourceConfig, error) {
	cfg, err := f.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	src, ok := cfg.(*datasource.SingleSourceConfig)
	if !ok {
		return nil, kindMismatchError(name, cfg.GetKind())
	}
	return src, nil
}

// GetComposition implements Store
func (f *fileStore) GetComposition(ctx context.Context, name string) (*datasource.MultiSourceConfig, error) {
	cfg, err := f.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	comp, ok := cfg.(*datasource.MultiSourceConfig)
	if !ok {
		return nil, kindMismatchError(name, cfg.GetKind())
	}
	return comp, nil
}

// List implements Store
func (f *fileStore) List(_ context.Context, kind datasource.Kind) ([]datasource.Config, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []datasource.Config
	if kind == "" || kind == datasource.KindSource {
		for _, src := range f.state.sources {
			out = append(out, src.Clone())
		}
	}
	if kind == "" || kind == datasource.KindComposition {
		for _, comp := range f.state.compositions {
			out = append(out, comp.Clone())
		}
	}
	sortConfigs(out)
	return out, nil
}

// Delete implements Store
func (f *fileStore) Delete(ctx context.Context, name string, want datasource.Kind) error {
	var kind datasource.Kind
	external, err := f.write(ctx, func(state *fileSnapshot) (string, error) {
		_, isComposition := state.compositions[name]
		_, isSource := state.sources[name]
		switch {
		case isComposition:
			kind = datasource.KindComposition
		case isSource:
			kind = datasource.KindSource
		default:
			return "", notFoundError(name)
		}
		if want != "" && want != kind {
			return "", kindMismatchError(name, kind)
		}

		if kind == datasource.KindComposition {
			delete(state.compositions, name)
			return CompositionsFileName, nil
		}
		if refs := referencedBy(state, name); len(refs) > 0 {
			return "", inUseError(name, refs)
		}
		delete(state.sources, name)
		return SourcesFileName, nil
	})
	if err != nil {
		return err
	}

	f.publish(external, ChangeEvent{Name: name, Kind: kind, Op: OpDelete})
	return nil
}

// Watch implements Store
func (f *fileStore) Watch(fn func(ChangeEvent)) {
	f.watchers.add(fn)
}

// Close implements Store
func (f *fileStore) Close() error {
	f.disk.stop()
	return f.lock.Close()
}

// write runs mutate against a fresh copy of the on-disk state while holding
// both locks. mutate returns the file it changed; on error nothing is written
// and the in-memory state is left untouched. On success write returns the
// changes other processes made since the last load, which the caller must
// publish along with its own.
func (f *fileStore) write(ctx context.Context, mutate func(*fileSnapshot) (string, error)) ([]ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock store: %s", f.lock.Path())
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			slog.Warn("Failed to release store lock", "error", err)
		}
	}()

	state, err := f.load()
	if err != nil {
		return nil, err
	}
	external := diffSnapshots(&f.state, &state)

	changed, err := mutate(&state)
	if err != nil {
		return nil, err
	}

	switch changed {
	case SourcesFileName:
		err = f.save(SourcesFileName, sortedValues(state.sources))
	case CompositionsFileName:
		err = f.save(CompositionsFileName, sortedValues(state.compositions))
	}
	if err != nil {
		return nil, err
	}

	f.state = state
	return external, nil
}

// publish notifies watchers of external changes first, then of the local write
func (f *fileStore) publish(external []ChangeEvent, local ChangeEvent) {
	for _, ev := range external {
		f.watchers.notify(ev)
	}
	f.watchers.notify(local)
}

func (f *fileStore) load() (fileSnapshot, error) {
	state := fileSnapshot{
		sources:      map[string]*datasource.SingleSourceConfig{},
		compositions: map[string]*datasource.MultiSourceConfig{},
	}

	var sources []*datasource.SingleSourceConfig
	if err := f.read(SourcesFileName, &sources); err != nil {
		return state, err
	}
	for _, s := range sources {
		state.sources[s.Name] = s
	}

	var compositions []*datasource.MultiSourceConfig
	if err := f.read(CompositionsFileName, &compositions); err != nil {
		return state, err
	}
	for _, c := range compositions {
		state.compositions[c.Name] = c
	}
	return state, nil
}

func (f *fileStore) read(name string, v any) error {
	// #nosec G304 -- path is basePath plus a constant file name
	data, err := os.ReadFile(filepath.Join(f.basePath, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return nil
}

// save writes v to a temporary file and renames it over the target
func (f *fileStore) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	filePath := filepath.Join(f.basePath, name)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file for %s: %w", name, err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

func referencedBy(state *fileSnapshot, source string) []string {
	var refs []string
	for name, comp := range state.compositions {
		if comp.References(source) {
			refs = append(refs, name)
		}
	}
	return refs
}

func sortedValues[T datasource.Config](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return strings.Compare(a.GetName(), b.GetName()) })
	return out
}
