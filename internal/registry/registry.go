// Package registry resolves source and composition names into validated
// configurations bound to the backend that serves them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/stacklok/datasource-federation-server/internal/backend"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

var (
	// ErrUnresolved is returned when a name does not resolve to an active,
	// servable single source
	ErrUnresolved = errors.New("data source unresolved")

	// ErrInvalidComposition is returned when a composition member does not resolve
	ErrInvalidComposition = datasource.ErrInvalidComposition

	// ErrStaleComposition is returned when a member changed after the
	// composition was written. It wraps ErrInvalidComposition.
	ErrStaleComposition = fmt.Errorf("%w: stale member", ErrInvalidComposition)
)

// ResolvedSource is an active single source bound to its backend.
// Resolved values are shared between callers and must not be modified.
type ResolvedSource struct {
	Config  *datasource.SingleSourceConfig
	Backend backend.Backend
}

// Name returns the source name
func (r *ResolvedSource) Name() string {
	return r.Config.Name
}

// Target is a resolved query target
type Target struct {
	Name string
	Kind datasource.Kind

	// Sources lists the members in composition order; a single source
	// target has exactly one
	Sources []*ResolvedSource
}

// cacheEntry holds either a resolved source or a resolved composition
type cacheEntry struct {
	source  *ResolvedSource
	members []*ResolvedSource
}

// snapshot is an immutable view of the cache. gen increases on every invalidation.
type snapshot struct {
	gen     uint64
	entries map[string]cacheEntry
}

// Registry resolves names against the store
type Registry struct {
	store    store.Store
	backends backend.Provider

	cache atomic.Pointer[snapshot]
}

// New creates a registry and subscribes it to store changes
func New(s store.Store, backends backend.Provider) *Registry {
	r := &Registry{store: s, backends: backends}
	r.cache.Store(&snapshot{entries: map[string]cacheEntry{}})
	s.Watch(r.invalidate)
	return r
}

// Resolve returns the active single source with the given name
func (r *Registry) Resolve(ctx context.Context, name string) (*ResolvedSource, error) {
	snap := r.cache.Load()
	if e, ok := snap.entries[name]; ok && e.source != nil {
		return e.source, nil
	}

	src, err := r.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q does not exist", ErrUnresolved, name)
		}
		return nil, err
	}

	resolved, err := r.bind(src)
	if err != nil {
		return nil, err
	}
	r.remember(snap.gen, name, cacheEntry{source: resolved})
	return resolved, nil
}

// ResolveMulti returns the members of a composition in member order. Either
// every member resolves or an error names the first one that does not.
func (r *Registry) ResolveMulti(ctx context.Context, name string) ([]*ResolvedSource, error) {
	snap := r.cache.Load()
	if e, ok := snap.entries[name]; ok && e.members != nil {
		return e.members, nil
	}

	comp, err := r.store.GetComposition(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrKindMismatch) {
			return nil, fmt.Errorf("%w: composition %q: %w", ErrUnresolved, name, err)
		}
		return nil, err
	}

	members, err := r.resolveMembers(ctx, comp)
	if err != nil {
		return nil, err
	}
	r.remember(snap.gen, name, cacheEntry{members: members})
	return members, nil
}

// ResolveTarget resolves a name of either kind. A single source resolves to a
// one-member target.
func (r *Registry) ResolveTarget(ctx context.Context, name string) (*Target, error) {
	snap := r.cache.Load()
	if e, ok := snap.entries[name]; ok {
		if e.source != nil {
			return &Target{Name: name, Kind: datasource.KindSource, Sources: []*ResolvedSource{e.source}}, nil
		}
		return &Target{Name: name, Kind: datasource.KindComposition, Sources: e.members}, nil
	}

	cfg, err := r.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q does not exist", ErrUnresolved, name)
		}
		return nil, err
	}

	switch c := cfg.(type) {
	case *datasource.SingleSourceConfig:
		resolved, err := r.bind(c)
		if err != nil {
			return nil, err
		}
		r.remember(snap.gen, name, cacheEntry{source: resolved})
		return &Target{Name: name, Kind: datasource.KindSource, Sources: []*ResolvedSource{resolved}}, nil
	case *datasource.MultiSourceConfig:
		members, err := r.resolveMembers(ctx, c)
		if err != nil {
			return nil, err
		}
		r.remember(snap.gen, name, cacheEntry{members: members})
		return &Target{Name: name, Kind: datasource.KindComposition, Sources: members}, nil
	default:
		return nil, fmt.Errorf("%w: %q has unknown kind %s", ErrUnresolved, name, cfg.GetKind())
	}
}

// ListSources returns every stored single source, active or not
func (r *Registry) ListSources(ctx context.Context) ([]*datasource.SingleSourceConfig, error) {
	cfgs, err := r.store.List(ctx, datasource.KindSource)
	if err != nil {
		return nil, err
	}
	out := make([]*datasource.SingleSourceConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if src, ok := c.(*datasource.SingleSourceConfig); ok {
			out = append(out, src)
		}
	}
	return out, nil
}

// ListCompositions returns every stored composition
func (r *Registry) ListCompositions(ctx context.Context) ([]*datasource.MultiSourceConfig, error) {
	cfgs, err := r.store.List(ctx, datasource.KindComposition)
	if err != nil {
		return nil, err
	}
	out := make([]*datasource.MultiSourceConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if comp, ok := c.(*datasource.MultiSourceConfig); ok {
			out = append(out, comp)
		}
	}
	return out, nil
}

// Get returns the stored record of either kind
func (r *Registry) Get(ctx context.Context, name string) (datasource.Config, error) {
	return r.store.Get(ctx, name)
}

func (r *Registry) resolveMembers(ctx context.Context, comp *datasource.MultiSourceConfig) ([]*ResolvedSource, error) {
	members := make([]*ResolvedSource, 0, len(comp.Members))
	for _, member := range comp.Members {
		resolved, err := r.Resolve(ctx, member)
		if err != nil {
			if errors.Is(err, ErrUnresolved) {
				return nil, fmt.Errorf("%w: %q: member %q: %w", ErrInvalidComposition, comp.Name, member, err)
			}
			return nil, err
		}
		if pinned, ok := comp.MemberVersions[member]; ok && pinned != resolved.Config.Version {
			return nil, fmt.Errorf("%w: %q: member %q changed from version %d to %d; re-save the composition",
				ErrStaleComposition, comp.Name, member, pinned, resolved.Config.Version)
		}
		members = append(members, resolved)
	}
	return members, nil
}

// bind validates a stored record as an active source and attaches its backend
func (r *Registry) bind(cfg datasource.Config) (*ResolvedSource, error) {
	src, ok := cfg.(*datasource.SingleSourceConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s, not a single source", ErrUnresolved, cfg.GetName(), cfg.GetKind())
	}
	if !src.IsActive() {
		return nil, fmt.Errorf("%w: %q is not active", ErrUnresolved, src.Name)
	}
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	b, err := r.backends.BackendFor(src.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnresolved, src.Name, err)
	}
	return &ResolvedSource{Config: src, Backend: b}, nil
}

// remember caches an entry resolved from the snapshot of generation gen.
// The entry is dropped if the cache was invalidated meanwhile.
func (r *Registry) remember(gen uint64, name string, entry cacheEntry) {
	for {
		old := r.cache.Load()
		if old.gen != gen {
			return
		}
		next := &snapshot{gen: old.gen, entries: make(map[string]cacheEntry, len(old.entries)+1)}
		for k, v := range old.entries {
			next.entries[k] = v
		}
		next.entries[name] = entry
		if r.cache.CompareAndSwap(old, next) {
			return
		}
	}
}

// invalidate drops the changed name and every cached composition that lists it
func (r *Registry) invalidate(ev store.ChangeEvent) {
	for {
		old := r.cache.Load()
		next := &snapshot{gen: old.gen + 1, entries: make(map[string]cacheEntry, len(old.entries))}
		for k, v := range old.entries {
			if k == ev.Name || referencesMember(v.members, ev.Name) {
				continue
			}
			next.entries[k] = v
		}
		if r.cache.CompareAndSwap(old, next) {
			slog.Debug("Registry cache invalidated", "name", ev.Name, "kind", ev.Kind, "op", ev.Op)
			return
		}
	}
}

func referencesMember(members []*ResolvedSource, name string) bool {
	for _, m := range members {
		if m.Config.Name == name {
			return true
		}
	}
	return false
}
