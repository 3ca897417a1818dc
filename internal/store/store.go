// Package store persists single-source and composition configurations.
//
// Names are unique across both kinds. A composition may only reference
// existing active sources, and a source cannot be deleted or deactivated
// while a composition references it.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/stacklok/datasource-federation-server/internal/datasource"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

var (
	// ErrNotFound is returned when no configuration has the requested name
	ErrNotFound = errors.New("configuration not found")

	// ErrInUse is returned when a source is still referenced by a composition
	ErrInUse = errors.New("configuration in use")

	// ErrKindMismatch is returned when a name is already taken by the other kind
	ErrKindMismatch = errors.New("configuration kind mismatch")
)

// Op is the kind of change reported to watchers
type Op string

const (
	// OpPut is a create or update
	OpPut Op = "put"

	// OpDelete is a removal
	OpDelete Op = "delete"
)

// ChangeEvent describes a committed write
type ChangeEvent struct {
	Name string
	Kind datasource.Kind
	Op   Op
}

// Store is the configuration store
type Store interface {
	// PutSource creates or replaces a single source and returns the stored record
	PutSource(ctx context.Context, src *datasource.SingleSourceConfig) (*datasource.SingleSourceConfig, error)

	// PutComposition creates or replaces a composition, pinning the current
	// version of every member, and returns the stored record
	PutComposition(ctx context.Context, comp *datasource.MultiSourceConfig) (*datasource.MultiSourceConfig, error)

	// Get returns the record of either kind
	Get(ctx context.Context, name string) (datasource.Config, error)

	// GetSource returns a single source
	GetSource(ctx context.Context, name string) (*datasource.SingleSourceConfig, error)

	// GetComposition returns a composition
	GetComposition(ctx context.Context, name string) (*datasource.MultiSourceConfig, error)

	// List returns the records of the given kind sorted by name; an empty kind lists both
	List(ctx context.Context, kind datasource.Kind) ([]datasource.Config, error)

	// Delete removes a record. A non-empty kind restricts the delete to that
	// kind; a record of the other kind gives ErrKindMismatch.
	Delete(ctx context.Context, name string, kind datasource.Kind) error

	// Watch registers fn to be called after every committed write. Writes
	// made through other handles on the same storage are delivered too,
	// possibly later and from another goroutine.
	Watch(fn func(ChangeEvent))

	Close() error
}

// prepareSource returns a normalized, validated copy of src
func prepareSource(src *datasource.SingleSourceConfig) (*datasource.SingleSourceConfig, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is required", datasource.ErrInvalidConfig)
	}
	c := src.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// prepareComposition returns a normalized, validated copy of comp
func prepareComposition(comp *datasource.MultiSourceConfig) (*datasource.MultiSourceConfig, error) {
	if comp == nil {
		return nil, fmt.Errorf("%w: composition is required", datasource.ErrInvalidConfig)
	}
	c := comp.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// pinMembers checks every member in order and records its current version.
// The first member that is missing, not a source or not active is reported.
func pinMembers(comp *datasource.MultiSourceConfig, lookup func(name string) (datasource.Config, bool)) error {
	pins := make(map[string]int64, len(comp.Members))
	for _, member := range comp.Members {
		cfg, ok := lookup(member)
		if !ok {
			return fmt.Errorf("%w: %q: member %q does not exist", datasource.ErrInvalidComposition, comp.Name, member)
		}
		src, isSource := cfg.(*datasource.SingleSourceConfig)
		if !isSource {
			return fmt.Errorf("%w: %q: member %q is not a single source", datasource.ErrInvalidComposition, comp.Name, member)
		}
		if !src.IsActive() {
			return fmt.Errorf("%w: %q: member %q is not active", datasource.ErrInvalidComposition, comp.Name, member)
		}
		pins[member] = src.Version
	}
	comp.MemberVersions = pins
	return nil
}

func inUseError(name string, referencedBy []string) error {
	slices.Sort(referencedBy)
	return fmt.Errorf("%w: source %q is referenced by %v", ErrInUse, name, referencedBy)
}

func kindMismatchError(name string, existing datasource.Kind) error {
	return fmt.Errorf("%w: %q is already a %s", ErrKindMismatch, name, existing)
}

func notFoundError(name string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// watchers fans committed changes out to registered listeners
type watchers struct {
	mu  sync.RWMutex
	fns []func(ChangeEvent)
}

func (w *watchers) add(fn func(ChangeEvent)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fns = append(w.fns, fn)
}

func (w *watchers) notify(ev ChangeEvent) {
	w.mu.RLock()
	fns := slices.Clone(w.fns)
	w.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// sortConfigs orders records by name
func sortConfigs(cfgs []datasource.Config) {
	slices.SortFunc(cfgs, func(a, b datasource.Config) int {
		return strings.Compare(a.GetName(), b.GetName())
	})
}
