// Package datasource defines the configuration and query entities shared by the
// store, registry, federation engine and history recorder.
package datasource

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig is returned when a configuration record fails validation
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidComposition is returned when a composition references a member
	// that is missing, not a source, or not active
	ErrInvalidComposition = errors.New("invalid composition")
)

// Kind identifies the type of a configuration record
type Kind string

const (
	// KindSource is a single data source backed by one search index
	KindSource Kind = "source"

	// KindComposition is a named, ordered set of data sources
	KindComposition Kind = "composition"
)

// State is the lifecycle state of a single source
type State string

const (
	// StateDraft sources are stored but never resolved for federation
	StateDraft State = "draft"

	// StateActive sources are eligible for federation
	StateActive State = "active"
)

// Config is implemented by every stored configuration record
type Config interface {
	// GetName returns the unique name of the record
	GetName() string

	// GetKind returns the kind of the record
	GetKind() Kind

	// GetVersion returns the version assigned by the store
	GetVersion() int64
}

// SingleSourceConfig describes a single data source
type SingleSourceConfig struct {
	// Name is the unique human-readable identifier of the source
	Name string `json:"name" yaml:"name"`

	// Index is the backing search index or collection
	Index string `json:"index" yaml:"index"`

	// Fields is the set of field names eligible for selection and display
	Fields []string `json:"fields" yaml:"fields"`

	// State defaults to active when empty
	State State `json:"state,omitempty" yaml:"state,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version is assigned by the store and incremented on every write
	Version   int64     `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

var _ Config = (*SingleSourceConfig)(nil)

// GetName implements Config
func (s *SingleSourceConfig) GetName() string { return s.Name }

// GetKind implements Config
func (*SingleSourceConfig) GetKind() Kind { return KindSource }

// GetVersion implements Config
func (s *SingleSourceConfig) GetVersion() int64 { return s.Version }

// IsActive reports whether the source may take part in a federation
func (s *SingleSourceConfig) IsActive() bool {
	return s.State == "" || s.State == StateActive
}

// HasField reports whether field belongs to the source's field set
func (s *SingleSourceConfig) HasField(field string) bool {
	return slices.Contains(s.Fields, field)
}

// Normalize trims names, removes duplicate and empty fields and sets the default state
func (s *SingleSourceConfig) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Index = strings.TrimSpace(s.Index)
	if s.State == "" {
		s.State = StateActive
	}

	seen := make(map[string]struct{}, len(s.Fields))
	fields := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	s.Fields = fields
}

// Validate checks the source after normalization
func (s *SingleSourceConfig) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	switch s.State {
	case "", StateActive:
		if s.Index == "" {
			return fmt.Errorf("%w: source %q: index is required once active", ErrInvalidConfig, s.Name)
		}
		if len(s.Fields) == 0 {
			return fmt.Errorf("%w: source %q: fields must not be empty once active", ErrInvalidConfig, s.Name)
		}
	case StateDraft:
	default:
		return fmt.Errorf("%w: source %q: unknown state %q", ErrInvalidConfig, s.Name, s.State)
	}
	return nil
}

// Clone returns a deep copy of the source
func (s *SingleSourceConfig) Clone() *SingleSourceConfig {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields = slices.Clone(s.Fields)
	return &c
}

// MultiSourceConfig describes a composition of single sources
type MultiSourceConfig struct {
	// Name is the unique identifier of the composition
	Name string `json:"name" yaml:"name"`

	// Members lists source names; order defines merge precedence on ties
	Members []string `json:"members" yaml:"members"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// MemberVersions pins the version of every member at write time
	MemberVersions map[string]int64 `json:"memberVersions,omitempty" yaml:"-"`

	Version   int64     `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

var _ Config = (*MultiSourceConfig)(nil)

// GetName implements Config
func (m *MultiSourceConfig) GetName() string { return m.Name }

// GetKind implements Config
func (*MultiSourceConfig) GetKind() Kind { return KindComposition }

// GetVersion implements Config
func (m *MultiSourceConfig) GetVersion() int64 { return m.Version }

// References reports whether the composition lists the given source
func (m *MultiSourceConfig) References(source string) bool {
	return slices.Contains(m.Members, source)
}

// Normalize trims names
func (m *MultiSourceConfig) Normalize() {
	m.Name = strings.TrimSpace(m.Name)
	for i := range m.Members {
		m.Members[i] = strings.TrimSpace(m.Members[i])
	}
}

// Validate checks the composition shape. Member existence is checked by the store.
func (m *MultiSourceConfig) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	if len(m.Members) == 0 {
		return fmt.Errorf("%w: composition %q: at least one member is required", ErrInvalidConfig, m.Name)
	}
	seen := make(map[string]struct{}, len(m.Members))
	for i, member := range m.Members {
		if member == "" {
			return fmt.Errorf("%w: composition %q: member[%d] is empty", ErrInvalidConfig, m.Name, i)
		}
		if member == m.Name {
			return fmt.Errorf("%w: composition %q: cannot reference itself", ErrInvalidConfig, m.Name)
		}
		if _, ok := seen[member]; ok {
			return fmt.Errorf("%w: composition %q: duplicate member %q", ErrInvalidConfig, m.Name, member)
		}
		seen[member] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the composition
func (m *MultiSourceConfig) Clone() *MultiSourceConfig {
	if m == nil {
		return nil
	}
	c := *m
	c.Members = slices.Clone(m.Members)
	if m.MemberVersions != nil {
		c.MemberVersions = make(map[string]int64, len(m.MemberVersions))
		for k, v := range m.MemberVersions {
			c.MemberVersions[k] = v
		}
	}
	return &c
}

// ValidateName checks a record name
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: name %q exceeds 255 characters", ErrInvalidConfig, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: name %q must not contain path separators", ErrInvalidConfig, name)
	}
	return nil
}
