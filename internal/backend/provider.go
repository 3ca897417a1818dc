package backend

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gobwas/glob"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/httpclient"
)

// StaticProvider resolves indexes against a fixed set of backends.
// An exact override wins over a matching glob override, which wins over the default.
type StaticProvider struct {
	def       Backend
	overrides map[string]Backend
	globs     []indexGlob
}

type indexGlob struct {
	pattern string
	matcher glob.Glob
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider. def may be nil when every index has an override.
// Override keys are glob patterns; * also matches across separators such as '.'.
func NewStaticProvider(def Backend, overrides map[string]Backend) (*StaticProvider, error) {
	p := &StaticProvider{def: def, overrides: overrides}
	for pattern := range overrides {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid index pattern %q: %w", pattern, err)
		}
		p.globs = append(p.globs, indexGlob{pattern: pattern, matcher: g})
	}
	// longest pattern first so the most specific glob wins
	slices.SortFunc(p.globs, func(a, b indexGlob) int {
		if c := cmp.Compare(len(b.pattern), len(a.pattern)); c != 0 {
			return c
		}
		return cmp.Compare(a.pattern, b.pattern)
	})
	return p, nil
}

// NewProviderFromConfig builds Elasticsearch backends for the configured endpoints
func NewProviderFromConfig(cfg *config.BackendsConfig) (*StaticProvider, error) {
	if cfg == nil {
		return NewStaticProvider(nil, nil)
	}

	var def Backend
	if cfg.Default != nil {
		b, err := newEndpointBackend(cfg.Default)
		if err != nil {
			return nil, fmt.Errorf("default backend: %w", err)
		}
		def = b
	}

	overrides := make(map[string]Backend, len(cfg.Indexes))
	for index, endpoint := range cfg.Indexes {
		b, err := newEndpointBackend(&endpoint)
		if err != nil {
			return nil, fmt.Errorf("backend for index %s: %w", index, err)
		}
		overrides[index] = b
	}

	return NewStaticProvider(def, overrides)
}

func newEndpointBackend(endpoint *config.BackendEndpoint) (Backend, error) {
	password, err := endpoint.GetPassword()
	if err != nil {
		return nil, err
	}
	var opts []httpclient.Option
	if endpoint.Username != "" {
		opts = append(opts, httpclient.WithBasicAuth(endpoint.Username, password))
	}
	return NewElasticsearch(endpoint.URL, httpclient.NewDefaultClient(endpoint.GetTimeout(), opts...))
}

// BackendFor implements Provider
func (p *StaticProvider) BackendFor(index string) (Backend, error) {
	if b, ok := p.overrides[index]; ok {
		return b, nil
	}
	for _, g := range p.globs {
		if g.matcher.Match(index) {
			return p.overrides[g.pattern], nil
		}
	}
	if p.def != nil {
		return p.def, nil
	}
	return nil, fmt.Errorf("%w for index %s", ErrNoBackend, index)
}
