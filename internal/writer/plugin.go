// Package writer implements the writer worker (C5) and the writer plugin
// contract (C6): a pluggable sink selected by URL scheme that a single
// dedicated consumer thread drives against the segment cache.
package writer

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/opensight/cseg/internal/segment"
)

// PluginContext carries the per-open configuration a plugin needs at
// Init time: the destination URL and optional credentials. The REST
// plugin's last_file_name chaining (§E.3) is kept on the plugin
// instance, not passed in here.
type PluginContext struct {
	URL      *url.URL
	Username string
	Password string
}

// Plugin is the writer contract of spec.md §4.6. WriteSegment's return
// values map onto the reference muxer's int codes: (false, nil) is OK
// (0), (true, nil) is PAUSE (positive), and a non-nil error is ERROR
// (negative).
type Plugin interface {
	Init(ctx context.Context, pc PluginContext) error
	WriteSegment(ctx context.Context, seg *segment.Segment) (pause bool, err error)
	Uninit(ctx context.Context)
}

// Factory constructs a fresh Plugin instance; Registry calls it once per
// muxer open so plugin state is never shared across opens.
type Factory func() Plugin

// Registry is a process-wide table of plugins by URL scheme, initialized
// once (explicitly, not via package-level globals) and passed into
// muxer.Open, per SPEC_FULL.md's "avoid hidden globals" design note.
type Registry struct {
	mu      sync.Mutex
	schemes map[string]Factory
}

// NewRegistry allocates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]Factory)}
}

// Register associates a plugin factory with one or more URL schemes.
func (r *Registry) Register(factory Factory, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range schemes {
		r.schemes[s] = factory
	}
}

// Lookup resolves filename's scheme to a plugin instance and its parsed
// URL. Returns an error the caller should surface as InvalidConfig.
func (r *Registry) Lookup(filename string) (Plugin, *url.URL, error) {
	u, err := url.Parse(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid writer filename %q: %w", filename, err)
	}

	r.mu.Lock()
	factory, ok := r.schemes[u.Scheme]
	r.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("no writer plugin registered for scheme %q", u.Scheme)
	}

	return factory(), u, nil
}
