// Package knowledge manages the catalog of external data sources the
// agent may pull into context, and the per-turn initializer that
// decides which of them a user message needs.
package knowledge

import (
	"context"
	"fmt"
	"sync"
)

// FetchFunc retrieves a source's data for a user. Domain code supplies
// it; the core treats the result as opaque text.
type FetchFunc func(ctx context.Context, userID string, params map[string]any) (string, error)

// FormatFunc produces the compact rendering injected into the log.
// When nil, the fetched data is injected as-is.
type FormatFunc func(params map[string]any, data string) string

// Descriptor describes one registered knowledge source.
type Descriptor struct {
	// ID is the source name the initializer selects by.
	ID string
	// Description tells the decider model what the source contains.
	Description string
	// Parameters is a JSON-schema style map describing accepted params
	// (e.g. a lookback window). May be nil for parameterless sources.
	Parameters map[string]any
	// DefaultParams are applied when the decider names the source
	// without params.
	DefaultParams map[string]any
	// Fetch retrieves the data.
	Fetch FetchFunc
	// Format renders the data compactly for the log.
	Format FormatFunc
}

// Registry is a static table of knowledge sources, keyed by ID.
// Registration order is preserved for catalog rendering.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Descriptor
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*Descriptor)}
}

// Register adds a source. Registering a duplicate ID is a programming
// error and returns it rather than silently replacing.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[d.ID]; ok {
		return fmt.Errorf("knowledge source %q already registered", d.ID)
	}
	r.sources[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// Get retrieves a source by ID.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sources[id]
	return d, ok
}

// List returns all sources in registration order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}
