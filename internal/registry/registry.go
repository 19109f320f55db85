// Package registry implements the name -> ring-buffer lookup described in
// spec.md §4.3: stages resolve buffers by configured name at build time;
// ownership of the buffer stays with the owning PipelineMode.
package registry

import (
	"fmt"
	"sync"

	"github.com/jbcm627-travis/kotekan/internal/ring"
)

// Registry is a name -> *ring.Buffer lookup, modeled on the bufferContainer
// referenced from kotekan/gpuTestMode.cpp's process_factory construction.
type Registry struct {
	mu      sync.RWMutex
	buffers map[string]*ring.Buffer
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{buffers: make(map[string]*ring.Buffer)}
}

// Add registers buf under its own name. It is a configuration error for two
// buffers to share a name.
func (r *Registry) Add(buf *ring.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buffers[buf.Name()]; exists {
		return fmt.Errorf("registry: buffer name %q already registered", buf.Name())
	}
	r.buffers[buf.Name()] = buf
	return nil
}

// Get resolves a buffer by name, returning an error a stage's construction
// can surface as a fatal configuration error (spec.md §7) if the name is
// unknown.
func (r *Registry) Get(name string) (*ring.Buffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.buffers[name]
	if !ok {
		return nil, fmt.Errorf("registry: no buffer named %q", name)
	}
	return buf, nil
}

// Names returns every registered buffer name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.buffers))
	for name := range r.buffers {
		names = append(names, name)
	}
	return names
}
