package stage

import (
	"encoding/json"
	"fmt"

	"github.com/jbcm627-travis/kotekan/internal/registry"
)

// Builder constructs one Stage from its configuration parameters, unique
// name, and the buffer registry it resolves input/output buffers from.
// Grounded on kotekan/gpuTestMode.cpp's processFactory, which builds
// KotekanProcess instances the same way, keyed by a kind string read from
// configuration.
type Builder func(params json.RawMessage, uniqueName string, buffers *registry.Registry) (*Stage, error)

// Factory constructs stages from a configuration document by kind string.
// Per spec.md §4.4 and §7, an unknown kind is a fatal configuration error at
// construction time, not a runtime error.
type Factory struct {
	builders map[string]Builder
}

// NewFactory returns an empty factory. Call Register for each stage kind
// the pipeline mode needs before calling Build.
func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Builder)}
}

// Register adds a builder for a stage kind.
func (f *Factory) Register(kind string, b Builder) {
	f.builders[kind] = b
}

// Build constructs a stage of the given kind.
func (f *Factory) Build(kind string, params json.RawMessage, uniqueName string, buffers *registry.Registry) (*Stage, error) {
	b, ok := f.builders[kind]
	if !ok {
		return nil, fmt.Errorf("stage: unknown stage kind %q for %q (configuration error)", kind, uniqueName)
	}
	s, err := b(params, uniqueName, buffers)
	if err != nil {
		return nil, fmt.Errorf("stage: failed to build %q (%s): %w", uniqueName, kind, err)
	}
	return s, nil
}
