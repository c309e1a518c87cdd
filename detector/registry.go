package detector

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Constructor builds a Detector from options.
type Constructor func(ctx context.Context, opts Options) (Detector, error)

var (
	registryMu sync.RWMutex
	registry   = map[Backend]Constructor{
		BackendOpenCV: NewOpenCV,
		BackendONNX:   NewONNX,
	}
)

// Register adds or replaces the constructor for backend.
func Register(backend Backend, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[backend] = constructor
}

// Backends lists the registered backend names in order.
func Backends() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Backend, 0, len(registry))
	for b := range registry {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New creates a detector for opts.Backend.
//
// Arguments:
//   - ctx: Bounds model loading where the backend supports it.
//   - opts: Backend selection and configuration.
//
// Returns:
//   - Detector: A ready detector.
//   - error: For an unknown backend, ErrModelNotFound, or a load failure.
func New(ctx context.Context, opts Options) (Detector, error) {
	registryMu.RLock()
	constructor, ok := registry[opts.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unsupported detector backend %q (have %v)", opts.Backend, Backends())
	}

	d, err := constructor(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s detector", opts.Backend)
	}
	return d, nil
}
