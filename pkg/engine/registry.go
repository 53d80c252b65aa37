package engine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Factory builds an engine backend.
type Factory func(Options) *Engine

var (
	regMu    sync.Mutex
	backends = map[string]Factory{
		"events": NewEngine,
	}
	// preference orders the candidates "auto" tries.
	preference = []string{"events"}
)

// Register adds an engine backend under name, replacing any previous one.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	backends[name] = f
}

// Names lists the registered backends, sorted.
func Names() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named backend. The empty string and "auto" select the
// first available preferred backend; an unknown name fails with
// ErrNotSupported.
func New(name string, opts Options) (*Engine, error) {
	regMu.Lock()
	defer regMu.Unlock()
	if name == "" || name == "auto" {
		for _, cand := range preference {
			if f, ok := backends[cand]; ok {
				return f(opts), nil
			}
		}
		return nil, errors.Wrap(ErrNotSupported, "no engine backend available")
	}
	f, ok := backends[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotSupported, "engine backend %q", name)
	}
	return f(opts), nil
}
