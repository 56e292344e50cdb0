package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/presencegate/pkg/classifier"
)

// ErrClassifierNotRegistered is returned by [Registry.Create] when no
// factory has been registered under the requested name.
var ErrClassifierNotRegistered = errors.New("config: classifier not registered")

// ClassifierFactory builds a classifier from its configuration block.
type ClassifierFactory func(ProviderEntry) (classifier.Classifier, error)

// Registry maps classifier names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ClassifierFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ClassifierFactory)}
}

// Register registers a classifier factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the classifier registered under entry.Name.
// Returns [ErrClassifierNotRegistered] if no factory has been registered
// for that name.
func (r *Registry) Create(entry ProviderEntry) (classifier.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrClassifierNotRegistered, entry.Name)
	}
	c, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create classifier %q: %w", entry.Name, err)
	}
	return c, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
