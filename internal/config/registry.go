package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

// ErrProviderNotRegistered is returned by [Registry.CreateModel] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ModelFactory builds a model provider from its configuration block.
type ModelFactory func(ProviderConfig) (model.Provider, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]ModelFactory),
	}
}

// RegisterModel registers a model provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterModel(name string, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = factory
}

// CreateModel builds the model provider selected by cfg.Name.
func (r *Registry) CreateModel(cfg ProviderConfig) (model.Provider, error) {
	r.mu.RLock()
	factory, ok := r.models[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model provider %q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// ModelNames returns the registered model provider names.
func (r *Registry) ModelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}
