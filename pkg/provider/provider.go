package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Provider abstracts one backend dialect.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Provider interface {
	// Name returns the adapter identifier (e.g., "ollama", "vllm", "openai").
	Name() string

	// Backend returns the dialect this adapter speaks.
	Backend() api.Backend

	// Capabilities returns what this adapter supports.
	Capabilities() Capabilities

	// Complete performs a non-streaming generation.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream starts a streaming generation. Failures before the backend
	// answered are returned as *api.Error. The returned channel yields zero
	// or more EventDelta values followed by exactly one EventDone or
	// EventError and is then closed. If ctx is cancelled the channel is
	// closed without a terminal event.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)

	// ListModels returns the models the backend serves.
	ListModels(ctx context.Context) ([]api.ModelInfo, error)

	// Close releases adapter resources (HTTP clients, connections).
	Close() error
}

// Registry dispatches by backend.
type Registry struct {
	mu        sync.RWMutex
	providers map[api.Backend]Provider
}

// NewRegistry returns a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[api.Backend]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider for the same backend.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Backend()] = p
}

// Get returns the provider for backend.
func (r *Registry) Get(backend api.Backend) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[backend]
	if !ok {
		return nil, api.NewInvalidRequestError("backend",
			fmt.Sprintf("backend %q is not configured", backend))
	}
	return p, nil
}

// Backends returns the configured backends in api.Backends order.
func (r *Registry) Backends() []api.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []api.Backend
	for _, b := range api.Backends {
		if _, ok := r.providers[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// ListModels lists the models of one backend, or of every configured
// backend when backend is empty. Per-backend failures are joined.
func (r *Registry) ListModels(ctx context.Context, backend api.Backend) ([]api.ModelInfo, error) {
	backends := []api.Backend{backend}
	if backend == "" {
		backends = r.Backends()
	}

	var (
		models []api.ModelInfo
		errs   []error
	)
	for _, b := range backends {
		p, err := r.Get(b)
		if err != nil {
			return nil, err
		}
		ms, err := p.ListModels(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
			continue
		}
		models = append(models, ms...)
	}
	return models, errors.Join(errs...)
}

// Close closes every provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
