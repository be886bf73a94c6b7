package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// State is the backend-reported state of a provider resource
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateMissing State = "missing"
	StateError   State = "error"
)

// Spec describes what a backend should provision. Built by the pipeline
// from a service definition; adapters never see broker records directly.
type Spec struct {
	Name        string
	ImageRef    string
	CPUs        int
	MemoryBytes int64
	ConnectPort int
	Env         []string
	Config      map[string]string // adapter-specific settings from the definition
}

// Adapter is the uniform capability contract every backend implements.
// All calls must be safe to repeat: callers query state before acting, and
// adapters treat redundant operations (destroy of a missing resource,
// power-on of a running one) as success.
type Adapter interface {
	// Create provisions a new backend resource and returns its provider ID.
	Create(ctx context.Context, spec Spec) (string, error)

	// SetPower turns the resource on or off. Powering a resource that is
	// already in the requested state is a no-op.
	SetPower(ctx context.Context, providerID string, on bool) error

	// Destroy removes the backend resource. Destroying a missing resource
	// succeeds.
	Destroy(ctx context.Context, providerID string) error

	// QueryState reports the current backend state of the resource.
	QueryState(ctx context.Context, providerID string) (State, error)

	// Address returns the network address clients reach the resource at.
	// Used as a fallback when no guest actor reports a connect address.
	Address(ctx context.Context, providerID string) (string, error)
}

// Factory builds an adapter from definition-level provider settings
type Factory func(config map[string]string) (Adapter, error)

// Registry maps provider kinds to adapter factories. Adapters are cached
// per (kind, config) so repeated pipeline steps reuse backend connections.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	adapters  map[string]Adapter
}

// NewRegistry creates a registry with the built-in provider kinds
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
	r.Register("fake", func(config map[string]string) (Adapter, error) {
		return NewFakeAdapter(), nil
	})
	r.Register("docker", func(config map[string]string) (Adapter, error) {
		return NewDockerAdapter(config["host"])
	})
	r.Register("containerd", func(config map[string]string) (Adapter, error) {
		return NewContainerdAdapter(config["socket"], config["host"])
	})
	return r
}

// Register adds a provider kind. Later registrations replace earlier ones.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// ForDefinition returns the adapter for a service definition's provider
func (r *Registry) ForDefinition(def *types.ServiceDefinition) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := def.ProviderKind + "/" + def.ID
	if a, ok := r.adapters[key]; ok {
		return a, nil
	}

	f, ok := r.factories[def.ProviderKind]
	if !ok {
		return nil, fmt.Errorf("unknown provider kind: %s", def.ProviderKind)
	}

	a, err := f(def.ProviderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter: %w", def.ProviderKind, err)
	}
	r.adapters[key] = a
	return a, nil
}
