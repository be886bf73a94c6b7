package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/google/uuid"
)

// FakeAdapter is an in-memory adapter used for tests and dry runs. It
// tracks created resources and can be told to fail specific operations.
type FakeAdapter struct {
	mu        sync.Mutex
	resources map[string]State
	addresses map[string]string

	// CreateCount counts Create calls that actually created a resource
	CreateCount int

	// FailCreate makes Create return the given error until cleared
	FailCreate error

	// FailPower makes SetPower return the given error until cleared
	FailPower error
}

// NewFakeAdapter creates an empty fake adapter
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		resources: make(map[string]State),
		addresses: make(map[string]string),
	}
}

func (f *FakeAdapter) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate != nil {
		return "", f.FailCreate
	}

	id := "fake-" + uuid.New().String()
	f.resources[id] = StateStopped
	f.addresses[id] = fmt.Sprintf("10.0.0.%d", len(f.resources))
	f.CreateCount++
	return id, nil
}

func (f *FakeAdapter) SetPower(ctx context.Context, providerID string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailPower != nil {
		return f.FailPower
	}

	if _, ok := f.resources[providerID]; !ok {
		return errdefs.Permanent(fmt.Errorf("resource %s does not exist", providerID))
	}
	if on {
		f.resources[providerID] = StateRunning
	} else {
		f.resources[providerID] = StateStopped
	}
	return nil
}

func (f *FakeAdapter) Destroy(ctx context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Destroying a missing resource is a success, per the adapter contract
	delete(f.resources, providerID)
	delete(f.addresses, providerID)
	return nil
}

func (f *FakeAdapter) QueryState(ctx context.Context, providerID string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.resources[providerID]
	if !ok {
		return StateMissing, nil
	}
	return state, nil
}

func (f *FakeAdapter) Address(ctx context.Context, providerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr, ok := f.addresses[providerID]
	if !ok {
		return "", errdefs.Permanent(fmt.Errorf("resource %s does not exist", providerID))
	}
	return addr, nil
}

// SetState overrides a resource's state, for tests simulating drift
func (f *FakeAdapter) SetState(providerID string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[providerID] = state
}

// Exists reports whether the fake backend holds the resource
func (f *FakeAdapter) Exists(providerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.resources[providerID]
	return ok
}
