package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdapterLifecycle(t *testing.T) {
	f := NewFakeAdapter()
	ctx := context.Background()

	id, err := f.Create(ctx, Spec{Name: "desk", ImageRef: "img"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.CreateCount)

	state, err := f.QueryState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)

	require.NoError(t, f.SetPower(ctx, id, true))
	state, _ = f.QueryState(ctx, id)
	assert.Equal(t, StateRunning, state)

	addr, err := f.Address(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	require.NoError(t, f.Destroy(ctx, id))
	state, err = f.QueryState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateMissing, state)
}

func TestFakeAdapterDestroyMissingSucceeds(t *testing.T) {
	f := NewFakeAdapter()
	assert.NoError(t, f.Destroy(context.Background(), "never-existed"))
}

func TestFakeAdapterInjectedFailures(t *testing.T) {
	f := NewFakeAdapter()
	ctx := context.Background()

	boom := errdefs.Transient(errors.New("backend down"))
	f.FailCreate = boom
	_, err := f.Create(ctx, Spec{Name: "desk"})
	assert.ErrorIs(t, err, errdefs.ErrTransient)
	assert.Equal(t, 0, f.CreateCount)

	f.FailCreate = nil
	id, err := f.Create(ctx, Spec{Name: "desk"})
	require.NoError(t, err)

	f.FailPower = boom
	assert.Error(t, f.SetPower(ctx, id, true))
}

func TestFakeAdapterPowerUnknownResource(t *testing.T) {
	f := NewFakeAdapter()
	err := f.SetPower(context.Background(), "missing", true)
	assert.ErrorIs(t, err, errdefs.ErrPermanent)
}

func TestRegistryCachesAdapterPerDefinition(t *testing.T) {
	r := NewRegistry()
	def := &types.ServiceDefinition{ID: "def-1", ProviderKind: "fake"}

	a1, err := r.ForDefinition(def)
	require.NoError(t, err)
	a2, err := r.ForDefinition(def)
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	other := &types.ServiceDefinition{ID: "def-2", ProviderKind: "fake"}
	a3, err := r.ForDefinition(other)
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.ForDefinition(&types.ServiceDefinition{ID: "def-1", ProviderKind: "vsphere"})
	assert.Error(t, err)
}
