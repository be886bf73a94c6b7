package provider

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	brokererr "github.com/cuemby/burrow/pkg/errdefs"
)

const (
	// DefaultNamespace is the containerd namespace for Burrow resources
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdAdapter provisions container-backed resources through containerd.
// Containerd has no network model of its own, so the connect host comes from
// the provider config ("host"); per-resource ports are the definition's.
type ContainerdAdapter struct {
	client    *containerd.Client
	namespace string
	host      string
}

// NewContainerdAdapter connects to a containerd socket
func NewContainerdAdapter(socketPath, host string) (*ContainerdAdapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, brokererr.Transient(fmt.Errorf("failed to connect to containerd: %v", err))
	}

	return &ContainerdAdapter{
		client:    client,
		namespace: DefaultNamespace,
		host:      host,
	}, nil
}

// Close closes the containerd client connection
func (c *ContainerdAdapter) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *ContainerdAdapter) Create(ctx context.Context, spec Spec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	image, err := c.client.Pull(ctx, spec.ImageRef, containerd.WithPullUnpack)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", brokererr.Permanent(fmt.Errorf("image %s: %v", spec.ImageRef, err))
		}
		return "", brokererr.Transient(fmt.Errorf("failed to pull image %s: %v", spec.ImageRef, err))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.MemoryBytes > 0 {
		mem := spec.MemoryBytes
		opts = append(opts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
			if s.Linux == nil {
				s.Linux = &specs.Linux{}
			}
			if s.Linux.Resources == nil {
				s.Linux.Resources = &specs.LinuxResources{}
			}
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &mem}
			return nil
		})
	}

	container, err := c.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			// A crashed create left the container behind; reuse it
			return spec.Name, nil
		}
		return "", brokererr.Transient(fmt.Errorf("failed to create container: %v", err))
	}

	return container.ID(), nil
}

func (c *ContainerdAdapter) SetPower(ctx context.Context, providerID string, on bool) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, providerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return brokererr.Permanent(fmt.Errorf("container %s does not exist", providerID))
		}
		return brokererr.Transient(fmt.Errorf("failed to load container: %v", err))
	}

	if on {
		if task, err := container.Task(ctx, nil); err == nil {
			status, err := task.Status(ctx)
			if err == nil && status.Status == containerd.Running {
				return nil
			}
		}
		task, err := container.NewTask(ctx, cio.NullIO)
		if err != nil {
			return brokererr.Transient(fmt.Errorf("failed to create task: %v", err))
		}
		if err := task.Start(ctx); err != nil {
			return brokererr.Transient(fmt.Errorf("failed to start task: %v", err))
		}
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is already stopped
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return brokererr.Transient(fmt.Errorf("failed to kill task: %v", err))
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return brokererr.Transient(fmt.Errorf("failed to wait for task: %v", err))
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return brokererr.Transient(fmt.Errorf("failed to force kill task: %v", err))
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return brokererr.Transient(fmt.Errorf("failed to delete task: %v", err))
	}

	return nil
}

func (c *ContainerdAdapter) Destroy(ctx context.Context, providerID string) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, providerID)
	if err != nil {
		// Already gone counts as success
		return nil
	}

	if err := c.SetPower(ctx, providerID, false); err != nil {
		return err
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return brokererr.Transient(fmt.Errorf("failed to delete container: %v", err))
	}

	return nil
}

func (c *ContainerdAdapter) QueryState(ctx context.Context, providerID string) (State, error) {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, providerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return StateError, brokererr.Transient(fmt.Errorf("failed to load container: %v", err))
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Container exists but has no running task
		return StateStopped, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StateError, brokererr.Transient(fmt.Errorf("failed to get task status: %v", err))
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return StateRunning, nil
	case containerd.Stopped:
		return StateStopped, nil
	default:
		return StateStopped, nil
	}
}

func (c *ContainerdAdapter) Address(ctx context.Context, providerID string) (string, error) {
	if c.host == "" {
		return "", brokererr.Permanent(fmt.Errorf("containerd provider has no connect host configured"))
	}
	return c.host, nil
}
