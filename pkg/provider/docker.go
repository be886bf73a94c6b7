package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerAdapter provisions container-backed desktop resources through the
// Docker engine, for session-host style pools.
type DockerAdapter struct {
	cli *client.Client
}

// NewDockerAdapter connects to a Docker daemon. An empty host uses the
// environment (DOCKER_HOST or the local socket).
func NewDockerAdapter(host string) (*DockerAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, errdefs.Transient(fmt.Errorf("docker daemon unreachable: %v", err))
	}

	return &DockerAdapter{cli: cli}, nil
}

func (d *DockerAdapter) Create(ctx context.Context, spec Spec) (string, error) {
	reader, err := d.cli.ImagePull(ctx, spec.ImageRef, image.PullOptions{})
	if err != nil {
		// A missing image cannot be fixed by retrying
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "manifest unknown") {
			return "", errdefs.Permanent(fmt.Errorf("image %s: %v", spec.ImageRef, err))
		}
		return "", errdefs.Transient(fmt.Errorf("failed to pull image %s: %v", spec.ImageRef, err))
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	exposedPorts := nat.PortSet{}
	if spec.ConnectPort > 0 {
		exposedPorts[nat.Port(fmt.Sprintf("%d/tcp", spec.ConnectPort))] = struct{}{}
	}

	config := &container.Config{
		Image:        spec.ImageRef,
		Env:          spec.Env,
		ExposedPorts: exposedPorts,
		Labels: map[string]string{
			"managed_by": "burrow",
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUs) * 1e9,
			Memory:   spec.MemoryBytes,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", errdefs.Transient(fmt.Errorf("failed to create container: %v", err))
	}

	return resp.ID, nil
}

func (d *DockerAdapter) SetPower(ctx context.Context, providerID string, on bool) error {
	if on {
		if err := d.cli.ContainerStart(ctx, providerID, container.StartOptions{}); err != nil {
			if client.IsErrNotFound(err) {
				return errdefs.Permanent(fmt.Errorf("container %s does not exist", providerID))
			}
			return errdefs.Transient(fmt.Errorf("failed to start container: %v", err))
		}
		return nil
	}

	timeout := 30
	err := d.cli.ContainerStop(ctx, providerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return errdefs.Transient(fmt.Errorf("failed to stop container: %v", err))
	}
	return nil
}

func (d *DockerAdapter) Destroy(ctx context.Context, providerID string) error {
	err := d.cli.ContainerRemove(ctx, providerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errdefs.Transient(fmt.Errorf("failed to remove container: %v", err))
	}
	return nil
}

func (d *DockerAdapter) QueryState(ctx context.Context, providerID string) (State, error) {
	inspect, err := d.cli.ContainerInspect(ctx, providerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StateMissing, nil
		}
		return StateError, errdefs.Transient(fmt.Errorf("failed to inspect container: %v", err))
	}

	switch inspect.State.Status {
	case "running":
		return StateRunning, nil
	case "created", "exited", "paused":
		return StateStopped, nil
	case "dead":
		return StateError, nil
	default:
		return StateStopped, nil
	}
}

func (d *DockerAdapter) Address(ctx context.Context, providerID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, providerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", errdefs.Permanent(fmt.Errorf("container %s does not exist", providerID))
		}
		return "", errdefs.Transient(fmt.Errorf("failed to inspect container: %v", err))
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for _, net := range inspect.NetworkSettings.Networks {
			if net.IPAddress != "" {
				return net.IPAddress, nil
			}
		}
	}
	return "", errdefs.Transient(fmt.Errorf("container %s has no address yet", providerID))
}

// Close releases the docker client connection
func (d *DockerAdapter) Close() error {
	return d.cli.Close()
}
