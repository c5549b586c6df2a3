package engine

import (
	"context"
	"fmt"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// DockerEngine implements Engine against the local Docker daemon via the
// official client, the same package the rest of the container-runtime
// examples in this corpus reach for.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine builds a DockerEngine from the standard DOCKER_HOST /
// DOCKER_* environment, negotiating the API version with the daemon.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Close releases the underlying Docker client's connections.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func (e *DockerEngine) Inspect(ctx context.Context, container string) (State, error) {
	info, err := e.cli.ContainerInspect(ctx, container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return "", fmt.Errorf("engine: inspect %s: %w", container, err)
	}
	if info.State != nil && info.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

func (e *DockerEngine) Start(ctx context.Context, container string) error {
	if err := e.cli.ContainerStart(ctx, container, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("engine: start %s: %w", container, err)
	}
	return nil
}

func (e *DockerEngine) Stop(ctx context.Context, container string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := e.cli.ContainerStop(ctx, container, containertypes.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("engine: stop %s: %w", container, err)
	}
	return nil
}

func (e *DockerEngine) Kill(ctx context.Context, container string) error {
	if err := e.cli.ContainerKill(ctx, container, "SIGKILL"); err != nil {
		return fmt.Errorf("engine: kill %s: %w", container, err)
	}
	return nil
}
