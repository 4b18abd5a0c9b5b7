// Package dockerruntime adapts the Docker Engine API to runtime.Runtime.
package dockerruntime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/runtime"
)

// Runtime wraps a Docker Engine API client to satisfy runtime.Runtime.
type Runtime struct {
	client *client.Client
	log    *logrus.Entry
}

var _ runtime.Runtime = (*Runtime)(nil)

// New dials the Docker daemon at host (empty uses the environment's
// DOCKER_HOST, matching client.FromEnv).
func New(host string, log *logrus.Logger) (*Runtime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &Runtime{
		client: cli,
		log:    log.WithField("component", "dockerruntime"),
	}, nil
}

func (r *Runtime) ImagePresent(ctx context.Context, image string) (bool, error) {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", image, err)
}

func (r *Runtime) PullImage(ctx context.Context, image string) error {
	reader, err := r.client.ImagePull(ctx, image, dockertypes.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	defer reader.Close()

	// Drain the pull progress stream; the Task State Machine only cares
	// that the pull completed, not the per-layer progress events.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", image, err)
	}

	r.log.WithField("image", image).Info("image pulled")
	return nil
}

func (r *Runtime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}

	for containerPort, hostPort := range spec.Ports {
		portStr := containerPort
		protocol := "tcp"
		if idx := strings.Index(containerPort, "/"); idx >= 0 {
			portStr = containerPort[:idx]
			protocol = containerPort[idx+1:]
		}

		port, err := nat.NewPort(protocol, portStr)
		if err != nil {
			return "", fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposedPorts[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
	}
	if len(spec.Command) > 0 {
		cfg.Cmd = spec.Command
	}

	hostCfg := &container.HostConfig{PortBindings: portBindings}
	netCfg := &network.NetworkingConfig{}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	r.log.WithFields(logrus.Fields{"container_id": resp.ID, "name": spec.Name, "image": spec.Image}).Info("container created")
	return resp.ID, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, dockertypes.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	r.log.WithField("container_id", id).Info("container started")
	return nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	r.log.WithField("container_id", id).Info("container stopped")
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	if err := r.client.ContainerRemove(ctx, id, dockertypes.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	r.log.WithField("container_id", id).Info("container removed")
	return nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (runtime.ContainerState, error) {
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.ContainerState{}, fmt.Errorf("inspecting container %s: %w", id, err)
	}

	state := runtime.ContainerState{
		ID:     inspect.ID,
		Status: inspect.State.Status,
		Ports:  map[string]int{},
	}
	if inspect.State.ExitCode != 0 || inspect.State.Status == "exited" {
		code := inspect.State.ExitCode
		state.ExitCode = &code
	}
	if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !startedAt.IsZero() {
		state.StartedAt = &startedAt
	}
	if finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil && !finishedAt.IsZero() {
		state.FinishedAt = &finishedAt
	}
	if inspect.NetworkSettings != nil {
		for port, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) > 0 {
				if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
					state.Ports[port.Port()] = hostPort
				}
			}
		}
	}
	return state, nil
}

func (r *Runtime) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", key+"="+value)

	containers, err := r.client.ContainerList(ctx, dockertypes.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("listing containers by label %s=%s: %w", key, value, err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
