// Package runtime defines the container runtime seam the Task State
// Machine drives, per spec section 4.5. dockerruntime is the Docker-backed
// implementation; fakeruntime is an in-memory one used by tests and by
// heliosctl localstore.
package runtime

import (
	"context"
	"time"
)

// ContainerSpec is everything needed to create a container for a task.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	// Ports maps "containerPort/proto" (e.g. "8080/tcp") to the host port
	// it should bind to.
	Ports map[string]int
	// Labels are attached to the created container so an agent can
	// reassociate a running container with its job after a restart or a
	// coordination SessionLost/rebootstrap, per spec section 4.4.
	Labels map[string]string
}

// ContainerState is a runtime's view of a container's lifecycle.
type ContainerState struct {
	ID         string
	Status     string // "created", "running", "exited", etc, runtime-native
	ExitCode   *int
	StartedAt  *time.Time
	FinishedAt *time.Time
	Ports      map[string]int
}

// Runtime is the minimal container lifecycle surface the Task State
// Machine needs. Every method must be safe to call concurrently for
// distinct containers.
type Runtime interface {
	// ImagePresent reports whether image is already available locally,
	// letting the caller skip a pull and avoid the PullingImage state.
	ImagePresent(ctx context.Context, image string) (bool, error)

	// PullImage fetches image, blocking until the pull completes or ctx
	// is cancelled.
	PullImage(ctx context.Context, image string) error

	// CreateContainer creates (but does not start) a container from spec
	// and returns its runtime-assigned ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, id string) error

	// StopContainer asks a running container to stop, waiting up to
	// timeout for a graceful exit before the runtime forces it.
	StopContainer(ctx context.Context, id string, timeout time.Duration) error

	// RemoveContainer deletes a container, forcing removal if it is
	// still running.
	RemoveContainer(ctx context.Context, id string) error

	// InspectContainer returns the current state of a container.
	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// ListByLabel returns the IDs of containers carrying the given label
	// key/value pair, used by the agent to adopt orphaned containers
	// after a SessionLost rebootstrap.
	ListByLabel(ctx context.Context, key, value string) ([]string, error)
}
