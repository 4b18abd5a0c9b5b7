// Package fakeruntime is an in-memory runtime.Runtime for exercising the
// Task State Machine without a Docker daemon.
package fakeruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/heliosproject/helios/internal/runtime"
)

type container struct {
	spec  runtime.ContainerSpec
	state runtime.ContainerState
}

// Runtime is a single-process fake satisfying runtime.Runtime.
type Runtime struct {
	mu          sync.Mutex
	images      map[string]bool
	containers  map[string]*container
	nextID      int
	PullDelay   time.Duration
	FailPull    map[string]bool
	FailCreate  map[string]bool
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty fake runtime with no images present locally.
func New() *Runtime {
	return &Runtime{
		images:     map[string]bool{},
		containers: map[string]*container{},
		FailPull:   map[string]bool{},
		FailCreate: map[string]bool{},
	}
}

// SeedImage marks image as already present, skipping the pull step.
func (r *Runtime) SeedImage(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[image] = true
}

func (r *Runtime) ImagePresent(ctx context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[image], nil
}

func (r *Runtime) PullImage(ctx context.Context, image string) error {
	r.mu.Lock()
	fail := r.FailPull[image]
	delay := r.PullDelay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return fmt.Errorf("fakeruntime: pull of %s failed", image)
	}

	r.mu.Lock()
	r.images[image] = true
	r.mu.Unlock()
	return nil
}

func (r *Runtime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailCreate[spec.Image] {
		return "", fmt.Errorf("fakeruntime: create from %s failed", spec.Image)
	}

	r.nextID++
	id := fmt.Sprintf("fake-%d", r.nextID)
	r.containers[id] = &container{
		spec:  spec,
		state: runtime.ContainerState{ID: id, Status: "created", Ports: map[string]int{}},
	}
	return id, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("fakeruntime: no such container %s", id)
	}
	now := time.Now()
	c.state.Status = "running"
	c.state.StartedAt = &now
	return nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("fakeruntime: no such container %s", id)
	}
	now := time.Now()
	code := 0
	c.state.Status = "exited"
	c.state.ExitCode = &code
	c.state.FinishedAt = &now
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (runtime.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return runtime.ContainerState{}, fmt.Errorf("fakeruntime: no such container %s", id)
	}
	return c.state, nil
}

func (r *Runtime) ListByLabel(ctx context.Context, key, value string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, c := range r.containers {
		if c.spec.Labels[key] == value {
			out = append(out, id)
		}
	}
	return out, nil
}

// SetExitCode lets a test simulate a container that already exited with
// the given code, driving the taskrunner's EXITED transition.
func (r *Runtime) SetExitCode(id string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		now := time.Now()
		c.state.Status = "exited"
		c.state.ExitCode = &code
		c.state.FinishedAt = &now
	}
}
