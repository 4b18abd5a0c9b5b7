// Package taskrunner implements the per-task state machine of spec
// section 4.5: PULLING_IMAGE* -> CREATING -> STARTING -> RUNNING -> EXITED
// (or STOPPING -> STOPPED on goal change), with throttled restart on
// FAILED.
package taskrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/coordination/retry"
	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/runtime"
)

// PortAllocator requests a host port from the agent's shared
// port-assignment map, mutated only by the Agent supervisor per spec
// section 5.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
	// Reserve marks a fixed external port as taken so Allocate never
	// hands it out to another Task Runner.
	Reserve(port int)
}

// StatusPublisher writes the current TaskStatus and appends a
// TaskStatusEvent, mirroring the coordination-store layout in spec
// section 6 without this package knowing about coordination.Store
// directly.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status descriptor.TaskStatus) error
	AppendEvent(ctx context.Context, event descriptor.TaskStatusEvent) error
}

// Runner drives one Task's lifecycle for one Job on one host.
type Runner struct {
	job       descriptor.Job
	host      string
	runtime   runtime.Runtime
	ports     PortAllocator
	publisher StatusPublisher
	policy    retry.Policy
	log       *logrus.Entry

	mu             sync.Mutex
	goal           descriptor.Goal
	containerID    string
	state          descriptor.TaskState
	allocatedPorts []int
	resolvedPorts  map[string]descriptor.PortMapping

	goalCh chan descriptor.Goal
}

// New builds a Runner for job on host. The caller is expected to call
// Run in its own goroutine.
func New(job descriptor.Job, host string, rt runtime.Runtime, ports PortAllocator, publisher StatusPublisher, log *logrus.Entry) *Runner {
	return &Runner{
		job:       job,
		host:      host,
		runtime:   rt,
		ports:     ports,
		publisher: publisher,
		policy:    retry.DefaultPolicy(),
		log:       log.WithFields(logrus.Fields{"job_id": job.Id().String(), "host": host}),
		goal:      descriptor.Start,
		goalCh:    make(chan descriptor.Goal, 1),
	}
}

// SetGoal delivers a new goal to the running Runner, e.g. from a watch
// callback observing a Deployment change.
func (r *Runner) SetGoal(goal descriptor.Goal) {
	select {
	case r.goalCh <- goal:
	default:
		// A goal change is already pending; the latest one wins.
		select {
		case <-r.goalCh:
		default:
		}
		r.goalCh <- goal
	}
}

func (r *Runner) currentGoal() descriptor.Goal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.goal
}

func (r *Runner) setState(ctx context.Context, state descriptor.TaskState, containerID *string, throttle descriptor.ThrottleState) {
	r.mu.Lock()
	r.state = state
	if containerID != nil {
		r.containerID = *containerID
	}
	cid := r.containerID
	r.mu.Unlock()

	r.mu.Lock()
	ports := r.resolvedPorts
	r.mu.Unlock()
	if ports == nil {
		ports = r.job.Ports()
	}

	status := descriptor.TaskStatus{
		Job:       r.job,
		State:     state,
		Throttled: throttle,
		Env:       r.job.Env(),
		Ports:     ports,
	}
	if cid != "" {
		status.ContainerId = &cid
	}

	if err := r.publisher.PublishStatus(ctx, status); err != nil {
		r.log.WithError(err).Warn("publishing task status failed")
	}
	if err := r.publisher.AppendEvent(ctx, descriptor.TaskStatusEvent{Status: status, Timestamp: time.Now()}); err != nil {
		r.log.WithError(err).Warn("appending task status event failed")
	}
}

// Run drives the state machine until ctx is cancelled or the goal
// resolves to a terminal outcome (STOPPED or removed via UNDEPLOY).
func (r *Runner) Run(ctx context.Context) error {
	restartDelay := r.policy.InitialDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.currentGoal() == descriptor.Stop || r.currentGoal() == descriptor.Undeploy {
			return r.stop(ctx)
		}

		exitCode, err := r.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.WithError(err).Warn("task incarnation failed")
			r.setState(ctx, descriptor.Failed, nil, descriptor.RestartBackoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(restartDelay):
			}
			restartDelay *= 2
			if restartDelay > r.policy.MaxDelay {
				restartDelay = r.policy.MaxDelay
			}
			continue
		}

		restartDelay = r.policy.InitialDelay
		r.log.WithField("exit_code", exitCode).Info("task exited, restart policy reevaluating")

		if r.currentGoal() == descriptor.Stop || r.currentGoal() == descriptor.Undeploy {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case goal := <-r.goalCh:
			r.mu.Lock()
			r.goal = goal
			r.mu.Unlock()
		case <-time.After(restartDelay):
		}
	}
}

// runOnce takes the task through CREATING, STARTING, RUNNING to EXITED,
// preceded by zero or more PULLING_IMAGE incarnations while the image is
// fetched, returning the container's exit code. A task history must read
// as [PULLING_IMAGE...], CREATING, STARTING, RUNNING, EXITED -- so the
// image presence check/pull happens before CREATING is published, not
// after.
//
// Before any of that, it checks the runtime for a container already
// carrying this Job's io.helios.job_id label: after a SessionLost
// rebootstrap the previous incarnation's container may still be running
// (or have already exited while the agent was down), and spec section 4.5
// requires resuming from that observed state rather than creating a
// duplicate, so neither PULLING_IMAGE nor CREATING applies to it.
func (r *Runner) runOnce(ctx context.Context) (int, error) {
	if containerID, state, ok := r.adoptExisting(ctx); ok {
		r.log.WithField("container_id", containerID).Info("adopted container from a prior incarnation")
		r.mu.Lock()
		r.resolvedPorts = r.job.Ports()
		r.mu.Unlock()

		if state.ExitCode != nil {
			r.setState(ctx, descriptor.Exited, &containerID, descriptor.NoThrottle)
			r.releasePorts()
			return *state.ExitCode, nil
		}

		r.setState(ctx, descriptor.Running, &containerID, descriptor.NoThrottle)
		return r.waitForExit(ctx, containerID)
	}

	present, err := r.runtime.ImagePresent(ctx, r.job.Image())
	if err != nil {
		return 0, fmt.Errorf("checking image presence: %w", err)
	}
	if !present {
		if err := r.pullWithRetry(ctx); err != nil {
			r.setState(ctx, descriptor.Failed, nil, descriptor.ImageMissing)
			return 0, fmt.Errorf("pulling image: %w", err)
		}
	}

	r.setState(ctx, descriptor.Creating, nil, descriptor.NoThrottle)

	spec, err := r.buildContainerSpec()
	if err != nil {
		return 0, fmt.Errorf("building container spec: %w", err)
	}

	containerID, err := r.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("creating container: %w", err)
	}
	r.setState(ctx, descriptor.Starting, &containerID, descriptor.NoThrottle)

	if err := r.runtime.StartContainer(ctx, containerID); err != nil {
		return 0, fmt.Errorf("starting container: %w", err)
	}
	r.setState(ctx, descriptor.Running, &containerID, descriptor.NoThrottle)

	return r.waitForExit(ctx, containerID)
}

// adoptExisting looks for a container already carrying this Job's
// io.helios.job_id label and returns its current state if one is found.
// A failed lookup is logged and treated as "nothing to adopt" rather than
// a fatal error, since falling through to CreateContainer is always safe.
func (r *Runner) adoptExisting(ctx context.Context) (string, runtime.ContainerState, bool) {
	ids, err := r.runtime.ListByLabel(ctx, "io.helios.job_id", r.job.Id().String())
	if err != nil {
		r.log.WithError(err).Warn("listing containers for adoption failed")
		return "", runtime.ContainerState{}, false
	}
	for _, id := range ids {
		state, err := r.runtime.InspectContainer(ctx, id)
		if err != nil {
			r.log.WithError(err).WithField("container_id", id).Warn("inspecting candidate container for adoption failed")
			continue
		}
		return id, state, true
	}
	return "", runtime.ContainerState{}, false
}

func (r *Runner) pullWithRetry(ctx context.Context) error {
	r.setState(ctx, descriptor.PullingImage, nil, descriptor.NoThrottle)
	return retry.Do(ctx, r.policy, func(error) bool { return true }, func(ctx context.Context) error {
		return r.runtime.PullImage(ctx, r.job.Image())
	})
}

func (r *Runner) buildContainerSpec() (runtime.ContainerSpec, error) {
	ports := map[string]int{}
	resolved := make(map[string]descriptor.PortMapping, len(r.job.Ports()))
	for name, mapping := range r.job.Ports() {
		hostPort := 0
		if mapping.ExternalPort != nil {
			hostPort = *mapping.ExternalPort
			r.ports.Reserve(hostPort)
			r.mu.Lock()
			r.allocatedPorts = append(r.allocatedPorts, hostPort)
			r.mu.Unlock()
		} else {
			allocated, err := r.ports.Allocate()
			if err != nil {
				return runtime.ContainerSpec{}, fmt.Errorf("allocating port for %s: %w", name, err)
			}
			hostPort = allocated
			r.mu.Lock()
			r.allocatedPorts = append(r.allocatedPorts, allocated)
			r.mu.Unlock()
			mapping = mapping.WithExternalPort(allocated)
		}
		key := fmt.Sprintf("%d/%s", mapping.InternalPort, mapping.Protocol)
		ports[key] = hostPort
		resolved[name] = mapping
	}

	r.mu.Lock()
	r.resolvedPorts = resolved
	r.mu.Unlock()

	return runtime.ContainerSpec{
		Name:    r.job.Id().ShortString() + "-" + r.host,
		Image:   r.job.Image(),
		Command: r.job.Command(),
		Env:     r.job.Env(),
		Ports:   ports,
		Labels: map[string]string{
			"io.helios.job_id": r.job.Id().String(),
			"io.helios.host":   r.host,
		},
	}, nil
}

// waitForExit polls InspectContainer until the container leaves the
// running state. Spec section 4.5 permits coarse sampling of
// intermediate runtime states.
func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case goal := <-r.goalCh:
			r.mu.Lock()
			r.goal = goal
			r.mu.Unlock()
			if goal == descriptor.Stop || goal == descriptor.Undeploy {
				return 0, r.stopContainer(ctx, containerID)
			}
		case <-ticker.C:
			state, err := r.runtime.InspectContainer(ctx, containerID)
			if err != nil {
				return 0, fmt.Errorf("inspecting container: %w", err)
			}
			if state.ExitCode != nil {
				r.setState(ctx, descriptor.Exited, &containerID, descriptor.NoThrottle)
				r.releasePorts()
				return *state.ExitCode, nil
			}
		}
	}
}

func (r *Runner) stopContainer(ctx context.Context, containerID string) error {
	r.setState(ctx, descriptor.Stopping, &containerID, descriptor.NoThrottle)
	if err := r.runtime.StopContainer(ctx, containerID, 30*time.Second); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	r.setState(ctx, descriptor.Stopped, &containerID, descriptor.NoThrottle)
	r.releasePorts()

	if r.currentGoal() == descriptor.Undeploy {
		if err := r.runtime.RemoveContainer(ctx, containerID); err != nil {
			r.log.WithError(err).Warn("removing container during undeploy failed")
		}
	}
	return nil
}

// releasePorts returns every port this incarnation allocated or reserved
// (dynamic and fixed external ports alike) back to the shared port map,
// so a restarted or stopped task doesn't
// leak entries from spec section 4.4's port-assignment range.
func (r *Runner) releasePorts() {
	r.mu.Lock()
	ports := r.allocatedPorts
	r.allocatedPorts = nil
	r.mu.Unlock()

	for _, port := range ports {
		r.ports.Release(port)
	}
}

func (r *Runner) stop(ctx context.Context) error {
	r.mu.Lock()
	cid := r.containerID
	r.mu.Unlock()
	if cid == "" {
		return nil
	}
	return r.stopContainer(ctx, cid)
}
