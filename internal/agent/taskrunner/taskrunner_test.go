package taskrunner

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/runtime/fakeruntime"
)

type fakePorts struct {
	mu   sync.Mutex
	next int
}

func newFakePorts(start int) *fakePorts { return &fakePorts{next: start} }

func (p *fakePorts) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port := p.next
	p.next++
	return port, nil
}

func (p *fakePorts) Release(int) {}

func (p *fakePorts) Reserve(int) {}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []descriptor.TaskStatus
	events   []descriptor.TaskStatusEvent
}

func (p *recordingPublisher) PublishStatus(ctx context.Context, status descriptor.TaskStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *recordingPublisher) AppendEvent(ctx context.Context, event descriptor.TaskStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) states() []descriptor.TaskState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]descriptor.TaskState, len(p.statuses))
	for i, s := range p.statuses {
		out[i] = s.State
	}
	return out
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func buildJob(t *testing.T) descriptor.Job {
	t.Helper()
	job, err := descriptor.NewJobBuilder().
		SetName("echoer").
		SetVersion("1").
		SetImage("echo:latest").
		SetCommand([]string{"/bin/true"}).
		Build()
	if err != nil {
		t.Fatalf("building job: %v", err)
	}
	return job
}

func TestRunnerNormalLifecycleReachesExited(t *testing.T) {
	job := buildJob(t)
	rt := fakeruntime.New()
	rt.SeedImage(job.Image())
	pub := &recordingPublisher{}

	runner := New(job, "host1", rt, newFakePorts(20000), pub, testLog())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	// Let the container get created and start, then force it to exit.
	deadline := time.Now().Add(2 * time.Second)
	var containerID string
	for time.Now().Before(deadline) {
		states := pub.states()
		if len(states) > 0 && states[len(states)-1] == descriptor.Running {
			pub.mu.Lock()
			containerID = *pub.statuses[len(pub.statuses)-1].ContainerId
			pub.mu.Unlock()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if containerID == "" {
		t.Fatal("task never reached RUNNING")
	}
	rt.SetExitCode(containerID, 0)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states := pub.states()
		if len(states) > 0 && states[len(states)-1] == descriptor.Exited {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task never reached EXITED, saw states: %v", pub.states())
}

func TestRunnerPullsImageWhenAbsent(t *testing.T) {
	job := buildJob(t)
	rt := fakeruntime.New()
	pub := &recordingPublisher{}

	runner := New(job, "host1", rt, newFakePorts(20000), pub, testLog())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go runner.Run(ctx)

	deadline := time.Now().Add(time.Second)
	sawPulling := false
	for time.Now().Before(deadline) {
		for _, s := range pub.states() {
			if s == descriptor.PullingImage {
				sawPulling = true
			}
		}
		if sawPulling {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawPulling {
		t.Fatal("expected PULLING_IMAGE state when image absent")
	}

	states := pub.states()
	pullIdx, creatingIdx := -1, -1
	for i, s := range states {
		if s == descriptor.PullingImage && pullIdx == -1 {
			pullIdx = i
		}
		if s == descriptor.Creating && creatingIdx == -1 {
			creatingIdx = i
		}
	}
	if creatingIdx == -1 {
		t.Fatalf("expected a CREATING state, got %v", states)
	}
	if pullIdx == -1 || pullIdx > creatingIdx {
		t.Fatalf("expected PULLING_IMAGE to precede CREATING, got %v", states)
	}
}

func TestRunnerStopTransitionsToStopped(t *testing.T) {
	job := buildJob(t)
	rt := fakeruntime.New()
	rt.SeedImage(job.Image())
	pub := &recordingPublisher{}

	runner := New(job, "host1", rt, newFakePorts(20000), pub, testLog())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states := pub.states()
		if len(states) > 0 && states[len(states)-1] == descriptor.Running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	runner.SetGoal(descriptor.Stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit after STOP goal")
	}

	states := pub.states()
	if len(states) == 0 || states[len(states)-1] != descriptor.Stopped {
		t.Fatalf("expected final state STOPPED, got %v", states)
	}
}
