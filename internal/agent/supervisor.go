// Package agent implements the Agent supervisor of spec section 4.4: it
// watches its host's desired deployments, spawns and stops Task Runners
// to match them, publishes host liveness and info, and owns the local
// port-assignment map Task Runners allocate from.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/agent/taskrunner"
	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination"
	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/discovery"
	"github.com/heliosproject/helios/internal/errkind"
	"github.com/heliosproject/helios/internal/runtime"
)

const (
	statusHostsPath = "/status/hosts"
	configHostsPath = "/config/hosts"
)

// Supervisor is the Agent's top-level actor for one host. It owns exactly
// one coordination.Store session, one runtime.Runtime, and the host's
// port-assignment map; spec section 5 requires the port map be mutated
// only here.
type Supervisor struct {
	host    string
	store   coordination.Store
	rt      runtime.Runtime
	cfg     *config.AgentConfig
	log     *logrus.Entry
	discov  discovery.Registrar

	ports *portAllocator

	mu      sync.Mutex
	runners map[string]*runnerEntry // keyed by JobId string
}

type runnerEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
	runner *taskrunner.Runner
}

// New builds a Supervisor for host, bound to store and rt. cfg supplies
// the port range and service-discovery settings; discov may be
// discovery.NoopRegistrar{} when Consul integration is disabled.
func New(host string, store coordination.Store, rt runtime.Runtime, cfg *config.AgentConfig, discov discovery.Registrar, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		host:    host,
		store:   store,
		rt:      rt,
		cfg:     cfg,
		discov:  discov,
		log:     log.WithFields(logrus.Fields{"component": "agent", "host": host}),
		ports:   newPortAllocator(cfg.Ports.Start, cfg.Ports.End),
		runners: map[string]*runnerEntry{},
	}
}

// Run registers the host's ephemeral up node, publishes agent/runtime
// info, and reconciles desired deployments against running Task Runners
// until ctx is cancelled. On SessionLost it re-bootstraps: re-registers
// the up node, re-publishes info, and reconciles from scratch -- spec
// section 4.4's "must handle SessionLost by re-registering and
// re-publishing its full state".
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.bootstrapOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("bootstrap failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				continue
			}
		}

		lost, err := s.registerUp(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("registering up node failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				continue
			}
		}

		if err := s.publishInfo(ctx); err != nil {
			s.log.WithError(err).Warn("publishing host info failed")
		}

		if err := s.adoptOrphans(ctx); err != nil {
			s.log.WithError(err).Warn("adopting orphaned containers failed")
		}

		sessionErr := s.watchLoop(ctx, lost)
		s.stopAllRunners()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sessionErr != nil {
			s.log.WithError(sessionErr).Warn("coordination session lost, rebootstrapping")
			continue
		}
		return nil
	}
}

func (s *Supervisor) bootstrapOnce(ctx context.Context) error {
	if err := coordination.EnsurePath(ctx, s.store, path.Join(statusHostsPath, s.host, "up")); err != nil {
		return err
	}
	if err := coordination.EnsurePath(ctx, s.store, path.Join(configHostsPath, s.host, "jobs", "x")); err != nil {
		return err
	}
	if err := s.store.Create(ctx, path.Join(configHostsPath, s.host, "jobs"), nil, coordination.Persistent); err != nil && !errkind.Is(err, errkind.Conflict) {
		return err
	}
	return nil
}

func (s *Supervisor) registerUp(ctx context.Context) (<-chan struct{}, error) {
	return s.store.RegisterEphemeral(ctx, path.Join(statusHostsPath, s.host, "up"), nil)
}

func (s *Supervisor) publishInfo(ctx context.Context) error {
	hostname, _ := os.Hostname()
	info := descriptor.HostInfo{
		Agent: descriptor.AgentInfo{
			Version:   "1.0.0",
			Hostname:  hostname,
			StartedAt: time.Now(),
		},
		Runtime: descriptor.RuntimeInfo{
			Kind:    "docker",
			Version: s.cfg.Docker.Version,
		},
	}
	data, err := json.Marshal(info)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshaling host info", err)
	}

	infoPath := path.Join(statusHostsPath, s.host, "info")
	if err := s.store.Create(ctx, infoPath, data, coordination.Persistent); err != nil {
		if errkind.Is(err, errkind.Conflict) {
			_, err := s.store.Set(ctx, infoPath, data)
			return err
		}
		return err
	}
	return nil
}

// adoptOrphans logs containers left running under this host's label by a
// prior incarnation, for operator visibility after a SessionLost
// rebootstrap. The actual adoption -- resuming from the observed
// container instead of recreating it -- happens per Job in each Runner's
// runOnce, keyed on that Job's io.helios.job_id label; reconcile spawns a
// Runner for every still-desired deployment right after this call, and
// those Runners perform the adoption check themselves.
func (s *Supervisor) adoptOrphans(ctx context.Context) error {
	ids, err := s.rt.ListByLabel(ctx, "io.helios.host", s.host)
	if err != nil {
		return fmt.Errorf("listing orphaned containers: %w", err)
	}
	if len(ids) > 0 {
		s.log.WithField("count", len(ids)).Info("found containers from a prior incarnation, runners will attempt to adopt them")
	}
	return nil
}

// watchLoop reconciles once immediately, then again every time the
// desired-deployments children watch fires, until ctx is cancelled or
// lost closes signalling SessionLost.
func (s *Supervisor) watchLoop(ctx context.Context, lost <-chan struct{}) error {
	for {
		if err := s.reconcile(ctx); err != nil {
			s.log.WithError(err).Warn("reconciliation failed")
		}

		watchPath := path.Join(configHostsPath, s.host, "jobs")
		events, err := s.store.Watch(ctx, watchPath, coordination.WatchChildren)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return coordination.ErrSessionLost
		case _, ok := <-events:
			if !ok {
				return coordination.ErrSessionLost
			}
			// Edge-triggered: loop around, re-read, and re-Watch.
		}
	}
}

// reconcile diffs the desired deployments for this host against the
// currently running Task Runners: spawns or updates a Runner for every
// desired (JobId, goal), stops any Runner with no corresponding desired
// entry. Multiple Runners for the same JobId are never created -- the
// supervisor key-locks by JobId via s.mu and the runners map.
func (s *Supervisor) reconcile(ctx context.Context) error {
	jobsPath := path.Join(configHostsPath, s.host, "jobs")
	children, err := s.store.Children(ctx, jobsPath)
	if err != nil {
		return fmt.Errorf("listing desired deployments: %w", err)
	}

	desired := map[string]descriptor.Deployment{}
	for _, child := range children {
		id, err := descriptor.ParseJobId(child)
		if err != nil {
			s.log.WithField("child", child).Warn("skipping unparseable deployment node")
			continue
		}
		data, _, err := s.store.Get(ctx, path.Join(jobsPath, child))
		if err != nil {
			continue
		}
		var dep descriptor.Deployment
		if err := json.Unmarshal(data, &dep); err != nil {
			continue
		}
		desired[id.String()] = dep
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, dep := range desired {
		if entry, running := s.runners[key]; running {
			entry.runner.SetGoal(dep.Goal)
			continue
		}
		if err := s.spawnLocked(ctx, dep); err != nil {
			s.log.WithError(err).WithField("job_id", key).Warn("spawning task runner failed")
		}
	}

	for key, entry := range s.runners {
		if _, stillDesired := desired[key]; !stillDesired {
			entry.cancel()
			delete(s.runners, key)
		}
	}

	return nil
}

// spawnLocked must be called with s.mu held. It fetches the Job for
// dep.JobId from the store (Deployment holds only a JobId, per spec
// section 9's resolution of the Deployment<->Job cyclic reference) and
// starts a Runner for it in its own goroutine.
func (s *Supervisor) spawnLocked(ctx context.Context, dep descriptor.Deployment) error {
	data, _, err := s.store.Get(ctx, path.Join("/jobs", dep.JobId.String()))
	if err != nil {
		return fmt.Errorf("reading job %s: %w", dep.JobId, err)
	}
	var job descriptor.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("unmarshaling job %s: %w", dep.JobId, err)
	}

	publisher := &statusPublisher{supervisor: s, jobID: dep.JobId}
	runner := taskrunner.New(job, s.host, s.rt, s.ports, publisher, s.log)
	runner.SetGoal(dep.Goal)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runners[dep.JobId.String()] = &runnerEntry{cancel: cancel, done: done, runner: runner}

	go func() {
		defer close(done)
		if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.log.WithError(err).WithField("job_id", dep.JobId.String()).Warn("task runner exited with error")
		}
		s.registerDiscovery(job, false)
	}()

	s.registerDiscovery(job, true)
	return nil
}

func (s *Supervisor) registerDiscovery(job descriptor.Job, register bool) {
	for name, mapping := range job.Ports() {
		if name == "" {
			continue
		}
		serviceID := job.Id().ShortString() + "-" + name
		if !register {
			if err := s.discov.Deregister(serviceID); err != nil {
				s.log.WithError(err).Warn("service-discovery deregistration failed")
			}
			continue
		}
		port := 0
		if mapping.ExternalPort != nil {
			port = *mapping.ExternalPort
		}
		if port == 0 {
			// Dynamically assigned; the runner publishes the actual
			// port via TaskStatus, not known here at spawn time.
			continue
		}
		reg := discovery.Registration{
			ServiceID:   serviceID,
			ServiceName: job.Name() + "-" + name,
			Address:     s.host,
			Port:        port,
			Tags:        []string{job.Id().ShortString()},
		}
		if err := s.discov.Register(reg); err != nil {
			s.log.WithError(err).Warn("service-discovery registration failed")
		}
	}
}

func (s *Supervisor) stopAllRunners() {
	s.mu.Lock()
	entries := make([]*runnerEntry, 0, len(s.runners))
	for key, entry := range s.runners {
		entries = append(entries, entry)
		delete(s.runners, key)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		<-entry.done
	}
}

// statusPublisher adapts a Supervisor's store to taskrunner.StatusPublisher
// for a single JobId, writing to /status/hosts/<host>/jobs/<jobId> and
// appending to /history/jobs/<jobId>/hosts/<host>/events/<seq>, per spec
// section 6's coordination store layout. Only the owning Agent writes
// under /status/hosts/<host>, per spec section 3 invariant (d).
type statusPublisher struct {
	supervisor *Supervisor
	jobID      descriptor.JobId
}

func (p *statusPublisher) PublishStatus(ctx context.Context, status descriptor.TaskStatus) error {
	s := p.supervisor
	data, err := json.Marshal(status)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshaling task status", err)
	}

	statusPath := path.Join(statusHostsPath, s.host, "jobs", p.jobID.String())
	if err := coordination.EnsurePath(ctx, s.store, statusPath); err != nil {
		return err
	}
	if err := s.store.Create(ctx, statusPath, data, coordination.Persistent); err != nil {
		if errkind.Is(err, errkind.Conflict) {
			_, err := s.store.Set(ctx, statusPath, data)
			return err
		}
		return err
	}
	return nil
}

func (p *statusPublisher) AppendEvent(ctx context.Context, event descriptor.TaskStatusEvent) error {
	s := p.supervisor
	dir := path.Join("/history/jobs", p.jobID.String(), "hosts", s.host, "events")
	if err := coordination.EnsurePath(ctx, s.store, path.Join(dir, "x")); err != nil {
		return err
	}
	if err := s.store.Create(ctx, dir, nil, coordination.Persistent); err != nil && !errkind.Is(err, errkind.Conflict) {
		return err
	}

	children, err := s.store.Children(ctx, dir)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshaling task status event", err)
	}

	seqPath := path.Join(dir, fmt.Sprintf("%020d", nextHistorySeq(children)))
	if err := s.store.Create(ctx, seqPath, data, coordination.Persistent); err != nil {
		return err
	}

	if retention := s.cfg.HistoryRetention; retention > 0 && len(children)+1 > retention {
		excess := len(children) + 1 - retention
		for i := 0; i < excess && i < len(children); i++ {
			_ = s.store.Delete(ctx, path.Join(dir, children[i]), -1)
		}
	}
	return nil
}

// nextHistorySeq returns one past the highest sequence number among
// children, or 0 if children is empty. It must not be derived from
// len(children): once retention pruning has deleted the oldest node, the
// child count no longer tracks the highest sequence ever issued, and
// reusing the count as the next node's name collides with a node that
// still exists.
func nextHistorySeq(children []string) int64 {
	var max int64 = -1
	for _, child := range children {
		n, err := strconv.ParseInt(child, 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

// portAllocator hands out host ports from [start, end), excluding ports
// already assigned to other Task Runners on this host, per spec section
// 4.4. It is the single mutable resource Task Runners share, and is
// mutated only through Allocate/Release, never read or written directly
// by a Runner -- spec section 5's "local port-assignment map is mutated
// only by the Agent supervisor".
type portAllocator struct {
	mu        sync.Mutex
	start     int
	end       int
	next      int
	assigned  map[int]bool
}

func newPortAllocator(start, end int) *portAllocator {
	return &portAllocator{start: start, end: end, next: start, assigned: map[int]bool{}}
}

func (p *portAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.end-p.start; i++ {
		candidate := p.next
		p.next++
		if p.next >= p.end {
			p.next = p.start
		}
		if !p.assigned[candidate] {
			p.assigned[candidate] = true
			return candidate, nil
		}
	}
	return 0, errkind.New(errkind.Transient, "no free ports in configured range")
}

func (p *portAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assigned, port)
}

// Reserve marks port as taken without handing out a new one, for a Task
// Runner that was configured with a fixed external port rather than one
// from Allocate. Without this a fixed port inside [start, end) would
// never be excluded from the range Allocate draws from, and a later
// dynamic allocation could hand the same port to a second Task Runner.
func (p *portAllocator) Reserve(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assigned[port] = true
}
