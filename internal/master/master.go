// Package master implements the Master's RPC surface: job registry,
// deployment transactions, host status aggregation and history queries,
// per spec section 4.3.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination"
	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/errkind"
)

const (
	jobsPath     = "/jobs"
	jobRefsPath  = "/jobrefs"
	configPath   = "/config/hosts"
	statusPath   = "/status/hosts"
	historyPath  = "/history/jobs"
)

// Master holds the domain logic behind the Master's RPC surface. It knows
// nothing about HTTP; internal/master's Server wraps it with a transport.
type Master struct {
	store  coordination.Store
	cfg    *config.MasterConfig
	log    *logrus.Entry
}

// New builds a Master bound to store, governed by cfg.
func New(store coordination.Store, cfg *config.MasterConfig, log *logrus.Entry) *Master {
	return &Master{store: store, cfg: cfg, log: log.WithField("component", "master")}
}

// Bootstrap ensures the root namespace nodes this package writes under
// exist, the way a ZooKeeper-backed service creates its top-level znodes
// on first startup rather than relying on ad hoc EnsurePath calls for
// every leaf write.
func (m *Master) Bootstrap(ctx context.Context) error {
	for _, p := range []string{jobsPath, jobRefsPath, configPath, statusPath, historyPath} {
		if err := coordination.EnsurePath(ctx, m.store, path.Join(p, "x")); err != nil {
			return wrapStoreErr(err, "bootstrapping namespace")
		}
		if err := m.store.Create(ctx, p, nil, coordination.Persistent); err != nil && !isErr(err, coordination.ErrExists) {
			return wrapStoreErr(err, "bootstrapping namespace")
		}
	}
	return nil
}

func jobNodePath(id descriptor.JobId) string {
	return path.Join(jobsPath, id.String())
}

func deploymentPath(host string, id descriptor.JobId) string {
	return path.Join(configPath, host, "jobs", id.String())
}

func jobRefPath(id descriptor.JobId, host string) string {
	return path.Join(jobRefsPath, id.String(), host)
}

func hostUpPath(host string) string {
	return path.Join(statusPath, host, "up")
}

func hostInfoPath(host string) string {
	return path.Join(statusPath, host, "info")
}

func hostTaskStatusPath(host string, id descriptor.JobId) string {
	return path.Join(statusPath, host, "jobs", id.String())
}

func historyEventsDir(id descriptor.JobId, host string) string {
	return path.Join(historyPath, id.String(), "hosts", host, "events")
}

// CreateJob builds a Job from the submitted fields, re-deriving the hash
// rather than trusting a client-submitted one, and stores it if it does
// not already exist. Creating a Job with an existing JobId and identical
// config is an idempotent no-op.
func (m *Master) CreateJob(ctx context.Context, name, version, image string, command []string, env map[string]string, ports map[string]descriptor.PortMapping, claimedHash string) (descriptor.JobId, error) {
	builder := descriptor.NewJobBuilder().
		SetName(name).
		SetVersion(version).
		SetImage(image).
		SetCommand(command).
		SetEnv(env).
		SetPorts(ports)

	job, err := builder.Build()
	if err != nil {
		return descriptor.JobId{}, err
	}

	if claimedHash != "" && claimedHash != job.Hash() {
		return descriptor.JobId{}, errkind.New(errkind.Validation, "submitted hash does not match derived hash")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return descriptor.JobId{}, errkind.Wrap(errkind.Fatal, "marshaling job", err)
	}

	nodePath := jobNodePath(job.Id())
	err = m.store.Create(ctx, nodePath, data, coordination.Persistent)
	switch {
	case err == nil:
		return job.Id(), nil
	case isErr(err, coordination.ErrExists):
		existing, getErr := m.GetJob(ctx, job.Id())
		if getErr != nil {
			return descriptor.JobId{}, getErr
		}
		if !existing.Equal(job) {
			// Identical JobIds imply identical command, env, image, name
			// and version, but ports are not part of the hash: the same
			// JobId submitted with different ports lands here.
			return descriptor.JobId{}, errkind.New(errkind.Conflict, "job exists with divergent config")
		}
		return job.Id(), nil
	default:
		return descriptor.JobId{}, wrapStoreErr(err, "creating job")
	}
}

// GetJob reads a single Job by id.
func (m *Master) GetJob(ctx context.Context, id descriptor.JobId) (descriptor.Job, error) {
	data, _, err := m.store.Get(ctx, jobNodePath(id))
	if err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return descriptor.Job{}, errkind.New(errkind.NotFound, "job not found: "+id.String())
		}
		return descriptor.Job{}, wrapStoreErr(err, "reading job")
	}
	var job descriptor.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return descriptor.Job{}, errkind.Wrap(errkind.Fatal, "unmarshaling job", err)
	}
	return job, nil
}

// ListJobs returns every stored Job, optionally filtered by exact name.
func (m *Master) ListJobs(ctx context.Context, nameFilter string) ([]descriptor.Job, error) {
	children, err := m.store.Children(ctx, jobsPath)
	if err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return nil, nil
		}
		return nil, wrapStoreErr(err, "listing jobs")
	}

	jobs := make([]descriptor.Job, 0, len(children))
	for _, child := range children {
		id, err := descriptor.ParseJobId(child)
		if err != nil {
			continue
		}
		job, err := m.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if nameFilter != "" && job.Name() != nameFilter {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return descriptor.CompareJobId(jobs[i].Id(), jobs[j].Id()) < 0 })
	return jobs, nil
}

// RemoveJob deletes a Job, refusing if it is still deployed anywhere.
func (m *Master) RemoveJob(ctx context.Context, id descriptor.JobId) error {
	refChildren, err := m.store.Children(ctx, path.Join(jobRefsPath, id.String()))
	if err != nil && !isErr(err, coordination.ErrNotFound) {
		return wrapStoreErr(err, "checking job refs")
	}
	if len(refChildren) > 0 {
		return errkind.New(errkind.Conflict, "job still deployed on: "+strings.Join(refChildren, ", "))
	}

	if err := m.store.Delete(ctx, jobNodePath(id), -1); err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return errkind.New(errkind.NotFound, "job not found: "+id.String())
		}
		return wrapStoreErr(err, "removing job")
	}
	return nil
}

// Deploy creates a Deployment for (id, host) with the given goal, as a
// single transaction: assert job exists, assert deployment absent, write
// deployment and a jobref marker.
func (m *Master) Deploy(ctx context.Context, id descriptor.JobId, host string, goal descriptor.Goal) error {
	if m.cfg.StrictHosts {
		// Keyed off the persistent info node, not the ephemeral up node:
		// StrictHosts is meant to reject a host that has never registered,
		// not one that registered before and is only momentarily DOWN.
		if _, _, err := m.store.Get(ctx, hostInfoPath(host)); err != nil {
			if isErr(err, coordination.ErrNotFound) {
				return errkind.New(errkind.NotFound, "host not registered: "+host)
			}
			return wrapStoreErr(err, "checking host registration")
		}
	}

	deployment, err := descriptor.NewDeployment(id, host, goal)
	if err != nil {
		return err
	}
	data, err := json.Marshal(deployment)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshaling deployment", err)
	}

	depPath := deploymentPath(host, id)
	if err := coordination.EnsurePath(ctx, m.store, depPath); err != nil {
		return wrapStoreErr(err, "preparing host config path")
	}
	if err := coordination.EnsurePath(ctx, m.store, jobRefPath(id, host)); err != nil {
		return wrapStoreErr(err, "preparing jobref path")
	}

	err = m.store.Transaction(ctx, []coordination.Op{
		coordination.AssertExists(jobNodePath(id)),
		coordination.AssertAbsent(depPath),
		coordination.CreateOp(depPath, data, coordination.Persistent),
		coordination.CreateOp(jobRefPath(id, host), nil, coordination.Persistent),
	})
	if err != nil {
		switch {
		case isErr(err, coordination.ErrNotFound):
			return errkind.New(errkind.NotFound, "job not found: "+id.String())
		case isErr(err, coordination.ErrExists):
			return errkind.New(errkind.Conflict, "already deployed: "+id.String()+" on "+host)
		default:
			return wrapStoreErr(err, "deploying job")
		}
	}
	return nil
}

// SetGoal updates an existing Deployment's goal in place.
func (m *Master) SetGoal(ctx context.Context, id descriptor.JobId, host string, goal descriptor.Goal) error {
	depPath := deploymentPath(host, id)
	deployment, err := descriptor.NewDeployment(id, host, goal)
	if err != nil {
		return err
	}
	data, err := json.Marshal(deployment)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshaling deployment", err)
	}

	if _, err := m.store.Set(ctx, depPath, data); err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return errkind.New(errkind.NotFound, "deployment not found: "+id.String()+" on "+host)
		}
		return wrapStoreErr(err, "setting goal")
	}
	return nil
}

// Undeploy removes a Deployment and its jobref marker.
func (m *Master) Undeploy(ctx context.Context, id descriptor.JobId, host string) error {
	depPath := deploymentPath(host, id)
	err := m.store.Transaction(ctx, []coordination.Op{
		coordination.AssertExists(depPath),
		coordination.DeleteOp(depPath, -1),
		coordination.DeleteOp(jobRefPath(id, host), -1),
	})
	if err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return errkind.New(errkind.NotFound, "deployment not found: "+id.String()+" on "+host)
		}
		return wrapStoreErr(err, "undeploying job")
	}
	return nil
}

// HostStatus aggregates a host's up/down state, agent info and per-job
// task status.
func (m *Master) HostStatus(ctx context.Context, host string) (descriptor.HostStatus, error) {
	status := descriptor.HostStatus{
		Jobs:     map[string]descriptor.Deployment{},
		Statuses: map[string]descriptor.TaskStatus{},
	}

	_, _, err := m.store.Get(ctx, hostUpPath(host))
	switch {
	case err == nil:
		status.Status = descriptor.Up
	case isErr(err, coordination.ErrNotFound):
		status.Status = descriptor.Down
	default:
		return descriptor.HostStatus{}, wrapStoreErr(err, "checking host up node")
	}

	if infoData, _, err := m.store.Get(ctx, hostInfoPath(host)); err == nil {
		var info descriptor.HostInfo
		if jsonErr := json.Unmarshal(infoData, &info); jsonErr == nil {
			status.Info = &info
		}
	} else if !isErr(err, coordination.ErrNotFound) {
		return descriptor.HostStatus{}, wrapStoreErr(err, "reading host info")
	}

	children, err := m.store.Children(ctx, path.Join(configPath, host, "jobs"))
	if err != nil && !isErr(err, coordination.ErrNotFound) {
		return descriptor.HostStatus{}, wrapStoreErr(err, "listing host deployments")
	}
	for _, child := range children {
		id, err := descriptor.ParseJobId(child)
		if err != nil {
			continue
		}
		depData, _, err := m.store.Get(ctx, deploymentPath(host, id))
		if err != nil {
			continue
		}
		var dep descriptor.Deployment
		if err := json.Unmarshal(depData, &dep); err == nil {
			status.Jobs[child] = dep
		}
		if tsData, _, err := m.store.Get(ctx, hostTaskStatusPath(host, id)); err == nil {
			var ts descriptor.TaskStatus
			if err := json.Unmarshal(tsData, &ts); err == nil {
				status.Statuses[child] = ts
			}
		}
	}

	if status.Status == descriptor.Down && status.Info == nil && len(status.Jobs) == 0 {
		// A host ListHosts reports (a child of /status/hosts) is DOWN, not
		// unknown; only a host with no status node at all is not found.
		if _, _, err := m.store.Get(ctx, path.Join(statusPath, host)); err != nil {
			if isErr(err, coordination.ErrNotFound) {
				return descriptor.HostStatus{}, errkind.New(errkind.NotFound, "host not found: "+host)
			}
			return descriptor.HostStatus{}, wrapStoreErr(err, "checking host status node")
		}
	}
	return status, nil
}

// ListHosts returns the names of every host that has ever registered
// status, aggregating children of /status/hosts.
func (m *Master) ListHosts(ctx context.Context) ([]string, error) {
	children, err := m.store.Children(ctx, statusPath)
	if err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return nil, nil
		}
		return nil, wrapStoreErr(err, "listing hosts")
	}
	sort.Strings(children)
	return children, nil
}

// JobHistory returns every TaskStatusEvent recorded for id across all
// hosts, ordered by timestamp.
func (m *Master) JobHistory(ctx context.Context, id descriptor.JobId) ([]descriptor.TaskStatusEvent, error) {
	if _, err := m.GetJob(ctx, id); err != nil {
		return nil, err
	}

	hosts, err := m.store.Children(ctx, path.Join(historyPath, id.String(), "hosts"))
	if err != nil {
		if isErr(err, coordination.ErrNotFound) {
			return nil, nil
		}
		return nil, wrapStoreErr(err, "listing history hosts")
	}

	var events []descriptor.TaskStatusEvent
	for _, host := range hosts {
		seqs, err := m.store.Children(ctx, historyEventsDir(id, host))
		if err != nil {
			continue
		}
		sort.Strings(seqs)
		if m.cfg.HistoryRetention > 0 && len(seqs) > m.cfg.HistoryRetention {
			seqs = seqs[len(seqs)-m.cfg.HistoryRetention:]
		}
		for _, seq := range seqs {
			data, _, err := m.store.Get(ctx, path.Join(historyEventsDir(id, host), seq))
			if err != nil {
				continue
			}
			var event descriptor.TaskStatusEvent
			if err := json.Unmarshal(data, &event); err == nil {
				events = append(events, event)
			}
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

// AppendHistoryEvent writes one TaskStatusEvent at the next sequence
// number for (id, host), pruning older entries beyond HistoryRetention.
// Agents do not call this directly: they are independent coordination.Store
// clients and write the same /history/jobs/<id>/hosts/<host>/events path
// themselves (see agent.statusPublisher.AppendEvent), following the same
// sequencing and retention rule. This method exists so the Master can also
// append/prune without round-tripping through an Agent, and so its
// sequencing logic can be exercised directly in tests.
func (m *Master) AppendHistoryEvent(ctx context.Context, id descriptor.JobId, host string, event descriptor.TaskStatusEvent) error {
	dir := historyEventsDir(id, host)
	seqs, err := m.store.Children(ctx, dir)
	if err != nil && !isErr(err, coordination.ErrNotFound) {
		return wrapStoreErr(err, "listing history events")
	}
	if isErr(err, coordination.ErrNotFound) {
		if ensureErr := coordination.EnsurePath(ctx, m.store, path.Join(dir, "x")); ensureErr != nil {
			return wrapStoreErr(ensureErr, "preparing history path")
		}
		if createErr := m.store.Create(ctx, dir, nil, coordination.Persistent); createErr != nil && !isErr(createErr, coordination.ErrExists) {
			return wrapStoreErr(createErr, "preparing history path")
		}
	}

	next := nextHistorySeq(seqs)
	data, err := json.Marshal(event)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshaling event", err)
	}

	seqPath := path.Join(dir, fmt.Sprintf("%020d", next))
	if err := m.store.Create(ctx, seqPath, data, coordination.Persistent); err != nil {
		return wrapStoreErr(err, "appending history event")
	}

	if m.cfg.HistoryRetention > 0 && len(seqs)+1 > m.cfg.HistoryRetention {
		sort.Strings(seqs)
		excess := len(seqs) + 1 - m.cfg.HistoryRetention
		for i := 0; i < excess && i < len(seqs); i++ {
			_ = m.store.Delete(ctx, path.Join(dir, seqs[i]), -1)
		}
	}
	return nil
}

// nextHistorySeq returns one past the highest sequence number among seqs,
// or 0 if seqs is empty. It must not be derived from len(seqs): once
// retention pruning has deleted the oldest node, the child count no
// longer tracks the highest sequence ever issued, and reusing a count as
// the next name collides with a still-existing node.
func nextHistorySeq(seqs []string) int64 {
	var max int64 = -1
	for _, seq := range seqs {
		n, err := strconv.ParseInt(seq, 10, 64)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1
}

func isErr(err error, target error) bool {
	return errors.Is(err, target)
}

func wrapStoreErr(err error, msg string) error {
	if kind, ok := errkind.KindOf(err); ok {
		return errkind.Wrap(kind, msg, err)
	}
	return errkind.Wrap(errkind.Transient, msg, err)
}
