package master

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination"
	"github.com/heliosproject/helios/internal/coordination/zkstore"
	"github.com/heliosproject/helios/internal/descriptor"
)

func testMaster(t *testing.T) (*Master, coordination.Store) {
	t.Helper()
	store := zkstore.NewCluster().NewSession()
	cfg := config.DefaultMasterConfig()
	log := logrus.New()
	m := New(store, cfg, log.WithField("test", true))
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m, store
}

func registerHost(t *testing.T, store coordination.Store, host string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, "/status/hosts/"+host, nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, "/status/hosts/"+host+"/up", nil, coordination.Ephemeral); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, "/status/hosts/"+host+"/info", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, "/config/hosts/"+host, nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, "/config/hosts/"+host+"/jobs", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
}

func TestJobHistoryTrail(t *testing.T) {
	m, store := testMaster(t)
	ctx := context.Background()
	registerHost(t, store, "h1")

	id, err := m.CreateJob(ctx, "truejob", "1", "busybox", []string{"/bin/true"}, nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deploy(ctx, id, "h1", descriptor.Start); err != nil {
		t.Fatal(err)
	}

	job, err := m.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Unix(1700000000, 0)
	seq := []descriptor.TaskState{descriptor.Creating, descriptor.Starting, descriptor.Running, descriptor.Exited}
	for i, state := range seq {
		cid := "c1"
		status := descriptor.TaskStatus{Job: job, State: state}
		if state == descriptor.Starting || state == descriptor.Running || state == descriptor.Exited {
			status.ContainerId = &cid
		}
		event := descriptor.TaskStatusEvent{Status: status, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := m.AppendHistoryEvent(ctx, id, "h1", event); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Undeploy(ctx, id, "h1"); err != nil {
		t.Fatal(err)
	}

	events, err := m.JobHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	gotStates := make([]descriptor.TaskState, len(events))
	for i, e := range events {
		gotStates[i] = e.Status.State
	}
	want := []descriptor.TaskState{descriptor.Creating, descriptor.Starting, descriptor.Running, descriptor.Exited}
	for i := range want {
		if gotStates[i] != want[i] {
			t.Fatalf("event %d: got %v, want %v (full: %v)", i, gotStates[i], want[i], gotStates)
		}
	}

	if events[0].Status.ContainerId != nil {
		t.Fatal("CREATING event should have nil containerId")
	}
	if events[1].Status.ContainerId == nil {
		t.Fatal("STARTING event should have non-nil containerId")
	}
}

func TestJobHistoryRetentionPrunesOldest(t *testing.T) {
	m, store := testMaster(t)
	ctx := context.Background()
	registerHost(t, store, "h1")
	m.cfg.HistoryRetention = 2

	id, err := m.CreateJob(ctx, "retain", "1", "busybox", nil, nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	job, _ := m.GetJob(ctx, id)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		event := descriptor.TaskStatusEvent{
			Status:    descriptor.TaskStatus{Job: job, State: descriptor.Running},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := m.AppendHistoryEvent(ctx, id, "h1", event); err != nil {
			t.Fatal(err)
		}
	}

	events, err := m.JobHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected retention to prune to 2 events, got %d", len(events))
	}
	if !events[1].Timestamp.After(events[0].Timestamp) {
		t.Fatal("expected remaining events to be the most recent, in order")
	}
}

func TestCreateJobIsIdempotentForIdenticalConfig(t *testing.T) {
	m, _ := testMaster(t)
	ctx := context.Background()

	id1, err := m.CreateJob(ctx, "idem", "1", "busybox", []string{"a"}, map[string]string{"K": "V"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.CreateJob(ctx, "idem", "1", "busybox", []string{"a"}, map[string]string{"K": "V"}, nil, "")
	if err != nil {
		t.Fatalf("expected idempotent re-create to succeed, got %v", err)
	}
	if id1.String() != id2.String() {
		t.Fatalf("expected identical JobIds, got %s and %s", id1, id2)
	}
}

func TestDeployRequiresExistingJob(t *testing.T) {
	m, store := testMaster(t)
	ctx := context.Background()
	registerHost(t, store, "h1")

	fakeID := descriptor.MustParseJobId("ghost:1:0000000000000000000000000000000000000000")
	err := m.Deploy(ctx, fakeID, "h1", descriptor.Start)
	if err == nil {
		t.Fatal("expected error deploying nonexistent job")
	}
}

func TestDeployStrictRejectsUnregisteredHost(t *testing.T) {
	m, _ := testMaster(t)
	ctx := context.Background()

	id, err := m.CreateJob(ctx, "strict", "1", "busybox", nil, nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deploy(ctx, id, "nosuchhost", descriptor.Start); err == nil {
		t.Fatal("expected strict host check to reject unregistered host")
	}
}

func TestRemoveJobRejectsWhileDeployed(t *testing.T) {
	m, store := testMaster(t)
	ctx := context.Background()
	registerHost(t, store, "h1")

	id, err := m.CreateJob(ctx, "pinned", "1", "busybox", nil, nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deploy(ctx, id, "h1", descriptor.Start); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveJob(ctx, id); err == nil {
		t.Fatal("expected RemoveJob to fail while deployed")
	}
	if err := m.Undeploy(ctx, id, "h1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveJob(ctx, id); err != nil {
		t.Fatalf("expected RemoveJob to succeed after undeploy: %v", err)
	}
}
