package zkstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heliosproject/helios/internal/coordination"
)

func TestCreateGetSet(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()

	if err := s.Create(ctx, "/jobs", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, "/jobs/a", []byte("v1"), coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	data, stat, err := s.Get(ctx, "/jobs/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v1" || stat.Version != 0 {
		t.Fatalf("got data=%q stat=%+v", data, stat)
	}

	if _, err := s.Set(ctx, "/jobs/a", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	data, stat, err = s.Get(ctx, "/jobs/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" || stat.Version != 1 {
		t.Fatalf("got data=%q stat=%+v", data, stat)
	}
}

func TestCreateFailsWithoutParent(t *testing.T) {
	s := NewCluster().NewSession()
	err := s.Create(context.Background(), "/a/b", nil, coordination.Persistent)
	if !errors.Is(err, coordination.ErrNoParent) {
		t.Fatalf("expected ErrNoParent, got %v", err)
	}
}

func TestCreateFailsIfExists(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()
	if err := s.Create(ctx, "/a", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, "/a", nil, coordination.Persistent); !errors.Is(err, coordination.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestDeleteVersionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()
	if err := s.Create(ctx, "/a", []byte("v"), coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "/a", 5); !errors.Is(err, coordination.ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if err := s.Delete(ctx, "/a", -1); err != nil {
		t.Fatalf("delete with version -1 should match any version: %v", err)
	}
}

func TestChildren(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()
	if err := s.Create(ctx, "/jobs", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"/jobs/b", "/jobs/a", "/jobs/c"} {
		if err := s.Create(ctx, name, nil, coordination.Persistent); err != nil {
			t.Fatal(err)
		}
	}
	children, err := s.Children(ctx, "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(children) != len(want) {
		t.Fatalf("children = %v", children)
	}
	for i := range want {
		if children[i] != want[i] {
			t.Fatalf("children = %v, want %v", children, want)
		}
	}
}

func TestWatchDataFiresOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewCluster().NewSession()
	if err := s.Create(ctx, "/a", []byte("v"), coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	events, err := s.Watch(ctx, "/a", coordination.WatchData)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Set(ctx, "/a", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("expected an event before channel closed")
		}
		if ev.Path != "/a" || ev.Kind != coordination.WatchData {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}

	// One-shot: the channel must now be closed with no further events.
	if _, ok := <-events; ok {
		t.Fatal("expected watch channel to be closed after delivering one event")
	}
}

func TestWatchChildrenFiresOnCreate(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()
	if err := s.Create(ctx, "/jobs", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	events, err := s.Watch(ctx, "/jobs", coordination.WatchChildren)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Create(ctx, "/jobs/x", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Kind != coordination.WatchChildren {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for children watch")
	}
}

func TestTransactionAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()
	if err := s.Create(ctx, "/jobs", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	// Second op references a job that doesn't exist -> whole transaction
	// must fail and the first op's Create must not have taken effect.
	err := s.Transaction(ctx, []coordination.Op{
		coordination.CreateOp("/jobs/a", []byte("v"), coordination.Persistent),
		coordination.AssertExists("/jobs/nonexistent"),
	})
	if !errors.Is(err, coordination.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Get(ctx, "/jobs/a"); !errors.Is(err, coordination.ErrNotFound) {
		t.Fatal("transaction should not have partially applied")
	}
}

func TestTransactionDeploySucceeds(t *testing.T) {
	ctx := context.Background()
	s := NewCluster().NewSession()
	for _, p := range []string{"/jobs", "/config", "/config/hosts", "/config/hosts/h1", "/config/hosts/h1/jobs"} {
		if err := s.Create(ctx, p, nil, coordination.Persistent); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Create(ctx, "/jobs/j1", []byte("job"), coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	err := s.Transaction(ctx, []coordination.Op{
		coordination.AssertExists("/jobs/j1"),
		coordination.AssertAbsent("/config/hosts/h1/jobs/j1"),
		coordination.CreateOp("/config/hosts/h1/jobs/j1", []byte("deployment"), coordination.Persistent),
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _, err := s.Get(ctx, "/config/hosts/h1/jobs/j1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "deployment" {
		t.Fatalf("got %q", data)
	}
}

func TestRegisterEphemeralRemovedOnSessionLoss(t *testing.T) {
	cluster := NewCluster()
	s := cluster.NewSession()
	ctx := context.Background()

	if err := s.Create(ctx, "/status", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, "/status/hosts", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, "/status/hosts/h1", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	lost, err := s.RegisterEphemeral(ctx, "/status/hosts/h1/up", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Get(ctx, "/status/hosts/h1/up"); err != nil {
		t.Fatalf("expected up node to exist: %v", err)
	}

	cluster.KillSession(s.sessionID)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected lost channel to close")
	}

	// A different, still-alive session observes the node is gone.
	observer := cluster.NewSession()
	if _, _, err := observer.Get(ctx, "/status/hosts/h1/up"); !errors.Is(err, coordination.ErrNotFound) {
		t.Fatalf("expected up node removed after session loss, got %v", err)
	}
}

func TestRegisterEphemeralRemovedOnContextCancel(t *testing.T) {
	cluster := NewCluster()
	s := cluster.NewSession()
	bg := context.Background()
	if err := s.Create(bg, "/status", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(bg)
	if _, err := s.RegisterEphemeral(ctx, "/status/up", nil); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := s.Get(bg, "/status/up"); errors.Is(err, coordination.ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected ephemeral node removed after context cancellation")
}

func TestOperationsFailAfterSessionLoss(t *testing.T) {
	cluster := NewCluster()
	s := cluster.NewSession()
	cluster.KillSession(s.sessionID)

	if err := s.Create(context.Background(), "/a", nil, coordination.Persistent); !errors.Is(err, coordination.ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
}
