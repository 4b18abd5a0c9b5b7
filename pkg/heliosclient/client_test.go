package heliosclient

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination"
	"github.com/heliosproject/helios/internal/coordination/zkstore"
	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/master"
)

func testServer(t *testing.T) (*httptest.Server, coordination.Store) {
	t.Helper()
	cluster := zkstore.NewCluster()
	store := cluster.NewSession()
	cfg := config.DefaultMasterConfig()
	log := logrus.New()
	m := master.New(store, cfg, log.WithField("test", true))
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	return httptest.NewServer(master.NewServer(m, log.WithField("test", true)).Router()), cluster.NewSession()
}

func TestClientCreateAndGetJobRoundTrips(t *testing.T) {
	srv, _ := testServer(t)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	id, err := c.CreateJob(ctx, "clientjob", "1", "busybox", []string{"/bin/true"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	job, err := c.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Name() != "clientjob" || job.Version() != "1" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestClientListHostsAndHostStatus(t *testing.T) {
	srv, store := testServer(t)
	defer srv.Close()

	ctx := context.Background()
	if err := store.Create(ctx, "/status/hosts/h1", nil, coordination.Persistent); err != nil {
		t.Fatal(err)
	}

	c := New(srv.URL)
	hosts, err := c.ListHosts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, h := range hosts {
		if h == "h1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected h1 in %v", hosts)
	}

	status, err := c.HostStatus(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != descriptor.Down {
		t.Fatalf("expected DOWN with no ephemeral up node, got %v", status.Status)
	}
}

func TestClientHealthy(t *testing.T) {
	srv, _ := testServer(t)
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Healthy(context.Background()); err != nil {
		t.Fatal(err)
	}
}
