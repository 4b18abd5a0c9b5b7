package agent

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination/zkstore"
	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/discovery"
	"github.com/heliosproject/helios/internal/master"
	"github.com/heliosproject/helios/internal/runtime/fakeruntime"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestSupervisorMultiPortDeployReachesRunning is scenario S3 from spec
// section 8: a job with a fixed external port and a dynamically assigned
// one deploys, and within bounded time HostStatus is UP and TaskStatus is
// RUNNING with the fixed port reserved and the dynamic one pulled from
// the agent's configured range.
func TestSupervisorMultiPortDeployReachesRunning(t *testing.T) {
	cluster := zkstore.NewCluster()
	masterStore := cluster.NewSession()
	agentStore := cluster.NewSession()

	mcfg := config.DefaultMasterConfig()
	m := master.New(masterStore, mcfg, testLog())
	ctx := context.Background()
	if err := m.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	fixed := 9000
	ports := map[string]descriptor.PortMapping{
		"foo": descriptor.NewPortMapping(4711),
		"bar": descriptor.NewPortMapping(22).WithExternalPort(fixed),
	}
	id, err := m.CreateJob(ctx, "multiport", "1", "busybox", []string{"/bin/sleep", "100"}, nil, ports, "")
	if err != nil {
		t.Fatal(err)
	}

	acfg := config.DefaultAgentConfig()
	acfg.Ports.Start = 20000
	acfg.Ports.End = 20010
	rt := fakeruntime.New()
	job, err := m.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	rt.SeedImage(job.Image())

	sup := New("h1", agentStore, rt, acfg, discovery.NoopRegistrar{}, testLog())
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sup.Run(runCtx)

	waitFor(t, time.Second, func() bool {
		status, err := m.HostStatus(ctx, "h1")
		return err == nil && status.Status == descriptor.Up
	})

	if err := m.Deploy(ctx, id, "h1", descriptor.Start); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		status, err := m.HostStatus(ctx, "h1")
		if err != nil {
			return false
		}
		ts, ok := status.Statuses[id.String()]
		return ok && ts.State == descriptor.Running
	})

	status, err := m.HostStatus(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	ts := status.Statuses[id.String()]
	bar := ts.Ports["bar"]
	if bar.ExternalPort == nil || *bar.ExternalPort != fixed {
		t.Fatalf("expected fixed external port %d preserved, got %+v", fixed, bar)
	}
	foo := ts.Ports["foo"]
	if foo.ExternalPort == nil || *foo.ExternalPort < acfg.Ports.Start || *foo.ExternalPort >= acfg.Ports.End {
		t.Fatalf("expected foo assigned a port from [%d, %d), got %+v", acfg.Ports.Start, acfg.Ports.End, foo)
	}
	if *foo.ExternalPort == fixed {
		t.Fatalf("dynamically assigned port must not collide with the fixed external port %d", fixed)
	}
}

// TestSupervisorSessionLossTransitionsHostDown is scenario S6: killing an
// agent's session removes the ephemeral up node, and HostStatus observed
// through the Master flips to DOWN.
func TestSupervisorSessionLossTransitionsHostDown(t *testing.T) {
	cluster := zkstore.NewCluster()
	masterStore := cluster.NewSession()
	agentSession := cluster.NewSession()

	mcfg := config.DefaultMasterConfig()
	m := master.New(masterStore, mcfg, testLog())
	ctx := context.Background()
	if err := m.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	acfg := config.DefaultAgentConfig()
	rt := fakeruntime.New()
	sup := New("h2", agentSession, rt, acfg, discovery.NoopRegistrar{}, testLog())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sup.Run(runCtx)

	waitFor(t, time.Second, func() bool {
		status, err := m.HostStatus(ctx, "h2")
		return err == nil && status.Status == descriptor.Up
	})

	agentSession.Kill()

	waitFor(t, 2*time.Second, func() bool {
		status, err := m.HostStatus(ctx, "h2")
		return err == nil && status.Status == descriptor.Down
	})
}
