// Package discovery registers a running task's named ports with Consul
// for service discovery, per spec section 6. Registration is best-effort:
// a Consul outage or misconfiguration must never block a task from
// reaching RUNNING.
package discovery

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/sirupsen/logrus"
)

// Registration describes one named port to advertise.
type Registration struct {
	ServiceID   string
	ServiceName string
	Address     string
	Port        int
	Tags        []string
}

// Registrar advertises and withdraws task port registrations. Agents hold
// one Registrar per configured Consul endpoint; a NoopRegistrar is used
// when Consul integration is disabled.
type Registrar interface {
	Register(reg Registration) error
	Deregister(serviceID string) error
}

// NoopRegistrar implements Registrar with no-ops, used when
// AgentConfig.Consul.Enabled is false.
type NoopRegistrar struct{}

func (NoopRegistrar) Register(Registration) error    { return nil }
func (NoopRegistrar) Deregister(serviceID string) error { return nil }

// ConsulRegistrar registers ports with a Consul agent over its local HTTP
// API.
type ConsulRegistrar struct {
	api *consulapi.Client
	log *logrus.Entry
}

var _ Registrar = (*ConsulRegistrar)(nil)
var _ Registrar = NoopRegistrar{}

// NewConsulRegistrar dials the Consul agent at addr (e.g. "127.0.0.1:8500").
func NewConsulRegistrar(addr string, log *logrus.Logger) (*ConsulRegistrar, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	return &ConsulRegistrar{api: client, log: log.WithField("component", "discovery")}, nil
}

// Register advertises reg with Consul's agent-local service catalog.
// Failures are logged and returned, but callers (the task supervisor)
// must treat them as non-fatal per spec section 6.
func (c *ConsulRegistrar) Register(reg Registration) error {
	err := c.api.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      reg.ServiceID,
		Name:    reg.ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
	})
	if err != nil {
		c.log.WithError(err).WithField("service", reg.ServiceName).Warn("consul registration failed")
		return fmt.Errorf("registering service %s: %w", reg.ServiceName, err)
	}
	return nil
}

// Deregister withdraws a previously registered service ID.
func (c *ConsulRegistrar) Deregister(serviceID string) error {
	if err := c.api.Agent().ServiceDeregister(serviceID); err != nil {
		c.log.WithError(err).WithField("service_id", serviceID).Warn("consul deregistration failed")
		return fmt.Errorf("deregistering service %s: %w", serviceID, err)
	}
	return nil
}
