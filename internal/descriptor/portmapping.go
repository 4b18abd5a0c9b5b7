package descriptor

import "github.com/heliosproject/helios/internal/errkind"

// Protocol is the transport protocol a PortMapping exposes.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// PortMapping associates a job-local port name with an internal (container)
// port and an optional fixed external port. When ExternalPort is nil the
// Agent assigns one dynamically from its configured range at deploy time.
type PortMapping struct {
	InternalPort int      `json:"internal_port"`
	ExternalPort *int     `json:"external_port,omitempty"`
	Protocol     Protocol `json:"protocol"`
}

// NewPortMapping builds a PortMapping with a dynamically assigned external
// port and tcp protocol, the common case.
func NewPortMapping(internalPort int) PortMapping {
	return PortMapping{InternalPort: internalPort, Protocol: TCP}
}

// WithExternalPort returns a copy of p with a fixed external port.
func (p PortMapping) WithExternalPort(port int) PortMapping {
	p.ExternalPort = &port
	return p
}

// WithProtocol returns a copy of p using the given protocol.
func (p PortMapping) WithProtocol(proto Protocol) PortMapping {
	p.Protocol = proto
	return p
}

// Validate checks the invariants spec section 3 places on PortMapping.
func (p PortMapping) Validate() error {
	if p.InternalPort < 1 || p.InternalPort > 65535 {
		return errkind.New(errkind.Validation, "internal_port out of range")
	}
	if p.ExternalPort != nil && (*p.ExternalPort < 1 || *p.ExternalPort > 65535) {
		return errkind.New(errkind.Validation, "external_port out of range")
	}
	switch p.Protocol {
	case TCP, UDP:
	default:
		return errkind.New(errkind.Validation, "protocol must be tcp or udp")
	}
	return nil
}
