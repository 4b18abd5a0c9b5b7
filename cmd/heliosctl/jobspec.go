package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/heliosproject/helios/internal/descriptor"
)

// jobSpecFile is the on-disk shape heliosctl create-job reads, following
// ORCA's spec-file-to-API-request pattern (cmd/orcacli's ContainerSpec
// files) but in YAML, per spec section 2's ambient-stack note on
// operator-facing job specs.
type jobSpecFile struct {
	Name    string                    `yaml:"name"`
	Version string                    `yaml:"version"`
	Image   string                    `yaml:"image"`
	Command []string                  `yaml:"command,omitempty"`
	Env     map[string]string         `yaml:"env,omitempty"`
	Ports   map[string]portSpec       `yaml:"ports,omitempty"`
}

type portSpec struct {
	InternalPort int    `yaml:"internal_port"`
	ExternalPort *int   `yaml:"external_port,omitempty"`
	Protocol     string `yaml:"protocol,omitempty"`
}

func loadJobSpec(path string) (jobSpecFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jobSpecFile{}, fmt.Errorf("reading job spec %s: %w", path, err)
	}
	var spec jobSpecFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return jobSpecFile{}, fmt.Errorf("parsing job spec %s: %w", path, err)
	}
	return spec, nil
}

func (s jobSpecFile) toPortMappings() map[string]descriptor.PortMapping {
	if len(s.Ports) == 0 {
		return nil
	}
	out := make(map[string]descriptor.PortMapping, len(s.Ports))
	for name, p := range s.Ports {
		mapping := descriptor.NewPortMapping(p.InternalPort)
		if p.ExternalPort != nil {
			mapping = mapping.WithExternalPort(*p.ExternalPort)
		}
		if p.Protocol == string(descriptor.UDP) {
			mapping = mapping.WithProtocol(descriptor.UDP)
		}
		out[name] = mapping
	}
	return out
}
