package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJobSpecParsesPortsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	contents := `
name: web
version: "3"
image: nginx:latest
command: ["nginx", "-g", "daemon off;"]
env:
  LOG_LEVEL: debug
ports:
  http:
    internal_port: 80
  admin:
    internal_port: 9000
    external_port: 9000
    protocol: udp
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	spec, err := loadJobSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "web" || spec.Version != "3" || spec.Image != "nginx:latest" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.Env["LOG_LEVEL"] != "debug" {
		t.Fatalf("expected env LOG_LEVEL=debug, got %+v", spec.Env)
	}

	ports := spec.toPortMappings()
	http, ok := ports["http"]
	if !ok || http.InternalPort != 80 || http.ExternalPort != nil {
		t.Fatalf("unexpected http port mapping: %+v", http)
	}
	admin, ok := ports["admin"]
	if !ok || admin.InternalPort != 9000 || admin.ExternalPort == nil || *admin.ExternalPort != 9000 {
		t.Fatalf("unexpected admin port mapping: %+v", admin)
	}
	if admin.Protocol != "udp" {
		t.Fatalf("expected udp protocol, got %v", admin.Protocol)
	}
}

func TestLoadJobSpecMissingFile(t *testing.T) {
	if _, err := loadJobSpec(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
