package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMasterDefaultsWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadMaster("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 5801 {
		t.Fatalf("expected default port 5801, got %d", cfg.Server.Port)
	}
	if cfg.HistoryRetention != 30 {
		t.Fatalf("expected default history retention 30, got %d", cfg.HistoryRetention)
	}
	if !cfg.StrictHosts {
		t.Fatal("expected strict hosts to default true")
	}
}

func TestLoadMasterFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	contents := "server:\n  host: 127.0.0.1\n  port: 9000\nhistory_retention: 5\nstrict_hosts: false\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadMaster(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.HistoryRetention != 5 {
		t.Fatalf("expected history retention 5, got %d", cfg.HistoryRetention)
	}
	if cfg.StrictHosts {
		t.Fatal("expected strict hosts false from file")
	}
}

func TestLoadMasterRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	contents := "logging:\n  level: chatty\n  format: json\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMaster(path); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoadAgentRejectsBadPortRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	contents := "ports:\n  start: 100\n  end: 50\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAgent(path); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}

func TestLoadAgentDefaultPorts(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgent("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ports.Start != 20000 || cfg.Ports.End != 32768 {
		t.Fatalf("unexpected default port range %+v", cfg.Ports)
	}
}
