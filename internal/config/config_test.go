package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "instance: mta-1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Instance != "mta-1" {
		t.Errorf("instance = %q", cfg.Instance)
	}
	if cfg.Blob.Backend != "gridfs" {
		t.Errorf("blob backend = %q", cfg.Blob.Backend)
	}
	if cfg.Queue.LockTTL != time.Hour {
		t.Errorf("lock ttl = %v", cfg.Queue.LockTTL)
	}
	if cfg.Mongo.Database != "outpost" {
		t.Errorf("mongo database = %q", cfg.Mongo.Database)
	}
}

func TestLoad_ZonesAndOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
instance: mta-1
default_zone: bulk
zones:
  bulk:
    processes: 2
    connections: 10
    pool:
      - address: 198.51.100.10
        name: mx1.example.org
    sender_domains: [newsletter.example.org]
    prefer_ipv6: true
domain_defaults:
  max_connections: 5
domains:
  gmail.com:
    max_connections: 2
dns:
  deny: ["10.0.0.0/8"]
queue:
  max_queue_time: 720h
`))
	if err != nil {
		t.Fatal(err)
	}

	set, err := cfg.ZoneSet()
	if err != nil {
		t.Fatal(err)
	}
	zone, ok := set.Zone("bulk")
	if !ok {
		t.Fatal("bulk zone missing")
	}
	if zone.Processes != 2 || zone.Connections != 10 || !zone.PreferIPv6 {
		t.Errorf("zone: %+v", zone)
	}
	if set.Default() != "bulk" {
		t.Errorf("default zone = %q", set.Default())
	}
	if set.BySender("newsletter.example.org") != "bulk" {
		t.Error("sender routing not applied")
	}
	if set.DomainConfig("gmail.com").MaxConnections != 2 {
		t.Errorf("override: %+v", set.DomainConfig("gmail.com"))
	}

	nets, err := cfg.DNS.DenyNets()
	if err != nil {
		t.Fatal(err)
	}
	if len(nets) != 1 || nets[0].String() != "10.0.0.0/8" {
		t.Errorf("deny nets: %v", nets)
	}
	if cfg.Queue.MaxQueueTime != 720*time.Hour {
		t.Errorf("max queue time = %v", cfg.Queue.MaxQueueTime)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Blob.Backend != "gridfs" {
		t.Errorf("blob backend = %q", cfg.Blob.Backend)
	}
}

func TestLoad_Rejections(t *testing.T) {
	if _, err := Load(writeConfig(t, "blob:\n  backend: tape\n")); err == nil {
		t.Error("unknown blob backend accepted")
	}
	if _, err := Load(writeConfig(t, "dns:\n  deny: [\"not-a-cidr\"]\n")); err == nil {
		t.Error("bad deny range accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config file accepted")
	}
}
