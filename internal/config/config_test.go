package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoad_DefaultsSurviveAPartialFile(t *testing.T) {
	path := writeTempConfig(t, "interfaces: [eth0]\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpdateIntervalMs != 1000 {
		t.Errorf("update_interval_ms = %d, want default 1000", cfg.UpdateIntervalMs)
	}
	if cfg.PacketRingCapacity != 10000 {
		t.Errorf("packet_ring_capacity = %d, want default 10000", cfg.PacketRingCapacity)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0] != "eth0" {
		t.Errorf("interfaces = %v, want [eth0]", cfg.Interfaces)
	}
}

func TestLoad_RejectsBothInterfacesAndPcapFile(t *testing.T) {
	path := writeTempConfig(t, "interfaces: [eth0]\npcap_file: trace.pcap\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected a validation error for mutually exclusive capture sources")
	}
}

func TestLoad_RejectsRelayEnabledWithoutURL(t *testing.T) {
	path := writeTempConfig(t, "relay:\n  enabled: true\n  mode: pub\n  subject: ptptrace.frames\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected a validation error for missing nats_url")
	}
}

func TestLoad_RejectsUnknownRelayMode(t *testing.T) {
	path := writeTempConfig(t, "relay:\n  enabled: true\n  mode: sideways\n  nats_url: nats://localhost\n  subject: x\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected a validation error for an unknown relay mode")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/ptptrace-config-does-not-exist.yaml")
	if err == nil {
		t.Fatalf("expected an error reading a nonexistent config file")
	}
}
