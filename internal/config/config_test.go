package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Username = "alice"
	cfg.BootstrapPeers = []string{"10.0.0.1:40000"}
	cfg.HeartbeatInterval = 45 * time.Second

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Username != "alice" {
		t.Fatalf("expected username alice, got %s", loaded.Username)
	}
	if len(loaded.BootstrapPeers) != 1 || loaded.BootstrapPeers[0] != "10.0.0.1:40000" {
		t.Fatalf("unexpected bootstrap peers: %v", loaded.BootstrapPeers)
	}
	if loaded.HeartbeatInterval != 45*time.Second {
		t.Fatalf("expected heartbeat interval 45s, got %v", loaded.HeartbeatInterval)
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != "127.0.0.1:0" {
		t.Fatalf("unexpected default listen addr: %s", cfg.ListenAddr)
	}
	if !cfg.EnableTLS {
		t.Fatal("expected TLS enabled by default")
	}
	if cfg.MaxConnections != 50 {
		t.Fatalf("expected default max connections 50, got %d", cfg.MaxConnections)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error loading missing config file")
	}
}
