package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:6666" {
		t.Errorf("Listen = %q, want %q", c.Server.Listen, "0.0.0.0:6666")
	}
	if c.Server.MaxConns != 1000 {
		t.Errorf("MaxConns = %d, want 1000", c.Server.MaxConns)
	}
	if c.ReadTimeout() != 60*time.Second {
		t.Errorf("ReadTimeout() = %v, want 60s", c.ReadTimeout())
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	contents := "server:\n  listen: \"127.0.0.1:9999\"\n  max_conns: 42\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:9999" {
		t.Errorf("Listen = %q, want %q", c.Server.Listen, "127.0.0.1:9999")
	}
	if c.Server.MaxConns != 42 {
		t.Errorf("MaxConns = %d, want 42", c.Server.MaxConns)
	}
	// Fields not present in the overlay keep their defaults.
	if c.Server.IdleTimeoutSeconds != 120 {
		t.Errorf("IdleTimeoutSeconds = %d, want 120", c.Server.IdleTimeoutSeconds)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:6666" {
		t.Errorf("Listen = %q, want default", c.Server.Listen)
	}
}
