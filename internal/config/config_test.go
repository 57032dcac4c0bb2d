package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.SessionTTL.Duration != 30*time.Minute {
		t.Fatalf("unexpected session ttl %v", cfg.SessionTTL.Duration)
	}
	if cfg.Mirror.Kind != "memory" || cfg.Blobs.Kind != "memory" {
		t.Fatalf("unexpected storage kinds: %q %q", cfg.Mirror.Kind, cfg.Blobs.Kind)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
listen_addr = ":9090"
store_dsn = "postgres://localhost/evidence"
session_ttl = "15m"

[mirror]
kind = "minio"
endpoint = "minio.local:9000"
bucket = "mirror"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr not loaded: %q", cfg.ListenAddr)
	}
	if cfg.StoreDSN != "postgres://localhost/evidence" {
		t.Fatalf("store dsn not loaded: %q", cfg.StoreDSN)
	}
	if cfg.SessionTTL.Duration != 15*time.Minute {
		t.Fatalf("session ttl not loaded: %v", cfg.SessionTTL.Duration)
	}
	if cfg.Mirror.Kind != "minio" || cfg.Mirror.Bucket != "mirror" {
		t.Fatalf("mirror section not loaded: %+v", cfg.Mirror)
	}
	// Untouched values keep their defaults.
	if cfg.CallbackMaxSkew.Duration != 2*time.Minute {
		t.Fatalf("default lost on partial load: %v", cfg.CallbackMaxSkew.Duration)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("listen_addr = \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("EVIDENCESYNC_LISTEN_ADDR", ":7070")
	t.Setenv("EVIDENCESYNC_SYNC_DEBOUNCE", "5s")
	t.Setenv("EVIDENCESYNC_MIRROR_KIND", "minio")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("env did not win over file: %q", cfg.ListenAddr)
	}
	if cfg.SyncDebounce.Duration != 5*time.Second {
		t.Fatalf("duration env not applied: %v", cfg.SyncDebounce.Duration)
	}
	if cfg.Mirror.Kind != "minio" {
		t.Fatalf("nested env not applied: %q", cfg.Mirror.Kind)
	}
}

func TestMalformedFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("listen_addr = [broken"), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected malformed config to error")
	}
}
