package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("SESSION_TTL_SECONDS", "")
	t.Setenv("TRACKER_RATE_PER_SECOND", "")

	cfg := Load()
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("SessionTTL = %v, want 24h", cfg.SessionTTL)
	}
	if cfg.TrackerRate != 5 {
		t.Fatalf("TrackerRate = %v, want 5", cfg.TrackerRate)
	}
	if cfg.Production() {
		t.Fatal("expected development env by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "hook-secret")
	t.Setenv("SUBSCRIBER_BUFFER", "8")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("SESSION_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.WebhookSecret != "hook-secret" {
		t.Fatalf("WebhookSecret = %q", cfg.WebhookSecret)
	}
	if cfg.SubscriberBuffer != 8 {
		t.Fatalf("SubscriberBuffer = %d, want 8", cfg.SubscriberBuffer)
	}
	if !cfg.LogJSON {
		t.Fatal("expected LogJSON true")
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("invalid int should fall back, got %v", cfg.SessionTTL)
	}
}

func TestLoadRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if cfg := Load(); cfg.RedisURL != "" {
		t.Fatalf("empty REDIS_URL should select postgres sessions, got %q", cfg.RedisURL)
	}

	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	if cfg := Load(); cfg.RedisURL != "redis://cache:6379/2" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}

	os.Unsetenv("REDIS_URL")
	if cfg := Load(); cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unset REDIS_URL should use the default, got %q", cfg.RedisURL)
	}
}

func TestLoadFileOverlaysEnvironment(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "from-env")
	t.Setenv("GITLAB_PROJECT_ID", "")

	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
project_id = "31337"
webhook_secret = "from-file"
session_ttl_seconds = 60
env = "production"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ProjectID != "31337" || cfg.WebhookSecret != "from-file" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.GitLabToken != "from-env" {
		t.Fatalf("env value lost: GitLabToken = %q", cfg.GitLabToken)
	}
	if cfg.SessionTTL != time.Minute {
		t.Fatalf("SessionTTL = %v, want 1m", cfg.SessionTTL)
	}
	if !cfg.Production() {
		t.Fatal("expected production env from file")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteExampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteExample(path); err != nil {
		t.Fatalf("WriteExample() error = %v", err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("example config should parse: %v", err)
	}
	if err := WriteExample(path); err == nil {
		t.Fatal("expected second WriteExample to fail")
	}
}
