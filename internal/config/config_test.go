package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useTempDir(t *testing.T) string {
	t.Helper()
	oldDir := configDir
	dir := t.TempDir()
	SetDir(dir)
	t.Cleanup(func() { SetDir(oldDir) })
	return dir
}

func TestLoad_CreatesDefaults(t *testing.T) {
	dir := useTempDir(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.Server.HubListen != ":8765" || cfg.Server.HTTPListen != ":3000" {
		t.Errorf("unexpected listen defaults %+v", cfg.Server)
	}
	if cfg.Server.CommandTimeout != 5*time.Second {
		t.Errorf("expected 5s hub timeout, got %v", cfg.Server.CommandTimeout)
	}
	if cfg.Agent.ServerURL != DefaultServerURL || cfg.Agent.CommandTimeout != 30*time.Second {
		t.Errorf("unexpected agent defaults %+v", cfg.Agent)
	}
	if cfg.History.Driver != "none" {
		t.Errorf("expected history driver none, got %q", cfg.History.Driver)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	useTempDir(t)

	cfg := Default()
	cfg.Server.CommandTimeout = 1500 * time.Millisecond
	cfg.History.Driver = "sqlite"
	cfg.History.DSN = "file:history.db"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, _ := os.ReadFile(GetConfigPath())
	if !strings.Contains(string(data), "command_timeout: 1.5s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Server.CommandTimeout != 1500*time.Millisecond || got.History.Driver != "sqlite" || got.History.DSN != "file:history.db" {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	useTempDir(t)
	t.Setenv("TABRELAY_SERVER_HTTP_LISTEN", ":4000")
	t.Setenv("BROWSER_MCP_DAEMON_URL", "ws://hub.internal:9000")
	t.Setenv("BROWSER_MCP_ENABLE_DEBUG", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPListen != ":4000" {
		t.Errorf("expected env listen override, got %q", cfg.Server.HTTPListen)
	}
	if cfg.Agent.ServerURL != "ws://hub.internal:9000" {
		t.Errorf("expected legacy server url, got %q", cfg.Agent.ServerURL)
	}
	if !cfg.Server.Debug {
		t.Error("BROWSER_MCP_ENABLE_DEBUG=1 should enable debug")
	}
}

func TestLoadInstanceID_Persists(t *testing.T) {
	dir := useTempDir(t)

	first, err := LoadInstanceID()
	if err != nil || first == "" {
		t.Fatalf("first load: %q %v", first, err)
	}
	second, err := LoadInstanceID()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first != second {
		t.Errorf("instance id changed across loads: %s vs %s", first, second)
	}

	os.WriteFile(filepath.Join(dir, "instance_id"), []byte("  fixed-id \n"), 0600)
	if got, _ := LoadInstanceID(); got != "fixed-id" {
		t.Errorf("expected trimmed stored id, got %q", got)
	}
}
