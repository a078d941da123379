package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("PANEL_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PANEL_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want a config loading error", err)
	}
}

// TestRun_MissingDatabasePath verifies run fails validation when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	t.Setenv("PANEL_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PANEL_CONFIG", writeConfig(t, `
database:
  path: ""
logging:
  level: error
  format: text
`))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "database.path is required") {
		t.Errorf("run() error = %v, want database.path validation error", err)
	}
}

// TestRun_BrokerDownIsNotFatal starts against a closed port and shuts down cleanly.
func TestRun_BrokerDownIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PANEL_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("PANEL_CONFIG", writeConfig(t, `
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
  connect_timeout: 1
database:
  path: "`+filepath.Join(dir, "panel.db")+`"
api:
  enabled: false
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want clean shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if _, err := os.Stat(filepath.Join(dir, "panel.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PANEL_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("PANEL_CONFIG", "/etc/panel/config.yaml")
	if got := getConfigPath(); got != "/etc/panel/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", got)
	}
}

func TestGetEnvPath(t *testing.T) {
	t.Setenv("PANEL_ENV_FILE", "")
	if got := getEnvPath(); got != defaultEnvPath {
		t.Errorf("getEnvPath() = %q, want %q", got, defaultEnvPath)
	}

	t.Setenv("PANEL_ENV_FILE", "/run/panel.env")
	if got := getEnvPath(); got != "/run/panel.env" {
		t.Errorf("getEnvPath() = %q, want override", got)
	}
}
