package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("ENGINE_WORKERS", "3")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.Workers != 3 {
		t.Fatalf("env must override engine.workers, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.SubmitDeadline != 60*time.Second || cfg.Engine.MaxAttempts != 5 {
		t.Fatalf("unexpected engine defaults %+v", cfg.Engine)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite by default, got %q", cfg.Database.Driver)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
server:
  port: 9000
database:
  driver: pgx
  url: postgres://gate@localhost/gate
engine:
  workers: 4
  attempt_timeout: 2s
  submit_deadline: 30s
settlement:
  wallets:
    agent-001: "0x1111111111111111111111111111111111111111"
`)
	if err := os.MkdirAll(filepath.Join(dir, "configs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), body, 0o600); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Database.Driver != "pgx" || cfg.Engine.Workers != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Engine.AttemptTimeout != 2*time.Second {
		t.Fatalf("expected 2s attempt timeout, got %s", cfg.Engine.AttemptTimeout)
	}
	if cfg.Settlement.Wallets["agent-001"] == "" {
		t.Fatal("wallet map not decoded")
	}
}

func TestValidateRejectsAttemptLongerThanDeadline(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{Driver: "sqlite"},
		Engine:   EngineConfig{Workers: 1, AttemptTimeout: time.Minute, SubmitDeadline: time.Second},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("console logger: %v", err)
	}
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
