package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Lock.Timeout != 30*time.Second {
		t.Errorf("expected 30s lock timeout, got %s", cfg.Lock.Timeout)
	}
	if cfg.Snapshots.RetentionLimit != 10 {
		t.Errorf("expected retention 10, got %d", cfg.Snapshots.RetentionLimit)
	}
	if cfg.Server.Addr != "127.0.0.1:8765" {
		t.Errorf("unexpected addr %s", cfg.Server.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_NotExists(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lock.PollInterval != 500*time.Millisecond {
		t.Errorf("expected default poll interval, got %s", cfg.Lock.PollInterval)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	home := t.TempDir()
	content := `
lock:
  timeout: 45s
snapshots:
  retention_limit: 3
logging:
  format: text
`
	if err := os.WriteFile(filepath.Join(home, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lock.Timeout != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Lock.Timeout)
	}
	if cfg.Lock.WaitTimeout != 60*time.Second {
		t.Errorf("wait timeout default lost: %s", cfg.Lock.WaitTimeout)
	}
	if cfg.Snapshots.RetentionLimit != 3 {
		t.Errorf("expected retention 3, got %d", cfg.Snapshots.RetentionLimit)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, FileName), []byte("lock: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	home := t.TempDir()
	content := "snapshots:\n  retention_limit: 0\nlogging:\n  level: loud\n"
	if err := os.WriteFile(filepath.Join(home, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(home)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"retention_limit", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_Webhooks(t *testing.T) {
	home := t.TempDir()
	content := "webhooks:\n  hooks:\n    - url: https://hooks.example.com/pkgaudit\n      events: [uninstall]\n  retry_delay: 5s\n"
	if err := os.WriteFile(filepath.Join(home, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Webhooks.Hooks) != 1 || cfg.Webhooks.Hooks[0].Events[0] != "uninstall" {
		t.Errorf("unexpected hooks: %+v", cfg.Webhooks.Hooks)
	}
	if cfg.Webhooks.RetryDelay != 5*time.Second {
		t.Errorf("retry_delay = %s", cfg.Webhooks.RetryDelay)
	}
	if cfg.Webhooks.QueueSize != 100 {
		t.Errorf("queue_size should keep its default, got %d", cfg.Webhooks.QueueSize)
	}

	bad := "webhooks:\n  hooks:\n    - url: ftp://example.com\n"
	if err := os.WriteFile(filepath.Join(home, FileName), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil || !strings.Contains(err.Error(), "webhooks.hooks[0].url") {
		t.Errorf("expected webhook url error, got %v", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nested")
	cfg := Default()
	cfg.Server.Addr = "0.0.0.0:9000"
	cfg.Commands.Timeout = 2 * time.Minute

	if err := Save(home, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(Path(home))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "2m0s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	loaded, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Addr != "0.0.0.0:9000" || loaded.Commands.Timeout != 2*time.Minute {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestHomeDir_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)
	got, err := HomeDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("expected %s, got %s", dir, got)
	}
}

func TestHomeDir_Default(t *testing.T) {
	t.Setenv(HomeEnv, "")
	got, err := HomeDir()
	if err != nil {
		t.Skipf("no user home: %v", err)
	}
	if filepath.Base(got) != ".package-audit" {
		t.Errorf("unexpected default home %s", got)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	if !cfg.NewLogger().Enabled("debug") {
		t.Error("expected debug logging enabled")
	}
}

func TestSetGet(t *testing.T) {
	cfg := Default()
	if err := cfg.Set("lock.timeout", "45s"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Lock.Timeout != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Lock.Timeout)
	}
	got, err := cfg.Get("lock.timeout")
	if err != nil || got != "45s" {
		t.Errorf("get lock.timeout = %q, %v", got, err)
	}

	if err := cfg.Set("snapshots.retention_limit", "3"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ = cfg.Get("snapshots.retention_limit")
	if got != "3" {
		t.Errorf("expected 3, got %s", got)
	}
}

func TestSet_RejectsInvalid(t *testing.T) {
	cfg := Default()
	cases := map[string]string{
		"lock.timeout":              "soon",
		"snapshots.retention_limit": "0",
		"logging.format":            "xml",
		"no.such.key":               "1",
	}
	for key, value := range cases {
		if err := cfg.Set(key, value); err == nil {
			t.Errorf("Set(%s, %s) should fail", key, value)
		}
	}
	if cfg.Snapshots.RetentionLimit != 10 || cfg.Logging.Format != "json" {
		t.Errorf("failed Set must not modify config: %+v", cfg)
	}
}

func TestKeys_Sorted(t *testing.T) {
	keys := Keys()
	if len(keys) != 10 {
		t.Fatalf("expected 10 keys, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("keys not sorted: %v", keys)
		}
	}
	for _, k := range keys {
		if _, err := Default().Get(k); err != nil {
			t.Errorf("Get(%s): %v", k, err)
		}
	}
}
