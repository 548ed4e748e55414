package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"BERTH_URL", "BERTH_TOKEN", "BERTH_DB"} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if cfg.PollInterval != 5*time.Second || cfg.StatusDebounce != 300*time.Millisecond || cfg.RetentionCap != 50 || cfg.MaxTerminalTabs != 10 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.BaseURL != def.BaseURL || cfg.StreamTimeout != 30*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadOverlaysYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "berth.yaml")
	body := []byte(`
base_url: https://berth.example.com
token: file-token
poll_interval: 2s
status_debounce: 500ms
retention_cap: 20
max_terminal_tabs: 4
stream_timeout: 5m
reconnect_max_interval: 30s
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BERTH_TOKEN", "env-token")
	t.Setenv("BERTH_DB", "/tmp/berth.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "https://berth.example.com" || cfg.PollInterval != 2*time.Second || cfg.StatusDebounce != 500*time.Millisecond {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.RetentionCap != 20 || cfg.MaxTerminalTabs != 4 || cfg.StreamTimeout != 5*time.Minute {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Token != "env-token" || cfg.DBPath != "/tmp/berth.db" {
		t.Fatalf("env must win over file: %+v", cfg)
	}
	if cfg.ReconnectMaxInterval != 30*time.Second {
		t.Fatalf("reconnect_max_interval not applied: %+v", cfg)
	}
	if cfg.ReconnectInterval != 3*time.Second {
		t.Fatalf("unset keys must keep defaults: %+v", cfg)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "berth.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: soon\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.BaseURL = "ftp://berth" },
		func(c *Config) { c.BaseURL = "not a url" },
		func(c *Config) { c.PollInterval = 0 },
		func(c *Config) { c.RetentionCap = 0 },
		func(c *Config) { c.MaxTerminalTabs = -1 },
		func(c *Config) { c.ReconnectMaxInterval = time.Second },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestStreamBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://berth.example.com/"
	if got := cfg.StreamBaseURL(); got != "wss://berth.example.com" {
		t.Fatalf("unexpected stream url %q", got)
	}
	cfg.BaseURL = "http://localhost:8080"
	if got := cfg.StreamBaseURL(); got != "ws://localhost:8080" {
		t.Fatalf("unexpected stream url %q", got)
	}
	cfg.WebSocketURL = "wss://ws.example.com/"
	if got := cfg.StreamBaseURL(); got != "wss://ws.example.com" {
		t.Fatalf("explicit websocket url must win, got %q", got)
	}
}
