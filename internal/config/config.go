package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL              string
	WebSocketURL         string
	Token                string
	DBPath               string
	PollInterval         time.Duration
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	StatusDebounce       time.Duration
	RetentionCap         int
	MaxTerminalTabs      int
	ResizeSettle         time.Duration
	InitialResizeDelay   time.Duration
	TerminalStartTimeout time.Duration
	StreamTimeout        time.Duration
	UnaryTimeout         time.Duration
	FreeTextLimit        int
	PollDownFailures     int
	PollRecoverSuccesses int
}

func DefaultConfig() Config {
	return Config{
		BaseURL:              "http://localhost:8080",
		DBPath:               defaultDBPath(),
		PollInterval:         5 * time.Second,
		ReconnectInterval:    3 * time.Second,
		StatusDebounce:       300 * time.Millisecond,
		RetentionCap:         50,
		MaxTerminalTabs:      10,
		ResizeSettle:         150 * time.Millisecond,
		InitialResizeDelay:   50 * time.Millisecond,
		TerminalStartTimeout: 10 * time.Second,
		StreamTimeout:        30 * time.Minute,
		UnaryTimeout:         10 * time.Second,
		FreeTextLimit:        10,
		PollDownFailures:     3,
		PollRecoverSuccesses: 1,
	}
}

// fileConfig mirrors Config for YAML; durations are strings like "5s".
type fileConfig struct {
	BaseURL              string `yaml:"base_url"`
	WebSocketURL         string `yaml:"websocket_url"`
	Token                string `yaml:"token"`
	DBPath               string `yaml:"db_path"`
	PollInterval         string `yaml:"poll_interval"`
	ReconnectInterval    string `yaml:"reconnect_interval"`
	ReconnectMaxInterval string `yaml:"reconnect_max_interval"`
	StatusDebounce       string `yaml:"status_debounce"`
	RetentionCap         *int   `yaml:"retention_cap"`
	MaxTerminalTabs      *int   `yaml:"max_terminal_tabs"`
	ResizeSettle         string `yaml:"resize_settle"`
	InitialResizeDelay   string `yaml:"initial_resize_delay"`
	TerminalStartTimeout string `yaml:"terminal_start_timeout"`
	StreamTimeout        string `yaml:"stream_timeout"`
	UnaryTimeout         string `yaml:"unary_timeout"`
}

// Load returns DefaultConfig overlaid with the YAML file at path (when path is
// non-empty and the file exists) and then with BERTH_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := cfg.applyYAML(data); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	setString(&c.BaseURL, fc.BaseURL)
	setString(&c.WebSocketURL, fc.WebSocketURL)
	setString(&c.Token, fc.Token)
	setString(&c.DBPath, fc.DBPath)
	if fc.RetentionCap != nil {
		c.RetentionCap = *fc.RetentionCap
	}
	if fc.MaxTerminalTabs != nil {
		c.MaxTerminalTabs = *fc.MaxTerminalTabs
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"reconnect_interval", fc.ReconnectInterval, &c.ReconnectInterval},
		{"reconnect_max_interval", fc.ReconnectMaxInterval, &c.ReconnectMaxInterval},
		{"status_debounce", fc.StatusDebounce, &c.StatusDebounce},
		{"resize_settle", fc.ResizeSettle, &c.ResizeSettle},
		{"initial_resize_delay", fc.InitialResizeDelay, &c.InitialResizeDelay},
		{"terminal_start_timeout", fc.TerminalStartTimeout, &c.TerminalStartTimeout},
		{"stream_timeout", fc.StreamTimeout, &c.StreamTimeout},
		{"unary_timeout", fc.UnaryTimeout, &c.UnaryTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	setString(&c.BaseURL, getenv("BERTH_URL"))
	setString(&c.Token, getenv("BERTH_TOKEN"))
	setString(&c.DBPath, getenv("BERTH_DB"))
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("base url %q is invalid", c.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ReconnectMaxInterval > 0 && c.ReconnectMaxInterval < c.ReconnectInterval {
		return fmt.Errorf("reconnect max interval must not be below reconnect interval")
	}
	if c.RetentionCap <= 0 {
		return fmt.Errorf("retention cap must be positive")
	}
	if c.MaxTerminalTabs <= 0 {
		return fmt.Errorf("max terminal tabs must be positive")
	}
	return nil
}

// StreamBaseURL returns the ws:// or wss:// base used for persistent
// connections, derived from BaseURL unless WebSocketURL is set.
func (c Config) StreamBaseURL() string {
	if v := strings.TrimSpace(c.WebSocketURL); v != "" {
		return strings.TrimRight(v, "/")
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "berth-stream.db"
	}
	return filepath.Join(home, ".local", "state", "berth-stream", "state.db")
}
