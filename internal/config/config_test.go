package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type captureLogger struct {
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, format)
}

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redata.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.toml"), envMap(nil), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8765" || cfg.Backend.Kind != "http" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Poller.Interval.Duration != 10*time.Second || cfg.Poller.JitterRatio != 0.2 || cfg.Poller.Concurrency != 4 {
		t.Fatalf("unexpected poller defaults %+v", cfg.Poller)
	}
	if cfg.StateDSN() != "" || cfg.QueueDSN() != "" {
		t.Fatalf("expected no persistence by default, got %q / %q", cfg.StateDSN(), cfg.QueueDSN())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
project_id = 12

[server]
addr = ":9000"
rate_limit_max = 5

[backend]
kind = "HTTP"
base_url = "http://backend:8000"

[stream]
websocket_url = "ws://backend:8000/ws/progress"
queue_size = 64

[poller]
interval = "30s"
jitter_ratio = 0.5
`)
	logger := &captureLogger{}
	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"REDATA_ADDR":             "127.0.0.1:9999",
		"REDATA_POLL_CONCURRENCY": "8",
		"REDATA_POLL_TIMEOUT":     "later",
	}), logger)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ProjectID != 12 || cfg.Server.RateLimitMax != 5 {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected env to override addr, got %s", cfg.Server.Addr)
	}
	if cfg.Backend.Kind != "http" {
		t.Fatalf("expected normalized backend kind, got %s", cfg.Backend.Kind)
	}
	if cfg.Poller.Interval.Duration != 30*time.Second || cfg.Poller.Concurrency != 8 {
		t.Fatalf("unexpected poller config %+v", cfg.Poller)
	}
	if cfg.Poller.Timeout.Duration != 15*time.Second {
		t.Fatalf("expected invalid env duration to keep default, got %s", cfg.Poller.Timeout.Duration)
	}
	if len(logger.lines) != 1 {
		t.Fatalf("expected one warning for invalid env, got %v", logger.lines)
	}
	if cfg.Stream.QueueSize != 64 || cfg.Stream.WebSocketURL == "" {
		t.Fatalf("unexpected stream config %+v", cfg.Stream)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "bad toml", body: "[server\naddr=1", want: "parse"},
		{name: "bad duration", body: "[poller]\ninterval = \"soon\"", want: "parse"},
		{name: "unknown backend", env: map[string]string{"REDATA_BACKEND": "grpc"}, want: "unsupported backend kind"},
		{name: "postgres without dsn", env: map[string]string{"REDATA_BACKEND": "postgres"}, want: "postgres_dsn"},
		{name: "production without dsn", env: map[string]string{"REDATA_BACKEND_PROFILE": "production"}, want: "postgres_dsn"},
		{name: "unknown profile", env: map[string]string{"REDATA_BACKEND_PROFILE": "cloud"}, want: "unsupported state.profile"},
		{name: "zero interval", env: map[string]string{"REDATA_POLL_INTERVAL": "0s"}, want: "poller.interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := ""
			if tc.body != "" {
				path = writeConfig(t, tc.body)
			}
			_, err := LoadWithEnv(path, envMap(tc.env), nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestProfileDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", envMap(map[string]string{
		"REDATA_BACKEND_PROFILE": "durable-local",
		"REDATA_DATA_DIR":        "/var/lib/redata",
	}), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StateDSN() != "file:///var/lib/redata/state.json" {
		t.Fatalf("unexpected state dsn %s", cfg.StateDSN())
	}
	if cfg.QueueDSN() != "file:///var/lib/redata/event-queue.json" {
		t.Fatalf("unexpected queue dsn %s", cfg.QueueDSN())
	}

	explicit, err := LoadWithEnv("", envMap(map[string]string{
		"REDATA_BACKEND_PROFILE": "memory",
		"REDATA_STATE_FILE":      "/tmp/state.json",
	}), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if explicit.StateDSN() != "/tmp/state.json" || explicit.QueueDSN() != "memory://" {
		t.Fatalf("expected explicit state file over profile, got %q / %q", explicit.StateDSN(), explicit.QueueDSN())
	}

	prod, err := LoadWithEnv("", envMap(map[string]string{
		"REDATA_BACKEND_PROFILE": "production",
		"REDATA_POSTGRES_DSN":    "postgres://db/redata",
	}), nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if prod.StateDSN() != "postgres://db/redata" || prod.QueueDSN() != "postgres://db/redata" {
		t.Fatalf("expected production dsn everywhere, got %q / %q", prod.StateDSN(), prod.QueueDSN())
	}
}
