package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Duration reads "10s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	// ProjectID is loaded at startup when non-zero.
	ProjectID int64         `toml:"project_id"`
	Server    ServerConfig  `toml:"server"`
	Backend   BackendConfig `toml:"backend"`
	Stream    StreamConfig  `toml:"stream"`
	Poller    PollerConfig  `toml:"poller"`
	State     StateConfig   `toml:"state"`
}

type ServerConfig struct {
	Addr               string   `toml:"addr"`
	JWTSecret          string   `toml:"jwt_secret"`
	InternalHMACSecret string   `toml:"internal_hmac_secret"`
	InternalMaxSkew    Duration `toml:"internal_max_skew"`
	RateLimitMax       int      `toml:"rate_limit_max"`
	RateLimitWindow    Duration `toml:"rate_limit_window"`
	MaxBodyBytes       int64    `toml:"max_body_bytes"`
}

type BackendConfig struct {
	// Kind is "http" or "postgres".
	Kind        string   `toml:"kind"`
	BaseURL     string   `toml:"base_url"`
	Token       string   `toml:"token"`
	PostgresDSN string   `toml:"postgres_dsn"`
	Timeout     Duration `toml:"timeout"`
}

type StreamConfig struct {
	WebSocketURL string `toml:"websocket_url"`
	EventLog     string `toml:"event_log"`
	OffsetFile   string `toml:"offset_file"`
	QueueDSN     string `toml:"queue_dsn"`
	QueueSize    int    `toml:"queue_size"`
	BlockOnFull  bool   `toml:"block_on_full"`
}

type PollerConfig struct {
	Interval    Duration `toml:"interval"`
	JitterRatio float64  `toml:"jitter_ratio"`
	Concurrency int      `toml:"concurrency"`
	Timeout     Duration `toml:"timeout"`
}

type StateConfig struct {
	// Profile is "", "memory", "durable-local" or "production".
	Profile         string `toml:"profile"`
	DataDir         string `toml:"data_dir"`
	DSN             string `toml:"dsn"`
	TranscriptLimit int    `toml:"transcript_limit"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			InternalMaxSkew: Duration{5 * time.Minute},
			RateLimitWindow: Duration{time.Minute},
			MaxBodyBytes:    1 << 20,
		},
		Backend: BackendConfig{
			Kind:    "http",
			BaseURL: "http://127.0.0.1:8000",
			Timeout: Duration{15 * time.Second},
		},
		Stream: StreamConfig{
			QueueSize: 1024,
		},
		Poller: PollerConfig{
			Interval:    Duration{10 * time.Second},
			JitterRatio: 0.2,
			Concurrency: 4,
			Timeout:     Duration{15 * time.Second},
		},
		State: StateConfig{
			DataDir:         ".redata",
			TranscriptLimit: 200,
		},
	}
}

// Load reads path over the defaults and then applies REDATA_* variables.
// A missing file leaves the defaults in place.
func Load(path string, logger Logger) (*Config, error) {
	return LoadWithEnv(path, os.Getenv, logger)
}

func LoadWithEnv(path string, getenv func(string) string, logger Logger) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	env := envReader{getenv: getenv, logger: logger}
	env.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "http":
		if strings.TrimSpace(c.Backend.BaseURL) == "" {
			return errors.New("backend.base_url is required for the http backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Backend.PostgresDSN) == "" {
			return errors.New("backend.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported backend kind: %s", c.Backend.Kind)
	}
	if c.Poller.Interval.Duration <= 0 {
		return errors.New("poller.interval must be positive")
	}
	if c.Poller.Concurrency < 0 {
		return errors.New("poller.concurrency must not be negative")
	}
	if c.Stream.QueueSize < 0 {
		return errors.New("stream.queue_size must not be negative")
	}
	if _, _, err := c.profileDefaults(); err != nil {
		return err
	}
	return nil
}

// StateDSN resolves the local state backend: an explicit dsn wins over the
// profile default. Empty means no persistence.
func (c *Config) StateDSN() string {
	if dsn := strings.TrimSpace(c.State.DSN); dsn != "" {
		return dsn
	}
	stateDSN, _, _ := c.profileDefaults()
	return stateDSN
}

// QueueDSN resolves the event queue the same way as StateDSN.
func (c *Config) QueueDSN() string {
	if dsn := strings.TrimSpace(c.Stream.QueueDSN); dsn != "" {
		return dsn
	}
	_, queueDSN, _ := c.profileDefaults()
	return queueDSN
}

func (c *Config) profileDefaults() (stateDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(c.State.Profile))
	dataDir := strings.TrimSpace(c.State.DataDir)
	if dataDir == "" {
		dataDir = ".redata"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.Backend.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("backend.postgres_dsn is required when state.profile=%s", profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "event-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported state.profile: %s", profile)
	}
}

type envReader struct {
	getenv func(string) string
	logger Logger
}

func (e envReader) apply(cfg *Config) {
	e.int64Var(&cfg.ProjectID, "REDATA_PROJECT_ID")

	e.stringVar(&cfg.Server.Addr, "REDATA_ADDR")
	e.stringVar(&cfg.Server.JWTSecret, "REDATA_JWT_SECRET")
	e.stringVar(&cfg.Server.InternalHMACSecret, "REDATA_INTERNAL_HMAC_SECRET")
	e.durationVar(&cfg.Server.InternalMaxSkew, "REDATA_INTERNAL_MAX_SKEW")
	e.intVar(&cfg.Server.RateLimitMax, "REDATA_RATE_LIMIT_MAX")
	e.durationVar(&cfg.Server.RateLimitWindow, "REDATA_RATE_LIMIT_WINDOW")
	e.int64Var(&cfg.Server.MaxBodyBytes, "REDATA_MAX_BODY_BYTES")

	e.stringVar(&cfg.Backend.Kind, "REDATA_BACKEND")
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	e.stringVar(&cfg.Backend.BaseURL, "REDATA_BACKEND_URL")
	e.stringVar(&cfg.Backend.Token, "REDATA_BACKEND_TOKEN")
	e.stringVar(&cfg.Backend.PostgresDSN, "REDATA_POSTGRES_DSN")
	e.durationVar(&cfg.Backend.Timeout, "REDATA_BACKEND_TIMEOUT")

	e.stringVar(&cfg.Stream.WebSocketURL, "REDATA_WS_URL")
	e.stringVar(&cfg.Stream.EventLog, "REDATA_EVENT_LOG")
	e.stringVar(&cfg.Stream.OffsetFile, "REDATA_EVENT_OFFSET_FILE")
	e.stringVar(&cfg.Stream.QueueDSN, "REDATA_EVENT_QUEUE_DSN")
	e.intVar(&cfg.Stream.QueueSize, "REDATA_EVENT_QUEUE_SIZE")
	e.boolVar(&cfg.Stream.BlockOnFull, "REDATA_EVENT_BLOCK_ON_FULL")

	e.durationVar(&cfg.Poller.Interval, "REDATA_POLL_INTERVAL")
	e.floatVar(&cfg.Poller.JitterRatio, "REDATA_POLL_JITTER_RATIO")
	e.intVar(&cfg.Poller.Concurrency, "REDATA_POLL_CONCURRENCY")
	e.durationVar(&cfg.Poller.Timeout, "REDATA_POLL_TIMEOUT")

	e.stringVar(&cfg.State.Profile, "REDATA_BACKEND_PROFILE")
	e.stringVar(&cfg.State.DataDir, "REDATA_DATA_DIR")
	e.stringVar(&cfg.State.DSN, "REDATA_STATE_BACKEND_DSN")
	if stateFile := strings.TrimSpace(e.getenv("REDATA_STATE_FILE")); stateFile != "" && strings.TrimSpace(cfg.State.DSN) == "" {
		cfg.State.DSN = stateFile
	}
	e.intVar(&cfg.State.TranscriptLimit, "REDATA_TRANSCRIPT_LIMIT")
}

func (e envReader) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func (e envReader) stringVar(dst *string, name string) {
	if raw := strings.TrimSpace(e.getenv(name)); raw != "" {
		*dst = raw
	}
}

func (e envReader) intVar(dst *int, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logf("invalid %s=%q, using %d", name, raw, *dst)
		return
	}
	*dst = value
}

func (e envReader) int64Var(dst *int64, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logf("invalid %s=%q, using %d", name, raw, *dst)
		return
	}
	*dst = value
}

func (e envReader) floatVar(dst *float64, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logf("invalid %s=%q, using %g", name, raw, *dst)
		return
	}
	*dst = value
}

func (e envReader) boolVar(dst *bool, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.logf("invalid %s=%q, using %t", name, raw, *dst)
		return
	}
	*dst = value
}

func (e envReader) durationVar(dst *Duration, name string) {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logf("invalid %s=%q, using %s", name, raw, dst.Duration.String())
		return
	}
	dst.Duration = value
}
